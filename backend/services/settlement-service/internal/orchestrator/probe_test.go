package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGPUMetrics(t *testing.T) {
	m, err := parseGPUMetrics(" 45, 1024, 81920, 58\n")
	require.NoError(t, err)
	assert.Equal(t, &GPUMetrics{UtilizationPercent: 45, MemoryUsedMB: 1024, MemoryTotalMB: 81920, TemperatureC: 58}, m)

	_, err = parseGPUMetrics("[N/A], 1, 2, 3")
	require.Error(t, err)
	_, err = parseGPUMetrics("")
	require.Error(t, err)
}

func TestParseResidualMemory(t *testing.T) {
	v, err := parseResidualMemory("All done.\n 3 \n")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	_, err = parseResidualMemory("\n")
	require.Error(t, err)
}

func TestCPUPercent(t *testing.T) {
	assert.InDelta(t, 50.0, cpuPercent(CPUSample{TotalUsage: 150, PreTotalUsage: 100, SystemUsage: 400, PreSystemUsage: 200, OnlineCPUs: 2}), 0.001)
	assert.Equal(t, 0.0, cpuPercent(CPUSample{TotalUsage: 1, SystemUsage: 0}))
	assert.InDelta(t, 10.0, cpuPercent(CPUSample{TotalUsage: 10, SystemUsage: 100}), 0.001)
}
