package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
)

// gpuQuery is run inside the job container to sample the pinned GPU.
var gpuQuery = []string{
	"nvidia-smi",
	"--query-gpu=utilization.gpu,memory.used,memory.total,temperature.gpu",
	"--format=csv,noheader,nounits",
}

// GPUMetrics is one nvidia-smi sample.
type GPUMetrics struct {
	UtilizationPercent float64 `json:"utilization_percent"`
	MemoryUsedMB       float64 `json:"memory_used_mb"`
	MemoryTotalMB      float64 `json:"memory_total_mb"`
	TemperatureC       float64 `json:"temperature_c"`
}

// parseGPUMetrics reads the first CSV line of gpuQuery output.
func parseGPUMetrics(out string) (*GPUMetrics, error) {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(out), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) < 4 {
		return nil, fmt.Errorf("orchestrator: unexpected nvidia-smi output %q", line)
	}
	values := make([]float64, 4)
	for i := range values {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: parse nvidia-smi field %d: %w", i, err)
		}
		values[i] = v
	}
	return &GPUMetrics{
		UtilizationPercent: values[0],
		MemoryUsedMB:       values[1],
		MemoryTotalMB:      values[2],
		TemperatureC:       values[3],
	}, nil
}

// parseResidualMemory reads the memory.used value printed last by the wipe command.
func parseResidualMemory(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return 0, fmt.Errorf("orchestrator: empty wipe output")
	}
	v, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: parse residual memory %q: %w", last, err)
	}
	return v, nil
}

// cpuPercent converts cgroup usage deltas into a percentage of the host's online CPUs.
func cpuPercent(s CPUSample) float64 {
	if s.TotalUsage < s.PreTotalUsage || s.SystemUsage <= s.PreSystemUsage {
		return 0
	}
	cpuDelta := float64(s.TotalUsage - s.PreTotalUsage)
	sysDelta := float64(s.SystemUsage - s.PreSystemUsage)
	online := float64(s.OnlineCPUs)
	if online == 0 {
		online = 1
	}
	return cpuDelta / sysDelta * online * 100
}
