package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/orchestrator"
)

func TestRegisterGPUValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.fleet.RegisterGPU(context.Background(), models.ProviderGPU{ID: "g", ProviderID: "p", VRAMGB: 24, RatePerHour: 100, Reliability: 1.5, DeviceID: "0"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.fleet.RegisterGPU(context.Background(), models.ProviderGPU{ID: "g", ProviderID: "p", VRAMGB: 24, RatePerHour: 0, DeviceID: "0"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSetStatusRespectsInUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 100, 0.9)

	g, err := h.fleet.SetStatus(ctx, "gpu-1", models.GPUMaintenance)
	require.NoError(t, err)
	assert.Equal(t, models.GPUMaintenance, g.Status)

	avail, err := h.fleet.ListAvailable(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, avail)

	_, err = h.fleet.SetStatus(ctx, "gpu-1", models.GPUAvailable)
	require.NoError(t, err)
	submit(t, h, 1000)

	_, err = h.fleet.SetStatus(ctx, "gpu-1", models.GPUMaintenance)
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.fleet.SetStatus(ctx, "gpu-1", models.GPUInUse)
	require.ErrorIs(t, err, ErrValidation)
	_, err = h.fleet.SetStatus(ctx, "missing", models.GPUAvailable)
	require.ErrorIs(t, err, ErrNotFound)

	// re-registering a rented GPU keeps it in use
	h.addGPU(t, "gpu-1", 24, 120, 0.9)
	assert.Equal(t, models.GPUInUse, h.gpu(t, "gpu-1").Status)
}

func TestQuarantinedGPURequiresCleanWipe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 100, 0.9)
	job := submit(t, h, 1000)

	h.orch.wipeErr = orchestrator.ErrResidualMemory
	res, err := h.jobs.CompleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.GPUWipeFailed)
	assert.Equal(t, models.GPUMaintenance, h.gpu(t, "gpu-1").Status)

	h.addGPU(t, "gpu-1", 24, 100, 0.9)
	assert.Equal(t, models.GPUMaintenance, h.gpu(t, "gpu-1").Status)

	_, err = h.fleet.SetStatus(ctx, "gpu-1", models.GPUAvailable)
	require.ErrorIs(t, err, ErrGPUWipeFailed)
	require.ErrorIs(t, err, orchestrator.ErrResidualMemory)
	assert.Equal(t, models.GPUMaintenance, h.gpu(t, "gpu-1").Status)
	assert.Len(t, h.orch.wiped, 2)

	h.orch.wipeErr = nil
	g, err := h.fleet.SetStatus(ctx, "gpu-1", models.GPUAvailable)
	require.NoError(t, err)
	assert.Equal(t, models.GPUAvailable, g.Status)
	assert.Len(t, h.orch.wiped, 3)
	assert.Contains(t, h.audit.actions(), "gpu.wipe_failed")
}
