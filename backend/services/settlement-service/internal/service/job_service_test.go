package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/orchestrator"
	"gpurental/backend/services/settlement-service/internal/repository"
)

func submit(t *testing.T, h *harness, maxBudget int64) *models.Job {
	t.Helper()
	job, err := h.jobs.Submit(context.Background(), SubmitJobInput{
		RenterID:       "renter",
		Image:          "pytorch/pytorch:2.3.0-cuda12.1-cudnn8-runtime",
		Command:        []string{"python", "train.py"},
		JobCodePath:    "/srv/jobs/code",
		RequiredVRAMGB: 24,
		EstimatedHours: 1,
		MaxBudget:      maxBudget,
	})
	require.NoError(t, err)
	return job
}

func jobIDsWithStatus(t *testing.T, h *harness, status models.JobStatus) []string {
	t.Helper()
	var ids []string
	err := h.store.InTx(context.Background(), func(tx repository.Tx) error {
		var err error
		ids, err = tx.ListJobIDsByStatus(context.Background(), status, 10)
		return err
	})
	require.NoError(t, err)
	return ids
}

func TestSubmitMatchesMostReliableGPU(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-cheap", 24, 100, 0.85)
	h.addGPU(t, "gpu-reliable", 24, 150, 0.99)

	job := submit(t, h, 5000)

	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, "gpu-reliable", job.GPUID)
	assert.Equal(t, "provider-gpu-reliable", job.ProviderID)
	assert.Equal(t, int64(150), job.RatePerHour)
	assert.Equal(t, "ctr-"+job.ID, job.ContainerID)
	assert.NotEmpty(t, job.BillingSessionID)
	require.NotNil(t, job.StartedAt)

	assert.Equal(t, models.GPUInUse, h.gpu(t, "gpu-reliable").Status)
	assert.Equal(t, models.GPUAvailable, h.gpu(t, "gpu-cheap").Status)

	require.Len(t, h.orch.launched, 1)
	launch := h.orch.launched[0]
	assert.Equal(t, "gpu-reliable", launch.GPU.ID)
	assert.Equal(t, "/srv/jobs/code", launch.CodePath)

	assert.Equal(t, int64(150*24), h.balance(t, "renter").Reserved)
	assert.Contains(t, h.audit.actions(), "job.running")
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []SubmitJobInput{
		{Image: "img", MaxBudget: 1},
		{RenterID: "renter", MaxBudget: 1},
		{RenterID: "renter", Image: "img"},
		{RenterID: "renter", Image: "img", MaxBudget: 1, EstimatedHours: -1},
		{RenterID: "renter", Image: "img", MaxBudget: 1, RequiredVRAMGB: -4},
	}
	for _, in := range cases {
		_, err := h.jobs.Submit(ctx, in)
		require.ErrorIs(t, err, ErrValidation)
	}
	assert.Empty(t, jobIDsWithStatus(t, h, models.JobPending))
}

func TestSubmitWithoutMatchingGPUFails(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-small", 8, 100, 0.99)

	_, err := h.jobs.Submit(context.Background(), SubmitJobInput{
		RenterID: "renter", Image: "img", RequiredVRAMGB: 24, EstimatedHours: 1, MaxBudget: 1000,
	})
	require.ErrorIs(t, err, ErrNoAvailableGPU)
	assert.Len(t, jobIDsWithStatus(t, h, models.JobFailed), 1)
	assert.Equal(t, models.GPUAvailable, h.gpu(t, "gpu-small").Status)
	assert.Empty(t, h.orch.launched)
}

func TestSubmitRequiresEstimatedCost(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "renter", 100)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)

	_, err := h.jobs.Submit(context.Background(), SubmitJobInput{
		RenterID: "renter", Image: "img", RequiredVRAMGB: 24, EstimatedHours: 1, MaxBudget: 1000,
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, models.GPUAvailable, h.gpu(t, "gpu-1").Status)
	assert.Len(t, jobIDsWithStatus(t, h, models.JobFailed), 1)
	assert.Equal(t, models.NewBalance("renter", 100, 0), h.balance(t, "renter"))
}

func TestSubmitLaunchFailureReleasesEverything(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 100, 0.9)
	h.orch.launchErr = orchestrator.ErrLaunchFailed

	_, err := h.jobs.Submit(context.Background(), SubmitJobInput{
		RenterID: "renter", Image: "img", RequiredVRAMGB: 24, EstimatedHours: 1, MaxBudget: 1000,
	})
	require.ErrorIs(t, err, ErrContainerLaunchFailed)
	require.ErrorIs(t, err, orchestrator.ErrLaunchFailed)

	assert.Equal(t, models.GPUAvailable, h.gpu(t, "gpu-1").Status)
	assert.Equal(t, models.NewBalance("renter", 10000, 0), h.balance(t, "renter"))

	failed := jobIDsWithStatus(t, h, models.JobFailed)
	require.Len(t, failed, 1)
	job, err := h.jobs.GetJob(context.Background(), failed[0])
	require.NoError(t, err)
	assert.Contains(t, job.FailureReason, "container launch failed")
	assert.NotNil(t, job.FinishedAt)
}

func TestOverBudgetJobIsStoppedOnPoll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	job := submit(t, h, 500)

	h.clock.Advance(3 * time.Minute)
	view, err := h.jobs.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, view.Job.Status)
	assert.Equal(t, int64(300), view.CostSoFar)
	assert.Equal(t, int64(200), view.RemainingBudget)
	require.NotNil(t, view.Metrics)

	h.clock.Advance(3 * time.Minute)
	view, err = h.jobs.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobOverBudget, view.Job.Status)
	assert.Equal(t, int64(500), view.CostSoFar)
	assert.Equal(t, int64(0), view.RemainingBudget)
	require.NotNil(t, view.Receipt)
	assert.Equal(t, int64(500), view.Receipt.TotalCharged)
	assert.Equal(t, int64(6), view.Receipt.TotalMinutes)
	assert.Len(t, h.orch.stopped, 1)
	assert.Len(t, h.orch.wiped, 1)
	assert.Equal(t, models.GPUAvailable, h.gpu(t, "gpu-1").Status)

	monitors := h.orch.monitors
	h.clock.Advance(time.Hour)
	view, err = h.jobs.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobOverBudget, view.Job.Status)
	assert.Equal(t, int64(500), view.CostSoFar)
	assert.Equal(t, monitors, h.orch.monitors)

	renter := h.balance(t, "renter")
	assert.Equal(t, int64(10000-500), renter.Total)
	assert.Equal(t, int64(0), renter.Reserved)
	assert.Contains(t, h.audit.actions(), "job.over-budget")
}

func TestOverBudgetJobSettlesWhenRenterHasNoSlack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	job := submit(t, h, 10000)

	h.clock.Advance(101 * time.Minute)
	view, err := h.jobs.GetJobStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobOverBudget, view.Job.Status)
	require.NotNil(t, view.Job.FinalCost)
	assert.Equal(t, int64(10000), *view.Job.FinalCost)
	require.NotNil(t, view.Receipt)
	assert.Equal(t, int64(10000), view.Receipt.TotalCharged)
	assert.Equal(t, int64(101), view.Receipt.TotalMinutes)

	session, err := h.billing.GetSession(ctx, job.BillingSessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, session.Status)

	assert.Equal(t, models.NewBalance("renter", 0, 0), h.balance(t, "renter"))
	assert.Equal(t, int64(7500), h.balance(t, "provider-gpu-1").Total)
	assert.Equal(t, int64(2500), h.balance(t, "platform").Total)
	require.Len(t, h.payout.requests, 1)
	assert.Equal(t, int64(7500), h.payout.requests[0].AmountHalala)

	report, err := h.billing.Verify(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Discrepancies)
}

func TestExitedContainerFinishesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	h.addGPU(t, "gpu-2", 24, 6000, 0.8)

	ok := submit(t, h, 5000)
	h.orch.metrics = orchestrator.Metrics{Status: orchestrator.StatusExited, ExitCode: 0}
	view, err := h.jobs.GetJobStatus(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, view.Job.Status)

	h.orch.metrics = orchestrator.Metrics{Status: orchestrator.StatusRunning}
	bad := submit(t, h, 5000)
	h.orch.metrics = orchestrator.Metrics{Status: orchestrator.StatusExited, ExitCode: 137}
	view, err = h.jobs.GetJobStatus(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, view.Job.Status)
	assert.Contains(t, view.Job.FailureReason, "137")
}

func TestCompleteJobSettlesAndPaysProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	job := submit(t, h, 5000)

	h.clock.Advance(time.Minute)
	_, err := h.billing.RecordTick(ctx, job.BillingSessionID)
	require.NoError(t, err)
	h.clock.Advance(2*time.Minute + 10*time.Second)

	res, err := h.jobs.CompleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, res.Job.Status)
	assert.False(t, res.GPUWipeFailed)
	assert.Equal(t, int64(300), res.FinalCost)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, int64(200), res.Receipt.SettlementAmount)

	require.Len(t, h.payout.requests, 1)
	payout := h.payout.requests[0]
	assert.Equal(t, "provider-gpu-1", payout.ProviderID)
	assert.Equal(t, int64(225), payout.AmountHalala)
	assert.Equal(t, res.Receipt.ReceiptHash, payout.ReceiptHash)

	assert.Equal(t, int64(225), h.balance(t, "provider-gpu-1").Total)
	assert.Equal(t, int64(75), h.balance(t, "platform").Total)
}

func TestCompleteJobWipeFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	h.orch.wipeErr = orchestrator.ErrResidualMemory
	job := submit(t, h, 5000)

	h.clock.Advance(2 * time.Minute)
	res, err := h.jobs.CompleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, res.Job.Status)
	assert.True(t, res.GPUWipeFailed)
	assert.True(t, res.Job.GPUWipeFailed)
	assert.Equal(t, int64(200), res.FinalCost)
	assert.Equal(t, models.GPUMaintenance, h.gpu(t, "gpu-1").Status)
	assert.Contains(t, h.audit.actions(), "gpu.wipe_failed")
}

func TestCompleteJobStopFailureLeavesJobRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	job := submit(t, h, 5000)
	h.orch.stopErr = orchestrator.ErrStopFailed

	_, err := h.jobs.CompleteJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrContainerStopFailed)

	current, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, current.Status)
	assert.Equal(t, models.GPUInUse, h.gpu(t, "gpu-1").Status)
	assert.Empty(t, h.orch.wiped)
}

func TestCancelJobIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	job := submit(t, h, 5000)
	h.clock.Advance(time.Minute)

	first, err := h.jobs.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, first.Job.Status)

	second, err := h.jobs.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, second.Job.Status)
	assert.Equal(t, first.FinalCost, second.FinalCost)
	require.NotNil(t, second.Receipt)
	assert.Equal(t, first.Receipt.ID, second.Receipt.ID)
	assert.Len(t, h.orch.stopped, 1)
	assert.Len(t, h.payout.requests, 1)
}

func TestCompleteUnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.jobs.CompleteJob(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPayoutFailureDoesNotFailCompletion(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	h.payout.err = errors.New("payout service down")
	job := submit(t, h, 5000)
	h.clock.Advance(5 * time.Minute)

	res, err := h.jobs.CompleteJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, res.Job.Status)
	assert.Len(t, h.payout.requests, 1)
}

func TestEnforceBudgets(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "renter", 100000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	h.addGPU(t, "gpu-2", 24, 6000, 0.8)

	tight := submit(t, h, 200)
	loose := submit(t, h, 50000)
	h.clock.Advance(3 * time.Minute)

	finished, err := h.jobs.EnforceBudgets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, finished)

	got, err := h.jobs.GetJob(context.Background(), tight.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobOverBudget, got.Status)
	got, err = h.jobs.GetJob(context.Background(), loose.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, got.Status)
}

func TestRecordFinalCostFillsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, "renter", 10000)
	h.addGPU(t, "gpu-1", 24, 6000, 0.9)
	job := submit(t, h, 5000)

	require.NoError(t, h.jobs.RecordFinalCost(ctx, &models.BillingReceipt{JobID: job.ID, TotalCharged: 42}))
	require.NoError(t, h.jobs.RecordFinalCost(ctx, &models.BillingReceipt{JobID: job.ID, TotalCharged: 99}))

	got, err := h.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalCost)
	assert.Equal(t, int64(42), *got.FinalCost)
}
