package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/clients"
	"gpurental/backend/services/settlement-service/internal/metrics"
	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/orchestrator"
	"gpurental/backend/services/settlement-service/internal/repository"
)

// ContainerOrchestrator runs job containers and resets GPUs.
type ContainerOrchestrator interface {
	Launch(ctx context.Context, cfg orchestrator.LaunchConfig) (*orchestrator.Handle, error)
	Monitor(ctx context.Context, h orchestrator.Handle) orchestrator.Metrics
	Stop(ctx context.Context, h orchestrator.Handle, reason string) error
	WipeGPU(ctx context.Context, gpu orchestrator.GPURef) error
}

// PayoutTrigger notifies the payout service after settlement.
type PayoutTrigger interface {
	TriggerPayout(ctx context.Context, req clients.PayoutRequest) error
}

// JobsConfig holds container sizing and submission limits.
type JobsConfig struct {
	MemoryMB          int64
	CPUs              float64
	MaxEstimatedHours int64
}

// JobService is the job pipeline:
// pending -> matching -> launching -> running -> completed | failed | over-budget | cancelled.
type JobService struct {
	store   repository.Store
	billing *BillingService
	orch    ContainerOrchestrator
	payout  PayoutTrigger
	cfg     JobsConfig
	audit   Auditor
	logger  *zap.Logger
	now     func() time.Time
}

// NewJobService builds service. payout may be nil.
func NewJobService(
	store repository.Store,
	billing *BillingService,
	orch ContainerOrchestrator,
	payout PayoutTrigger,
	cfg JobsConfig,
	auditor Auditor,
	logger *zap.Logger,
) *JobService {
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 16384
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 4
	}
	if cfg.MaxEstimatedHours <= 0 {
		cfg.MaxEstimatedHours = 720
	}
	return &JobService{
		store:   store,
		billing: billing,
		orch:    orch,
		payout:  payout,
		cfg:     cfg,
		audit:   auditorOrNop(auditor),
		logger:  logger,
		now:     time.Now,
	}
}

// SubmitJobInput is a renter's job request. Money is in halala.
type SubmitJobInput struct {
	RenterID       string   `json:"renter_id"`
	Image          string   `json:"image"`
	Command        []string `json:"command"`
	JobCodePath    string   `json:"job_code_path"`
	RequiredVRAMGB int      `json:"required_vram_gb"`
	EstimatedHours int64    `json:"estimated_hours"`
	MaxBudget      int64    `json:"max_budget_halala"`
}

func (in *SubmitJobInput) validate(maxHours int64) error {
	switch {
	case in.RenterID == "":
		return fmt.Errorf("%w: renter id required", ErrValidation)
	case strings.TrimSpace(in.Image) == "":
		return fmt.Errorf("%w: image required", ErrValidation)
	case in.RequiredVRAMGB < 0:
		return fmt.Errorf("%w: required vram must not be negative", ErrValidation)
	case in.MaxBudget <= 0:
		return fmt.Errorf("%w: max budget must be positive", ErrValidation)
	case in.EstimatedHours < 0 || in.EstimatedHours > maxHours:
		return fmt.Errorf("%w: estimated hours must be between 1 and %d", ErrValidation, maxHours)
	}
	if in.EstimatedHours == 0 {
		in.EstimatedHours = 1
	}
	return nil
}

// JobStatusView is a job plus live metrics and spend.
type JobStatusView struct {
	Job             *models.Job            `json:"job"`
	Metrics         *orchestrator.Metrics  `json:"metrics,omitempty"`
	CostSoFar       int64                  `json:"cost_so_far_halala"`
	RemainingBudget int64                  `json:"remaining_budget_halala"`
	Receipt         *models.BillingReceipt `json:"receipt,omitempty"`
}

// JobResult is the outcome of finishing a job.
type JobResult struct {
	Job           *models.Job            `json:"job"`
	Receipt       *models.BillingReceipt `json:"receipt,omitempty"`
	FinalCost     int64                  `json:"final_cost_halala"`
	GPUWipeFailed bool                   `json:"gpu_wipe_failed"`
}

// Submit validates, matches a GPU, opens billing and launches the container. Any
// failure after the GPU claim releases the GPU and marks the job failed.
func (s *JobService) Submit(ctx context.Context, in SubmitJobInput) (*models.Job, error) {
	if err := in.validate(s.cfg.MaxEstimatedHours); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:             uuid.NewString(),
		RenterID:       in.RenterID,
		Image:          in.Image,
		Command:        in.Command,
		JobCodePath:    in.JobCodePath,
		RequiredVRAMGB: in.RequiredVRAMGB,
		EstimatedHours: in.EstimatedHours,
		MaxBudget:      in.MaxBudget,
		Status:         models.JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.InTx(ctx, func(tx repository.Tx) error {
		return tx.InsertJob(ctx, job)
	}); err != nil {
		return nil, err
	}
	s.recordTransition(ctx, job, "")

	if err := s.transition(ctx, job.ID, models.JobPending, models.JobMatching); err != nil {
		return nil, err
	}

	gpu, err := s.claimGPU(ctx, job.ID)
	if err != nil {
		return nil, s.abort(ctx, job.ID, nil, "", nil, err)
	}

	session, err := s.billing.Start(ctx, StartSessionInput{
		JobID:       job.ID,
		RenterID:    job.RenterID,
		ProviderID:  gpu.ProviderID,
		RatePerHour: gpu.RatePerHour,
		ReserveCap:  job.MaxBudget,
	})
	if err != nil {
		return nil, s.abort(ctx, job.ID, gpu, "", nil, err)
	}

	handle, err := s.orch.Launch(ctx, orchestrator.LaunchConfig{
		JobID:    job.ID,
		Image:    job.Image,
		Command:  job.Command,
		GPU:      orchestrator.GPURef{ID: gpu.ID, DeviceID: gpu.DeviceID},
		CodePath: job.JobCodePath,
		MemoryMB: s.cfg.MemoryMB,
		CPUs:     s.cfg.CPUs,
	})
	if err != nil {
		return nil, s.abort(ctx, job.ID, gpu, session.ID, nil, fmt.Errorf("%w: %w", ErrContainerLaunchFailed, err))
	}

	running, err := s.markRunning(ctx, job.ID, handle, session)
	if err != nil {
		return nil, s.abort(ctx, job.ID, gpu, session.ID, handle, err)
	}
	s.recordTransition(ctx, running, "")
	return running, nil
}

// claimGPU picks the best available GPU, checks the renter can afford the estimate at
// its rate, and marks it in-use. A candidate taken by a concurrent claim is skipped.
func (s *JobService) claimGPU(ctx context.Context, jobID string) (*models.ProviderGPU, error) {
	var claimed *models.ProviderGPU
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobMatching {
			return fmt.Errorf("%w: job %s is %s", ErrJobNotRunning, jobID, job.Status)
		}

		gpus, err := tx.ListAvailableGPUs(ctx, job.RequiredVRAMGB)
		if err != nil {
			return err
		}
		ranked := RankGPUs(gpus, job.RequiredVRAMGB)
		if len(ranked) == 0 {
			return fmt.Errorf("%w: none with %d GB vram", ErrNoAvailableGPU, job.RequiredVRAMGB)
		}
		bal, err := tx.WalletBalance(ctx, job.RenterID)
		if err != nil {
			return err
		}

		for _, candidate := range ranked {
			gpu, err := tx.LockGPU(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if gpu.Status != models.GPUAvailable {
				continue
			}
			estimate := gpu.RatePerHour * job.EstimatedHours
			if bal.Available < estimate {
				return fmt.Errorf("%w: estimated cost %d halala, available %d", ErrInsufficientBalance, estimate, bal.Available)
			}

			now := s.now().UTC()
			if err := tx.UpdateGPUStatus(ctx, gpu.ID, models.GPUInUse, now); err != nil {
				return err
			}
			job.GPUID = gpu.ID
			job.ProviderID = gpu.ProviderID
			job.RatePerHour = gpu.RatePerHour
			job.Status = models.JobLaunching
			job.UpdatedAt = now
			if err := tx.UpdateJob(ctx, job); err != nil {
				return err
			}
			gpu.Status = models.GPUInUse
			claimed = gpu
			return nil
		}
		return fmt.Errorf("%w: all candidates claimed concurrently", ErrNoAvailableGPU)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("gpu matched",
		zap.String("job_id", jobID),
		zap.String("gpu_id", claimed.ID),
		zap.Float64("reliability", claimed.Reliability),
		zap.Int64("rate_per_hour_halala", claimed.RatePerHour),
	)
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "job.launching",
		ResourceID: jobID,
		Details:    map[string]any{"gpu_id": claimed.ID, "rate_per_hour_halala": claimed.RatePerHour},
	})
	return claimed, nil
}

func (s *JobService) markRunning(ctx context.Context, jobID string, h *orchestrator.Handle, session *models.BillingSession) (*models.Job, error) {
	var out *models.Job
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.JobLaunching {
			return fmt.Errorf("%w: job %s is %s", ErrJobNotRunning, jobID, job.Status)
		}
		started := session.StartedAt
		job.ContainerID = h.ContainerID
		job.BillingSessionID = session.ID
		job.Status = models.JobRunning
		job.StartedAt = &started
		job.UpdatedAt = s.now().UTC()
		out = job
		return tx.UpdateJob(ctx, job)
	})
	return out, err
}

// abort unwinds a failed submission: stop the container, close billing (no whole minute
// has elapsed, so nothing is charged in the common case), wipe the GPU if a container
// touched it, then release the GPU and mark the job failed.
func (s *JobService) abort(ctx context.Context, jobID string, gpu *models.ProviderGPU, sessionID string, h *orchestrator.Handle, cause error) error {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("job_id", jobID))
	logger.Warn("job submission failed", zap.Error(cause))

	gpuStatus := models.GPUAvailable
	if h != nil {
		if err := s.orch.Stop(ctx, *h, "launch aborted"); err != nil {
			logger.Error("stop of aborted container failed", zap.Error(err))
		}
		if gpu != nil {
			err := s.orch.WipeGPU(ctx, orchestrator.GPURef{ID: gpu.ID, DeviceID: gpu.DeviceID})
			metrics.RecordGPUWipe(err)
			if err != nil {
				logger.Error("gpu wipe after aborted launch failed", zap.String("gpu_id", gpu.ID), zap.Error(err))
				gpuStatus = models.GPUMaintenance
			}
		}
	}
	if sessionID != "" {
		if _, err := s.billing.Close(ctx, sessionID); err != nil {
			logger.Error("close billing for aborted job failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	var failed *models.Job
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Finished() {
			return nil
		}
		now := s.now().UTC()
		if gpu != nil {
			if err := tx.UpdateGPUStatus(ctx, gpu.ID, gpuStatus, now); err != nil {
				return err
			}
		}
		job.Status = models.JobFailed
		job.FailureReason = cause.Error()
		job.FinishedAt = &now
		job.UpdatedAt = now
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		failed = job
		return nil
	})
	if err != nil {
		logger.Error("mark job failed", zap.Error(err))
	} else if failed != nil {
		s.recordTransition(ctx, failed, cause.Error())
	}
	return cause
}

// GetJob returns a job by id.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job *models.Job
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		job, err = getJob(ctx, tx, jobID)
		return err
	})
	return job, err
}

// GetJobStatus polls a running job. A job whose spend reached its max budget is
// stopped and moved to over-budget; one whose container exited is finished.
func (s *JobService) GetJobStatus(ctx context.Context, jobID string) (*JobStatusView, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobRunning {
		return s.finishedView(ctx, job), nil
	}

	m := s.orch.Monitor(ctx, handleFor(job))
	cost := s.costSoFar(job)
	remaining := job.MaxBudget - cost

	var (
		target models.JobStatus
		reason string
	)
	switch {
	case remaining <= 0:
		target, reason = models.JobOverBudget, "max budget exhausted"
	case m.Status == orchestrator.StatusExited && m.ExitCode == 0:
		target = models.JobCompleted
	case m.Status == orchestrator.StatusExited:
		target, reason = models.JobFailed, fmt.Sprintf("container exited with code %d", m.ExitCode)
	}
	if target != "" {
		res, err := s.finishJob(ctx, jobID, target, reason)
		if err != nil {
			return nil, err
		}
		view := &JobStatusView{Job: res.Job, Metrics: &m, CostSoFar: res.FinalCost, Receipt: res.Receipt}
		view.RemainingBudget = res.Job.MaxBudget - res.FinalCost
		return view, nil
	}

	return &JobStatusView{Job: job, Metrics: &m, CostSoFar: cost, RemainingBudget: remaining}, nil
}

func (s *JobService) finishedView(ctx context.Context, job *models.Job) *JobStatusView {
	view := &JobStatusView{Job: job}
	if job.FinalCost != nil {
		view.CostSoFar = *job.FinalCost
	}
	view.RemainingBudget = job.MaxBudget - view.CostSoFar
	if job.BillingSessionID != "" && job.Status.Finished() {
		if receipt, err := s.billing.GetReceipt(ctx, job.BillingSessionID); err == nil {
			view.Receipt = receipt
		}
	}
	return view
}

// costSoFar is whole elapsed minutes at the job's rate, capped at the max budget the
// billing session was opened with.
func (s *JobService) costSoFar(job *models.Job) int64 {
	if job.StartedAt == nil {
		return 0
	}
	return capCharge(ChargeFor(WholeMinutes(*job.StartedAt, s.now().UTC()), job.RatePerHour), 0, job.MaxBudget)
}

// CompleteJob stops, wipes, settles and releases a running job.
func (s *JobService) CompleteJob(ctx context.Context, jobID string) (*JobResult, error) {
	return s.finishJob(ctx, jobID, models.JobCompleted, "")
}

// CancelJob is a renter cancellation; it follows the completion path.
func (s *JobService) CancelJob(ctx context.Context, jobID string) (*JobResult, error) {
	return s.finishJob(ctx, jobID, models.JobCancelled, "cancelled by renter")
}

// finishJob is the shared stop -> wipe -> settle -> release path. Only a hard container
// stop failure aborts it; wipe, settlement and payout problems are logged and flagged.
// Finishing an already finished job returns its stored result.
func (s *JobService) finishJob(ctx context.Context, jobID string, target models.JobStatus, reason string) (*JobResult, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Finished() {
		return s.resultFor(ctx, job), nil
	}
	if job.Status != models.JobRunning {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotRunning, jobID, job.Status)
	}

	ctx = context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("job_id", jobID), zap.String("target", string(target)))

	if err := s.orch.Stop(ctx, handleFor(job), string(target)); err != nil {
		logger.Error("container stop failed, job left running", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrContainerStopFailed, err)
	}

	wipeFailed := s.wipe(ctx, job)

	receipt, err := s.billing.Close(ctx, job.BillingSessionID)
	if err != nil {
		logger.Error("billing close failed, settlement will be retried", zap.String("session_id", job.BillingSessionID), zap.Error(err))
		receipt = nil
	}

	var finished *models.Job
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		current, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if current.Status.Finished() {
			finished = current
			return nil
		}
		if current.Status != models.JobRunning {
			return fmt.Errorf("%w: job %s is %s", ErrJobNotRunning, jobID, current.Status)
		}

		now := s.now().UTC()
		gpuStatus := models.GPUAvailable
		if wipeFailed {
			gpuStatus = models.GPUMaintenance
		}
		if err := tx.UpdateGPUStatus(ctx, current.GPUID, gpuStatus, now); err != nil {
			return err
		}
		current.Status = target
		current.GPUWipeFailed = wipeFailed
		current.FailureReason = reason
		current.FinishedAt = &now
		current.UpdatedAt = now
		if receipt != nil {
			total := receipt.TotalCharged
			current.FinalCost = &total
		}
		if err := tx.UpdateJob(ctx, current); err != nil {
			return err
		}
		finished = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	if finished.Status != target || finished.FinishedAt == nil {
		return s.resultFor(ctx, finished), nil
	}

	s.recordTransition(ctx, finished, reason)
	if receipt != nil {
		s.triggerPayout(ctx, finished, receipt)
	}
	res := &JobResult{Job: finished, Receipt: receipt, GPUWipeFailed: wipeFailed}
	if finished.FinalCost != nil {
		res.FinalCost = *finished.FinalCost
	}
	return res, nil
}

// wipe resets the job's GPU and reports whether it failed. Failures are loud but never
// abort the job.
func (s *JobService) wipe(ctx context.Context, job *models.Job) bool {
	var gpu *models.ProviderGPU
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		gpu, err = tx.GetGPU(ctx, job.GPUID)
		return err
	})
	if err == nil {
		err = s.orch.WipeGPU(ctx, orchestrator.GPURef{ID: gpu.ID, DeviceID: gpu.DeviceID})
	}
	metrics.RecordGPUWipe(err)
	if err != nil {
		s.logger.Error("gpu wipe failed, gpu moved to maintenance",
			zap.String("job_id", job.ID),
			zap.String("gpu_id", job.GPUID),
			zap.Bool("residual_memory", errors.Is(err, orchestrator.ErrResidualMemory)),
			zap.Error(err),
		)
		s.audit.LogEvent(ctx, audit.Event{
			Action:     "gpu.wipe_failed",
			ResourceID: job.GPUID,
			Details:    map[string]any{"job_id": job.ID, "error": err.Error()},
		})
		return true
	}
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "gpu.wipe",
		ResourceID: job.GPUID,
		Details:    map[string]any{"job_id": job.ID},
	})
	return false
}

func (s *JobService) triggerPayout(ctx context.Context, job *models.Job, receipt *models.BillingReceipt) {
	if s.payout == nil || receipt.ProviderPayout <= 0 {
		return
	}
	err := s.payout.TriggerPayout(ctx, clients.PayoutRequest{
		ProviderID:   job.ProviderID,
		JobID:        job.ID,
		SessionID:    receipt.SessionID,
		AmountHalala: receipt.ProviderPayout,
		ReceiptHash:  receipt.ReceiptHash,
	})
	if err != nil {
		s.logger.Warn("provider payout trigger failed",
			zap.String("job_id", job.ID),
			zap.String("provider_id", job.ProviderID),
			zap.Int64("amount_halala", receipt.ProviderPayout),
			zap.Error(err),
		)
	}
}

func (s *JobService) resultFor(ctx context.Context, job *models.Job) *JobResult {
	res := &JobResult{Job: job, GPUWipeFailed: job.GPUWipeFailed}
	if job.FinalCost != nil {
		res.FinalCost = *job.FinalCost
	}
	if job.BillingSessionID != "" {
		if receipt, err := s.billing.GetReceipt(ctx, job.BillingSessionID); err == nil {
			res.Receipt = receipt
		}
	}
	return res
}

// RecordFinalCost fills in a job's final cost once a retried settlement succeeds.
func (s *JobService) RecordFinalCost(ctx context.Context, receipt *models.BillingReceipt) error {
	return s.store.InTx(ctx, func(tx repository.Tx) error {
		job, err := lockJob(ctx, tx, receipt.JobID)
		if err != nil {
			return err
		}
		if job.FinalCost != nil {
			return nil
		}
		total := receipt.TotalCharged
		job.FinalCost = &total
		job.UpdatedAt = s.now().UTC()
		return tx.UpdateJob(ctx, job)
	})
}

// EnforceBudgets polls every running job so over-budget ones are stopped even when no
// client is watching. It returns how many jobs were finished.
func (s *JobService) EnforceBudgets(ctx context.Context) (int, error) {
	var ids []string
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		ids, err = tx.ListJobIDsByStatus(ctx, models.JobRunning, 500)
		return err
	})
	if err != nil {
		return 0, err
	}
	finished := 0
	for _, id := range ids {
		view, err := s.GetJobStatus(ctx, id)
		if err != nil {
			s.logger.Warn("budget check failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if view.Job.Status.Finished() {
			finished++
		}
	}
	return finished, nil
}

func (s *JobService) transition(ctx context.Context, jobID string, from, to models.JobStatus) error {
	var job *models.Job
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		job, err = lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != from {
			return fmt.Errorf("%w: job %s is %s, expected %s", ErrJobNotRunning, jobID, job.Status, from)
		}
		job.Status = to
		job.UpdatedAt = s.now().UTC()
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return err
	}
	s.recordTransition(ctx, job, "")
	return nil
}

func (s *JobService) recordTransition(ctx context.Context, job *models.Job, reason string) {
	metrics.RecordJobTransition(string(job.Status))
	s.logger.Info("job transition",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.String("reason", reason),
	)
	details := map[string]any{"renter_id": job.RenterID, "gpu_id": job.GPUID}
	if reason != "" {
		details["reason"] = reason
	}
	if job.FinalCost != nil {
		details["final_cost_halala"] = *job.FinalCost
	}
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "job." + string(job.Status),
		ResourceID: job.ID,
		Details:    details,
	})
}

func handleFor(job *models.Job) orchestrator.Handle {
	return orchestrator.Handle{ContainerID: job.ContainerID, JobID: job.ID, GPUID: job.GPUID}
}

func getJob(ctx context.Context, tx repository.Tx, id string) (*models.Job, error) {
	job, err := tx.GetJob(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return job, err
}

func lockJob(ctx context.Context, tx repository.Tx, id string) (*models.Job, error) {
	job, err := tx.LockJob(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return job, err
}
