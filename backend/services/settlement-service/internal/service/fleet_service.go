package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/metrics"
	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/orchestrator"
	"gpurental/backend/services/settlement-service/internal/repository"
)

// DefaultReliability is assigned to listings whose score was not set by an operator.
const DefaultReliability = 0.8

// GPUWiper resets a GPU before it returns to rotation.
type GPUWiper interface {
	WipeGPU(ctx context.Context, gpu orchestrator.GPURef) error
}

// FleetService maintains the provider GPU directory used for matching.
type FleetService struct {
	store  repository.Store
	wiper  GPUWiper
	audit  Auditor
	logger *zap.Logger
	now    func() time.Time
}

// NewFleetService builds service.
func NewFleetService(store repository.Store, wiper GPUWiper, auditor Auditor, logger *zap.Logger) *FleetService {
	return &FleetService{
		store:  store,
		wiper:  wiper,
		audit:  auditorOrNop(auditor),
		logger: logger,
		now:    time.Now,
	}
}

// RegisterGPU inserts or replaces a GPU listing. New listings start available; an
// existing listing keeps its status, so neither a rented nor a quarantined GPU changes
// state through registration.
func (s *FleetService) RegisterGPU(ctx context.Context, g models.ProviderGPU) (*models.ProviderGPU, error) {
	switch {
	case g.ID == "" || g.ProviderID == "":
		return nil, fmt.Errorf("%w: gpu and provider ids required", ErrValidation)
	case g.VRAMGB <= 0:
		return nil, fmt.Errorf("%w: vram must be positive", ErrValidation)
	case g.RatePerHour <= 0:
		return nil, fmt.Errorf("%w: rate per hour must be positive", ErrValidation)
	case g.Reliability < 0 || g.Reliability > 1:
		return nil, fmt.Errorf("%w: reliability must be within [0,1]", ErrValidation)
	case g.DeviceID == "":
		return nil, fmt.Errorf("%w: device id required", ErrValidation)
	}
	if g.Status == "" {
		g.Status = models.GPUAvailable
	}
	g.UpdatedAt = s.now().UTC()

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		existing, err := tx.LockGPU(ctx, g.ID)
		switch {
		case err == nil:
			g.Status = existing.Status
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}
		return tx.UpsertGPU(ctx, &g)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("gpu registered",
		zap.String("gpu_id", g.ID),
		zap.String("provider_id", g.ProviderID),
		zap.Int("vram_gb", g.VRAMGB),
		zap.Int64("rate_per_hour_halala", g.RatePerHour),
	)
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "gpu.register",
		ResourceID: g.ID,
		Details:    map[string]any{"provider_id": g.ProviderID, "rate_per_hour_halala": g.RatePerHour},
	})
	return &g, nil
}

// ListAvailable returns matchable GPUs in ranking order.
func (s *FleetService) ListAvailable(ctx context.Context, minVRAMGB int) ([]models.ProviderGPU, error) {
	var gpus []models.ProviderGPU
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		gpus, err = tx.ListAvailableGPUs(ctx, minVRAMGB)
		return err
	})
	if err != nil {
		return nil, err
	}
	return RankGPUs(gpus, minVRAMGB), nil
}

// GetGPU returns a GPU listing.
func (s *FleetService) GetGPU(ctx context.Context, id string) (*models.ProviderGPU, error) {
	var gpu *models.ProviderGPU
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		gpu, err = tx.GetGPU(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: gpu %s", ErrNotFound, id)
		}
		return err
	})
	return gpu, err
}

// SetStatus moves a GPU between available and maintenance. in-use is owned by the job
// pipeline and cannot be set or cleared here. Leaving maintenance requires a clean wipe.
func (s *FleetService) SetStatus(ctx context.Context, id string, status models.GPUStatus) (*models.ProviderGPU, error) {
	if status != models.GPUAvailable && status != models.GPUMaintenance {
		return nil, fmt.Errorf("%w: status must be available or maintenance", ErrValidation)
	}
	current, err := s.GetGPU(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == models.GPUMaintenance && status == models.GPUAvailable {
		if err := s.requalify(ctx, current); err != nil {
			return nil, err
		}
	}

	var gpu *models.ProviderGPU
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		gpu, err = tx.LockGPU(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: gpu %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if gpu.Status == models.GPUInUse {
			return fmt.Errorf("%w: gpu %s is in use", ErrValidation, id)
		}
		if gpu.Status != current.Status {
			return fmt.Errorf("%w: gpu %s changed status concurrently", repository.ErrConflict, id)
		}
		now := s.now().UTC()
		gpu.Status = status
		gpu.UpdatedAt = now
		return tx.UpdateGPUStatus(ctx, id, status, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("gpu status changed", zap.String("gpu_id", id), zap.String("status", string(status)))
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "gpu.status",
		ResourceID: id,
		Details:    map[string]any{"status": string(status)},
	})
	return gpu, nil
}

// requalify wipes a quarantined GPU. The GPU stays in maintenance unless the wipe is clean.
func (s *FleetService) requalify(ctx context.Context, gpu *models.ProviderGPU) error {
	if s.wiper == nil {
		return fmt.Errorf("%w: gpu %s has no wiper configured", ErrGPUWipeFailed, gpu.ID)
	}
	err := s.wiper.WipeGPU(ctx, orchestrator.GPURef{ID: gpu.ID, DeviceID: gpu.DeviceID})
	metrics.RecordGPUWipe(err)
	if err != nil {
		s.logger.Error("gpu requalification wipe failed", zap.String("gpu_id", gpu.ID), zap.Error(err))
		s.audit.LogEvent(ctx, audit.Event{
			Action:     "gpu.wipe_failed",
			ResourceID: gpu.ID,
			Details:    map[string]any{"error": err.Error(), "requalify": true},
		})
		return fmt.Errorf("%w: %w", ErrGPUWipeFailed, err)
	}
	s.audit.LogEvent(ctx, audit.Event{
		Action:     "gpu.wipe",
		ResourceID: gpu.ID,
		Details:    map[string]any{"requalify": true},
	})
	return nil
}
