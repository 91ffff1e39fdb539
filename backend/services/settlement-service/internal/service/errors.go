package service

import (
	"context"
	"errors"

	"gpurental/backend/services/settlement-service/internal/audit"
)

var (
	ErrValidation            = errors.New("validation error")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrNotFound              = errors.New("not found")
	ErrNoAvailableGPU        = errors.New("no available gpu")
	ErrSessionNotActive      = errors.New("billing session not active")
	ErrNoNewMinutes          = errors.New("no new billable minutes")
	ErrJobNotRunning         = errors.New("job not running")
	ErrIntegrityViolation    = errors.New("billing integrity violation")
	ErrContainerLaunchFailed = errors.New("container launch failed")
	ErrContainerStopFailed   = errors.New("container stop failed")
	ErrGPUWipeFailed         = errors.New("gpu wipe failed")
)

// Auditor receives security-relevant events. Implementations must not block.
type Auditor interface {
	LogEvent(ctx context.Context, e audit.Event)
}

type nopAuditor struct{}

func (nopAuditor) LogEvent(context.Context, audit.Event) {}

func auditorOrNop(a Auditor) Auditor {
	if a == nil {
		return nopAuditor{}
	}
	return a
}
