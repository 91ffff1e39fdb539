// Package orchestrator runs renter jobs in network-isolated GPU containers and resets
// GPUs between tenants.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
)

var (
	ErrLaunchFailed = errors.New("orchestrator: container launch failed")
	ErrStopFailed   = errors.New("orchestrator: container stop failed")
	ErrGPUInUse     = errors.New("orchestrator: gpu still referenced by a running container")
	ErrWipeFailed   = errors.New("orchestrator: gpu wipe failed")
	// ErrResidualMemory means the reset ran but memory is still allocated on the device.
	ErrResidualMemory = errors.New("orchestrator: gpu memory not cleared after reset")
)

// Container labels applied to every managed container.
const (
	LabelManaged = "gpurental.managed"
	LabelJob     = "gpurental.job"
	LabelGPU     = "gpurental.gpu"
	LabelWipe    = "gpurental.wipe"
)

// Metrics status values.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
	StatusUnknown = "unknown"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// GPURef identifies a physical GPU: the fleet id and the host device id (index or UUID).
type GPURef struct {
	ID       string
	DeviceID string
}

// LaunchConfig describes a job container.
type LaunchConfig struct {
	JobID    string
	Image    string
	Command  []string
	GPU      GPURef
	CodePath string
	MemoryMB int64
	CPUs     float64
}

// Handle references a launched container.
type Handle struct {
	ContainerID string `json:"container_id"`
	JobID       string `json:"job_id"`
	GPUID       string `json:"gpu_id"`
}

// Metrics is a point-in-time view of a container. Status is "unknown" when any probe
// failed; Error then says which.
type Metrics struct {
	Status      string      `json:"status"`
	ExitCode    int         `json:"exit_code,omitempty"`
	CPUPercent  float64     `json:"cpu_percent"`
	MemoryMB    float64     `json:"memory_mb"`
	GPU         *GPUMetrics `json:"gpu,omitempty"`
	Error       string      `json:"error,omitempty"`
	CollectedAt time.Time   `json:"collected_at"`
}

// Config tunes container lifecycle behaviour.
type Config struct {
	StopTimeout      time.Duration
	WipeImage        string
	ResidualMemoryMB float64
	LogTailLines     int
	ProbeTimeout     time.Duration
	WipeTimeout      time.Duration
	CodeMountTarget  string
}

// Orchestrator drives the container daemon.
type Orchestrator struct {
	daemon Daemon
	locks  Locker
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds an orchestrator. A nil locker falls back to an in-process one.
func New(daemon Daemon, locks Locker, cfg Config, logger *zap.Logger) *Orchestrator {
	if locks == nil {
		locks = NewLocalLocker()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.WipeImage == "" {
		cfg.WipeImage = "nvidia/cuda:12.4.1-base-ubuntu22.04"
	}
	if cfg.ResidualMemoryMB <= 0 {
		cfg.ResidualMemoryMB = 5
	}
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = 100
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.WipeTimeout <= 0 {
		cfg.WipeTimeout = 60 * time.Second
	}
	if cfg.CodeMountTarget == "" {
		cfg.CodeMountTarget = "/workspace"
	}
	return &Orchestrator{
		daemon: daemon,
		locks:  locks,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func gpuLockKey(gpuID string) string {
	return "gpu:" + gpuID
}

// Launch creates and starts a job container with networking disabled, the GPU pinned,
// the job code mounted read-only and resource caps applied.
func (o *Orchestrator) Launch(ctx context.Context, cfg LaunchConfig) (*Handle, error) {
	if cfg.JobID == "" || cfg.Image == "" || cfg.GPU.ID == "" {
		return nil, fmt.Errorf("%w: job id, image and gpu required", ErrLaunchFailed)
	}
	if !deviceIDPattern.MatchString(cfg.GPU.DeviceID) {
		return nil, fmt.Errorf("%w: invalid gpu device id %q", ErrLaunchFailed, cfg.GPU.DeviceID)
	}

	unlock, err := o.locks.Lock(ctx, gpuLockKey(cfg.GPU.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: lock gpu %s: %v", ErrLaunchFailed, cfg.GPU.ID, err)
	}
	defer unlock()

	spec := ContainerSpec{
		Name:    "job-" + cfg.JobID,
		Image:   cfg.Image,
		Command: cfg.Command,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelJob:     cfg.JobID,
			LabelGPU:     cfg.GPU.ID,
		},
		GPUDeviceIDs:    []string{cfg.GPU.DeviceID},
		MemoryBytes:     cfg.MemoryMB * 1024 * 1024,
		NanoCPUs:        int64(cfg.CPUs * 1e9),
		NetworkDisabled: true,
	}
	if cfg.CodePath != "" {
		spec.Mounts = []Mount{{Source: cfg.CodePath, Target: o.cfg.CodeMountTarget, ReadOnly: true}}
	}

	id, err := o.daemon.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: create: %v", ErrLaunchFailed, err)
	}
	if err := o.daemon.Start(ctx, id); err != nil {
		if rmErr := o.daemon.Remove(context.WithoutCancel(ctx), id); rmErr != nil && !errors.Is(rmErr, ErrNoSuchContainer) {
			o.logger.Warn("remove of unstarted container failed", zap.String("container_id", id), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("%w: start: %v", ErrLaunchFailed, err)
	}

	o.logger.Info("container launched",
		zap.String("container_id", id),
		zap.String("job_id", cfg.JobID),
		zap.String("gpu_id", cfg.GPU.ID),
		zap.String("image", cfg.Image),
	)
	return &Handle{ContainerID: id, JobID: cfg.JobID, GPUID: cfg.GPU.ID}, nil
}

// Monitor samples a container. It never fails: probe errors yield Status "unknown".
// It only reads container state.
func (o *Orchestrator) Monitor(ctx context.Context, h Handle) (m Metrics) {
	m = Metrics{Status: StatusUnknown, CollectedAt: o.now().UTC()}
	defer func() {
		if p := recover(); p != nil {
			m = Metrics{Status: StatusUnknown, Error: fmt.Sprintf("probe panic: %v", p), CollectedAt: m.CollectedAt}
		}
	}()
	if h.ContainerID == "" {
		m.Error = "no container"
		return m
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	defer cancel()

	state, err := o.daemon.Inspect(ctx, h.ContainerID)
	if err != nil {
		m.Error = "inspect: " + err.Error()
		return m
	}
	if !state.Running {
		m.Status = StatusExited
		m.ExitCode = state.ExitCode
		return m
	}

	sample, err := o.daemon.Stats(ctx, h.ContainerID)
	if err != nil {
		m.Error = "stats: " + err.Error()
		return m
	}
	m.CPUPercent = cpuPercent(sample)
	m.MemoryMB = float64(sample.MemoryBytes) / (1024 * 1024)

	res, err := o.daemon.Exec(ctx, h.ContainerID, gpuQuery)
	if err != nil {
		m.Error = "gpu probe: " + err.Error()
		return m
	}
	if res.ExitCode != 0 {
		m.Error = fmt.Sprintf("gpu probe exited %d", res.ExitCode)
		return m
	}
	gpu, err := parseGPUMetrics(res.Stdout)
	if err != nil {
		m.Error = err.Error()
		return m
	}
	m.GPU = gpu
	m.Status = StatusRunning
	return m
}

// Stop captures the log tail, stops gracefully with a timeout, kills if that fails, then
// removes the container and its volumes. A missing container counts as stopped.
func (o *Orchestrator) Stop(ctx context.Context, h Handle, reason string) error {
	if h.ContainerID == "" {
		return nil
	}
	logger := o.logger.With(zap.String("container_id", h.ContainerID), zap.String("job_id", h.JobID), zap.String("reason", reason))

	logs, err := o.daemon.Logs(ctx, h.ContainerID, o.cfg.LogTailLines)
	switch {
	case errors.Is(err, ErrNoSuchContainer):
		logger.Info("container already gone")
		return nil
	case err != nil:
		logger.Warn("capture container logs failed", zap.Error(err))
	default:
		logger.Info("container log tail", zap.String("logs", logs))
	}

	if err := o.daemon.Stop(ctx, h.ContainerID, o.cfg.StopTimeout); err != nil {
		if errors.Is(err, ErrNoSuchContainer) {
			return nil
		}
		logger.Warn("graceful stop failed, killing", zap.Error(err))
		if killErr := o.daemon.Kill(ctx, h.ContainerID); killErr != nil {
			if errors.Is(killErr, ErrNoSuchContainer) {
				return nil
			}
			return fmt.Errorf("%w: %s: stop: %v; kill: %v", ErrStopFailed, h.ContainerID, err, killErr)
		}
	}

	if err := o.daemon.Remove(ctx, h.ContainerID); err != nil && !errors.Is(err, ErrNoSuchContainer) {
		logger.Warn("remove container failed", zap.Error(err))
	}
	logger.Info("container stopped")
	return nil
}

// WipeGPU resets the GPU's clocks in a privileged one-shot container and checks that no
// memory is left allocated. It refuses while any managed container still runs on the
// GPU. The check and the reset happen under the GPU lock that Launch also takes.
func (o *Orchestrator) WipeGPU(ctx context.Context, gpu GPURef) error {
	if gpu.ID == "" || !deviceIDPattern.MatchString(gpu.DeviceID) {
		return fmt.Errorf("%w: invalid gpu reference %q/%q", ErrWipeFailed, gpu.ID, gpu.DeviceID)
	}
	unlock, err := o.locks.Lock(ctx, gpuLockKey(gpu.ID))
	if err != nil {
		return fmt.Errorf("%w: lock gpu %s: %v", ErrWipeFailed, gpu.ID, err)
	}
	defer unlock()

	active, err := o.daemon.ListByLabel(ctx, LabelGPU, gpu.ID, true)
	if err != nil {
		return fmt.Errorf("%w: list containers on gpu %s: %v", ErrWipeFailed, gpu.ID, err)
	}
	if len(active) > 0 {
		o.logger.Warn("gpu wipe refused, containers still running",
			zap.String("gpu_id", gpu.ID),
			zap.Strings("container_ids", active),
		)
		return fmt.Errorf("%w: %s (%d containers)", ErrGPUInUse, gpu.ID, len(active))
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.WipeTimeout)
	defer cancel()

	dev := gpu.DeviceID
	script := fmt.Sprintf(
		"nvidia-smi -i %s -rgc && nvidia-smi -i %s --query-gpu=memory.used --format=csv,noheader,nounits",
		dev, dev,
	)
	id, err := o.daemon.Create(ctx, ContainerSpec{
		Name:            fmt.Sprintf("gpu-wipe-%s-%d", gpu.ID, o.now().UnixNano()),
		Image:           o.cfg.WipeImage,
		Command:         []string{"sh", "-c", script},
		Labels:          map[string]string{LabelWipe: gpu.ID},
		GPUDeviceIDs:    []string{dev},
		NetworkDisabled: true,
		Privileged:      true,
	})
	if err != nil {
		return fmt.Errorf("%w: create reset container: %v", ErrWipeFailed, err)
	}
	defer func() {
		if rmErr := o.daemon.Remove(context.WithoutCancel(ctx), id); rmErr != nil && !errors.Is(rmErr, ErrNoSuchContainer) {
			o.logger.Warn("remove reset container failed", zap.String("container_id", id), zap.Error(rmErr))
		}
	}()

	if err := o.daemon.Start(ctx, id); err != nil {
		return fmt.Errorf("%w: start reset container: %v", ErrWipeFailed, err)
	}
	exit, err := o.daemon.Wait(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: wait for reset: %v", ErrWipeFailed, err)
	}
	out, err := o.daemon.Logs(ctx, id, 0)
	if err != nil {
		return fmt.Errorf("%w: read reset output: %v", ErrWipeFailed, err)
	}
	if exit != 0 {
		return fmt.Errorf("%w: reset exited %d: %s", ErrWipeFailed, exit, out)
	}

	residual, err := parseResidualMemory(out)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWipeFailed, err)
	}
	if residual > o.cfg.ResidualMemoryMB {
		o.logger.Error("gpu memory not cleared after reset",
			zap.String("gpu_id", gpu.ID),
			zap.Float64("residual_mb", residual),
			zap.Float64("threshold_mb", o.cfg.ResidualMemoryMB),
		)
		return fmt.Errorf("%w: %s has %.0f MiB in use (threshold %.0f)", ErrResidualMemory, gpu.ID, residual, o.cfg.ResidualMemoryMB)
	}

	o.logger.Info("gpu wiped", zap.String("gpu_id", gpu.ID), zap.Float64("residual_mb", residual))
	return nil
}
