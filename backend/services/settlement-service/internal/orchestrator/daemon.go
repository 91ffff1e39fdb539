package orchestrator

import (
	"context"
	"errors"
	"time"
)

// ErrNoSuchContainer is returned by a Daemon when the container does not exist.
var ErrNoSuchContainer = errors.New("orchestrator: no such container")

// Mount is a host path bound into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is everything the orchestrator asks of the daemon when creating a
// container.
type ContainerSpec struct {
	Name            string
	Image           string
	Command         []string
	Labels          map[string]string
	GPUDeviceIDs    []string
	Mounts          []Mount
	MemoryBytes     int64
	NanoCPUs        int64
	NetworkDisabled bool
	Privileged      bool
}

// ContainerState is the inspected runtime state.
type ContainerState struct {
	Running  bool
	Status   string
	ExitCode int
}

// CPUSample holds the cgroup counters needed for a CPU percentage, plus memory usage.
type CPUSample struct {
	TotalUsage     uint64
	PreTotalUsage  uint64
	SystemUsage    uint64
	PreSystemUsage uint64
	OnlineCPUs     uint32
	MemoryBytes    uint64
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Daemon is the container runtime consumed by the orchestrator.
type Daemon interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerState, error)
	Stats(ctx context.Context, id string) (CPUSample, error)
	Exec(ctx context.Context, id string, cmd []string) (ExecResult, error)
	// Logs returns the last tail lines; tail <= 0 returns everything.
	Logs(ctx context.Context, id string, tail int) (string, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	ListByLabel(ctx context.Context, key, value string, runningOnly bool) ([]string, error)
}
