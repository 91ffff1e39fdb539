package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

var _ Daemon = (*DockerDaemon)(nil)

// DockerDaemon adapts the Docker Engine API to Daemon.
type DockerDaemon struct {
	cli *client.Client
}

// NewDockerDaemon connects using DOCKER_* environment settings, optionally overriding
// the host, and negotiates the API version with the engine.
func NewDockerDaemon(host string) (*DockerDaemon, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: new client: %w", err)
	}
	return &DockerDaemon{cli: cli}, nil
}

// Ping checks the engine is reachable.
func (d *DockerDaemon) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerDaemon) Close() error {
	return d.cli.Close()
}

func wrapDockerErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: %s %s: %v", ErrNoSuchContainer, op, id, err)
	}
	return fmt.Errorf("docker: %s %s: %w", op, id, err)
}

func (d *DockerDaemon) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		Labels:          spec.Labels,
		NetworkDisabled: spec.NetworkDisabled,
	}
	host := &container.HostConfig{
		Privileged: spec.Privileged,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.NetworkDisabled {
		host.NetworkMode = "none"
	}
	if !spec.Privileged {
		host.SecurityOpt = []string{"no-new-privileges"}
	}
	if len(spec.GPUDeviceIDs) > 0 {
		host.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    spec.GPUDeviceIDs,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	for _, m := range spec.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil {
		return "", wrapDockerErr("create", spec.Name, err)
	}
	return resp.ID, nil
}

func (d *DockerDaemon) Start(ctx context.Context, id string) error {
	return wrapDockerErr("start", id, d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *DockerDaemon) Inspect(ctx context.Context, id string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, wrapDockerErr("inspect", id, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return ContainerState{}, fmt.Errorf("docker: inspect %s: no state", id)
	}
	return ContainerState{
		Running:  info.State.Running,
		Status:   info.State.Status,
		ExitCode: info.State.ExitCode,
	}, nil
}

// statsPayload is the subset of the engine's stats document used for CPU and memory.
type statsPayload struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

func (d *DockerDaemon) Stats(ctx context.Context, id string) (CPUSample, error) {
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return CPUSample{}, wrapDockerErr("stats", id, err)
	}
	defer resp.Body.Close()

	var payload statsPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return CPUSample{}, fmt.Errorf("docker: decode stats %s: %w", id, err)
	}
	return CPUSample{
		TotalUsage:     payload.CPUStats.CPUUsage.TotalUsage,
		PreTotalUsage:  payload.PreCPUStats.CPUUsage.TotalUsage,
		SystemUsage:    payload.CPUStats.SystemUsage,
		PreSystemUsage: payload.PreCPUStats.SystemUsage,
		OnlineCPUs:     payload.CPUStats.OnlineCPUs,
		MemoryBytes:    payload.MemoryStats.Usage,
	}, nil
}

func (d *DockerDaemon) Exec(ctx context.Context, id string, cmd []string) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, wrapDockerErr("exec create", id, err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, wrapDockerErr("exec attach", id, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("docker: exec read %s: %w", id, err)
	}
	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, wrapDockerErr("exec inspect", id, err)
	}
	return ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (d *DockerDaemon) Logs(ctx context.Context, id string, tail int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "all"}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", wrapDockerErr("logs", id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("docker: read logs %s: %w", id, err)
	}
	return buf.String(), nil
}

func (d *DockerDaemon) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return wrapDockerErr("stop", id, d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}))
}

func (d *DockerDaemon) Kill(ctx context.Context, id string) error {
	return wrapDockerErr("kill", id, d.cli.ContainerKill(ctx, id, "SIGKILL"))
}

func (d *DockerDaemon) Remove(ctx context.Context, id string) error {
	return wrapDockerErr("remove", id, d.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	}))
}

func (d *DockerDaemon) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("docker: wait %s: %s", id, status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, wrapDockerErr("wait", id, err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *DockerDaemon) ListByLabel(ctx context.Context, key, value string, runningOnly bool) ([]string, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     !runningOnly,
		Filters: filters.NewArgs(filters.Arg("label", key+"="+value)),
	})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}
