// Package sandbox runs agent shell commands inside per-session Docker
// containers.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ashureev/cody/internal/engine"
)

const (
	containerPrefix = "cody-sandbox-"
	stopTimeoutSecs = 5

	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	reapInterval = time.Minute
)

// Config configures the sandbox manager.
type Config struct {
	Image   string
	Runtime string // "" for runc, "runsc" for gVisor
}

type sandboxContainer struct {
	id       string
	cwd      string
	lastUsed time.Time
}

// Manager owns one container per session.
type Manager struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]*sandboxContainer
	now        func() time.Time
}

var _ engine.Shell = (*Manager)(nil)

// New creates a Docker-backed sandbox manager.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Docker sandbox initialized", "image", cfg.Image, "runtime", runtime)
	return newManager(cli, cfg, logger), nil
}

func newManager(cli *client.Client, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cli:        cli,
		cfg:        cfg,
		logger:     logger,
		containers: make(map[string]*sandboxContainer),
		now:        time.Now,
	}
}

// Ping verifies the Docker daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Exec implements engine.Shell by running command with bash in the
// session's container.
func (m *Manager) Exec(ctx context.Context, sessionID, cwd, command string) (engine.ExecResult, error) {
	containerID, err := m.ensure(ctx, sessionID, cwd)
	if err != nil {
		return engine.ExecResult{}, err
	}

	execOpts := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"bash", "-lc", command},
	}
	if cwd != "" {
		execOpts.WorkingDir = cwd
	}

	resp, err := m.cli.ContainerExecCreate(ctx, containerID, execOpts)
	if err != nil {
		return engine.ExecResult{}, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attachResp, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return engine.ExecResult{}, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()

	output, err := collectOutput(attachResp.Reader)
	if err != nil {
		if ctx.Err() != nil {
			return engine.ExecResult{Output: output, ExitCode: -1}, ctx.Err()
		}
		return engine.ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return engine.ExecResult{}, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	m.touch(sessionID)
	return engine.ExecResult{Output: output, ExitCode: inspect.ExitCode}, nil
}

// collectOutput demultiplexes a non-TTY exec stream into one buffer.
func collectOutput(r io.Reader) (string, error) {
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, r); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

func (m *Manager) ensure(ctx context.Context, sessionID, cwd string) (string, error) {
	m.mu.Lock()
	existing, ok := m.containers[sessionID]
	m.mu.Unlock()

	if ok && existing.cwd == cwd {
		inspect, err := m.cli.ContainerInspect(ctx, existing.id)
		if err == nil && inspect.State.Running {
			return existing.id, nil
		}
		if err != nil && !errdefs.IsNotFound(err) {
			return "", fmt.Errorf("inspect container %s: %w", existing.id, err)
		}
	}
	if ok {
		if err := m.stop(ctx, existing.id); err != nil {
			m.logger.Warn("Failed to stop stale sandbox", "session_id", sessionID, "error", err)
		}
	}

	name := containerPrefix + sessionID
	// A container left by a previous process blocks the name.
	if inspect, err := m.cli.ContainerInspect(ctx, name); err == nil {
		if err := m.stop(ctx, inspect.ID); err != nil {
			return "", err
		}
	}

	config := &container.Config{
		Image:      m.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: cwd,
		Labels:     map[string]string{"cody.session": sessionID},
	}
	hostConfig := &container.HostConfig{
		Runtime: m.cfg.Runtime,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	if cwd != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: cwd,
			Target: cwd,
		}}
	}

	resp, err := m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create sandbox container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			m.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start sandbox container %s: %w", resp.ID, err)
	}

	m.mu.Lock()
	m.containers[sessionID] = &sandboxContainer{id: resp.ID, cwd: cwd, lastUsed: m.now()}
	m.mu.Unlock()

	m.logger.Info("Sandbox container started", "session_id", sessionID, "container_id", resp.ID)
	return resp.ID, nil
}

func (m *Manager) touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[sessionID]; ok {
		c.lastUsed = m.now()
	}
}

// Release stops and removes the session's container, if any.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	c, ok := m.containers[sessionID]
	delete(m.containers, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.stop(ctx, c.id)
}

// Close releases every container.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]string, 0, len(m.containers))
	for id := range m.containers {
		sessions = append(sessions, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range sessions {
		if err := m.Release(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.cli.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close docker client: %w", err))
	}
	return errors.Join(errs...)
}

// stop is idempotent: a container that is already gone is not an error.
func (m *Manager) stop(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		m.logger.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			m.logger.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	m.logger.Info("Sandbox container removed", "container_id", containerID)
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
