// Package sandbox executes agent-supplied code in an ephemeral Docker
// container. The container has no network; its only way out is a unix
// socket RPC endpoint bind-mounted into it, through which the in-container
// SDK invokes engine tools under the same authorization context and hook
// pipeline as direct calls. The code's explicit result value — not its
// stdout — becomes the tool result.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/animusworks/animus/internal/otel"
	"github.com/animusworks/animus/internal/tools"
)

// ToolExecutor runs one tool call on behalf of sandboxed code. The engage
// loop supplies an executor that applies its hook pipeline, so SDK calls
// are indistinguishable from direct ones.
type ToolExecutor func(ctx context.Context, name string, input json.RawMessage, auth tools.AuthContext) *tools.Result

// Config sizes the container.
type Config struct {
	Image    string
	Network  string // not read: containers always run with network mode "none"; RPC rides the bind mount
	MemoryMB int64
	CPUs     float64
}

// Supervisor manages ephemeral containers, one per execute_code call.
type Supervisor struct {
	client  *client.Client
	config  Config
	execute ToolExecutor
	logger  *slog.Logger
}

// New creates a Supervisor. execute handles the SDK's tool calls.
func New(cfg Config, execute ToolExecutor, logger *slog.Logger) (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Image == "" {
		cfg.Image = "python:3.12-alpine"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1.0
	}
	return &Supervisor{client: cli, config: cfg, execute: execute, logger: logger}, nil
}

// Close releases the docker client.
func (s *Supervisor) Close() error {
	return s.client.Close()
}

// sandboxResult is what the in-container runner writes to result.json.
type sandboxResult struct {
	Result  string `json:"result"`
	Error   string `json:"error,omitempty"`
	IsError bool   `json:"is_error"`
}

// Run executes code in a fresh container and returns exactly one Result.
// On timeout the container is killed and a timeout error returned. No skill
// scripts are mounted; RunWithScripts mounts them read-only under
// /sandbox/skills.
func (s *Supervisor) Run(ctx context.Context, code string, timeout time.Duration, auth tools.AuthContext) (*tools.Result, error) {
	return s.RunWithScripts(ctx, code, timeout, auth, nil)
}

// RunWithScripts is Run plus read-only skill script mounts.
func (s *Supervisor) RunWithScripts(ctx context.Context, code string, timeout time.Duration, auth tools.AuthContext, scriptDirs map[string]string) (*tools.Result, error) {
	hostDir, err := os.MkdirTemp("", "animus-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}
	defer os.RemoveAll(hostDir)

	if err := os.WriteFile(filepath.Join(hostDir, "code.py"), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("write code: %w", err)
	}
	if err := os.WriteFile(filepath.Join(hostDir, "main.py"), []byte(runnerPy), 0o644); err != nil {
		return nil, fmt.Errorf("write runner: %w", err)
	}

	// The RPC bridge listens on a unix socket inside the bind mount —
	// reachable only from within this container.
	bridge, err := newBridge(filepath.Join(hostDir, "rpc.sock"), s.execute, auth, s.logger)
	if err != nil {
		return nil, fmt.Errorf("start rpc bridge: %w", err)
	}
	defer bridge.Close()

	binds := []string{fmt.Sprintf("%s:/sandbox", hostDir)}
	for name, dir := range scriptDirs {
		binds = append(binds, fmt.Sprintf("%s:/sandbox/skills/%s:ro", dir, name))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.client.ContainerCreate(runCtx, &container.Config{
		Image:      s.config.Image,
		Cmd:        []string{"python3", "/sandbox/main.py"},
		WorkingDir: "/sandbox",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   s.config.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(s.config.CPUs * 1e9),
		},
		NetworkMode: container.NetworkMode("none"),
		Binds:       binds,
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		otel.SandboxRun(ctx, "create_error")
		return nil, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := s.client.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		otel.SandboxRun(ctx, "start_error")
		return nil, fmt.Errorf("start container: %w", err)
	}
	s.logger.Debug("sandbox container started",
		"container_id", containerID[:12], "work_item_id", auth.WorkItemID, "timeout", timeout)

	statusCh, errCh := s.client.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		otel.SandboxRun(ctx, "wait_error")
		return nil, fmt.Errorf("wait container: %w", err)
	case <-statusCh:
	case <-runCtx.Done():
		// Kill with a background context: runCtx is already done.
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer killCancel()
		_ = s.client.ContainerKill(killCtx, containerID, "SIGKILL")
		otel.SandboxRun(ctx, "timeout")
		return tools.Errorf(tools.ErrorTypeTimeout, "code execution timed out after %s", timeout), nil
	}

	data, err := os.ReadFile(filepath.Join(hostDir, "result.json"))
	if err != nil {
		otel.SandboxRun(ctx, "no_result")
		return tools.Errorf(tools.ErrorTypeExecution, "sandbox produced no result file"), nil
	}
	var res sandboxResult
	if err := json.Unmarshal(data, &res); err != nil {
		otel.SandboxRun(ctx, "bad_result")
		return tools.Errorf(tools.ErrorTypeExecution, "sandbox result unreadable: %v", err), nil
	}

	out := &tools.Result{Content: res.Result, IsError: res.IsError}
	if res.IsError {
		out.Content = res.Error
		out.ErrorType = tools.ErrorTypeExecution
		otel.SandboxRun(ctx, "error")
	} else {
		otel.SandboxRun(ctx, "ok")
	}
	// Surface the last step append made through the RPC so the engage
	// loop's block accounting sees it like a direct call.
	if seq, content, ok := bridge.LastStep(); ok {
		if out.Metadata == nil {
			out.Metadata = map[string]any{}
		}
		out.Metadata[tools.MetaLedgerSeq] = seq
		out.Metadata[tools.MetaEntryType] = "step"
		out.Metadata[tools.MetaLedgerText] = content
	}
	return out, nil
}
