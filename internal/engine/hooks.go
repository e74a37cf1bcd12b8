package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"time"

	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/tools"
)

// hook names passed to scripts.
const (
	hookBeforeLLMCall  = "before_llm_call"
	hookBeforeToolCall = "before_tool_call"
	hookAfterToolCall  = "after_tool_call"
)

// defaultHookTimeout bounds one hook script invocation.
const defaultHookTimeout = 10 * time.Second

// LLMCallDecision is the aggregate outcome of before_llm_call hooks.
type LLMCallDecision struct {
	Blocked             bool
	Reason              string
	SystemPromptPatches []string
}

// ToolCallDecision is the aggregate outcome of before_tool_call hooks.
type ToolCallDecision struct {
	Blocked    bool
	Reason     string
	InputPatch json.RawMessage
}

// hookRequest is the JSON a hook script reads on stdin.
type hookRequest struct {
	Hook       string          `json:"hook"`
	FocusID    string          `json:"focus_id"`
	WorkItemID string          `json:"work_item_id"`
	Faculty    string          `json:"faculty"`
	Tool       string          `json:"tool,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     *tools.Result   `json:"result,omitempty"`
}

// hookResponse is what a hook script writes on stdout.
type hookResponse struct {
	Decision          string          `json:"decision"` // "allow" | "block"
	Reason            string          `json:"reason,omitempty"`
	SystemPromptPatch string          `json:"system_prompt_patch,omitempty"`
	InputPatch        json.RawMessage `json:"input_patch,omitempty"`
	Content           *string         `json:"content,omitempty"`
	IsError           *bool           `json:"is_error,omitempty"`
}

// HookRunner invokes the faculty's configured hook scripts. A hook that
// fails to run or returns unparseable output is skipped with a warning —
// hooks fail open.
type HookRunner struct {
	faculty *config.Faculty
	auth    tools.AuthContext
	logger  *slog.Logger
}

func NewHookRunner(faculty *config.Faculty, auth tools.AuthContext, logger *slog.Logger) *HookRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookRunner{faculty: faculty, auth: auth, logger: logger}
}

// BeforeLLMCall runs before_llm_call hooks. The first block wins;
// system-prompt patches from allowing hooks accumulate.
func (h *HookRunner) BeforeLLMCall(ctx context.Context) (LLMCallDecision, error) {
	out := LLMCallDecision{}
	for _, command := range h.faculty.Engage.BeforeLLMCallHooks {
		resp, ok := h.invoke(ctx, command, hookRequest{Hook: hookBeforeLLMCall})
		if !ok {
			continue
		}
		if resp.Decision == "block" {
			return LLMCallDecision{Blocked: true, Reason: resp.Reason}, nil
		}
		if resp.SystemPromptPatch != "" {
			out.SystemPromptPatches = append(out.SystemPromptPatches, resp.SystemPromptPatch)
		}
	}
	return out, nil
}

// BeforeToolCall runs before_tool_call hooks on one pending call. Hooks
// may patch the input; a patch feeds into the next hook in order.
func (h *HookRunner) BeforeToolCall(ctx context.Context, tool string, input json.RawMessage) (ToolCallDecision, error) {
	out := ToolCallDecision{}
	current := input
	for _, command := range h.faculty.Engage.BeforeToolCallHooks {
		resp, ok := h.invoke(ctx, command, hookRequest{Hook: hookBeforeToolCall, Tool: tool, Input: current})
		if !ok {
			continue
		}
		if resp.Decision == "block" {
			return ToolCallDecision{Blocked: true, Reason: resp.Reason}, nil
		}
		if len(resp.InputPatch) > 0 {
			current = resp.InputPatch
			out.InputPatch = resp.InputPatch
		}
	}
	return out, nil
}

// AfterToolCall runs after_tool_call hooks on one result. Hooks may
// replace the content or force an error.
func (h *HookRunner) AfterToolCall(ctx context.Context, tool string, result *tools.Result) (*tools.Result, error) {
	current := result
	for _, command := range h.faculty.Engage.AfterToolCallHooks {
		resp, ok := h.invoke(ctx, command, hookRequest{Hook: hookAfterToolCall, Tool: tool, Result: current})
		if !ok {
			continue
		}
		if resp.Content != nil || resp.IsError != nil {
			patched := *current
			if resp.Content != nil {
				patched.Content = *resp.Content
			}
			if resp.IsError != nil {
				patched.IsError = *resp.IsError
				if patched.IsError && patched.ErrorType == "" {
					patched.ErrorType = tools.ErrorTypeBlocked
				}
			}
			current = &patched
		}
	}
	return current, nil
}

func (h *HookRunner) invoke(ctx context.Context, command string, req hookRequest) (hookResponse, bool) {
	req.FocusID = h.auth.FocusID
	req.WorkItemID = h.auth.WorkItemID
	req.Faculty = h.auth.Faculty

	payload, err := json.Marshal(req)
	if err != nil {
		h.logger.Warn("hook request marshal failed", "hook", req.Hook, "error", err)
		return hookResponse{}, false
	}

	hookCtx, cancel := context.WithTimeout(ctx, defaultHookTimeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, command)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		h.logger.Warn("hook failed, skipping", "hook", req.Hook, "command", command, "error", err)
		return hookResponse{}, false
	}
	var resp hookResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		h.logger.Warn("hook output unparseable, skipping", "hook", req.Hook, "command", command, "error", err)
		return hookResponse{}, false
	}
	return resp, true
}
