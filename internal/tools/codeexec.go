package tools

import (
	"context"
	"encoding/json"
	"time"
)

// CodeRunner executes agent-supplied code in isolation. Implemented by the
// sandbox supervisor.
type CodeRunner interface {
	Run(ctx context.Context, code string, timeout time.Duration, auth AuthContext) (*Result, error)
}

type executeCodeInput struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// RegisterCodeExecution adds execute_code, handing code to the sandbox.
// maxTimeout bounds the per-call timeout from faculty config.
func RegisterCodeExecution(r *Registry, runner CodeRunner, maxTimeout time.Duration) error {
	if maxTimeout <= 0 {
		maxTimeout = 60 * time.Second
	}
	tool := Tool{
		Name: "execute_code",
		Description: "Run Python code in an isolated sandbox with an `animus` SDK module for " +
			"calling your tools programmatically (animus.call(name, **input)). The value your " +
			"code assigns to `result` becomes the tool result. No network, no host filesystem.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code":            map[string]any{"type": "string"},
				"timeout_seconds": map[string]any{"type": "integer", "minimum": 1},
			},
			"required": []any{"code"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in executeCodeInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			timeout := maxTimeout
			if in.TimeoutSeconds > 0 {
				requested := time.Duration(in.TimeoutSeconds) * time.Second
				if requested < timeout {
					timeout = requested
				}
			}
			return runner.Run(ctx, in.Code, timeout, auth)
		},
	}
	return r.Register(tool)
}
