package llm

import (
	"context"
	"sync"
)

// ScriptedClient replays canned responses in order. Used by tests and by
// `animus doctor`-style dry runs; it records every request it sees.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	calls     int

	// Requests holds every request received, in order.
	Requests []CompletionRequest
}

// NewScriptedClient builds a client that returns the given responses in
// sequence. A nil entry in pair with a non-nil error yields that error.
func NewScriptedClient(responses ...*Response) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// PushError queues an error to be returned after the scripted responses.
func (s *ScriptedClient) PushError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, nil)
	s.errs = append(s.errs, err)
}

// Calls returns how many completions were requested.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *ScriptedClient) next(req CompletionRequest) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		// Out of script: end the conversation.
		return &Response{
			Content:    []AssistantBlock{TextBlock{Text: ""}},
			StopReason: StopEndTurn,
		}, nil
	}
	resp := s.responses[idx]
	if resp == nil {
		errIdx := 0
		for i := 0; i < idx; i++ {
			if s.responses[i] == nil {
				errIdx++
			}
		}
		if errIdx < len(s.errs) {
			return nil, s.errs[errIdx]
		}
	}
	return resp, nil
}

func (s *ScriptedClient) Complete(ctx context.Context, req CompletionRequest) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.next(req)
}

func (s *ScriptedClient) CompleteStream(ctx context.Context, req CompletionRequest, sink func(StreamEvent)) (*Response, error) {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		for _, block := range resp.Content {
			switch b := block.(type) {
			case TextBlock:
				sink(TextDelta{Text: b.Text})
			case ToolUseBlock:
				sink(ToolStart{ID: b.ID, Name: b.Name})
				sink(ToolInputDelta{ID: b.ID, PartialJSON: string(b.Input)})
			}
		}
		sink(Done{})
	}
	return resp, nil
}
