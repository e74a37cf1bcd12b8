package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/animusworks/animus/internal/otel"
	"github.com/cenkalti/backoff/v5"
)

const (
	// rateLimitMaxTries bounds 429 retries per call.
	rateLimitMaxTries = 4
	// defaultMaxTokens applies when a request leaves MaxTokens zero.
	defaultMaxTokens = 4096
)

// AnthropicClient implements Client over the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient builds a client with the given API key.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// Complete performs one synchronous call, retrying rate limits with
// exponential backoff before surfacing RateLimitedError.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := backoff.Retry(ctx, func() (*anthropic.Message, error) {
		m, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return nil, classifyForRetry(err)
		}
		return m, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(rateLimitMaxTries))
	if err != nil {
		return nil, classify(err)
	}

	resp, err := convertMessage(msg)
	if err != nil {
		return nil, err
	}
	otel.LLMTokens(ctx, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

// CompleteStream performs one streaming call, forwarding deltas to sink and
// returning the assembled response.
func (c *AnthropicClient) CompleteStream(ctx context.Context, req CompletionRequest, sink func(StreamEvent)) (*Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = func(StreamEvent) {}
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	accumulated := anthropic.Message{}
	// Map block index to tool_use id so input deltas carry their id.
	toolIDs := map[int64]string{}

	for stream.Next() {
		event := stream.Current()
		if err := accumulated.Accumulate(event); err != nil {
			return nil, &DecodeError{Err: err}
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				toolIDs[ev.Index] = tu.ID
				sink(ToolStart{ID: tu.ID, Name: tu.Name})
			}
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				sink(TextDelta{Text: d.Text})
			case anthropic.InputJSONDelta:
				sink(ToolInputDelta{ID: toolIDs[ev.Index], PartialJSON: d.PartialJSON})
			}
		case anthropic.MessageStopEvent:
			sink(Done{})
		}
	}
	if err := stream.Err(); err != nil {
		classified := classify(err)
		var rl *RateLimitedError
		if errors.As(classified, &rl) {
			// Rate-limited mid-stream: fall back to the synchronous path,
			// which owns the retry budget.
			c.logger.Warn("stream rate limited, retrying synchronously")
			return c.Complete(ctx, req)
		}
		return nil, &StreamError{Err: classified}
	}

	resp, err := convertMessage(&accumulated)
	if err != nil {
		return nil, err
	}
	otel.LLMTokens(ctx, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

func buildParams(req CompletionRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			// System turns inside the history fold into the system prompt.
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Text})
		case RoleUser:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.User))
			for _, b := range m.User {
				switch ub := b.(type) {
				case TextBlock:
					blocks = append(blocks, anthropic.NewTextBlock(ub.Text))
				case ToolResultBlock:
					blocks = append(blocks, anthropic.NewToolResultBlock(ub.ToolUseID, ub.Content, ub.IsError))
				case ImageBlock:
					blocks = append(blocks, anthropic.NewImageBlockBase64(ub.MediaType, ub.Data))
				default:
					return params, &DecodeError{Err: fmt.Errorf("unknown user block %T", b)}
				}
			}
			params.Messages = append(params.Messages, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Assistant))
			for _, b := range m.Assistant {
				switch ab := b.(type) {
				case TextBlock:
					blocks = append(blocks, anthropic.NewTextBlock(ab.Text))
				case ToolUseBlock:
					blocks = append(blocks, anthropic.NewToolUseBlock(ab.ID, json.RawMessage(ab.Input), ab.Name))
				default:
					return params, &DecodeError{Err: fmt.Errorf("unknown assistant block %T", b)}
				}
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		default:
			return params, &DecodeError{Err: fmt.Errorf("unknown role %q", m.Role)}
		}
	}

	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.InputSchema["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.InputSchema["required"].([]string); ok {
			schema.Required = req
		} else if raw, ok := t.InputSchema["required"].([]any); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return params, nil
}

func convertMessage(msg *anthropic.Message) (*Response, error) {
	resp := &Response{
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content = append(resp.Content, TextBlock{Text: b.Text})
		case anthropic.ToolUseBlock:
			resp.Content = append(resp.Content, ToolUseBlock{
				ID:    b.ID,
				Name:  b.Name,
				Input: json.RawMessage(b.Input),
			})
		}
	}
	switch msg.StopReason {
	case anthropic.StopReasonEndTurn:
		resp.StopReason = StopEndTurn
	case anthropic.StopReasonToolUse:
		resp.StopReason = StopToolUse
	case anthropic.StopReasonMaxTokens:
		resp.StopReason = StopMaxTokens
	default:
		resp.StopReason = StopOther
		resp.RawStopReason = string(msg.StopReason)
	}
	return resp, nil
}

// classifyForRetry maps SDK errors for the backoff loop: rate limits and
// overload retry, everything else is permanent.
func classifyForRetry(err error) error {
	classified := classify(err)
	var rl *RateLimitedError
	if errors.As(classified, &rl) {
		if rl.RetryAfter > 0 {
			return backoff.RetryAfter(int(rl.RetryAfter / time.Second))
		}
		return classified
	}
	var api *APIError
	if errors.As(classified, &api) && api.Status == 529 {
		return classified
	}
	return backoff.Permanent(classified)
}

// classify maps SDK errors to the client's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return err
	}
	var api *APIError
	if errors.As(err, &api) {
		return err
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 {
			return &RateLimitedError{RetryAfter: retryAfterOf(apierr)}
		}
		return &APIError{Status: apierr.StatusCode, Message: apierr.Error()}
	}
	return &HTTPError{Err: err}
}

func retryAfterOf(apierr *anthropic.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	raw := apierr.Response.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(raw, "%d", &seconds); err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
