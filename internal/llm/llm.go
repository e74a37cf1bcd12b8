// Package llm defines the thin completion-client contract the engage loop
// consumes, and its Anthropic implementation. The client owns rate-limit
// retry with bounded backoff; everything else (model fallback, circuit
// breaking) lives outside.
package llm

import (
	"context"
	"encoding/json"
)

// Role tags a message in the conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UserBlock is one content block in a user message.
type UserBlock interface{ userBlock() }

// AssistantBlock is one content block in an assistant message.
type AssistantBlock interface{ assistantBlock() }

// TextBlock carries plain text. Valid in both user and assistant messages.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) userBlock()      {}
func (TextBlock) assistantBlock() {}

// ToolResultBlock pairs a tool execution result with its originating
// tool_use id.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

func (ToolResultBlock) userBlock() {}

// ImageBlock carries base64 image data.
type ImageBlock struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func (ImageBlock) userBlock() {}

// ToolUseBlock is the model requesting one tool invocation.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (ToolUseBlock) assistantBlock() {}

// Message is a tagged union over the three roles. Exactly one of Text
// (system), User, or Assistant is populated, selected by Role.
type Message struct {
	Role      Role
	Text      string
	User      []UserBlock
	Assistant []AssistantBlock
}

// SystemMessage builds a system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// UserMessage builds a user message from blocks.
func UserMessage(blocks ...UserBlock) Message {
	return Message{Role: RoleUser, User: blocks}
}

// UserText builds a single-text user message.
func UserText(text string) Message {
	return UserMessage(TextBlock{Text: text})
}

// AssistantMessage builds an assistant message from blocks.
func AssistantMessage(blocks ...AssistantBlock) Message {
	return Message{Role: RoleAssistant, Assistant: blocks}
}

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int64
	Temperature *float64
}

// StopReason says why the model stopped.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// Usage carries token accounting for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the assembled result of one call.
type Response struct {
	Content    []AssistantBlock
	StopReason StopReason
	// RawStopReason preserves the provider string when StopReason is
	// StopOther.
	RawStopReason string
	Usage         Usage
}

// Text concatenates the response's text blocks.
func (r *Response) Text() string {
	out := ""
	for _, block := range r.Content {
		if tb, ok := block.(TextBlock); ok {
			if out != "" {
				out += "\n"
			}
			out += tb.Text
		}
	}
	return out
}

// ToolUses extracts the response's tool_use blocks in order.
func (r *Response) ToolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, block := range r.Content {
		if tu, ok := block.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

// StreamEvent is one element of a streaming response.
type StreamEvent interface{ streamEvent() }

// TextDelta is an incremental chunk of assistant text.
type TextDelta struct {
	Text string
}

func (TextDelta) streamEvent() {}

// ToolStart announces a tool_use block opening.
type ToolStart struct {
	ID   string
	Name string
}

func (ToolStart) streamEvent() {}

// ToolInputDelta is an incremental chunk of a tool_use block's input JSON.
type ToolInputDelta struct {
	ID          string
	PartialJSON string
}

func (ToolInputDelta) streamEvent() {}

// Done marks the end of the stream.
type Done struct{}

func (Done) streamEvent() {}

// Client is the completion interface the engage loop consumes.
type Client interface {
	// Complete performs one synchronous model call.
	Complete(ctx context.Context, req CompletionRequest) (*Response, error)
	// CompleteStream performs one call, feeding events to sink as they
	// arrive, and still returns the fully assembled response.
	CompleteStream(ctx context.Context, req CompletionRequest, sink func(StreamEvent)) (*Response, error)
}
