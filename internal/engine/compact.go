package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/animusworks/animus/internal/llm"
	"github.com/animusworks/animus/internal/otel"
)

// defaultContextWindow is the model context size assumed when none is
// configured.
const defaultContextWindow = 200_000

// estimateTokens approximates token count at ~4 characters per token.
func estimateTokens(text string) int {
	return len(text)/4 + 1
}

func estimateMessageTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m.Text)
		for _, b := range m.User {
			switch ub := b.(type) {
			case llm.TextBlock:
				total += estimateTokens(ub.Text)
			case llm.ToolResultBlock:
				total += estimateTokens(ub.Content)
			case llm.ImageBlock:
				total += len(ub.Data) / 4
			}
		}
		for _, b := range m.Assistant {
			switch ab := b.(type) {
			case llm.TextBlock:
				total += estimateTokens(ab.Text)
			case llm.ToolUseBlock:
				total += estimateTokens(string(ab.Input))
			}
		}
	}
	return total
}

// compactIfNeeded applies ledger-based compaction when the visible history
// exceeds the threshold fraction of the context window: everything before
// the final compact_keep_recent messages is replaced with the formatted
// ledger and an acknowledgement. If that still overflows, one LLM
// summarization pass runs over the pre-recent portion.
func (l *Loop) compactIfNeeded(ctx context.Context) error {
	cfg := l.faculty.Engage
	window := l.contextWindow
	if window <= 0 {
		window = defaultContextWindow
	}
	budget := int(float64(window) * cfg.CompactThreshold)

	if estimateMessageTokens(l.visibleMessages()) <= budget {
		return nil
	}

	keep := cfg.CompactKeepRecent
	if keep >= len(l.messages) {
		return nil
	}
	recent := l.messages[len(l.messages)-keep:]
	compacted := l.messages[:len(l.messages)-keep]

	formatted, err := l.store.FormatLedger(ctx, l.auth.WorkItemID)
	if err != nil {
		return fmt.Errorf("format ledger for compaction: %w", err)
	}
	if formatted == "" {
		formatted = "(ledger is empty)"
	}

	l.logger.Info("compacting engage history",
		"work_item_id", l.auth.WorkItemID,
		"dropped_messages", len(compacted),
		"kept_messages", len(recent))

	replacement := []llm.Message{
		llm.UserText("Context was compacted. Your work ledger so far:\n\n" + formatted),
		llm.AssistantMessage(llm.TextBlock{Text: "Understood. Continuing from the ledger state."}),
	}

	rebuilt := append(replacement, normalizeAfterCompaction(recent)...)

	// Emergency LLM summarization: the ledger alone did not fit, which
	// means the agent let untracked context pile up.
	if estimateMessageTokens(rebuilt) > budget {
		otel.EmergencySummarization(ctx)
		summary, err := l.summarize(ctx, compacted)
		if err != nil {
			l.logger.Warn("emergency summarization failed, keeping ledger-only compaction",
				"work_item_id", l.auth.WorkItemID, "error", err)
		} else {
			rebuilt = append([]llm.Message{
				llm.UserText("Context was compacted. Summary of earlier work:\n\n" + summary),
				llm.AssistantMessage(llm.TextBlock{Text: "Understood. Continuing from the summary."}),
			}, normalizeAfterCompaction(recent)...)
		}
	}

	l.messages = rebuilt
	l.blocks = nil
	l.openBlockStart = 0
	return nil
}

// normalizeAfterCompaction ensures the kept tail starts with a message the
// API accepts after an assistant acknowledgement: a leading user message
// whose first block is a tool_result would orphan its tool_use, so such
// results degrade to text.
func normalizeAfterCompaction(recent []llm.Message) []llm.Message {
	out := make([]llm.Message, len(recent))
	copy(out, recent)
	if len(out) == 0 || out[0].Role != llm.RoleUser {
		return out
	}
	var changed bool
	blocks := make([]llm.UserBlock, len(out[0].User))
	copy(blocks, out[0].User)
	for j, b := range blocks {
		if tr, ok := b.(llm.ToolResultBlock); ok {
			blocks[j] = llm.TextBlock{Text: fmt.Sprintf("[earlier tool result] %s", tr.Content)}
			changed = true
		}
	}
	if changed {
		out[0] = llm.UserMessage(blocks...)
	}
	return out
}

// summarize runs one LLM call over dropped history and returns the
// summary text.
func (l *Loop) summarize(ctx context.Context, dropped []llm.Message) (string, error) {
	var b strings.Builder
	for _, m := range dropped {
		switch m.Role {
		case llm.RoleUser:
			for _, block := range m.User {
				switch ub := block.(type) {
				case llm.TextBlock:
					fmt.Fprintf(&b, "user: %s\n", ub.Text)
				case llm.ToolResultBlock:
					fmt.Fprintf(&b, "tool_result(%s): %s\n", ub.ToolUseID, ub.Content)
				}
			}
		case llm.RoleAssistant:
			for _, block := range m.Assistant {
				switch ab := block.(type) {
				case llm.TextBlock:
					fmt.Fprintf(&b, "assistant: %s\n", ab.Text)
				case llm.ToolUseBlock:
					fmt.Fprintf(&b, "tool_use(%s): %s\n", ab.Name, string(ab.Input))
				}
			}
		}
	}

	prompt := "Summarize this working history concisely, preserving key facts, decisions, " +
		"open questions, and anything needed to continue the work:\n\n" + b.String()
	resp, err := l.client.Complete(ctx, llm.CompletionRequest{
		Model:     l.faculty.Engage.Model,
		System:    "You summarize agent working history. Reply with only the summary.",
		Messages:  []llm.Message{llm.UserText(prompt)},
		MaxTokens: 2048,
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
