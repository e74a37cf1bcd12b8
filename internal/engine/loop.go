// Package engine implements the engage loop: the agentic iteration of LLM
// call, parallel tool execution, context management, and ledger write that
// drives a focus. Scheduling is single-threaded cooperative within one
// focus; each iteration may fan tool calls out on a bounded worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/llm"
	"github.com/animusworks/animus/internal/skills"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/tools"
)

const (
	// noResponseText is the outcome when the model never produced visible
	// text.
	noResponseText = "(no response)"

	engineSystemTemplate = `You are an autonomous focus working one work item to completion. ` +
		`Maintain your work ledger as you go: record a plan first, findings and decisions as ` +
		`they happen, and a step entry whenever you finish a coherent unit of work. The ledger ` +
		`is your durable memory; anything not recorded there may be forgotten when context is ` +
		`compacted. When the work is done, reply with a final summary instead of calling tools.`
)

// Outcome is the result of a completed engage loop.
type Outcome struct {
	Text         string   `json:"text"`
	Iterations   int      `json:"iterations"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	FailedTools  []string `json:"failed_tools,omitempty"`
	Cancelled    bool     `json:"cancelled,omitempty"`
}

// closedBlock is a region of message history delimited by a step ledger
// entry (or by a closure without one).
type closedBlock struct {
	start, end  int // [start, end) into messages
	stepSeq     int64
	stepContent string
	toolCalls   int
}

// activeSkill is one activated skill's prompt fragment.
type activeSkill struct {
	name string
	body string
}

// Loop runs the engage phase for one focus.
type Loop struct {
	client   llm.Client
	registry *tools.Registry
	store    *store.Store
	skills   *skills.Manager
	faculty  *config.Faculty
	auth     tools.AuthContext
	hooks    *HookRunner
	logger   *slog.Logger

	// contextWindow is the model context size used by compaction. Zero
	// means the default.
	contextWindow int

	// state across iterations
	messages        []llm.Message
	blocks          []closedBlock
	openBlockStart  int
	sinceLedgerStep int
	failedTools     map[string]struct{}
	activeSkills    []activeSkill
	iterToolCalls   int
}

// New builds a Loop.
func New(client llm.Client, registry *tools.Registry, st *store.Store, mgr *skills.Manager,
	faculty *config.Faculty, auth tools.AuthContext, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:      client,
		registry:    registry,
		store:       st,
		skills:      mgr,
		faculty:     faculty,
		auth:        auth,
		hooks:       NewHookRunner(faculty, auth, logger),
		logger:      logger,
		failedTools: make(map[string]struct{}),
	}
}

// ActivateSkill preloads a skill prompt fragment (Orient-time
// auto-activation).
func (l *Loop) ActivateSkill(name, body string) {
	for _, s := range l.activeSkills {
		if s.name == name {
			return
		}
	}
	l.activeSkills = append(l.activeSkills, activeSkill{name: name, body: body})
}

// Run executes the loop until a controlled exit. seedContext (from Orient,
// with the awareness digest already prepended) becomes the opening user
// message.
func (l *Loop) Run(ctx context.Context, seedContext string) (*Outcome, error) {
	outcome := &Outcome{}
	cfg := l.faculty.Engage

	if strings.TrimSpace(seedContext) == "" {
		seedContext = "Begin working on the work item. Read your ledger for any seeded context."
	}
	l.messages = append(l.messages, llm.UserText(seedContext))
	l.openBlockStart = 0

	emptyRetries := 0
	for {
		// Cancellation is observed between iterations.
		if err := ctx.Err(); err != nil {
			outcome.Cancelled = true
			outcome.Text = "cancelled"
			l.finish(outcome)
			return outcome, nil
		}
		// Turn cap. max_turns = 0 exits immediately with no response.
		if outcome.Iterations >= cfg.MaxTurns {
			if outcome.Text == "" {
				outcome.Text = noResponseText
			}
			if cfg.MaxTurns > 0 {
				l.messages = append(l.messages, llm.AssistantMessage(
					llm.TextBlock{Text: "turn limit reached"}))
				outcome.Text = "turn limit reached"
			}
			l.finish(outcome)
			return outcome, nil
		}
		outcome.Iterations++

		// BeforeLLMCall hooks: allow (with optional system prompt patches)
		// or block.
		decision, err := l.hooks.BeforeLLMCall(ctx)
		if err != nil {
			return nil, err
		}
		if decision.Blocked {
			outcome.Text = decision.Reason
			l.finish(outcome)
			return outcome, nil
		}

		req, err := l.buildRequest(ctx, decision.SystemPromptPatches)
		if err != nil {
			return nil, err
		}
		resp, err := l.client.Complete(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				outcome.Cancelled = true
				outcome.Text = "cancelled"
				l.finish(outcome)
				return outcome, nil
			}
			return nil, fmt.Errorf("llm call: %w", err)
		}
		outcome.InputTokens += resp.Usage.InputTokens
		outcome.OutputTokens += resp.Usage.OutputTokens

		switch resp.StopReason {
		case llm.StopToolUse:
			stepClosed, err := l.runToolIteration(ctx, resp)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					outcome.Cancelled = true
					outcome.Text = "cancelled"
					l.finish(outcome)
					return outcome, nil
				}
				return nil, err
			}
			l.accountBlock(stepClosed)
			l.maybeNudge()

		default:
			// EndTurn, MaxTokens, and anything else: extract text and exit,
			// preserving whatever the model said.
			text := strings.TrimSpace(resp.Text())
			if text == "" && resp.StopReason == llm.StopEndTurn && emptyRetries == 0 {
				// Empty-reply retry: push a synthetic continue and try once
				// more.
				emptyRetries++
				l.messages = append(l.messages, llm.UserText("continue"))
				continue
			}
			if text == "" {
				text = noResponseText
			}
			l.messages = append(l.messages, llm.AssistantMessage(llm.TextBlock{Text: text}))
			outcome.Text = text
			l.finish(outcome)
			return outcome, nil
		}
	}
}

func (l *Loop) finish(outcome *Outcome) {
	names := make([]string, 0, len(l.failedTools))
	for name := range l.failedTools {
		names = append(names, name)
	}
	sort.Strings(names)
	outcome.FailedTools = names
	if len(names) > 0 && outcome.Text != "" && !outcome.Cancelled {
		outcome.Text += fmt.Sprintf("\n\n[tools that errored this focus: %s]", strings.Join(names, ", "))
	}
}

// buildRequest assembles the system prompt, the visible message view
// (closed-block stubs plus the open block), and the tool definitions, after
// running ledger-based compaction if the history is over threshold.
func (l *Loop) buildRequest(ctx context.Context, systemPatches []string) (llm.CompletionRequest, error) {
	cfg := l.faculty.Engage

	var system strings.Builder
	system.WriteString(engineSystemTemplate)
	if prompt := strings.TrimSpace(cfg.Prompt); prompt != "" {
		system.WriteString("\n\n")
		system.WriteString(prompt)
	}
	for _, s := range l.activeSkills {
		system.WriteString("\n\n# Skill: ")
		system.WriteString(s.name)
		system.WriteString("\n\n")
		system.WriteString(s.body)
	}
	for _, patch := range systemPatches {
		system.WriteString("\n\n")
		system.WriteString(patch)
	}

	if err := l.compactIfNeeded(ctx); err != nil {
		return llm.CompletionRequest{}, err
	}

	engineTools := []string{
		"ledger_append", "ledger_read",
		"spawn_child_work", "await_child_work", "check_child_work",
		"discover_skills", "activate_skill", "create_skill",
	}
	if cfg.CodeExecution {
		engineTools = append(engineTools, "execute_code")
	}
	toolNames := append(append([]string{}, cfg.Tools...), engineTools...)

	return llm.CompletionRequest{
		Model:     cfg.Model,
		System:    system.String(),
		Messages:  l.visibleMessages(),
		Tools:     l.registry.Definitions(toolNames...),
		MaxTokens: 8192,
	}, nil
}

// accountBlock updates block accounting after an iteration. A step append
// closes the open block at the end of the iteration's message pair.
func (l *Loop) accountBlock(step *stepClosure) {
	if step == nil {
		l.sinceLedgerStep++
		return
	}
	l.blocks = append(l.blocks, closedBlock{
		start:       l.openBlockStart,
		end:         len(l.messages),
		stepSeq:     step.seq,
		stepContent: step.content,
		toolCalls:   l.iterToolCalls,
	})
	l.openBlockStart = len(l.messages)
	l.sinceLedgerStep = 0
}

// maybeNudge appends an engine reminder when too many iterations passed
// without a step entry. ledger_nudge_interval = 0 disables nudging.
func (l *Loop) maybeNudge() {
	interval := l.faculty.Engage.LedgerNudgeInterval
	if interval <= 0 || l.sinceLedgerStep < interval {
		return
	}
	l.messages = append(l.messages, llm.UserText(
		"[engine] You have gone several iterations without recording progress. "+
			"Use ledger_append to record findings and close completed work with a step entry."))
	l.sinceLedgerStep = 0
}

// visibleMessages builds the LLM's view: closed blocks replaced with ledger
// stubs (when enabled), the open block verbatim.
func (l *Loop) visibleMessages() []llm.Message {
	if !l.faculty.Engage.TruncateClosedBlocks || len(l.blocks) == 0 {
		out := make([]llm.Message, len(l.messages))
		copy(out, l.messages)
		return out
	}
	var out []llm.Message
	for _, b := range l.blocks {
		if b.stepSeq > 0 {
			out = append(out, llm.UserText(fmt.Sprintf("[completed step %d: %s]", b.stepSeq, b.stepContent)))
		} else {
			out = append(out, llm.UserText(fmt.Sprintf("[completed block: %d tool calls]", b.toolCalls)))
		}
	}
	out = append(out, l.messages[l.openBlockStart:]...)
	return out
}
