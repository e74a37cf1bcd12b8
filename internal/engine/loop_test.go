package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/llm"
	"github.com/animusworks/animus/internal/skills"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/tools"
	"github.com/animusworks/animus/internal/work"
)

func testFaculty() *config.Faculty {
	return &config.Faculty{
		Name:       "social",
		Concurrent: false,
		Engage: config.EngageConfig{
			Mode:                  config.EngageModeInternal,
			Model:                 "test-model",
			MaxTurns:              25,
			ParallelToolExecution: true,
			MaxParallelTools:      4,
			CompactThreshold:      0.75,
			CompactKeepRecent:     10,
			LedgerNudgeInterval:   0,
			TruncateClosedBlocks:  true,
		},
	}
}

type loopFixture struct {
	store    *store.Store
	registry *tools.Registry
	skills   *skills.Manager
	item     *work.Item
	faculty  *config.Faculty
}

func newFixture(t *testing.T) *loopFixture {
	t.Helper()
	b := bus.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "animus.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	res, err := st.Submit(context.Background(), work.New("social", "test"))
	if err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry(slog.Default())
	if err := tools.RegisterLedgerTools(registry, st); err != nil {
		t.Fatal(err)
	}
	mgr, err := skills.NewManager(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return &loopFixture{
		store:    st,
		registry: registry,
		skills:   mgr,
		item:     res.Item,
		faculty:  testFaculty(),
	}
}

func (f *loopFixture) newLoop(client llm.Client) *Loop {
	return New(client, f.registry, f.store, f.skills, f.faculty,
		tools.AuthContext{FocusID: "focus-1", WorkItemID: f.item.ID, Faculty: "social"},
		slog.Default())
}

func toolUse(id, name, input string) llm.ToolUseBlock {
	return llm.ToolUseBlock{ID: id, Name: name, Input: json.RawMessage(input)}
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Content:    []llm.AssistantBlock{llm.TextBlock{Text: text}},
		StopReason: llm.StopEndTurn,
	}
}

func toolResponse(blocks ...llm.AssistantBlock) *llm.Response {
	return &llm.Response{Content: blocks, StopReason: llm.StopToolUse}
}

func TestLoopEndsOnEndTurn(t *testing.T) {
	f := newFixture(t)
	client := llm.NewScriptedClient(textResponse("all done"))
	outcome, err := f.newLoop(client).Run(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Text != "all done" || outcome.Iterations != 1 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestMaxTurnsZeroExitsImmediately(t *testing.T) {
	f := newFixture(t)
	f.faculty.Engage.MaxTurns = 0
	client := llm.NewScriptedClient()
	outcome, err := f.newLoop(client).Run(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Text != "(no response)" || outcome.Iterations != 0 {
		t.Errorf("outcome = %+v", outcome)
	}
	if client.Calls() != 0 {
		t.Errorf("llm calls = %d", client.Calls())
	}
}

func TestTurnCapAppendsSyntheticMessage(t *testing.T) {
	f := newFixture(t)
	f.faculty.Engage.MaxTurns = 2
	client := llm.NewScriptedClient(
		toolResponse(toolUse("t1", "ledger_append", `{"entry_type":"note","content":"a"}`)),
		toolResponse(toolUse("t2", "ledger_append", `{"entry_type":"note","content":"b"}`)),
		textResponse("never reached"),
	)
	loop := f.newLoop(client)
	outcome, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Text != "turn limit reached" {
		t.Errorf("outcome text = %q", outcome.Text)
	}
	if outcome.Iterations != 2 {
		t.Errorf("iterations = %d", outcome.Iterations)
	}
	last := loop.messages[len(loop.messages)-1]
	if last.Role != llm.RoleAssistant {
		t.Errorf("last message role = %s", last.Role)
	}
}

func TestEmptyReplyRetry(t *testing.T) {
	f := newFixture(t)
	client := llm.NewScriptedClient(
		textResponse(""),
		textResponse("recovered"),
	)
	loop := f.newLoop(client)
	outcome, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Text != "recovered" {
		t.Errorf("outcome = %q", outcome.Text)
	}
	// The retry injected a "continue" user message.
	found := false
	for _, m := range loop.messages {
		if m.Role == llm.RoleUser {
			for _, b := range m.User {
				if tb, ok := b.(llm.TextBlock); ok && tb.Text == "continue" {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("no synthetic continue message")
	}

	// Two empty replies in a row yield (no response).
	client2 := llm.NewScriptedClient(textResponse(""), textResponse(""))
	outcome, err = f.newLoop(client2).Run(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Text != "(no response)" {
		t.Errorf("outcome = %q", outcome.Text)
	}
}

func TestParallelToolDispatch(t *testing.T) {
	f := newFixture(t)
	// Three tools that sleep 100ms each; with max_parallel_tools=3 the
	// iteration must take well under the serial 300ms.
	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("sleepy%d", i)
		if err := f.registry.Register(tools.Tool{
			Name:        name,
			Description: "sleeps then echoes",
			InputSchema: map[string]any{"type": "object"},
			Handler: func(ctx context.Context, input json.RawMessage, auth tools.AuthContext) (*tools.Result, error) {
				time.Sleep(100 * time.Millisecond)
				return &tools.Result{Content: "done"}, nil
			},
		}); err != nil {
			t.Fatal(err)
		}
	}
	f.faculty.Engage.MaxParallelTools = 3
	f.faculty.Engage.Tools = []string{"sleepy1", "sleepy2", "sleepy3"}

	client := llm.NewScriptedClient(
		toolResponse(
			toolUse("id-a", "sleepy1", `{}`),
			toolUse("id-b", "sleepy2", `{}`),
			toolUse("id-c", "sleepy3", `{}`),
		),
		textResponse("done"),
	)
	loop := f.newLoop(client)

	start := time.Now()
	outcome, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed >= 200*time.Millisecond {
		t.Errorf("parallel dispatch took %s, want < 200ms", elapsed)
	}
	if outcome.Iterations != 2 {
		t.Errorf("iterations = %d", outcome.Iterations)
	}

	// Pairing invariant: the assistant message holds 3 tool_use blocks and
	// the next user message 3 tool_results with the same id set.
	var assistantIdx int
	for i, m := range loop.messages {
		if m.Role == llm.RoleAssistant && len(m.Assistant) > 0 {
			if _, ok := m.Assistant[0].(llm.ToolUseBlock); ok {
				assistantIdx = i
				break
			}
		}
	}
	uses := map[string]bool{}
	for _, b := range loop.messages[assistantIdx].Assistant {
		if tu, ok := b.(llm.ToolUseBlock); ok {
			uses[tu.ID] = true
		}
	}
	results := map[string]bool{}
	for _, b := range loop.messages[assistantIdx+1].User {
		if tr, ok := b.(llm.ToolResultBlock); ok {
			results[tr.ToolUseID] = true
		}
	}
	if len(uses) != 3 || len(results) != 3 {
		t.Fatalf("uses = %v, results = %v", uses, results)
	}
	for id := range uses {
		if !results[id] {
			t.Errorf("tool_use %s has no matching tool_result", id)
		}
	}
}

func TestClosedBlockTruncation(t *testing.T) {
	f := newFixture(t)
	client := llm.NewScriptedClient(
		// Iteration 1: a finding (no block closure).
		toolResponse(toolUse("t1", "ledger_append", `{"entry_type":"finding","content":"X is true"}`)),
		// Iteration 2: a step closes the block.
		toolResponse(toolUse("t2", "ledger_append", `{"entry_type":"step","content":"X"}`)),
		// Iteration 3: observe what the model sees.
		toolResponse(toolUse("t3", "ledger_append", `{"entry_type":"note","content":"later"}`)),
		textResponse("done"),
	)
	loop := f.newLoop(client)
	if _, err := loop.Run(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}

	// Request 3 (index 2) is the first built after the block closed.
	req := client.Requests[2]
	first := req.Messages[0]
	if first.Role != llm.RoleUser || len(first.User) != 1 {
		t.Fatalf("first visible message = %+v", first)
	}
	tb, ok := first.User[0].(llm.TextBlock)
	if !ok {
		t.Fatalf("first block = %T", first.User[0])
	}
	// Step content "X" was entry seq 2 (finding was 1).
	if tb.Text != "[completed step 2: X]" {
		t.Errorf("stub = %q", tb.Text)
	}
	// Iterations 1-2 content must not be in the visible view verbatim.
	for _, m := range req.Messages[1:] {
		for _, b := range m.User {
			if tr, ok := b.(llm.ToolResultBlock); ok && strings.Contains(tr.Content, "finding") {
				t.Errorf("closed block leaked into visible view: %q", tr.Content)
			}
		}
	}
}

func TestNudgeAfterQuietIterations(t *testing.T) {
	f := newFixture(t)
	f.faculty.Engage.LedgerNudgeInterval = 2
	client := llm.NewScriptedClient(
		toolResponse(toolUse("t1", "ledger_append", `{"entry_type":"note","content":"a"}`)),
		toolResponse(toolUse("t2", "ledger_append", `{"entry_type":"note","content":"b"}`)),
		toolResponse(toolUse("t3", "ledger_append", `{"entry_type":"note","content":"c"}`)),
		textResponse("done"),
	)
	loop := f.newLoop(client)
	if _, err := loop.Run(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}

	nudges := 0
	for _, m := range loop.messages {
		for _, b := range m.User {
			if tb, ok := b.(llm.TextBlock); ok && strings.HasPrefix(tb.Text, "[engine]") {
				nudges++
			}
		}
	}
	if nudges != 1 {
		t.Errorf("nudges = %d, want 1", nudges)
	}
}

func TestNudgeIntervalZeroDisables(t *testing.T) {
	f := newFixture(t)
	f.faculty.Engage.LedgerNudgeInterval = 0
	script := make([]*llm.Response, 0, 11)
	for i := 0; i < 10; i++ {
		script = append(script, toolResponse(
			toolUse(fmt.Sprintf("t%d", i), "ledger_append", `{"entry_type":"note","content":"n"}`)))
	}
	script = append(script, textResponse("done"))
	loop := f.newLoop(llm.NewScriptedClient(script...))
	if _, err := loop.Run(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	for _, m := range loop.messages {
		for _, b := range m.User {
			if tb, ok := b.(llm.TextBlock); ok && strings.HasPrefix(tb.Text, "[engine]") {
				t.Fatal("nudge emitted despite interval 0")
			}
		}
	}
}

func TestFailedToolsTracked(t *testing.T) {
	f := newFixture(t)
	if err := f.registry.Register(tools.Tool{
		Name:        "flaky",
		Description: "always errors",
		Handler: func(ctx context.Context, input json.RawMessage, auth tools.AuthContext) (*tools.Result, error) {
			return tools.Errorf(tools.ErrorTypeExecution, "boom"), nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	f.faculty.Engage.Tools = []string{"flaky"}
	client := llm.NewScriptedClient(
		toolResponse(toolUse("t1", "flaky", `{}`)),
		textResponse("finished despite the error"),
	)
	loop := f.newLoop(client)
	outcome, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	// A tool error never terminates the loop; it is data.
	if outcome.Iterations != 2 {
		t.Errorf("iterations = %d", outcome.Iterations)
	}
	if len(outcome.FailedTools) != 1 || outcome.FailedTools[0] != "flaky" {
		t.Errorf("failed tools = %v", outcome.FailedTools)
	}
	if !strings.Contains(outcome.Text, "flaky") {
		t.Errorf("outcome footer missing failed tool: %q", outcome.Text)
	}
	// The error still produced a paired tool_result.
	foundError := false
	for _, m := range loop.messages {
		for _, b := range m.User {
			if tr, ok := b.(llm.ToolResultBlock); ok && tr.ToolUseID == "t1" && tr.IsError {
				foundError = true
			}
		}
	}
	if !foundError {
		t.Error("no error tool_result for failed call")
	}
}

func TestCancellationBetweenIterations(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	client := llm.NewScriptedClient(
		toolResponse(toolUse("t1", "ledger_append", `{"entry_type":"note","content":"a"}`)),
		textResponse("never"),
	)
	loop := f.newLoop(client)

	// Cancel after the first response is consumed by wrapping the client.
	cancelling := &cancellingClient{inner: client, cancel: cancel, after: 1}
	loop.client = cancelling

	outcome, err := loop.Run(ctx, "go")
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Cancelled || outcome.Text != "cancelled" {
		t.Errorf("outcome = %+v", outcome)
	}
}

type cancellingClient struct {
	inner  llm.Client
	cancel context.CancelFunc
	after  int
	calls  int
}

func (c *cancellingClient) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Response, error) {
	resp, err := c.inner.Complete(ctx, req)
	c.calls++
	if c.calls >= c.after {
		c.cancel()
	}
	return resp, err
}

func (c *cancellingClient) CompleteStream(ctx context.Context, req llm.CompletionRequest, sink func(llm.StreamEvent)) (*llm.Response, error) {
	return c.Complete(ctx, req)
}

func TestCompactionReplacesHistoryWithLedger(t *testing.T) {
	f := newFixture(t)
	f.faculty.Engage.CompactKeepRecent = 2
	loop := f.newLoop(llm.NewScriptedClient())
	loop.contextWindow = 400 // tiny window forces compaction

	// Seed the ledger so compaction has something to splice in.
	if _, err := f.store.AppendLedger(context.Background(), f.item.ID, work.EntryPlan, "the plan"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 12; i++ {
		loop.messages = append(loop.messages, llm.UserText(strings.Repeat("padding words ", 20)))
	}
	if err := loop.compactIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	// 2 synthetic + 2 kept.
	if len(loop.messages) != 4 {
		t.Fatalf("messages after compaction = %d", len(loop.messages))
	}
	first, ok := loop.messages[0].User[0].(llm.TextBlock)
	if !ok || !strings.Contains(first.Text, "the plan") {
		t.Errorf("compacted head = %+v", loop.messages[0])
	}
	if loop.openBlockStart != 0 || len(loop.blocks) != 0 {
		t.Errorf("block state not reset: start=%d blocks=%d", loop.openBlockStart, len(loop.blocks))
	}
}

func TestActivatedSkillJoinsSystemPrompt(t *testing.T) {
	f := newFixture(t)
	loop := f.newLoop(llm.NewScriptedClient(textResponse("done")))
	loop.ActivateSkill("check-in", "Always start with recent findings.")
	client := llm.NewScriptedClient(textResponse("done"))
	loop.client = client
	if _, err := loop.Run(context.Background(), "go"); err != nil {
		t.Fatal(err)
	}
	if len(client.Requests) == 0 {
		t.Fatal("no requests recorded")
	}
	if !strings.Contains(client.Requests[0].System, "# Skill: check-in") {
		t.Errorf("system prompt missing skill fragment:\n%s", client.Requests[0].System)
	}
}
