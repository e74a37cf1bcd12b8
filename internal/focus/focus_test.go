package focus

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animusworks/animus/internal/awareness"
	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/llm"
	"github.com/animusworks/animus/internal/skills"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/tools"
	"github.com/animusworks/animus/internal/work"
)

type fixture struct {
	store   *store.Store
	bus     *bus.Bus
	deps    Deps
	faculty *config.Faculty
	hookDir string
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	b := bus.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "animus.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	registry := tools.NewRegistry(slog.Default())
	if err := tools.RegisterLedgerTools(registry, st); err != nil {
		t.Fatal(err)
	}
	mgr, err := skills.NewManager(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	faculty := &config.Faculty{
		Name: "social",
		Engage: config.EngageConfig{
			Mode:                  config.EngageModeInternal,
			Model:                 "test-model",
			MaxTurns:              10,
			ParallelToolExecution: true,
			MaxParallelTools:      2,
			CompactThreshold:      0.75,
			CompactKeepRecent:     10,
			TruncateClosedBlocks:  true,
		},
		Awareness: config.AwarenessConfig{
			LookbackHours: 24, MaxRunning: 5, MaxRecentCompleted: 5, MaxRecentFindings: 10,
		},
		Recover: config.RecoverConfig{MaxAttempts: 3},
	}
	st.SetMaxAttemptsResolver(func(name string) int {
		if name == faculty.Name {
			return faculty.Recover.MaxAttempts
		}
		return 0
	})

	return &fixture{
		store:   st,
		bus:     b,
		faculty: faculty,
		hookDir: t.TempDir(),
		deps: Deps{
			Store:            st,
			Bus:              b,
			Client:           client,
			Registry:         registry,
			Skills:           mgr,
			Awareness:        awareness.NewBuilder(st, nil),
			Logger:           slog.Default(),
			BaseDir:          t.TempDir(),
			MaxAutoActivated: 3,
		},
	}
}

// writeHook creates an executable shell script hook.
func (f *fixture) writeHook(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(f.hookDir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// claim submits and claims one work item so it is Running.
func (f *fixture) claim(t *testing.T, n *work.NewItem) *work.Item {
	t.Helper()
	if _, err := f.store.Submit(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	claimed, err := f.store.Claim(context.Background(), n.Faculty, 60)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("nothing to claim")
	}
	return claimed.Item
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Content:    []llm.AssistantBlock{llm.TextBlock{Text: text}},
		StopReason: llm.StopEndTurn,
	}
}

func TestFocusCompletesWithoutHooks(t *testing.T) {
	client := llm.NewScriptedClient(textResponse("did the thing"))
	f := newFixture(t, client)
	item := f.claim(t, work.New("social", "user"))

	focus, err := New(item, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focus.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	final, err := f.store.Get(context.Background(), item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.State != work.StateCompleted {
		t.Fatalf("state = %s", final.State)
	}
	if !strings.Contains(string(final.OutcomeData), "did the thing") {
		t.Errorf("outcome_data = %s", final.OutcomeData)
	}
	if final.OutcomeMS < 0 {
		t.Errorf("outcome_ms = %d", final.OutcomeMS)
	}
	// Scratch dir is removed after completion.
	if _, err := os.Stat(focus.Dir); !os.IsNotExist(err) {
		t.Errorf("focus dir still present: %v", err)
	}
}

func TestOrientHookSeedsLedgerAndContext(t *testing.T) {
	client := llm.NewScriptedClient(textResponse("done"))
	f := newFixture(t, client)
	f.faculty.Orient.Command = f.writeHook(t, "orient", `
cat > "$ANIMUS_FOCUS_DIR/orient-out.json" <<'EOF'
{"context": "Focus on kelly today.", "ledger": [{"entry_type": "plan", "content": "reach out gently"}]}
EOF
`)
	item := f.claim(t, work.New("social", "user"))

	focus, err := New(item, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focus.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, err := f.store.ReadLedger(context.Background(), item.ID, work.EntryPlan, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Content != "reach out gently" {
		t.Errorf("seeded ledger = %+v", entries)
	}
	// The orient context reached the engage loop's opening message.
	req := client.Requests[0]
	opening, ok := req.Messages[0].User[0].(llm.TextBlock)
	if !ok || !strings.Contains(opening.Text, "Focus on kelly today.") {
		t.Errorf("opening message = %+v", req.Messages[0])
	}
}

func TestConsolidateHookShapesOutcome(t *testing.T) {
	client := llm.NewScriptedClient(textResponse("raw engage text"))
	f := newFixture(t, client)
	f.faculty.Consolidate.Command = f.writeHook(t, "consolidate", `
cat > "$ANIMUS_FOCUS_DIR/consolidate-out.json" <<'EOF'
{"outcome_data": {"summary": "polished"}}
EOF
`)
	item := f.claim(t, work.New("social", "user"))

	focus, err := New(item, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focus.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	final, _ := f.store.Get(context.Background(), item.ID)
	if !strings.Contains(string(final.OutcomeData), "polished") {
		t.Errorf("outcome_data = %s", final.OutcomeData)
	}
}

func TestFailingOrientTriggersRecoverRetry(t *testing.T) {
	client := llm.NewScriptedClient()
	f := newFixture(t, client)
	f.faculty.Orient.Command = f.writeHook(t, "orient", "exit 1")
	item := f.claim(t, work.New("social", "user").WithMaxAttempts(3))

	focus, err := New(item, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focus.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Default recovery retries: the item is queued again.
	final, _ := f.store.Get(context.Background(), item.ID)
	if final.State != work.StateQueued {
		t.Fatalf("state = %s, want queued", final.State)
	}
	if !strings.Contains(final.OutcomeError, "orient") {
		t.Errorf("outcome_error = %q", final.OutcomeError)
	}
}

func TestRecoverHookDeadLetters(t *testing.T) {
	client := llm.NewScriptedClient()
	f := newFixture(t, client)
	f.faculty.Orient.Command = f.writeHook(t, "orient", "exit 1")
	f.faculty.Recover.Command = f.writeHook(t, "recover", `
cat > "$ANIMUS_FOCUS_DIR/recover-out.json" <<'EOF'
{"action": "dead_letter", "reason": "unrecoverable input"}
EOF
`)
	item := f.claim(t, work.New("social", "user").WithMaxAttempts(3))

	focus, err := New(item, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focus.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	final, _ := f.store.Get(context.Background(), item.ID)
	if final.State != work.StateDead {
		t.Fatalf("state = %s, want dead", final.State)
	}
	if !strings.Contains(final.OutcomeError, "unrecoverable input") {
		t.Errorf("outcome_error = %q", final.OutcomeError)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	// Seed scenario: engage fails three times against the faculty's
	// recover.max_attempts = 3; the item ends Dead with attempts = 3. The
	// cap is inherited from the faculty config, not set on the item.
	f := newFixture(t, nil)
	f.faculty.Engage.Mode = config.EngageModeExternal
	f.faculty.Engage.ExternalCommand = f.writeHook(t, "engage", "exit 1")

	if _, err := f.store.Submit(context.Background(), work.New("social", "user")); err != nil {
		t.Fatal(err)
	}

	var itemID string
	for i := 0; i < 3; i++ {
		claimed, err := f.store.Claim(context.Background(), "social", 60)
		if err != nil {
			t.Fatal(err)
		}
		if claimed == nil {
			t.Fatalf("round %d: nothing to claim", i)
		}
		itemID = claimed.Item.ID
		focus, err := New(claimed.Item, f.faculty, f.deps)
		if err != nil {
			t.Fatal(err)
		}
		if err := focus.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	final, _ := f.store.Get(context.Background(), itemID)
	if final.State != work.StateDead {
		t.Fatalf("state = %s, want dead", final.State)
	}
	if final.Attempts != 3 {
		t.Errorf("attempts = %d", final.Attempts)
	}
	if !strings.Contains(final.OutcomeError, "engage") {
		t.Errorf("outcome_error = %q", final.OutcomeError)
	}
}

func TestExternalEngageMode(t *testing.T) {
	f := newFixture(t, nil)
	f.faculty.Engage.Mode = config.EngageModeExternal
	f.faculty.Engage.ExternalCommand = f.writeHook(t, "engage", `
cat > "$ANIMUS_FOCUS_DIR/engage-out.json" <<'EOF'
{"text": "external engine says hi"}
EOF
`)
	item := f.claim(t, work.New("social", "user"))

	focus, err := New(item, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focus.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	final, _ := f.store.Get(context.Background(), item.ID)
	if final.State != work.StateCompleted {
		t.Fatalf("state = %s", final.State)
	}
	if !strings.Contains(string(final.OutcomeData), "external engine says hi") {
		t.Errorf("outcome_data = %s", final.OutcomeData)
	}
}

func TestHookEnvironmentContract(t *testing.T) {
	client := llm.NewScriptedClient(textResponse("done"))
	f := newFixture(t, client)
	f.faculty.Orient.Command = f.writeHook(t, "orient", `
printf '{"context": "focus=%s work=%s faculty=%s phase=%s"}' \
  "$ANIMUS_FOCUS_ID" "$ANIMUS_WORK_ID" "$ANIMUS_FACULTY" "$ANIMUS_PHASE" \
  > "$ANIMUS_FOCUS_DIR/orient-out.json"
`)
	item := f.claim(t, work.New("social", "user"))

	focus, err := New(item, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focus.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	opening, _ := client.Requests[0].Messages[0].User[0].(llm.TextBlock)
	if !strings.Contains(opening.Text, "work="+item.ID) {
		t.Errorf("work id not passed: %q", opening.Text)
	}
	if !strings.Contains(opening.Text, "faculty=social") || !strings.Contains(opening.Text, "phase=orient") {
		t.Errorf("env contract broken: %q", opening.Text)
	}
	if !strings.Contains(opening.Text, "focus="+focus.ID) {
		t.Errorf("focus id not passed: %q", opening.Text)
	}
}

func TestAutoSkillActivationAtOrient(t *testing.T) {
	skillsDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(skillsDir, "check-in"), 0o755); err != nil {
		t.Fatal(err)
	}
	skillMD := `---
name: check-in
description: Relationship check-in methodology
faculties: [social]
auto_activate: true
---
Always open with a recent finding.
`
	if err := os.WriteFile(filepath.Join(skillsDir, "check-in", "SKILL.md"), []byte(skillMD), 0o644); err != nil {
		t.Fatal(err)
	}

	client := llm.NewScriptedClient(textResponse("done"))
	f := newFixture(t, client)
	mgr, err := skills.NewManager(skillsDir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	f.deps.Skills = mgr

	item := f.claim(t, work.New("social", "user"))
	focus, err := New(item, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focus.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(client.Requests[0].System, "# Skill: check-in") {
		t.Errorf("auto-activated skill missing from system prompt:\n%s", client.Requests[0].System)
	}
	activations, err := f.store.SkillActivations(context.Background(), "check-in", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(activations) != 1 || activations[0].ActivationType != "auto" {
		t.Errorf("activations = %+v", activations)
	}
}

func TestAwarenessDigestReachesEngage(t *testing.T) {
	// Focus X writes a finding; focus Y starting later sees it in its
	// opening context under Recent findings.
	clientX := llm.NewScriptedClient(textResponse("x done"))
	f := newFixture(t, clientX)
	f.faculty.Awareness.Enabled = true

	itemX := f.claim(t, work.New("social", "user"))
	if _, err := f.store.AppendLedger(context.Background(), itemX.ID, work.EntryFinding, "kelly moved to lisbon"); err != nil {
		t.Fatal(err)
	}
	focusX, err := New(itemX, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focusX.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	clientY := llm.NewScriptedClient(textResponse("y done"))
	f.deps.Client = clientY
	itemY := f.claim(t, work.New("social", "user"))
	focusY, err := New(itemY, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := focusY.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	opening, _ := clientY.Requests[0].Messages[0].User[0].(llm.TextBlock)
	if !strings.Contains(opening.Text, "Recent findings") || !strings.Contains(opening.Text, "kelly moved to lisbon") {
		t.Errorf("digest missing from engage context:\n%s", opening.Text)
	}
}

func TestWorkJSONSnapshot(t *testing.T) {
	client := llm.NewScriptedClient(textResponse("done"))
	f := newFixture(t, client)
	f.faculty.Isolation = config.IsolationWorktree // keep the dir around
	item := f.claim(t, work.New("social", "user"))

	focus, err := New(item, f.faculty, f.deps)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(focus.Dir, "work.json"))
	if err != nil {
		t.Fatal(err)
	}
	var snapshot work.Item
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.ID != item.ID || snapshot.State != work.StateRunning {
		t.Errorf("snapshot = %+v", snapshot)
	}
	if err := focus.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Worktree isolation keeps the dir.
	if _, err := os.Stat(focus.Dir); err != nil {
		t.Errorf("worktree dir removed: %v", err)
	}
}
