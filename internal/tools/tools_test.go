package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/work"
)

func newTestStore(t *testing.T) (*store.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "animus.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, b
}

func submitItem(t *testing.T, st *store.Store, faculty string) *work.Item {
	t.Helper()
	res, err := st.Submit(context.Background(), work.New(faculty, "test"))
	if err != nil {
		t.Fatal(err)
	}
	return res.Item
}

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "echoes its message",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			return &Result{Content: in.Message}, nil
		},
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`), AuthContext{})
	if res.IsError || res.Content != "hi" {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	res := r.Execute(context.Background(), "nope", nil, AuthContext{})
	if !res.IsError || res.ErrorType != ErrorTypeUnknownTool {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistryValidatesInput(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}

	// Missing required field.
	res := r.Execute(context.Background(), "echo", json.RawMessage(`{}`), AuthContext{})
	if !res.IsError || res.ErrorType != ErrorTypeInvalidInput {
		t.Errorf("missing field result = %+v", res)
	}
	// Wrong type.
	res = r.Execute(context.Background(), "echo", json.RawMessage(`{"message":7}`), AuthContext{})
	if !res.IsError || res.ErrorType != ErrorTypeInvalidInput {
		t.Errorf("wrong type result = %+v", res)
	}
	// Malformed JSON.
	res = r.Execute(context.Background(), "echo", json.RawMessage(`{"message`), AuthContext{})
	if !res.IsError || res.ErrorType != ErrorTypeInvalidInput {
		t.Errorf("bad json result = %+v", res)
	}
}

func TestRegistryDefinitionsSubset(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	defs := r.Definitions("echo", "missing", "echo")
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Errorf("definitions = %+v", defs)
	}
}

func TestLedgerTools(t *testing.T) {
	st, _ := newTestStore(t)
	item := submitItem(t, st, "social")
	r := NewRegistry(nil)
	if err := RegisterLedgerTools(r, st); err != nil {
		t.Fatal(err)
	}
	auth := AuthContext{WorkItemID: item.ID, Faculty: "social"}
	ctx := context.Background()

	res := r.Execute(ctx, "ledger_append", json.RawMessage(`{"entry_type":"step","content":"did X"}`), auth)
	if res.IsError {
		t.Fatalf("append error: %+v", res)
	}
	seq, content, ok := StepAppend(res)
	if !ok || seq != 1 || content != "did X" {
		t.Errorf("StepAppend = %d %q %v", seq, content, ok)
	}

	// Non-step appends don't close blocks.
	res = r.Execute(ctx, "ledger_append", json.RawMessage(`{"entry_type":"finding","content":"Y"}`), auth)
	if _, _, ok := StepAppend(res); ok {
		t.Error("finding append should not read as a step")
	}

	// Invalid entry type is rejected by schema before the handler runs.
	res = r.Execute(ctx, "ledger_append", json.RawMessage(`{"entry_type":"observation","content":"Z"}`), auth)
	if !res.IsError || res.ErrorType != ErrorTypeInvalidInput {
		t.Errorf("invalid entry type result = %+v", res)
	}

	res = r.Execute(ctx, "ledger_read", json.RawMessage(`{}`), auth)
	if res.IsError {
		t.Fatalf("read error: %+v", res)
	}
	if res.Content == "" || res.Content == "(ledger is empty)" {
		t.Errorf("read content = %q", res.Content)
	}
}

func TestSpawnChildDepthLimit(t *testing.T) {
	st, b := newTestStore(t)
	r := NewRegistry(nil)
	if err := RegisterChildWorkTools(r, st, b, 2); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	root := submitItem(t, st, "social")

	// Depth 0 parent may spawn.
	res := r.Execute(ctx, "spawn_child_work",
		json.RawMessage(`{"faculty":"analysis","description":"dig in"}`),
		AuthContext{WorkItemID: root.ID})
	if res.IsError {
		t.Fatalf("spawn error: %+v", res)
	}
	childID, _ := res.Metadata["child_id"].(string)
	if childID == "" {
		t.Fatal("no child id in metadata")
	}

	// The child sits at the cap: no grandchildren.
	res = r.Execute(ctx, "spawn_child_work",
		json.RawMessage(`{"faculty":"analysis","description":"deeper"}`),
		AuthContext{WorkItemID: childID})
	if !res.IsError {
		t.Errorf("expected depth limit error, got %+v", res)
	}

	children, err := st.Children(ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0].ID != childID {
		t.Errorf("children = %+v", children)
	}
}

func TestAwaitChildWorkEmptyList(t *testing.T) {
	st, b := newTestStore(t)
	r := NewRegistry(nil)
	if err := RegisterChildWorkTools(r, st, b, 5); err != nil {
		t.Fatal(err)
	}
	res := r.Execute(context.Background(), "await_child_work",
		json.RawMessage(`{"ids":[]}`), AuthContext{WorkItemID: "w"})
	if res.IsError || res.Content != "[]" {
		t.Errorf("result = %+v", res)
	}
}

func TestAwaitChildWorkTimeout(t *testing.T) {
	st, b := newTestStore(t)
	r := NewRegistry(nil)
	if err := RegisterChildWorkTools(r, st, b, 5); err != nil {
		t.Fatal(err)
	}
	child := submitItem(t, st, "analysis")

	res := r.Execute(context.Background(), "await_child_work",
		json.RawMessage(`{"ids":["`+child.ID+`"],"timeout_seconds":1}`),
		AuthContext{WorkItemID: "parent"})
	if !res.IsError || res.ErrorType != ErrorTypeTimeout {
		t.Errorf("result = %+v", res)
	}
}

func TestAwaitChildWorkCompletes(t *testing.T) {
	st, b := newTestStore(t)
	r := NewRegistry(nil)
	if err := RegisterChildWorkTools(r, st, b, 5); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	child := submitItem(t, st, "analysis")

	// Drive the child to completion in the background.
	go func() {
		claimed, err := st.Claim(ctx, "analysis", 30)
		if err != nil || claimed == nil {
			return
		}
		_, _ = st.Complete(ctx, claimed.Item.ID, work.Outcome{
			Data: json.RawMessage(`{"answer":42}`), DurationMS: 5,
		})
	}()

	res := r.Execute(ctx, "await_child_work",
		json.RawMessage(`{"ids":["`+child.ID+`"],"timeout_seconds":10}`),
		AuthContext{WorkItemID: "parent"})
	if res.IsError {
		t.Fatalf("await error: %+v", res)
	}
	if !strings.Contains(res.Content, `"answer":42`) {
		t.Errorf("await content missing child outcome: %s", res.Content)
	}
}
