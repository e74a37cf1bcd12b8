package control

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animusworks/animus/internal/awareness"
	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/config"
	"github.com/animusworks/animus/internal/focus"
	"github.com/animusworks/animus/internal/llm"
	"github.com/animusworks/animus/internal/skills"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/tools"
	"github.com/animusworks/animus/internal/work"
)

// slowClient counts concurrent completions and holds each for a beat so
// capacity limits are observable.
type slowClient struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
}

func (c *slowClient) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Response, error) {
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		old := c.peak.Load()
		if cur <= old || c.peak.CompareAndSwap(old, cur) {
			break
		}
	}
	select {
	case <-time.After(c.hold):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &llm.Response{
		Content:    []llm.AssistantBlock{llm.TextBlock{Text: "done"}},
		StopReason: llm.StopEndTurn,
	}, nil
}

func (c *slowClient) CompleteStream(ctx context.Context, req llm.CompletionRequest, sink func(llm.StreamEvent)) (*llm.Response, error) {
	return c.Complete(ctx, req)
}

type planeFixture struct {
	store  *store.Store
	bus    *bus.Bus
	plane  *Plane
	client *slowClient
}

func newPlane(t *testing.T, faculties []*config.Faculty, opts Options) *planeFixture {
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

	facDir := t.TempDir()
	facRegistry := newFacultyRegistry(t, facDir, faculties)

	client := &slowClient{hold: 50 * time.Millisecond}
	deps := focus.Deps{
		Store:            st,
		Bus:              b,
		Client:           client,
		Registry:         registry,
		Skills:           mgr,
		Awareness:        awareness.NewBuilder(st, nil),
		Logger:           slog.Default(),
		BaseDir:          t.TempDir(),
		MaxAutoActivated: 3,
	}
	return &planeFixture{
		store:  st,
		bus:    b,
		client: client,
		plane:  New(st, b, facRegistry, deps, opts, slog.Default()),
	}
}

// newFacultyRegistry materializes faculties as TOML files and loads them,
// exercising the real loader.
func newFacultyRegistry(t *testing.T, dir string, faculties []*config.Faculty) *config.Registry {
	t.Helper()
	for _, f := range faculties {
		toml := fmt.Sprintf(`
name = %q
concurrent = %v
max_concurrent = %d

[engage]
mode = "internal"
model = "test-model"
max_turns = 5
parallel_tool_execution = true
`, f.Name, f.Concurrent, f.MaxConcurrent)
		path := filepath.Join(dir, f.Name+".toml")
		if err := writeFile(path, toml); err != nil {
			t.Fatal(err)
		}
	}
	reg, err := config.LoadFaculties(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatchesQueuedWork(t *testing.T) {
	fx := newPlane(t, []*config.Faculty{{Name: "social", Concurrent: true, MaxConcurrent: 2}},
		Options{MaxConcurrent: 4, Heartbeat: 50 * time.Millisecond, DrainTimeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	planeDone := make(chan struct{})
	go func() {
		_ = fx.plane.Run(ctx)
		close(planeDone)
	}()

	res, err := fx.store.Submit(ctx, work.New("social", "user"))
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool {
		item, err := fx.store.Get(context.Background(), res.Item.ID)
		return err == nil && item.State == work.StateCompleted
	})

	cancel()
	<-planeDone
}

func TestPerFacultyCapacitySerializes(t *testing.T) {
	// concurrent=false caps the faculty at one focus at a time even with
	// global headroom.
	fx := newPlane(t, []*config.Faculty{{Name: "solo", Concurrent: false}},
		Options{MaxConcurrent: 8, Heartbeat: 20 * time.Millisecond, DrainTimeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	planeDone := make(chan struct{})
	go func() {
		_ = fx.plane.Run(ctx)
		close(planeDone)
	}()

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := fx.store.Submit(ctx, work.New("solo", "user"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, res.Item.ID)
	}

	waitFor(t, 10*time.Second, func() bool {
		for _, id := range ids {
			item, err := fx.store.Get(context.Background(), id)
			if err != nil || item.State != work.StateCompleted {
				return false
			}
		}
		return true
	})
	if peak := fx.client.peak.Load(); peak > 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}

	cancel()
	<-planeDone
}

func TestGlobalCapacityBounds(t *testing.T) {
	fx := newPlane(t, []*config.Faculty{{Name: "busy", Concurrent: true, MaxConcurrent: 8}},
		Options{MaxConcurrent: 2, Heartbeat: 20 * time.Millisecond, DrainTimeout: 2 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	planeDone := make(chan struct{})
	go func() {
		_ = fx.plane.Run(ctx)
		close(planeDone)
	}()

	var ids []string
	for i := 0; i < 5; i++ {
		res, err := fx.store.Submit(ctx, work.New("busy", "user"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, res.Item.ID)
	}

	waitFor(t, 10*time.Second, func() bool {
		for _, id := range ids {
			item, err := fx.store.Get(context.Background(), id)
			if err != nil || item.State != work.StateCompleted {
				return false
			}
		}
		return true
	})
	if peak := fx.client.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}

	cancel()
	<-planeDone
}

func TestUnroutableWorkStaysQueued(t *testing.T) {
	fx := newPlane(t, []*config.Faculty{{Name: "social", Concurrent: true}},
		Options{MaxConcurrent: 2, Heartbeat: 20 * time.Millisecond, DrainTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	planeDone := make(chan struct{})
	go func() {
		_ = fx.plane.Run(ctx)
		close(planeDone)
	}()

	res, err := fx.store.Submit(ctx, work.New("ghost-faculty", "user"))
	if err != nil {
		t.Fatal(err)
	}

	// Give several heartbeats; the item must remain queued, not dead.
	time.Sleep(200 * time.Millisecond)
	item, err := fx.store.Get(context.Background(), res.Item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != work.StateQueued {
		t.Errorf("unroutable item state = %s, want queued", item.State)
	}

	cancel()
	<-planeDone
}

func TestChildWorkDispatchedAndAwaited(t *testing.T) {
	// A parent spawns a child, the control plane dispatches it, and
	// await_child_work returns the child's outcome.
	fx := newPlane(t, []*config.Faculty{{Name: "social", Concurrent: true, MaxConcurrent: 4}},
		Options{MaxConcurrent: 4, Heartbeat: 20 * time.Millisecond, DrainTimeout: 2 * time.Second})
	if err := tools.RegisterChildWorkTools(fx.plane.focusDeps.Registry, fx.store, fx.bus, 5); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	planeDone := make(chan struct{})
	go func() {
		_ = fx.plane.Run(ctx)
		close(planeDone)
	}()

	parent, err := fx.store.Submit(ctx, work.New("social", "user"))
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool {
		item, err := fx.store.Get(context.Background(), parent.Item.ID)
		return err == nil && item.State == work.StateCompleted
	})

	// Spawn a child directly through the tool against the completed
	// parent's auth context; the plane picks it up.
	res := fx.plane.focusDeps.Registry.Execute(ctx, "spawn_child_work",
		[]byte(`{"faculty":"social","description":"follow up","priority":5}`),
		tools.AuthContext{WorkItemID: parent.Item.ID})
	if res.IsError {
		t.Fatalf("spawn: %+v", res)
	}
	childID := res.Metadata["child_id"].(string)

	awaitRes := fx.plane.focusDeps.Registry.Execute(ctx, "await_child_work",
		[]byte(`{"ids":["`+childID+`"],"timeout_seconds":10}`),
		tools.AuthContext{WorkItemID: parent.Item.ID})
	if awaitRes.IsError {
		t.Fatalf("await: %+v", awaitRes)
	}

	child, err := fx.store.Get(context.Background(), childID)
	if err != nil {
		t.Fatal(err)
	}
	if child.State != work.StateCompleted {
		t.Errorf("child state = %s", child.State)
	}
	if child.ParentID != parent.Item.ID {
		t.Errorf("child parent = %s", child.ParentID)
	}
}
