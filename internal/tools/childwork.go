package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/work"
)

const (
	// DefaultMaxChildDepth caps spawn ancestry when config leaves it unset.
	DefaultMaxChildDepth = 5
	// defaultAwaitTimeout applies when await_child_work omits
	// timeout_seconds.
	defaultAwaitTimeout = 5 * time.Minute
)

type spawnChildInput struct {
	Faculty     string          `json:"faculty"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"params,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

type awaitChildInput struct {
	IDs            []string `json:"ids"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

type checkChildInput struct {
	IDs []string `json:"ids"`
}

// RegisterChildWorkTools adds spawn_child_work, await_child_work, and
// check_child_work. Children are real work items: they ride the queue and
// are dispatched by the control plane like any other submission.
func RegisterChildWorkTools(r *Registry, st *store.Store, eventBus *bus.Bus, maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxChildDepth
	}

	spawn := Tool{
		Name: "spawn_child_work",
		Description: "Delegate a sub-problem as a new work item handled by another faculty. " +
			"Returns the child's work item id; use await_child_work or check_child_work to follow it.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"faculty":     map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"params":      map[string]any{"type": "object"},
				"priority":    map[string]any{"type": "integer"},
			},
			"required": []any{"faculty", "description"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in spawnChildInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			depth, err := st.Depth(ctx, auth.WorkItemID)
			if err != nil {
				return nil, err
			}
			if depth+1 >= maxDepth {
				return Errorf(ErrorTypeExecution,
					"child depth limit reached (%d): this work item cannot spawn further children", maxDepth), nil
			}
			params := in.Params
			if len(params) == 0 {
				params = json.RawMessage(fmt.Sprintf(`{"description":%q}`, in.Description))
			}
			res, err := st.Submit(ctx, work.New(in.Faculty, "focus").
				WithTrigger("work/"+auth.WorkItemID).
				WithParams(params).
				WithPriority(in.Priority).
				WithParent(auth.WorkItemID))
			if err != nil {
				return nil, err
			}
			if res.Merged {
				return &Result{
					Content:  fmt.Sprintf("child merged into existing work item %s", res.CanonicalID),
					Metadata: map[string]any{"child_id": res.CanonicalID, "merged": true},
				}, nil
			}
			return &Result{
				Content:  fmt.Sprintf("spawned child work item %s (faculty %s)", res.Item.ID, in.Faculty),
				Metadata: map[string]any{"child_id": res.Item.ID},
			}, nil
		},
	}

	await := Tool{
		Name: "await_child_work",
		Description: "Block until each listed child work item reaches a terminal state, then " +
			"return its outcome and a ledger summary. On timeout, returns an error listing the " +
			"still-running ids; you may call again or treat it as failure.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ids": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"timeout_seconds": map[string]any{"type": "integer", "minimum": 1},
			},
			"required": []any{"ids"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in awaitChildInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			if len(in.IDs) == 0 {
				return &Result{Content: "[]"}, nil
			}
			timeout := defaultAwaitTimeout
			if in.TimeoutSeconds > 0 {
				timeout = time.Duration(in.TimeoutSeconds) * time.Second
			}
			return awaitChildren(ctx, st, eventBus, auth.WorkItemID, in.IDs, timeout)
		},
	}

	check := Tool{
		Name: "check_child_work",
		Description: "Non-blocking status check on child work items: current state and, for " +
			"running children, their last few ledger entries.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ids": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required": []any{"ids"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in checkChildInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			var b strings.Builder
			for _, id := range in.IDs {
				item, err := st.Get(ctx, id)
				if err != nil {
					fmt.Fprintf(&b, "%s: not found\n", id)
					continue
				}
				fmt.Fprintf(&b, "%s: %s", item.ID, item.State)
				if item.State == work.StateRunning {
					entries, err := st.ReadLedger(ctx, id, "", 3)
					if err == nil && len(entries) > 0 {
						b.WriteString("\n")
						for _, e := range entries {
							fmt.Fprintf(&b, "  [%d] %s: %s\n", e.Seq, e.Type, e.Content)
						}
						continue
					}
				}
				b.WriteString("\n")
			}
			return &Result{Content: strings.TrimRight(b.String(), "\n")}, nil
		},
	}

	if err := r.Register(spawn); err != nil {
		return err
	}
	if err := r.Register(await); err != nil {
		return err
	}
	return r.Register(check)
}

// awaitChildren waits for all ids to go terminal using the store's
// terminal-transition notifications, with a polling fallback. Subscribe
// happens before the first DB check so no completion slips between them.
func awaitChildren(ctx context.Context, st *store.Store, eventBus *bus.Bus, parentID string, ids []string, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var sub *bus.Subscription
	var subCh <-chan bus.Event
	if eventBus != nil {
		sub = eventBus.Subscribe(bus.TopicWorkCompleted)
		defer eventBus.Unsubscribe(sub)
		subCh = sub.Ch()
	}

	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	done := make(map[string]*work.Item, len(ids))

	checkPending := func() error {
		for id := range pending {
			item, err := st.Get(ctx, id)
			if err != nil {
				return err
			}
			if item.State.Terminal() {
				done[id] = item
				delete(pending, id)
			}
		}
		return nil
	}
	if err := checkPending(); err != nil {
		return nil, err
	}

	tickInterval := time.Second
	if eventBus == nil {
		tickInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				// Parent focus cancelled, not our timeout.
				return nil, ctx.Err()
			}
			var running []string
			for id := range pending {
				running = append(running, id)
			}
			return Errorf(ErrorTypeTimeout,
				"timed out after %s waiting for child work: still running: %s",
				timeout, strings.Join(running, ", ")), nil
		case <-ticker.C:
			if err := checkPending(); err != nil {
				return nil, err
			}
		case ev, ok := <-subCh:
			if !ok {
				subCh = nil
				continue
			}
			resolved, isResolved := ev.Payload.(bus.WorkResolvedEvent)
			if !isResolved {
				continue
			}
			if _, interested := pending[resolved.WorkItemID]; !interested {
				continue
			}
			if err := checkPending(); err != nil {
				return nil, err
			}
		}
	}

	var b strings.Builder
	for _, id := range ids {
		item := done[id]
		fmt.Fprintf(&b, "## child %s (%s)\n", item.ID, item.State)
		if len(item.OutcomeData) > 0 {
			fmt.Fprintf(&b, "outcome: %s\n", string(item.OutcomeData))
		}
		if item.OutcomeError != "" {
			fmt.Fprintf(&b, "error: %s\n", item.OutcomeError)
		}
		if formatted, err := st.FormatLedger(ctx, id); err == nil && formatted != "" {
			b.WriteString(formatted)
			b.WriteString("\n")
		}
	}
	return &Result{
		Content:  strings.TrimRight(b.String(), "\n"),
		Metadata: map[string]any{"parent_id": parentID, "children": len(ids)},
	}, nil
}
