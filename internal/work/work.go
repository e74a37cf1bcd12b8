// Package work defines the core data model: work items, lifecycle states,
// provenance, and the per-item ledger. A work item is something that needs
// doing. It has identity (faculty + dedup key), provenance (where it came
// from), priority, and lifecycle state.
package work

import (
	"encoding/json"
	"time"
)

// State is the lifecycle position of a work item.
type State string

const (
	// StateCreated: submitted, pending dedup check.
	StateCreated State = "created"
	// StateQueued: ready for execution, waiting for a focus.
	StateQueued State = "queued"
	// StateClaimed: focus assigned, execution starting.
	StateClaimed State = "claimed"
	// StateRunning: focus actively processing.
	StateRunning State = "running"
	// StateCompleted: done successfully. Terminal.
	StateCompleted State = "completed"
	// StateFailed: execution failed, may be retried.
	StateFailed State = "failed"
	// StateDead: exhausted retries or poisoned. Terminal.
	StateDead State = "dead"
	// StateMerged: recognized as duplicate, linked to canonical item. Terminal.
	StateMerged State = "merged"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateCreated: {
		StateQueued: {},
		StateMerged: {},
	},
	StateQueued: {
		StateClaimed: {},
		StateDead:    {}, // cancelled or circuit-broken
	},
	StateClaimed: {
		StateRunning: {},
		StateQueued:  {}, // focus failed to start, requeue
	},
	StateRunning: {
		StateCompleted: {},
		StateFailed:    {},
	},
	StateFailed: {
		StateQueued: {}, // retry
		StateDead:   {}, // exhausted retries
	},
}

// CanTransitionTo reports whether the state machine allows from → to.
func (s State) CanTransitionTo(to State) bool {
	next, ok := allowedTransitions[s]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether s is a terminal state. Terminal items are
// immutable.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateDead, StateMerged:
		return true
	}
	return false
}

// Valid reports whether s names a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateQueued, StateClaimed, StateRunning,
		StateCompleted, StateFailed, StateDead, StateMerged:
		return true
	}
	return false
}

// Provenance records where a work item came from.
type Provenance struct {
	// Source is the high-level origin (e.g. "user", "pulse", "focus").
	Source string `json:"source"`
	// Trigger is the more specific cause (e.g. "skill/check-in", "user/kelly").
	Trigger string `json:"trigger,omitempty"`
}

// Item is a unit of work tracked by the engine.
type Item struct {
	ID         string          `json:"id"`
	Faculty    string          `json:"faculty"`
	Skill      string          `json:"skill,omitempty"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	Provenance Provenance      `json:"provenance"`
	Params     json.RawMessage `json:"params,omitempty"`
	Priority   int             `json:"priority"`
	State      State           `json:"state"`

	// MergedInto is set iff State == StateMerged.
	MergedInto string `json:"merged_into,omitempty"`
	// ParentID links a child back to the work item whose focus spawned it.
	ParentID string `json:"parent_id,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	OutcomeData  json.RawMessage `json:"outcome_data,omitempty"`
	OutcomeError string          `json:"outcome_error,omitempty"`
	OutcomeMS    int64           `json:"outcome_ms,omitempty"`

	// QueueMessageID links to the queue entry currently representing this item.
	QueueMessageID int64 `json:"queue_message_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Outcome is the result of executing a work item, recorded on the terminal
// transition.
type Outcome struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// NewItem is the builder for submitting work. Zero values mean "engine
// default".
type NewItem struct {
	Faculty     string
	Skill       string
	DedupKey    string
	Provenance  Provenance
	Params      json.RawMessage
	Priority    int
	ParentID    string
	MaxAttempts int
}

// New starts a work item builder for the given faculty and provenance source.
func New(faculty, source string) *NewItem {
	return &NewItem{
		Faculty:    faculty,
		Provenance: Provenance{Source: source},
	}
}

func (n *NewItem) WithSkill(skill string) *NewItem {
	n.Skill = skill
	return n
}

func (n *NewItem) WithDedupKey(key string) *NewItem {
	n.DedupKey = key
	return n
}

func (n *NewItem) WithTrigger(trigger string) *NewItem {
	n.Provenance.Trigger = trigger
	return n
}

func (n *NewItem) WithParams(params json.RawMessage) *NewItem {
	n.Params = params
	return n
}

func (n *NewItem) WithPriority(p int) *NewItem {
	n.Priority = p
	return n
}

func (n *NewItem) WithParent(parentID string) *NewItem {
	n.ParentID = parentID
	return n
}

func (n *NewItem) WithMaxAttempts(max int) *NewItem {
	n.MaxAttempts = max
	return n
}

// SubmitResult reports what submit did with a new item.
type SubmitResult struct {
	// Item is the stored work item (the new one, even when merged).
	Item *Item
	// Merged is true when the item was folded into an existing canonical item.
	Merged bool
	// CanonicalID is set when Merged, naming the canonical item.
	CanonicalID string
}
