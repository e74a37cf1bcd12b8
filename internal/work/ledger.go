package work

import "time"

// EntryType classifies a ledger entry. The set is closed; appends with an
// unknown type are rejected.
type EntryType string

const (
	EntryPlan     EntryType = "plan"
	EntryFinding  EntryType = "finding"
	EntryDecision EntryType = "decision"
	EntryStep     EntryType = "step"
	EntryError    EntryType = "error"
	EntryNote     EntryType = "note"
)

// EntryTypes lists all valid entry types in section order.
var EntryTypes = []EntryType{
	EntryPlan, EntryFinding, EntryDecision, EntryStep, EntryError, EntryNote,
}

// Valid reports whether t is in the closed entry-type set.
func (t EntryType) Valid() bool {
	switch t {
	case EntryPlan, EntryFinding, EntryDecision, EntryStep, EntryError, EntryNote:
		return true
	}
	return false
}

// LedgerEntry is one record in a work item's append-only ledger. Seq is
// monotonic and contiguous per work item, assigned at append time.
type LedgerEntry struct {
	ID         string    `json:"id"`
	WorkItemID string    `json:"work_item_id"`
	Seq        int64     `json:"seq"`
	Type       EntryType `json:"entry_type"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}
