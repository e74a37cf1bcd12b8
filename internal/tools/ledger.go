package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/animusworks/animus/internal/store"
	"github.com/animusworks/animus/internal/work"
)

// Result metadata keys set by ledger_append, consumed by the engage loop's
// context-block accounting.
const (
	MetaLedgerSeq  = "seq"
	MetaEntryType  = "entry_type"
	MetaLedgerText = "content"
)

type ledgerAppendInput struct {
	EntryType string `json:"entry_type"`
	Content   string `json:"content"`
}

type ledgerReadInput struct {
	EntryType string `json:"entry_type,omitempty"`
	LastN     int    `json:"last_n,omitempty"`
}

// RegisterLedgerTools adds ledger_append and ledger_read, bound to the
// store. The engine assigns seq and work_item_id; agents supply only
// entry_type and content.
func RegisterLedgerTools(r *Registry, st *store.Store) error {
	appendTool := Tool{
		Name: "ledger_append",
		Description: "Record progress in your work ledger. Entry types: plan (current approach), " +
			"finding (something learned), decision (choice made and why), step (a completed unit " +
			"of work - closes the current context block), error (something that went wrong), " +
			"note (anything else). Returns the assigned sequence number.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entry_type": map[string]any{
					"type": "string",
					"enum": []any{"plan", "finding", "decision", "step", "error", "note"},
				},
				"content": map[string]any{"type": "string"},
			},
			"required": []any{"entry_type", "content"},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in ledgerAppendInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			entry, err := st.AppendLedger(ctx, auth.WorkItemID, work.EntryType(in.EntryType), in.Content)
			if err != nil {
				var ve *work.ValidationError
				if errors.As(err, &ve) {
					return Errorf(ErrorTypeInvalidInput, "%v", ve), nil
				}
				return nil, err
			}
			return &Result{
				Content: fmt.Sprintf("recorded %s entry (seq %d)", entry.Type, entry.Seq),
				Metadata: map[string]any{
					MetaLedgerSeq:  entry.Seq,
					MetaEntryType:  string(entry.Type),
					MetaLedgerText: entry.Content,
				},
			}, nil
		},
	}
	readTool := Tool{
		Name: "ledger_read",
		Description: "Read back your work ledger, grouped into PLAN / FINDINGS / DECISIONS / " +
			"STEPS / ERRORS / NOTES sections. Optionally filter by entry type and limit to the " +
			"last N entries.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entry_type": map[string]any{
					"type": "string",
					"enum": []any{"plan", "finding", "decision", "step", "error", "note"},
				},
				"last_n": map[string]any{"type": "integer", "minimum": 1},
			},
		},
		Handler: func(ctx context.Context, input json.RawMessage, auth AuthContext) (*Result, error) {
			var in ledgerReadInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			entries, err := st.ReadLedger(ctx, auth.WorkItemID, work.EntryType(in.EntryType), in.LastN)
			if err != nil {
				var ve *work.ValidationError
				if errors.As(err, &ve) {
					return Errorf(ErrorTypeInvalidInput, "%v", ve), nil
				}
				return nil, err
			}
			if len(entries) == 0 {
				return &Result{Content: "(ledger is empty)"}, nil
			}
			return &Result{Content: store.FormatEntries(entries)}, nil
		},
	}
	if err := r.Register(appendTool); err != nil {
		return err
	}
	return r.Register(readTool)
}

// StepAppend reports whether a ledger_append result recorded a step entry,
// returning its seq and content. Drives closed-block accounting in the
// engage loop.
func StepAppend(res *Result) (seq int64, content string, ok bool) {
	if res == nil || res.IsError || res.Metadata == nil {
		return 0, "", false
	}
	if res.Metadata[MetaEntryType] != string(work.EntryStep) {
		return 0, "", false
	}
	switch v := res.Metadata[MetaLedgerSeq].(type) {
	case int64:
		seq = v
	case float64:
		seq = int64(v)
	case int:
		seq = int64(v)
	default:
		return 0, "", false
	}
	content, _ = res.Metadata[MetaLedgerText].(string)
	return seq, content, true
}
