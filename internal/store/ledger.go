package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animusworks/animus/internal/work"
	"github.com/google/uuid"
)

// AppendLedger adds one entry to a work item's ledger. seq is assigned
// inside the transaction as max(seq)+1 for the item, so sequences are
// monotone and gap-free.
func (s *Store) AppendLedger(ctx context.Context, workItemID string, entryType work.EntryType, content string) (*work.LedgerEntry, error) {
	if !entryType.Valid() {
		return nil, &work.ValidationError{Field: "entry_type", Reason: fmt.Sprintf("unknown type %q", entryType)}
	}
	var out *work.LedgerEntry
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ledger tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM work_items WHERE id = ?;`, workItemID).Scan(&exists); err != nil {
			return fmt.Errorf("check work item: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("work item %s: %w", workItemID, work.ErrNotFound)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM work_ledger WHERE work_item_id = ?;
		`, workItemID).Scan(&seq); err != nil {
			return fmt.Errorf("next ledger seq: %w", err)
		}

		entry := &work.LedgerEntry{
			ID:         uuid.NewString(),
			WorkItemID: workItemID,
			Seq:        seq,
			Type:       entryType,
			Content:    content,
			CreatedAt:  time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_ledger (id, work_item_id, seq, entry_type, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, entry.ID, entry.WorkItemID, entry.Seq, entry.Type, entry.Content, entry.CreatedAt); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit ledger tx: %w", err)
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadLedger returns a work item's entries in seq order. filter narrows by
// type; lastN keeps only the trailing N entries after filtering.
func (s *Store) ReadLedger(ctx context.Context, workItemID string, filter work.EntryType, lastN int) ([]*work.LedgerEntry, error) {
	if filter != "" && !filter.Valid() {
		return nil, &work.ValidationError{Field: "entry_type", Reason: fmt.Sprintf("unknown type %q", filter)}
	}
	q := `
		SELECT id, work_item_id, seq, entry_type, content, created_at
		FROM work_ledger WHERE work_item_id = ?`
	args := []any{workItemID}
	if filter != "" {
		q += ` AND entry_type = ?`
		args = append(args, filter)
	}
	q += ` ORDER BY seq ASC;`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer rows.Close()

	var out []*work.LedgerEntry
	for rows.Next() {
		var e work.LedgerEntry
		if err := rows.Scan(&e.ID, &e.WorkItemID, &e.Seq, &e.Type, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger rows: %w", err)
	}
	if lastN > 0 && len(out) > lastN {
		out = out[len(out)-lastN:]
	}
	return out, nil
}

// LatestLedgerEntry returns the highest-seq entry of a type, or nil.
func (s *Store) LatestLedgerEntry(ctx context.Context, workItemID string, entryType work.EntryType) (*work.LedgerEntry, error) {
	var e work.LedgerEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, work_item_id, seq, entry_type, content, created_at
		FROM work_ledger
		WHERE work_item_id = ? AND entry_type = ?
		ORDER BY seq DESC LIMIT 1;
	`, workItemID, entryType).Scan(&e.ID, &e.WorkItemID, &e.Seq, &e.Type, &e.Content, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest ledger entry: %w", err)
	}
	return &e, nil
}

// RecentFindings returns finding entries across all work items newer than
// the cutoff, newest first, joined with their item's faculty. Feeds the
// awareness digest.
type Finding struct {
	Entry   work.LedgerEntry
	Faculty string
}

func (s *Store) RecentFindings(ctx context.Context, since time.Time, limit int) ([]Finding, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.work_item_id, l.seq, l.entry_type, l.content, l.created_at, w.faculty
		FROM work_ledger l
		JOIN work_items w ON w.id = l.work_item_id
		WHERE l.entry_type = 'finding' AND l.created_at >= ?
		ORDER BY l.created_at DESC
		LIMIT ?;
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("recent findings: %w", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.Entry.ID, &f.Entry.WorkItemID, &f.Entry.Seq, &f.Entry.Type,
			&f.Entry.Content, &f.Entry.CreatedAt, &f.Faculty); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FormatLedger groups a work item's entries into the PLAN / FINDINGS /
// DECISIONS / STEPS / ERRORS / NOTES sections. PLAN shows only the latest
// plan entry; other sections list all entries in seq order.
func (s *Store) FormatLedger(ctx context.Context, workItemID string) (string, error) {
	entries, err := s.ReadLedger(ctx, workItemID, "", 0)
	if err != nil {
		return "", err
	}
	return FormatEntries(entries), nil
}

var ledgerSections = []struct {
	entryType work.EntryType
	heading   string
}{
	{work.EntryPlan, "PLAN"},
	{work.EntryFinding, "FINDINGS"},
	{work.EntryDecision, "DECISIONS"},
	{work.EntryStep, "STEPS"},
	{work.EntryError, "ERRORS"},
	{work.EntryNote, "NOTES"},
}

// FormatEntries renders entries into the sectioned ledger view.
func FormatEntries(entries []*work.LedgerEntry) string {
	var b strings.Builder
	for _, section := range ledgerSections {
		var matching []*work.LedgerEntry
		for _, e := range entries {
			if e.Type == section.entryType {
				matching = append(matching, e)
			}
		}
		if len(matching) == 0 {
			continue
		}
		if section.entryType == work.EntryPlan {
			// Only the latest plan counts; earlier plans are superseded.
			matching = matching[len(matching)-1:]
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + section.heading + "\n")
		for _, e := range matching {
			fmt.Fprintf(&b, "- [%d] %s\n", e.Seq, e.Content)
		}
	}
	return b.String()
}
