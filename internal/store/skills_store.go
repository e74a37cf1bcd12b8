package store

import (
	"context"
	"fmt"
	"time"
)

// SkillActivation records one skill activation during a focus, for
// frequency and staleness metrics.
type SkillActivation struct {
	ID             int64
	SkillName      string
	WorkItemID     string
	Faculty        string
	ActivationType string // "auto" | "manual"
	CreatedAt      time.Time
}

// RecordSkillActivation persists an activation record.
func (s *Store) RecordSkillActivation(ctx context.Context, skillName, workItemID, faculty, activationType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_activations (skill_name, work_item_id, faculty, activation_type, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, skillName, workItemID, faculty, activationType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record skill activation: %w", err)
	}
	return nil
}

// SkillActivations lists activation records for a skill, newest first.
func (s *Store) SkillActivations(ctx context.Context, skillName string, limit int) ([]SkillActivation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, skill_name, work_item_id, faculty, activation_type, created_at
		FROM skill_activations
		WHERE skill_name = ?
		ORDER BY created_at DESC
		LIMIT ?;
	`, skillName, limit)
	if err != nil {
		return nil, fmt.Errorf("list skill activations: %w", err)
	}
	defer rows.Close()

	var out []SkillActivation
	for rows.Next() {
		var a SkillActivation
		if err := rows.Scan(&a.ID, &a.SkillName, &a.WorkItemID, &a.Faculty, &a.ActivationType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan skill activation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SkillProvenance links a created skill back to the work item and ledger
// entry it grew out of.
type SkillProvenance struct {
	ID         int64
	SkillName  string
	Version    string
	WorkItemID string
	LedgerSeq  int64
	Snippet    string
	CreatedAt  time.Time
}

// RecordSkillProvenance persists a provenance record for an
// agent-authored skill.
func (s *Store) RecordSkillProvenance(ctx context.Context, p SkillProvenance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_provenance (skill_name, skill_version, work_item_id, ledger_seq, snippet, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, p.SkillName, p.Version, p.WorkItemID, p.LedgerSeq, p.Snippet, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record skill provenance: %w", err)
	}
	return nil
}

// SkillProvenanceFor returns provenance records for a skill, newest first.
func (s *Store) SkillProvenanceFor(ctx context.Context, skillName string) ([]SkillProvenance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, skill_name, skill_version, work_item_id, ledger_seq, snippet, created_at
		FROM skill_provenance
		WHERE skill_name = ?
		ORDER BY created_at DESC;
	`, skillName)
	if err != nil {
		return nil, fmt.Errorf("list skill provenance: %w", err)
	}
	defer rows.Close()

	var out []SkillProvenance
	for rows.Next() {
		var p SkillProvenance
		if err := rows.Scan(&p.ID, &p.SkillName, &p.Version, &p.WorkItemID, &p.LedgerSeq, &p.Snippet, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan skill provenance: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
