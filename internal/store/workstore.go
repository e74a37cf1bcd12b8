package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animusworks/animus/internal/bus"
	"github.com/animusworks/animus/internal/otel"
	"github.com/animusworks/animus/internal/work"
	"github.com/google/uuid"
)

// queuePayload is the JSON body of a queue message produced by Submit.
type queuePayload struct {
	WorkItemID string `json:"work_item_id"`
}

// ClaimedItem pairs a claimed work item with the queue message representing
// it. The message must be archived only after the item reaches a terminal
// state.
type ClaimedItem struct {
	Item      *work.Item
	MessageID int64
}

// Submit persists a new work item in a single serialized transaction. With a
// dedup key set, a live item with the same (faculty, dedup_key) wins and the
// new item is stored as Merged pointing at it. Otherwise the item is
// enqueued on the faculty queue and transitioned to Queued.
func (s *Store) Submit(ctx context.Context, n *work.NewItem) (*work.SubmitResult, error) {
	if strings.TrimSpace(n.Faculty) == "" {
		return nil, &work.ValidationError{Field: "faculty", Reason: "must be non-empty"}
	}
	if strings.TrimSpace(n.Provenance.Source) == "" {
		return nil, &work.ValidationError{Field: "provenance.source", Reason: "must be non-empty"}
	}
	if n.ParentID != "" {
		if _, err := s.Get(ctx, n.ParentID); err != nil {
			return nil, fmt.Errorf("parent %s: %w", n.ParentID, err)
		}
	}

	maxAttempts := n.MaxAttempts
	if maxAttempts <= 0 && s.maxAttemptsFor != nil {
		maxAttempts = s.maxAttemptsFor(n.Faculty)
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	var result *work.SubmitResult

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin submit tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if n.DedupKey != "" {
			// The partial unique index on (faculty, dedup_key) makes this
			// insert-or-nothing atomic under concurrent submits.
			var inserted sql.NullString
			err := tx.QueryRowContext(ctx, `
				INSERT INTO work_items (id, faculty, skill, dedup_key, source, trigger_info, params, priority, submitted_priority, state, parent_id, max_attempts, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (faculty, dedup_key) WHERE dedup_key IS NOT NULL AND state NOT IN ('completed', 'dead', 'merged')
				DO NOTHING
				RETURNING id;
			`, id, n.Faculty, n.Skill, n.DedupKey, n.Provenance.Source, n.Provenance.Trigger,
				paramsText(n.Params), n.Priority, n.Priority, work.StateCreated, nullString(n.ParentID), maxAttempts, now, now).Scan(&inserted)
			if errors.Is(err, sql.ErrNoRows) {
				// Conflict: a live duplicate exists. Find the canonical item
				// and record the new one as merged (dedup_key NULL so it does
				// not collide with the index).
				var canonicalID string
				if err := tx.QueryRowContext(ctx, `
					SELECT id FROM work_items
					WHERE faculty = ? AND dedup_key = ?
					  AND state NOT IN ('completed', 'dead', 'merged')
					LIMIT 1;
				`, n.Faculty, n.DedupKey).Scan(&canonicalID); err != nil {
					if errors.Is(err, sql.ErrNoRows) {
						// The canonical item resolved between insert and
						// lookup. Let the caller retry once.
						return fmt.Errorf("dedup race on (%s, %s): %w", n.Faculty, n.DedupKey, work.ErrConflict)
					}
					return fmt.Errorf("find canonical item: %w", err)
				}
				if err := work.ValidateTransition(work.StateCreated, work.StateMerged); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO work_items (id, faculty, skill, dedup_key, source, trigger_info, params, priority, submitted_priority, state, merged_into, parent_id, max_attempts, created_at, updated_at, resolved_at)
					VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, 'merged', ?, ?, ?, ?, ?, ?);
				`, id, n.Faculty, n.Skill, n.Provenance.Source, n.Provenance.Trigger,
					paramsText(n.Params), n.Priority, n.Priority, canonicalID, nullString(n.ParentID), maxAttempts, now, now, now); err != nil {
					return fmt.Errorf("insert merged item: %w", err)
				}
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("commit merged submit tx: %w", err)
				}
				item, err := s.Get(ctx, id)
				if err != nil {
					return err
				}
				otel.WorkSubmitted(ctx, n.Faculty, "merged")
				result = &work.SubmitResult{Item: item, Merged: true, CanonicalID: canonicalID}
				return nil
			}
			if err != nil {
				return fmt.Errorf("insert work item: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO work_items (id, faculty, skill, dedup_key, source, trigger_info, params, priority, submitted_priority, state, parent_id, max_attempts, created_at, updated_at)
				VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, id, n.Faculty, n.Skill, n.Provenance.Source, n.Provenance.Trigger,
				paramsText(n.Params), n.Priority, n.Priority, work.StateCreated, nullString(n.ParentID), maxAttempts, now, now); err != nil {
				return fmt.Errorf("insert work item: %w", err)
			}
		}

		// Inserted fresh: enqueue on the faculty queue inside the same
		// transaction, then flip to Queued. An enqueue failure aborts the
		// whole submit — no orphaned Created rows.
		if err := work.ValidateTransition(work.StateCreated, work.StateQueued); err != nil {
			return err
		}
		payload, err := json.Marshal(queuePayload{WorkItemID: id})
		if err != nil {
			return fmt.Errorf("marshal queue payload: %w", err)
		}
		msgID, err := s.sendTx(ctx, tx, n.Faculty, string(payload), 0, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items SET state = 'queued', queue_message_id = ?, updated_at = ? WHERE id = ?;
		`, msgID, now, id); err != nil {
			return fmt.Errorf("mark item queued: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit submit tx: %w", err)
		}

		item, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		otel.WorkSubmitted(ctx, n.Faculty, "ok")
		s.publishQueueReady(n.Faculty)
		s.publishStateChange(id, work.StateCreated, work.StateQueued)
		result = &work.SubmitResult{Item: item}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Claim reads at most one visible queue message for the faculty, loads the
// work item, and transitions Queued → Claimed → Running inside one
// transaction. Visibility ordering: highest priority first, then oldest
// created_at. Returns (nil, nil) when nothing is visible.
func (s *Store) Claim(ctx context.Context, faculty string, visibilitySeconds int) (*ClaimedItem, error) {
	if visibilitySeconds <= 0 {
		visibilitySeconds = DefaultVisibilitySeconds
	}
	var claimed *ClaimedItem
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		var msgID int64
		var workItemID string
		err = tx.QueryRowContext(ctx, `
			SELECT m.msg_id, json_extract(m.payload, '$.work_item_id')
			FROM queue_messages m
			JOIN work_items w ON w.id = json_extract(m.payload, '$.work_item_id')
			WHERE m.queue = ? AND m.visible_at <= ? AND w.state = 'queued'
			ORDER BY w.priority DESC, w.created_at ASC, m.msg_id ASC
			LIMIT 1;
		`, faculty, now).Scan(&msgID, &workItemID)
		if errors.Is(err, sql.ErrNoRows) {
			claimed = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("select visible message: %w", err)
		}

		// Advance the visibility horizon so no concurrent reader returns
		// this message before the timeout expires.
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages
			SET visible_at = ?, read_count = read_count + 1
			WHERE msg_id = ?;
		`, now.Add(time.Duration(visibilitySeconds)*time.Second), msgID); err != nil {
			return fmt.Errorf("advance visibility: %w", err)
		}

		if err := s.transitionTx(ctx, tx, workItemID, work.StateQueued, work.StateClaimed, now); err != nil {
			return err
		}
		// Attempts count claim attempts: bump when entering Running.
		if err := s.transitionTx(ctx, tx, workItemID, work.StateClaimed, work.StateRunning, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items SET attempts = attempts + 1, updated_at = ? WHERE id = ?;
		`, now, workItemID); err != nil {
			return fmt.Errorf("bump attempts: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}

		item, err := s.Get(ctx, workItemID)
		if err != nil {
			return err
		}
		otel.QueueOperation(ctx, faculty, "read")
		s.publishStateChange(workItemID, work.StateQueued, work.StateRunning)
		claimed = &ClaimedItem{Item: item, MessageID: msgID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete performs Running → Completed with the outcome, archives the
// item's queue message, and emits the terminal notification.
func (s *Store) Complete(ctx context.Context, id string, outcome work.Outcome) (*work.Item, error) {
	now := time.Now().UTC()
	item, err := s.terminalTx(ctx, id, work.StateRunning, work.StateCompleted, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET outcome_data = ?, outcome_error = ?, outcome_ms = ?, updated_at = ?
			WHERE id = ?;
		`, paramsText(outcome.Data), nullString(outcome.Error), outcome.DurationMS, now, id); err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	otel.WorkStateTransition(ctx, string(work.StateRunning), string(work.StateCompleted))
	return item, nil
}

// Fail performs Running → Failed and then decides retry vs dead-letter:
// retryable failures with attempts < max_attempts re-enqueue (Failed →
// Queued with a fresh queue message, delayed by backoff); otherwise the
// item goes Dead.
func (s *Store) Fail(ctx context.Context, id, errMsg string, retryable bool, durationMS int64, backoff time.Duration) (*work.Item, error) {
	var out *work.Item
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		item, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.transitionTx(ctx, tx, id, work.StateRunning, work.StateFailed, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items SET outcome_error = ?, outcome_ms = ?, updated_at = ? WHERE id = ?;
		`, errMsg, durationMS, now, id); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}

		retry := retryable && item.Attempts < item.MaxAttempts
		if retry {
			if err := s.transitionTx(ctx, tx, id, work.StateFailed, work.StateQueued, now); err != nil {
				return err
			}
			if err := s.archiveMessageTx(ctx, tx, item.Faculty, item.QueueMessageID, now); err != nil {
				return err
			}
			payload, err := json.Marshal(queuePayload{WorkItemID: id})
			if err != nil {
				return fmt.Errorf("marshal requeue payload: %w", err)
			}
			msgID, err := s.sendTx(ctx, tx, item.Faculty, string(payload), backoff, now)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE work_items SET queue_message_id = ?, updated_at = ? WHERE id = ?;
			`, msgID, now, id); err != nil {
				return fmt.Errorf("link requeued message: %w", err)
			}
		} else {
			if err := s.transitionTx(ctx, tx, id, work.StateFailed, work.StateDead, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE work_items SET resolved_at = ?, updated_at = ? WHERE id = ?;
			`, now, now, id); err != nil {
				return fmt.Errorf("resolve dead item: %w", err)
			}
			if err := s.archiveMessageTx(ctx, tx, item.Faculty, item.QueueMessageID, now); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit fail tx: %w", err)
		}

		fresh, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if retry {
			otel.WorkStateTransition(ctx, string(work.StateFailed), string(work.StateQueued))
			s.publishQueueReady(item.Faculty)
			s.publishStateChange(id, work.StateFailed, work.StateQueued)
		} else {
			otel.WorkStateTransition(ctx, string(work.StateFailed), string(work.StateDead))
			s.publishResolved(id, work.StateDead)
		}
		out = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeadLetterQueued performs Queued → Dead for an item cancelled before any
// focus claimed it.
func (s *Store) DeadLetterQueued(ctx context.Context, id, reason string) (*work.Item, error) {
	now := time.Now().UTC()
	item, err := s.terminalTx(ctx, id, work.StateQueued, work.StateDead, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items SET outcome_error = ?, updated_at = ? WHERE id = ?;
		`, reason, now, id); err != nil {
			return fmt.Errorf("record dead-letter reason: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	otel.WorkStateTransition(ctx, string(work.StateQueued), string(work.StateDead))
	return item, nil
}

// Requeue performs Claimed → Queued (a focus failed before starting).
func (s *Store) Requeue(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		if err := s.transitionTx(ctx, tx, id, work.StateClaimed, work.StateQueued, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit requeue tx: %w", err)
		}
		s.publishStateChange(id, work.StateClaimed, work.StateQueued)
		return nil
	})
}

// Archive moves a terminal item's queue message to the archive table. A
// second call is a no-op.
func (s *Store) Archive(ctx context.Context, id string) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !item.State.Terminal() {
		return &work.ValidationError{Field: "state", Reason: fmt.Sprintf("cannot archive non-terminal item in %s", item.State)}
	}
	if item.QueueMessageID == 0 {
		return nil
	}
	return s.ArchiveMessage(ctx, item.Faculty, item.QueueMessageID)
}

// terminalTx runs a terminal transition plus extra mutations in one
// transaction, stamps resolved_at, archives the queue message, and emits
// the completion notification.
func (s *Store) terminalTx(ctx context.Context, id string, from, to work.State, mutate func(tx *sql.Tx) error) (*work.Item, error) {
	var out *work.Item
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin terminal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		item, err := s.getTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.transitionTx(ctx, tx, id, from, to, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_items SET resolved_at = ?, updated_at = ? WHERE id = ?;
		`, now, now, id); err != nil {
			return fmt.Errorf("stamp resolved_at: %w", err)
		}
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return err
			}
		}
		if err := s.archiveMessageTx(ctx, tx, item.Faculty, item.QueueMessageID, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit terminal tx: %w", err)
		}

		fresh, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		s.publishResolved(id, to)
		out = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// transitionTx validates and applies a state change with optimistic
// concurrency: zero rows affected means a concurrent writer got there
// first.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, id string, from, to work.State, now time.Time) error {
	if err := work.ValidateTransition(from, to); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE work_items SET state = ?, updated_at = ? WHERE id = ? AND state = ?;
	`, to, now, id, from)
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 0 {
		return &work.InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Get loads one work item by id.
func (s *Store) Get(ctx context.Context, id string) (*work.Item, error) {
	row := s.db.QueryRowContext(ctx, selectWorkItem+` WHERE id = ?;`, id)
	item, err := scanWorkItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, work.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id string) (*work.Item, error) {
	row := tx.QueryRowContext(ctx, selectWorkItem+` WHERE id = ?;`, id)
	item, err := scanWorkItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, work.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	State    work.State
	Faculty  string
	ParentID string
	Limit    int
}

// List returns work items newest first, narrowed by the filter.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*work.Item, error) {
	q := selectWorkItem + ` WHERE 1=1`
	var args []any
	if f.State != "" {
		q += ` AND state = ?`
		args = append(args, f.State)
	}
	if f.Faculty != "" {
		q += ` AND faculty = ?`
		args = append(args, f.Faculty)
	}
	if f.ParentID != "" {
		q += ` AND parent_id = ?`
		args = append(args, f.ParentID)
	}
	q += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q += ` LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var out []*work.Item
	for rows.Next() {
		item, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("work item rows: %w", err)
	}
	return out, nil
}

// Children returns the direct children of a work item, oldest first.
func (s *Store) Children(ctx context.Context, parentID string) ([]*work.Item, error) {
	rows, err := s.db.QueryContext(ctx, selectWorkItem+` WHERE parent_id = ? ORDER BY created_at ASC;`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []*work.Item
	for rows.Next() {
		item, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("children rows: %w", err)
	}
	return out, nil
}

// Depth walks parent links from id upward and returns the ancestry depth
// (0 for a root item). Used by the child-work depth cap.
func (s *Store) Depth(ctx context.Context, id string) (int, error) {
	depth := 0
	cur := id
	for {
		var parent sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT parent_id FROM work_items WHERE id = ?;`, cur).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("work item %s: %w", cur, work.ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("walk ancestry: %w", err)
		}
		if !parent.Valid || parent.String == "" {
			return depth, nil
		}
		cur = parent.String
		depth++
		if depth > 100 {
			return depth, fmt.Errorf("ancestry of %s exceeds 100 levels", id)
		}
	}
}

// AgeQueuedPriorities bumps priority by one for queued items waiting longer
// than the window, capped at maxBoost over their submitted priority.
// Applied by the control plane heartbeat.
func (s *Store) AgeQueuedPriorities(ctx context.Context, olderThan time.Duration, maxBoost int) (int64, error) {
	if maxBoost <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET priority = MIN(priority + 1, submitted_priority + ?), updated_at = ?
		WHERE state = 'queued' AND updated_at <= ? AND attempts = 0
		  AND priority < submitted_priority + ?;
	`, maxBoost, time.Now().UTC(), cutoff, maxBoost)
	if err != nil {
		return 0, fmt.Errorf("age queued priorities: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("age rows affected: %w", err)
	}
	return n, nil
}

const selectWorkItem = `
	SELECT id, faculty, skill, dedup_key, source, trigger_info, params, priority, state,
		merged_into, parent_id, attempts, max_attempts,
		outcome_data, outcome_error, outcome_ms, queue_message_id,
		created_at, updated_at, resolved_at
	FROM work_items`

func scanWorkItem(scan func(dest ...any) error) (*work.Item, error) {
	var (
		item         work.Item
		dedupKey     sql.NullString
		params       sql.NullString
		mergedInto   sql.NullString
		parentID     sql.NullString
		outcomeData  sql.NullString
		outcomeError sql.NullString
		outcomeMS    sql.NullInt64
		queueMsgID   sql.NullInt64
		resolvedAt   sql.NullTime
	)
	err := scan(
		&item.ID, &item.Faculty, &item.Skill, &dedupKey, &item.Provenance.Source,
		&item.Provenance.Trigger, &params, &item.Priority, &item.State,
		&mergedInto, &parentID, &item.Attempts, &item.MaxAttempts,
		&outcomeData, &outcomeError, &outcomeMS, &queueMsgID,
		&item.CreatedAt, &item.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	item.DedupKey = dedupKey.String
	if params.Valid && params.String != "" {
		item.Params = json.RawMessage(params.String)
	}
	item.MergedInto = mergedInto.String
	item.ParentID = parentID.String
	if outcomeData.Valid && outcomeData.String != "" {
		item.OutcomeData = json.RawMessage(outcomeData.String)
	}
	item.OutcomeError = outcomeError.String
	item.OutcomeMS = outcomeMS.Int64
	item.QueueMessageID = queueMsgID.Int64
	if resolvedAt.Valid {
		t := resolvedAt.Time
		item.ResolvedAt = &t
	}
	return &item, nil
}

func paramsText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) publishQueueReady(faculty string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.QueueReadyTopic(faculty), bus.QueueReadyEvent{Faculty: faculty})
}

func (s *Store) publishStateChange(id string, from, to work.State) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicWorkStateChanged, bus.WorkStateChangedEvent{
		WorkItemID: id, From: string(from), To: string(to),
	})
}

func (s *Store) publishResolved(id string, state work.State) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicWorkCompleted, bus.WorkResolvedEvent{
		WorkItemID: id, State: string(state),
	})
	s.bus.Publish(bus.TopicWorkStateChanged, bus.WorkStateChangedEvent{
		WorkItemID: id, To: string(state),
	})
}
