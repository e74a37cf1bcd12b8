package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/animusworks/animus/internal/otel"
)

// Message is a durable queue message. Messages are produced by Submit,
// consumed by Claim, and archived (not deleted) after terminal transitions
// so the history is retained.
type Message struct {
	ID         int64
	Queue      string
	Payload    string
	ReadCount  int
	EnqueuedAt time.Time
	VisibleAt  time.Time
}

// CreateQueue registers a queue name. Idempotent.
func (s *Store) CreateQueue(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queues (name, created_at) VALUES (?, ?)
		ON CONFLICT (name) DO NOTHING;
	`, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create queue %s: %w", name, err)
	}
	otel.QueueOperation(ctx, name, "create")
	return nil
}

// Send enqueues a message. delay postpones visibility. Returns the message
// id.
func (s *Store) Send(ctx context.Context, queue, payload string, delay time.Duration) (int64, error) {
	var msgID int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin send tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		id, err := s.sendTx(ctx, tx, queue, payload, delay, now)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit send tx: %w", err)
		}
		msgID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	otel.QueueOperation(ctx, queue, "send")
	s.publishQueueReady(queue)
	return msgID, nil
}

func (s *Store) sendTx(ctx context.Context, tx *sql.Tx, queue, payload string, delay time.Duration, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, payload, enqueued_at, visible_at)
		VALUES (?, ?, ?, ?);
	`, queue, payload, now, now.Add(delay))
	if err != nil {
		return 0, fmt.Errorf("enqueue message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueued message id: %w", err)
	}
	return id, nil
}

// Read returns the next visible message on the queue, advancing its
// visibility horizon so concurrent readers do not see it before the timeout
// expires. Returns (nil, nil) when the queue is empty.
func (s *Store) Read(ctx context.Context, queue string, visibilitySeconds int) (*Message, error) {
	if visibilitySeconds <= 0 {
		visibilitySeconds = DefaultVisibilitySeconds
	}
	var out *Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin read tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		var m Message
		err = tx.QueryRowContext(ctx, `
			SELECT msg_id, queue, payload, read_count, enqueued_at, visible_at
			FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY msg_id ASC
			LIMIT 1;
		`, queue, now).Scan(&m.ID, &m.Queue, &m.Payload, &m.ReadCount, &m.EnqueuedAt, &m.VisibleAt)
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("select visible message: %w", err)
		}
		newVisible := now.Add(time.Duration(visibilitySeconds) * time.Second)
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_messages SET visible_at = ?, read_count = read_count + 1 WHERE msg_id = ?;
		`, newVisible, m.ID); err != nil {
			return fmt.Errorf("advance visibility: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit read tx: %w", err)
		}
		m.ReadCount++
		m.VisibleAt = newVisible
		out = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		otel.QueueOperation(ctx, queue, "read")
	} else {
		otel.QueueOperation(ctx, queue, "read_empty")
	}
	return out, nil
}

// ArchiveMessage moves a message to the archive table, preserving it for
// audit. A second archive of the same id is a no-op.
func (s *Store) ArchiveMessage(ctx context.Context, queue string, msgID int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin archive tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := s.archiveMessageTx(ctx, tx, queue, msgID, time.Now().UTC()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	otel.QueueOperation(ctx, queue, "archive")
	return nil
}

func (s *Store) archiveMessageTx(ctx context.Context, tx *sql.Tx, queue string, msgID int64, now time.Time) error {
	if msgID == 0 {
		return nil
	}
	var m Message
	err := tx.QueryRowContext(ctx, `
		SELECT msg_id, queue, payload, read_count, enqueued_at
		FROM queue_messages WHERE msg_id = ?;
	`, msgID).Scan(&m.ID, &m.Queue, &m.Payload, &m.ReadCount, &m.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Already archived or deleted.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message for archive: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_messages_archive (msg_id, queue, payload, read_count, enqueued_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING;
	`, m.ID, m.Queue, m.Payload, m.ReadCount, m.EnqueuedAt, now); err != nil {
		return fmt.Errorf("archive message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE msg_id = ?;`, msgID); err != nil {
		return fmt.Errorf("remove archived message: %w", err)
	}
	return nil
}

// ExtendVisibility pushes a message's visibility horizon out. Active foci
// heartbeat this so their claims do not lapse mid-run.
func (s *Store) ExtendVisibility(ctx context.Context, msgID int64, visibilitySeconds int) error {
	if msgID == 0 {
		return nil
	}
	if visibilitySeconds <= 0 {
		visibilitySeconds = DefaultVisibilitySeconds
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at = ? WHERE msg_id = ?;
	`, time.Now().UTC().Add(time.Duration(visibilitySeconds)*time.Second), msgID)
	if err != nil {
		return fmt.Errorf("extend visibility: %w", err)
	}
	return nil
}

// DeleteMessage removes a message permanently. A second delete is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, queue string, msgID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE msg_id = ?;`, msgID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	otel.QueueOperation(ctx, queue, "delete")
	return nil
}

// QueueDepth returns visible and in-flight message counts for a queue.
func (s *Store) QueueDepth(ctx context.Context, queue string) (visible, inFlight int64, err error) {
	now := time.Now().UTC()
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN visible_at > ? THEN 1 ELSE 0 END), 0)
		FROM queue_messages WHERE queue = ?;
	`, now, now, queue).Scan(&visible, &inFlight); err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return visible, inFlight, nil
}

// Queues lists registered queue names.
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM queues ORDER BY name;`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan queue name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// RequeueExpired makes messages whose visibility lapsed while their work
// item is still non-terminal eligible again, and returns the matching work
// items from Running/Claimed back to Queued. Covers foci that crashed
// without driving their item to a terminal state.
func (s *Store) RequeueExpired(ctx context.Context) (int64, error) {
	var reclaimed int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue expired tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		rows, err := tx.QueryContext(ctx, `
			SELECT w.id, w.state
			FROM work_items w
			JOIN queue_messages m ON m.msg_id = w.queue_message_id
			WHERE w.state IN ('claimed', 'running')
			  AND m.visible_at <= ?;
		`, now)
		if err != nil {
			return fmt.Errorf("query expired claims: %w", err)
		}
		type expired struct{ id, state string }
		var items []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.state); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired claim: %w", err)
			}
			items = append(items, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("expired claim rows: %w", err)
		}

		reclaimed = 0
		for _, e := range items {
			// Running items walk back through Failed so the state machine
			// sees only legal edges; Claimed items requeue directly.
			if e.state == "running" {
				if err := s.transitionTx(ctx, tx, e.id, "running", "failed", now); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE work_items SET outcome_error = 'visibility timeout expired', updated_at = ? WHERE id = ?;
				`, now, e.id); err != nil {
					return fmt.Errorf("record lease expiry: %w", err)
				}
				if err := s.transitionTx(ctx, tx, e.id, "failed", "queued", now); err != nil {
					return err
				}
			} else {
				if err := s.transitionTx(ctx, tx, e.id, "claimed", "queued", now); err != nil {
					return err
				}
			}
			reclaimed++
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}
