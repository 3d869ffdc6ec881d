package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// ErrNotFound is returned when a mutation or dead letter does not exist.
var ErrNotFound = errors.New("not found")

// MoveToDeadLetter removes the mutation from its resource queue and records
// it as a dead letter in one transaction. Moving an id that is already a
// dead letter is a no-op.
func (s *Store) MoveToDeadLetter(ctx context.Context, resource, mutationID, reason string, failedAt time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		records, err := readQueue(ctx, tx, resource)
		if err != nil {
			return err
		}

		idx := -1
		for i, m := range records {
			if m.ID == mutationID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("mutation %s in %s: %w", mutationID, resource, ErrNotFound)
		}

		m := records[idx]
		m.LastError = reason
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode mutation %s: %w", mutationID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO dead_letters (id, resource, mutation, error, failed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, m.ID, resource, string(data), reason, failedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert dead letter %s: %w", mutationID, err)
		}

		records = append(records[:idx], records[idx+1:]...)
		return writeQueue(ctx, tx, resource, records)
	})
	if err != nil {
		return fmt.Errorf("move to dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters in the order they failed.
func (s *Store) ListDeadLetters(ctx context.Context) ([]model.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mutation, error, failed_at FROM dead_letters
		ORDER BY seq ASC, id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var raw, reason, failedAt string
		if err := rows.Scan(&raw, &reason, &failedAt); err != nil {
			return nil, fmt.Errorf("list dead letters: scan: %w", err)
		}
		dl, err := decodeDeadLetter(raw, reason, failedAt)
		if err != nil {
			return nil, fmt.Errorf("list dead letters: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// RequeueDeadLetter moves a dead letter back to the tail of its resource
// queue with its retry bookkeeping reset.
func (s *Store) RequeueDeadLetter(ctx context.Context, mutationID string) (model.Mutation, error) {
	var requeued model.Mutation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var resource, raw, reason, failedAt string
		err := tx.QueryRowContext(ctx, `
			SELECT resource, mutation, error, failed_at FROM dead_letters WHERE id = ?
		`, mutationID).Scan(&resource, &raw, &reason, &failedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead letter %s: %w", mutationID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select dead letter %s: %w", mutationID, err)
		}

		dl, err := decodeDeadLetter(raw, reason, failedAt)
		if err != nil {
			return err
		}
		m := dl.Mutation
		m.Attempts = 0
		m.NextAttemptAt = time.Time{}
		m.LastError = ""
		m.Synced = false

		records, err := readQueue(ctx, tx, resource)
		if err != nil {
			return err
		}
		if err := writeQueue(ctx, tx, resource, append(records, m)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, mutationID); err != nil {
			return fmt.Errorf("delete dead letter %s: %w", mutationID, err)
		}
		requeued = m
		return nil
	})
	if err != nil {
		return model.Mutation{}, fmt.Errorf("requeue dead letter: %w", err)
	}
	return requeued, nil
}

// PurgeDeadLetters deletes every dead letter and returns how many there were.
func (s *Store) PurgeDeadLetters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: rows affected: %w", err)
	}
	return n, nil
}

func decodeDeadLetter(raw, reason, failedAt string) (model.DeadLetter, error) {
	var m model.Mutation
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return model.DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, failedAt)
	if err != nil {
		return model.DeadLetter{}, fmt.Errorf("decode dead letter %s: failed_at: %w", m.ID, err)
	}
	return model.DeadLetter{Mutation: m, Error: reason, FailedAt: ts}, nil
}
