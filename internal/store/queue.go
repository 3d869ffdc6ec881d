package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// Append adds a mutation to the end of the resource's persisted array.
//
// The queue is unbounded. A corrupt existing array is discarded and replaced
// by a fresh one holding only m.
func (s *Store) Append(ctx context.Context, resource string, m model.Mutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	err := s.Update(ctx, resource, func(records []model.Mutation) ([]model.Mutation, error) {
		return append(records, m), nil
	})
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

// ReadAll returns the persisted array for a resource in enqueue order.
// Absent or corrupt content yields an empty slice and no error.
func (s *Store) ReadAll(ctx context.Context, resource string) ([]model.Mutation, error) {
	var records []model.Mutation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		records, err = readQueue(ctx, tx, resource)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read all: %w", err)
	}
	return records, nil
}

// WriteAll overwrites the resource's persisted array. An empty slice removes
// the resource from the tracked set.
func (s *Store) WriteAll(ctx context.Context, resource string, records []model.Mutation) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return writeQueue(ctx, tx, resource, records)
	})
	if err != nil {
		return fmt.Errorf("write all: %w", err)
	}
	return nil
}

// Update atomically replaces the resource's array with fn's result.
// fn receives a slice it may modify in place.
func (s *Store) Update(ctx context.Context, resource string, fn func([]model.Mutation) ([]model.Mutation, error)) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		records, err := readQueue(ctx, tx, resource)
		if err != nil {
			return err
		}
		next, err := fn(records)
		if err != nil {
			return err
		}
		return writeQueue(ctx, tx, resource, next)
	})
}

// Resources returns every resource with a persisted array, sorted by name.
func (s *Store) Resources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT resource FROM queues ORDER BY resource ASC`)
	if err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("resources: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	return out, nil
}

// PendingCounts returns the number of unsynced mutations per resource.
// Resources with nothing pending are omitted.
func (s *Store) PendingCounts(ctx context.Context) (map[string]int, error) {
	resources, err := s.Resources(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending counts: %w", err)
	}
	counts := make(map[string]int, len(resources))
	for _, r := range resources {
		records, err := s.ReadAll(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("pending counts: %w", err)
		}
		n := 0
		for _, m := range records {
			if !m.Synced {
				n++
			}
		}
		if n > 0 {
			counts[r] = n
		}
	}
	return counts, nil
}

// PendingCount returns the number of unsynced mutations across all
// resources. Dead letters are not counted.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	counts, err := s.PendingCounts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// ClearSynced removes every mutation already marked synced and returns how
// many were removed.
func (s *Store) ClearSynced(ctx context.Context) (int, error) {
	resources, err := s.Resources(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear synced: %w", err)
	}
	removed := 0
	for _, r := range resources {
		err := s.Update(ctx, r, func(records []model.Mutation) ([]model.Mutation, error) {
			kept := records[:0]
			for _, m := range records {
				if m.Synced {
					removed++
					continue
				}
				kept = append(kept, m)
			}
			return kept, nil
		})
		if err != nil {
			return removed, fmt.Errorf("clear synced %s: %w", r, err)
		}
	}
	return removed, nil
}

func readQueue(ctx context.Context, tx *sql.Tx, resource string) ([]model.Mutation, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT records FROM queues WHERE resource = ?`, resource).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queue %s: %w", resource, err)
	}

	records, err := decodeQueue(raw)
	if err != nil {
		slog.Debug("discarding corrupt queue", "resource", resource, "error", err)
		return nil, nil
	}
	return records, nil
}

func writeQueue(ctx context.Context, tx *sql.Tx, resource string, records []model.Mutation) error {
	if len(records) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queues WHERE resource = ?`, resource); err != nil {
			return fmt.Errorf("delete queue %s: %w", resource, err)
		}
		return nil
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode queue %s: %w", resource, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queues (resource, records, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET records = excluded.records, updated_at = excluded.updated_at
	`, resource, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert queue %s: %w", resource, err)
	}
	return nil
}

// decodeQueue parses a persisted array. Any entry that fails validation
// makes the whole array corrupt.
func decodeQueue(raw string) ([]model.Mutation, error) {
	var records []model.Mutation
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, err
	}
	for i, m := range records {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return records, nil
}
