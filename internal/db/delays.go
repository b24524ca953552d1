package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
)

//go:embed delays_schema.sql
var delaysSchemaSQL string

// DelayStore persists decoded trip-update delay events as an append-only log.
type DelayStore struct {
	db *DB
}

// NewDelayStore wraps an open database as a delay store.
func NewDelayStore(db *DB) *DelayStore {
	return &DelayStore{db: db}
}

// EnsureSchema creates the delay tables if they don't exist.
// Safe to invoke on every process start.
func (s *DelayStore) EnsureSchema(ctx context.Context) error {
	s.db.LockWrite()
	defer s.db.UnlockWrite()

	if _, err := s.db.conn.ExecContext(ctx, delaysSchemaSQL); err != nil {
		return fmt.Errorf("failed to create delay schema: %w", err)
	}
	return nil
}

// DelayEvent is one per-stop observation from a decoded trip update.
// Delay and Uncertainty are nil when the stop update carried no arrival
// information; absence of data is itself a recorded observation.
type DelayEvent struct {
	TripID          string
	StopID          string
	StopSequence    *int
	Delay           *int
	Uncertainty     *int
	UpdateTimestamp time.Time
}

// CreateFetchCycle records a decode cycle and returns its ID.
func (s *DelayStore) CreateFetchCycle(ctx context.Context, fetchedAt time.Time, entityCount int) (string, error) {
	s.db.LockWrite()
	defer s.db.UnlockWrite()

	cycleID := uuid.New().String()
	_, err := s.db.conn.ExecContext(ctx,
		"INSERT INTO fetch_cycles (cycle_id, fetched_at_utc, entity_count) VALUES (?, ?, ?)",
		cycleID, fetchedAt.UTC().Format(time.RFC3339), entityCount,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create fetch cycle: %w", err)
	}
	return cycleID, nil
}

// Insert appends every event from a decode cycle in a single transaction.
// No existence check, no merge; a failure rolls back the whole batch.
func (s *DelayStore) Insert(ctx context.Context, cycleID string, fetchedAt time.Time, events []DelayEvent) error {
	s.db.LockWrite()
	defer s.db.UnlockWrite()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO delay_events (
			cycle_id, fetched_at_utc, trip_id, stop_id, stop_sequence,
			delay_seconds, uncertainty, update_timestamp_utc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	fetchedAtStr := fetchedAt.UTC().Format(time.RFC3339)

	for _, e := range events {
		_, err := stmt.ExecContext(ctx,
			cycleID, fetchedAtStr, e.TripID, e.StopID, e.StopSequence,
			e.Delay, e.Uncertainty, e.UpdateTimestamp.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert delay event %s/%s: %w", e.TripID, e.StopID, err)
		}
	}

	return tx.Commit()
}
