package db

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

//go:embed positions_schema.sql
var positionsSchemaSQL string

// PositionStore persists train position snapshots keyed by (train_id, timestamp).
type PositionStore struct {
	db *DB
}

// NewPositionStore wraps an open database as a position store.
func NewPositionStore(db *DB) *PositionStore {
	return &PositionStore{db: db}
}

// EnsureSchema creates the position tables if they don't exist.
// Safe to invoke on every process start.
func (s *PositionStore) EnsureSchema(ctx context.Context) error {
	s.db.LockWrite()
	defer s.db.UnlockWrite()

	if _, err := s.db.conn.ExecContext(ctx, positionsSchemaSQL); err != nil {
		return fmt.Errorf("failed to create position schema: %w", err)
	}
	return nil
}

// Position is one train record as reported by the vehicle position API.
// Lat, Lon, Heading and Late arrive as strings on the wire and are converted
// at persist time; a non-numeric value aborts the whole batch.
type Position struct {
	TrainID     string
	Lat         string
	Lon         string
	Service     string
	Destination string
	CurrentStop string
	NextStop    string
	Line        string
	Consist     string
	Heading     string
	Late        string
	Source      string
	Track       string
	TrackChange string
}

// CreateFetchCycle records a fetch cycle and returns its ID.
func (s *PositionStore) CreateFetchCycle(ctx context.Context, fetchedAt time.Time) (string, error) {
	s.db.LockWrite()
	defer s.db.UnlockWrite()

	cycleID := uuid.New().String()
	_, err := s.db.conn.ExecContext(ctx,
		"INSERT INTO fetch_cycles (cycle_id, fetched_at_utc) VALUES (?, ?)",
		cycleID, fetchedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create fetch cycle: %w", err)
	}
	return cycleID, nil
}

// Upsert writes a batch of positions in a single transaction. Rows already
// present under the same (train_id, timestamp) key are overwritten in place.
// Any row-level conversion failure rolls back the entire batch.
func (s *PositionStore) Upsert(ctx context.Context, cycleID string, timestamp time.Time, positions []Position) error {
	s.db.LockWrite()
	defer s.db.UnlockWrite()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO train_positions (
			cycle_id, train_id, timestamp_utc, lat, lon, service, destination,
			current_stop, next_stop, line, consist, heading, late_minutes,
			source, track, track_change, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (train_id, timestamp_utc) DO UPDATE SET
			cycle_id = excluded.cycle_id,
			lat = excluded.lat,
			lon = excluded.lon,
			service = excluded.service,
			destination = excluded.destination,
			current_stop = excluded.current_stop,
			next_stop = excluded.next_stop,
			line = excluded.line,
			consist = excluded.consist,
			heading = excluded.heading,
			late_minutes = excluded.late_minutes,
			source = excluded.source,
			track = excluded.track,
			track_change = excluded.track_change,
			updated_at = datetime('now')
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}
	defer stmt.Close()

	timestampStr := timestamp.UTC().Format(time.RFC3339)

	for _, p := range positions {
		lat, err := optFloat(p.Lat)
		if err != nil {
			return fmt.Errorf("train %s: invalid lat %q: %w", p.TrainID, p.Lat, err)
		}
		lon, err := optFloat(p.Lon)
		if err != nil {
			return fmt.Errorf("train %s: invalid lon %q: %w", p.TrainID, p.Lon, err)
		}
		heading, err := optFloat(p.Heading)
		if err != nil {
			return fmt.Errorf("train %s: invalid heading %q: %w", p.TrainID, p.Heading, err)
		}
		late, err := optInt(p.Late)
		if err != nil {
			return fmt.Errorf("train %s: invalid late value %q: %w", p.TrainID, p.Late, err)
		}

		_, err = stmt.ExecContext(ctx,
			cycleID, p.TrainID, timestampStr, lat, lon, p.Service, p.Destination,
			p.CurrentStop, p.NextStop, p.Line, p.Consist, heading, late,
			p.Source, p.Track, p.TrackChange,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert position %s: %w", p.TrainID, err)
		}
	}

	return tx.Commit()
}

// optFloat converts a wire string to a nullable float. Empty means NULL.
func optFloat(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func optInt(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &i, nil
}
