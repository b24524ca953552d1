package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// identPattern matches SQL identifiers safe to interpolate into DDL.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// weekdays is the fixed enumeration accepted by ActiveBlocks. The weekday
// name is interpolated into the calendar query, so anything outside this set
// fails closed before any SQL runs.
var weekdays = map[string]bool{
	"monday":    true,
	"tuesday":   true,
	"wednesday": true,
	"thursday":  true,
	"friday":    true,
	"saturday":  true,
	"sunday":    true,
}

// StaticStore holds the unpacked GTFS schedule tables, one table per source
// file, rebuilt wholesale on refresh.
type StaticStore struct {
	db *DB
}

// NewStaticStore wraps an open database as a static schedule store.
func NewStaticStore(db *DB) *StaticStore {
	return &StaticStore{db: db}
}

// ReplaceTable loads header+rows into the named table, replacing any existing
// table of that name. The load goes through a staging table that is renamed
// into place in the same transaction, so readers never observe a
// half-loaded table.
func (s *StaticStore) ReplaceTable(ctx context.Context, name string, header []string, rows [][]string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	if len(header) == 0 {
		return fmt.Errorf("table %s: empty header", name)
	}
	for _, col := range header {
		if !identPattern.MatchString(col) {
			return fmt.Errorf("table %s: invalid column name %q", name, col)
		}
	}

	staging := name + "_staging"

	s.db.LockWrite()
	defer s.db.UnlockWrite()

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+staging); err != nil {
		return fmt.Errorf("failed to drop staging table: %w", err)
	}

	cols := make([]string, len(header))
	for i, col := range header {
		cols[i] = col + " TEXT"
	}
	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", staging, strings.Join(cols, ", "))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create staging table %s: %w", staging, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(header)), ", ")
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		staging, strings.Join(header, ", "), placeholders)
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert for %s: %w", staging, err)
	}
	defer stmt.Close()

	args := make([]any, len(header))
	for _, row := range rows {
		for i := range header {
			if i < len(row) {
				args[i] = strings.TrimSpace(row[i])
			} else {
				args[i] = ""
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", staging, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", staging, name)); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", staging, name, err)
	}

	return tx.Commit()
}

// ActiveBlocks returns the distinct block IDs whose service runs on the
// given weekday (lowercase full name, e.g. "monday"). An out-of-enumeration
// weekday fails closed without executing a query.
func (s *StaticStore) ActiveBlocks(ctx context.Context, weekday string) ([]string, error) {
	if !weekdays[weekday] {
		return nil, fmt.Errorf("invalid weekday %q", weekday)
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT t.block_id
		FROM trips t
		INNER JOIN calendar c ON t.service_id = c.service_id
		WHERE c.%s = 1
	`, weekday)

	rows, err := s.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active blocks: %w", err)
	}
	defer rows.Close()

	var blocks []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to scan block_id: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
