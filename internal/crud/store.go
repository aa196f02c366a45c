// Package crud serves the single-table name API backed by the initialized
// database.
package crud

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"dbstack/internal/config"
	"dbstack/internal/domain"
)

// Result reports what a write changed.
type Result struct {
	AffectedRows int64 `json:"affectedRows"`
	InsertID     int64 `json:"insertId"`
}

// Store runs parameterized statements against one table.
type Store struct {
	db    *sqlx.DB
	table string
}

// NewStore validates table once; it is the only value ever interpolated.
func NewStore(db *sqlx.DB, table string) (*Store, error) {
	if !config.ValidIdentifier(table) {
		return nil, domain.Configf("TABLE_NAME", "%q is not a valid SQL identifier", table)
	}
	return &Store{db: db, table: table}, nil
}

// Get returns the rows with id. No match is an empty slice.
func (s *Store) Get(ctx context.Context, id int64) ([]domain.Record, error) {
	rows := []domain.Record{}
	query := s.db.Rebind(fmt.Sprintf("SELECT id, COALESCE(name, '') AS name FROM %s WHERE id = ?", s.table))
	if err := s.db.SelectContext(ctx, &rows, query, id); err != nil {
		return nil, fmt.Errorf("selecting from %s: %w", s.table, err)
	}
	return rows, nil
}

// Insert adds a row with name.
func (s *Store) Insert(ctx context.Context, name string) (Result, error) {
	query := s.db.Rebind(fmt.Sprintf("INSERT INTO %s (name) VALUES (?)", s.table))
	res, err := s.db.ExecContext(ctx, query, name)
	if err != nil {
		return Result{}, fmt.Errorf("inserting into %s: %w", s.table, err)
	}
	affected, _ := res.RowsAffected()
	id, _ := res.LastInsertId()
	return Result{AffectedRows: affected, InsertID: id}, nil
}

// Upsert sets the name of row id, creating the row if needed.
func (s *Store) Upsert(ctx context.Context, id int64, name string) (Result, error) {
	var query string
	switch s.db.DriverName() {
	case "sqlite3":
		query = "INSERT INTO %s (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name"
	default:
		query = "INSERT INTO %s (id, name) VALUES (?, ?) ON DUPLICATE KEY UPDATE name = VALUES(name)"
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(query, s.table)), id, name)
	if err != nil {
		return Result{}, fmt.Errorf("upserting into %s: %w", s.table, err)
	}
	affected, _ := res.RowsAffected()
	return Result{AffectedRows: affected, InsertID: id}, nil
}

// Delete removes row id. Deleting a missing row affects nothing.
func (s *Store) Delete(ctx context.Context, id int64) (Result, error) {
	query := s.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return Result{}, fmt.Errorf("deleting from %s: %w", s.table, err)
	}
	affected, _ := res.RowsAffected()
	return Result{AffectedRows: affected}, nil
}
