// Package stats is the read model behind the admin dashboard's aggregate
// counters. It reads from the clinic's PostgreSQL database — the same tables
// the CRUD layer writes — and never caches: every snapshot is three fresh
// COUNT queries, so the numbers an admin sees are correct as of the emit, not
// as of some incrementally maintained total.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/medibook/realtime-app/internal/protocol"
)

// Store reads dashboard aggregates from PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies any
// pending schema migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("stats: open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("stats: postgres ping failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle. Used by tests and by callers
// that manage the connection themselves.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Snapshot returns the current dashboard counters, computed fresh.
func (s *Store) Snapshot(ctx context.Context) (protocol.DashboardCounts, error) {
	var counts protocol.DashboardCounts

	queries := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM doctors", &counts.Doctors},
		{"SELECT COUNT(*) FROM appointments", &counts.Appointments},
		{"SELECT COUNT(*) FROM patients", &counts.Patients},
	}

	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return protocol.DashboardCounts{}, fmt.Errorf("stats: %s: %w", q.query, err)
		}
	}

	return counts, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
