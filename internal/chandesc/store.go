// Package chandesc resolves channel ids to their administrative descriptor
// (capacity, display name) from a small SQLite table, implementing
// core.ChannelDescriptorSource.
package chandesc

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/core"
)

var migrations = []string{
	// v1 — administrative channel registry
	`CREATE TABLE IF NOT EXISTS channel_descriptors (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		capacity     INTEGER NOT NULL,
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store is a sql.DB-backed core.ChannelDescriptorSource.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the SQLite database at path and applies pending
// migrations.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chandesc: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warn("chandesc: busy_timeout pragma failed", "err", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("chandesc: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Info("chandesc: applied migration", "version", v)
	}
	return nil
}

// Describe resolves channelID to its administrative descriptor, satisfying
// core.ChannelDescriptorSource. Returns a plain (non-*core.Error) error if
// the channel isn't registered; core.Dispatcher reports any Describe error
// as KindNoSuchChannel.
func (s *Store) Describe(ctx context.Context, channelID string) (core.ChannelDescriptor, error) {
	var d core.ChannelDescriptor
	var createdAtUnix int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, capacity, created_at FROM channel_descriptors WHERE id = ?`, channelID,
	).Scan(&d.ID, &d.DisplayName, &d.Capacity, &createdAtUnix)
	if err == sql.ErrNoRows {
		return core.ChannelDescriptor{}, fmt.Errorf("chandesc: channel %s not registered", channelID)
	}
	if err != nil {
		return core.ChannelDescriptor{}, fmt.Errorf("chandesc: describe %s: %w", channelID, err)
	}
	d.CreatedAt = time.Unix(createdAtUnix, 0)
	return d, nil
}

// Register inserts or updates a channel's administrative descriptor. This
// is the CRUD surface the spec places outside the broker core (spec.md §9:
// "Authentication / authorization and channel CRUD live outside the core").
func (s *Store) Register(ctx context.Context, id, displayName string, capacity int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_descriptors(id, display_name, capacity) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, capacity = excluded.capacity`,
		id, displayName, capacity,
	)
	return err
}

// Deregister removes a channel's administrative descriptor.
func (s *Store) Deregister(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channel_descriptors WHERE id = ?`, id)
	return err
}

// List returns every registered channel descriptor, ordered by id. Used by
// the pttserver CLI's "channels" subcommand.
func (s *Store) List(ctx context.Context) ([]core.ChannelDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, capacity, created_at FROM channel_descriptors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("chandesc: list: %w", err)
	}
	defer rows.Close()

	var out []core.ChannelDescriptor
	for rows.Next() {
		var d core.ChannelDescriptor
		var createdAtUnix int64
		if err := rows.Scan(&d.ID, &d.DisplayName, &d.Capacity, &createdAtUnix); err != nil {
			return nil, fmt.Errorf("chandesc: list scan: %w", err)
		}
		d.CreatedAt = time.Unix(createdAtUnix, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count returns the number of registered channel descriptors.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channel_descriptors`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("chandesc: count: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

var _ core.ChannelDescriptorSource = (*Store)(nil)
