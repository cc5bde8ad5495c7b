// Package audit provides a SQLite-backed implementation of core.AuditSink.
//
// Migration design follows the teacher's store package: SQL statements are
// kept in the [migrations] slice as ordered strings, each applied exactly
// once, with the applied version tracked in schema_migrations. To add a
// migration, append a new string — never edit or reorder existing entries.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/core"
)

// retryBackoff is how long persist waits before its single retry of a
// transient "database is locked" write.
const retryBackoff = 10 * time.Millisecond

var migrations = []string{
	// v1 — transmission audit log
	`CREATE TABLE IF NOT EXISTS transmissions (
		session_id        TEXT PRIMARY KEY,
		channel_id        TEXT NOT NULL,
		user_id           TEXT NOT NULL,
		username          TEXT NOT NULL,
		start_time        INTEGER NOT NULL,
		end_time          INTEGER NOT NULL,
		duration_seconds  INTEGER NOT NULL,
		audio_format      TEXT NOT NULL,
		chunks_count      INTEGER NOT NULL,
		total_bytes       INTEGER NOT NULL,
		participant_count INTEGER NOT NULL,
		is_emergency      INTEGER NOT NULL DEFAULT 0,
		network_quality   TEXT NOT NULL DEFAULT '',
		location_json     TEXT,
		missing_chunks    INTEGER NOT NULL DEFAULT 0,
		packet_loss_rate  REAL NOT NULL DEFAULT 0
	)`,
	// v2 — index for per-channel history queries
	`CREATE INDEX IF NOT EXISTS idx_transmissions_channel ON transmissions(channel_id, start_time)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store is a sql.DB-backed core.AuditSink. Writes are queued and applied by
// a single background worker so that Write never blocks the broker mailbox
// on disk I/O; once the queue is full, the oldest queued record is dropped
// to make room (the caller is told via the returned error so it can bump a
// dropped_audit counter).
type Store struct {
	db *sql.DB
	q  chan core.AuditRecord
	log *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

const defaultQueueDepth = 256

// Open opens (or creates) the SQLite database at path, applies pending
// migrations and starts the write-behind worker. Use ":memory:" for
// ephemeral storage in tests.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warn("audit: busy_timeout pragma failed", "err", err)
	}

	s := &Store{db: db, q: make(chan core.AuditRecord, defaultQueueDepth), log: log, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	go s.run()
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
		s.log.Info("audit: applied migration", "version", v)
	}
	return nil
}

// Write enqueues rec for the background worker. If the queue is full it
// drops the oldest queued record, enqueues rec in its place and returns an
// error naming the dropped session (without touching the database), so the
// broker can count it as a dropped audit record rather than block waiting
// for disk I/O (spec.md §9: "the audit sink is an interface, not a concrete
// database", and writes must be best-effort from the broker's perspective).
func (s *Store) Write(ctx context.Context, rec core.AuditRecord) error {
	select {
	case s.q <- rec:
		return nil
	default:
	}
	dropped := rec.SessionID
	select {
	case old := <-s.q:
		dropped = old.SessionID
	default:
	}
	select {
	case s.q <- rec:
	default:
		dropped = rec.SessionID
	}
	return fmt.Errorf("audit: queue full, dropped session %s", dropped)
}

func (s *Store) run() {
	defer close(s.doneCh)
	for {
		select {
		case rec := <-s.q:
			s.persist(rec)
		case <-s.stopCh:
			// Drain whatever is left before exiting.
			for {
				select {
				case rec := <-s.q:
					s.persist(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) persist(rec core.AuditRecord) {
	var locJSON any
	if rec.Location != nil {
		b, err := json.Marshal(rec.Location)
		if err == nil {
			locJSON = string(b)
		}
	}
	exec := func() error {
		_, err := s.db.Exec(
			`INSERT INTO transmissions(session_id, channel_id, user_id, username, start_time, end_time,
				duration_seconds, audio_format, chunks_count, total_bytes, participant_count,
				is_emergency, network_quality, location_json, missing_chunks, packet_loss_rate)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(session_id) DO NOTHING`,
			rec.SessionID, rec.ChannelID, rec.UserID, rec.Username,
			rec.StartTime.Unix(), rec.EndTime.Unix(), rec.DurationSeconds, rec.AudioFormat,
			rec.ChunksCount, rec.TotalBytes, rec.ParticipantCount, rec.IsEmergency,
			rec.NetworkQuality, locJSON, rec.MissingChunks, rec.PacketLossRate,
		)
		return err
	}

	err := exec()
	if err != nil && isDatabaseLocked(err) {
		s.log.Warn("audit: database locked, retrying once", "session_id", rec.SessionID)
		time.Sleep(retryBackoff)
		err = exec()
	}
	if err != nil {
		s.log.Error("audit: persist failed", "session_id", rec.SessionID, "err", err)
	}
}

// isDatabaseLocked reports whether err is the transient SQLITE_BUSY
// condition, the only error persist retries.
func isDatabaseLocked(err error) bool {
	return strings.Contains(err.Error(), "database is locked")
}

// Close stops the worker after draining any queued records, then closes the
// database handle.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	return s.db.Close()
}

// Count returns the number of audit rows stored, for admin/debug use.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transmissions`).Scan(&n)
	return n, err
}

var _ core.AuditSink = (*Store)(nil)
