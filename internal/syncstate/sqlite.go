package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps all engine state in a single-writer embedded database.
// This is the default backend: the engine is a single process with
// cooperative concurrency, so WAL mode plus a busy timeout is enough.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) the embedded state database at
// path and bootstraps the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// The store is the only writer; a second connection would just fight
	// over the file lock.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := bootstrapSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func bootstrapSQLite(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS watermarks (
			stream_id TEXT PRIMARY KEY,
			cursor_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS identity_links (
			ledger_id TEXT PRIMARY KEY,
			collab_id TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS identity_links_collab_idx
			ON identity_links (collab_id)`,
		`CREATE TABLE IF NOT EXISTS synced_events (
			event_id TEXT PRIMARY KEY,
			observed_at_ms INTEGER NOT NULL,
			owning_record_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Watermark(ctx context.Context, streamID string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrClosed
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return time.Time{}, false, fmt.Errorf("%w: stream id is required", ErrInvalidInput)
	}
	var cursorMillis int64
	err := s.db.QueryRowContext(ctx,
		"SELECT cursor_ms FROM watermarks WHERE stream_id = ?", streamID,
	).Scan(&cursorMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(cursorMillis).UTC(), true, nil
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, streamID string, cursor time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (stream_id, cursor_ms, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (stream_id)
		DO UPDATE SET cursor_ms = excluded.cursor_ms, updated_at_ms = excluded.updated_at_ms`,
		streamID, cursor.UTC().UnixMilli(), time.Now().UTC().UnixMilli())
	return err
}

func (s *SQLiteStore) Link(ctx context.Context, ledgerID, collabID string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	ledgerID = strings.TrimSpace(ledgerID)
	collabID = strings.TrimSpace(collabID)
	if ledgerID == "" || collabID == "" {
		return fmt.Errorf("%w: both ids are required", ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	// Clear stale rows holding either side before the upsert so the unique
	// index on collab_id cannot reject a re-link.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM identity_links WHERE collab_id = ? AND ledger_id <> ?", collabID, ledgerID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identity_links (ledger_id, collab_id)
		VALUES (?, ?)
		ON CONFLICT (ledger_id) DO UPDATE SET collab_id = excluded.collab_id`,
		ledgerID, collabID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) CollabIDForLedger(ctx context.Context, ledgerID string) (string, bool, error) {
	return s.lookupLink(ctx, "SELECT collab_id FROM identity_links WHERE ledger_id = ?", ledgerID)
}

func (s *SQLiteStore) LedgerIDForCollab(ctx context.Context, collabID string) (string, bool, error) {
	return s.lookupLink(ctx, "SELECT ledger_id FROM identity_links WHERE collab_id = ?", collabID)
}

func (s *SQLiteStore) lookupLink(ctx context.Context, query, id string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrClosed
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	var counterpart string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&counterpart)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return counterpart, true, nil
}

func (s *SQLiteStore) MarkEventSynced(ctx context.Context, event SyncedEvent) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	observedAt := event.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO synced_events (event_id, observed_at_ms, owning_record_id)
		VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, observedAt.UTC().UnixMilli(), strings.TrimSpace(event.OwningRecordID))
	return err
}

func (s *SQLiteStore) EventSynced(ctx context.Context, eventID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM synced_events WHERE event_id = ?", eventID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
