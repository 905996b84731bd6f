package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresWatermarkTable = "crmbridge_watermarks"
	postgresLinkTable      = "crmbridge_identity_links"
	postgresEventTable     = "crmbridge_synced_events"
	postgresOpTimeout      = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the shared-database alternative to the embedded SQLite
// backend, for deployments where engine state must live next to other
// operational data. Connections open lazily on first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", ErrInvalidInput)
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrClosed
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				stream_id TEXT PRIMARY KEY,
				cursor_ms BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(postgresWatermarkTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				ledger_id TEXT PRIMARY KEY,
				collab_id TEXT NOT NULL UNIQUE
			)`, postgresQuoteIdentifier(postgresLinkTable)),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				event_id TEXT PRIMARY KEY,
				observed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				owning_record_id TEXT NOT NULL
			)`, postgresQuoteIdentifier(postgresEventTable)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Watermark(ctx context.Context, streamID string) (time.Time, bool, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return time.Time{}, false, fmt.Errorf("%w: stream id is required", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return time.Time{}, false, err
	}
	query := fmt.Sprintf("SELECT cursor_ms FROM %s WHERE stream_id = $1",
		postgresQuoteIdentifier(postgresWatermarkTable))
	var cursorMillis int64
	err := s.db.QueryRowContext(ctx, query, streamID).Scan(&cursorMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(cursorMillis).UTC(), true, nil
}

func (s *PostgresStore) SetWatermark(ctx context.Context, streamID string, cursor time.Time) error {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (stream_id, cursor_ms, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (stream_id)
		DO UPDATE SET cursor_ms = EXCLUDED.cursor_ms, updated_at = NOW()`,
		postgresQuoteIdentifier(postgresWatermarkTable))
	_, err := s.db.ExecContext(ctx, query, streamID, cursor.UTC().UnixMilli())
	return err
}

func (s *PostgresStore) Link(ctx context.Context, ledgerID, collabID string) error {
	ledgerID = strings.TrimSpace(ledgerID)
	collabID = strings.TrimSpace(collabID)
	if ledgerID == "" || collabID == "" {
		return fmt.Errorf("%w: both ids are required", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return err
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
	table := postgresQuoteIdentifier(postgresLinkTable)
	deleteQuery := fmt.Sprintf(
		"DELETE FROM %s WHERE collab_id = $1 AND ledger_id <> $2", table)
	if _, err := tx.ExecContext(ctx, deleteQuery, collabID, ledgerID); err != nil {
		return err
	}
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (ledger_id, collab_id)
		VALUES ($1, $2)
		ON CONFLICT (ledger_id) DO UPDATE SET collab_id = EXCLUDED.collab_id`, table)
	if _, err := tx.ExecContext(ctx, upsertQuery, ledgerID, collabID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) CollabIDForLedger(ctx context.Context, ledgerID string) (string, bool, error) {
	query := fmt.Sprintf("SELECT collab_id FROM %s WHERE ledger_id = $1",
		postgresQuoteIdentifier(postgresLinkTable))
	return s.lookupLink(ctx, query, ledgerID)
}

func (s *PostgresStore) LedgerIDForCollab(ctx context.Context, collabID string) (string, bool, error) {
	query := fmt.Sprintf("SELECT ledger_id FROM %s WHERE collab_id = $1",
		postgresQuoteIdentifier(postgresLinkTable))
	return s.lookupLink(ctx, query, collabID)
}

func (s *PostgresStore) lookupLink(ctx context.Context, query, id string) (string, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return "", false, err
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

func (s *PostgresStore) MarkEventSynced(ctx context.Context, event SyncedEvent) error {
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	observedAt := event.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, observed_at, owning_record_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		postgresQuoteIdentifier(postgresEventTable))
	_, err := s.db.ExecContext(ctx, query,
		eventID, observedAt.UTC(), strings.TrimSpace(event.OwningRecordID))
	return err
}

func (s *PostgresStore) EventSynced(ctx context.Context, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE event_id = $1",
		postgresQuoteIdentifier(postgresEventTable))
	var one int
	err := s.db.QueryRowContext(ctx, query, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
