// Package syncstate persists the engine-owned state that survives restarts:
// per-stream watermarks, the bidirectional identity map, and the dedup ledger
// for discrete events. All writes are idempotent upserts so a crash between a
// remote write and the matching state write is safe to replay.
package syncstate

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("store closed")
)

// Watermark is the persisted cursor for one polled stream. Cursor carries
// millisecond precision; it only moves forward except for the explicit
// staleness clamp applied by the poller.
type Watermark struct {
	StreamID  string
	Cursor    time.Time
	UpdatedAt time.Time
}

// IdentityLink associates one ledger-system id with one collab-system id.
// The pair is stable once written; re-linking either side replaces the
// previous association (last-write-wins on both keys).
type IdentityLink struct {
	LedgerID string
	CollabID string
}

// SyncedEvent marks a discrete event (a note or comment) as already mirrored.
// Presence of a row means the mirror must never be created again.
type SyncedEvent struct {
	EventID        string
	ObservedAt     time.Time
	OwningRecordID string
}

// Store is the single persistence surface for the sync engine. A failed
// write is never fatal to callers: the poller re-reads unchanged state on the
// next cycle and the reconciler tolerates re-processing.
type Store interface {
	// Watermark returns the cursor for streamID. The boolean reports
	// whether a cursor has ever been set for the stream.
	Watermark(ctx context.Context, streamID string) (time.Time, bool, error)
	// SetWatermark atomically replaces or inserts the stream cursor.
	SetWatermark(ctx context.Context, streamID string, cursor time.Time) error

	// Link records a ledger-id/collab-id association, replacing any
	// previous association held by either id.
	Link(ctx context.Context, ledgerID, collabID string) error
	CollabIDForLedger(ctx context.Context, ledgerID string) (string, bool, error)
	LedgerIDForCollab(ctx context.Context, collabID string) (string, bool, error)

	// MarkEventSynced records an event id in the dedup ledger. Marking an
	// already-marked event is a no-op.
	MarkEventSynced(ctx context.Context, event SyncedEvent) error
	EventSynced(ctx context.Context, eventID string) (bool, error)

	Close() error
}
