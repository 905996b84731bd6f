// Package remote models the two synchronized systems (the ledger CRM and
// the collab workspace) as capability interfaces over rate-limited HTTP
// clients. The sync engine only ever sees StreamRecords and the Source and
// Destination surfaces; everything wire-specific stays in this package.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound maps a remote 404. Callers treat it as a soft signal
	// (fall back to create-or-skip), never as a failure.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput guards client construction and call arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// StreamRecord is one changed entity as observed in a remote system. It is
// transient: records live for a single poll cycle or webhook delivery.
type StreamRecord struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Fields    map[string]Value `json:"fields"`
}

// Touched returns the best change timestamp for watermark advancement:
// UpdatedAt when present, otherwise CreatedAt.
func (r StreamRecord) Touched() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// Comment is a discrete append-only entry attached to a collab record.
type Comment struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"recordId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Source is the polling surface of a remote system.
type Source interface {
	// FetchChanged returns records with updated_at >= since, capped at limit.
	FetchChanged(ctx context.Context, streamID string, since time.Time, limit int) ([]StreamRecord, error)
	// FetchNew returns records created since the cursor, ordered ascending
	// by creation time so older records reconcile first.
	FetchNew(ctx context.Context, streamID string, since time.Time, limit int) ([]StreamRecord, error)
	// FetchByID reads a single record, for webhook-triggered lookups.
	FetchByID(ctx context.Context, streamID, id string) (*StreamRecord, error)
}

// Destination is the write surface of a remote system.
type Destination interface {
	// SearchByNaturalKey finds a record by exact, case-sensitive match on
	// its natural key. Returns nil when nothing matches.
	SearchByNaturalKey(ctx context.Context, streamID, key string) (*StreamRecord, error)
	// FindByForeignID finds a record that carries foreignID in its
	// back-reference field. Returns nil when nothing matches.
	FindByForeignID(ctx context.Context, streamID, foreignID string) (*StreamRecord, error)
	Create(ctx context.Context, streamID string, fields map[string]Value) (string, error)
	// Update returns ErrNotFound when the record no longer exists.
	Update(ctx context.Context, streamID, id string, fields map[string]Value) error
}

// Commenter is the discrete-event surface of a remote system.
type Commenter interface {
	ListComments(ctx context.Context, recordID string) ([]Comment, error)
	CreateComment(ctx context.Context, recordID, text string) (string, error)
}

// BoundDestination narrows a Destination to one stream so engine components
// do not carry stream ids through every call.
type BoundDestination struct {
	Dest     Destination
	StreamID string
}

func (b BoundDestination) SearchByNaturalKey(ctx context.Context, key string) (*StreamRecord, error) {
	return b.Dest.SearchByNaturalKey(ctx, b.StreamID, key)
}

func (b BoundDestination) FindByForeignID(ctx context.Context, foreignID string) (*StreamRecord, error) {
	return b.Dest.FindByForeignID(ctx, b.StreamID, foreignID)
}

func (b BoundDestination) Create(ctx context.Context, fields map[string]Value) (string, error) {
	return b.Dest.Create(ctx, b.StreamID, fields)
}

func (b BoundDestination) Update(ctx context.Context, id string, fields map[string]Value) error {
	return b.Dest.Update(ctx, b.StreamID, id, fields)
}

// HTTPError carries a non-2xx remote response after retries are exhausted.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
