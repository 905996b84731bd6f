package syncstate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps all state in process memory. It backs tests and the
// memory:// storage profile; nothing survives a restart.
type MemoryStore struct {
	mu             sync.Mutex
	closed         bool
	watermarks     map[string]time.Time
	ledgerToCollab map[string]string
	collabToLedger map[string]string
	events         map[string]SyncedEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		watermarks:     map[string]time.Time{},
		ledgerToCollab: map[string]string{},
		collabToLedger: map[string]string{},
		events:         map[string]SyncedEvent{},
	}
}

func (s *MemoryStore) Watermark(ctx context.Context, streamID string) (time.Time, bool, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return time.Time{}, false, fmt.Errorf("%w: stream id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	cursor, ok := s.watermarks[streamID]
	return cursor, ok, nil
}

func (s *MemoryStore) SetWatermark(ctx context.Context, streamID string, cursor time.Time) error {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// Round-trip through UnixMilli so memory and SQL backends agree on
	// cursor precision.
	s.watermarks[streamID] = time.UnixMilli(cursor.UTC().UnixMilli()).UTC()
	return nil
}

func (s *MemoryStore) Link(ctx context.Context, ledgerID, collabID string) error {
	ledgerID = strings.TrimSpace(ledgerID)
	collabID = strings.TrimSpace(collabID)
	if ledgerID == "" || collabID == "" {
		return fmt.Errorf("%w: both ids are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if previous, ok := s.ledgerToCollab[ledgerID]; ok {
		delete(s.collabToLedger, previous)
	}
	if previous, ok := s.collabToLedger[collabID]; ok {
		delete(s.ledgerToCollab, previous)
	}
	s.ledgerToCollab[ledgerID] = collabID
	s.collabToLedger[collabID] = ledgerID
	return nil
}

func (s *MemoryStore) CollabIDForLedger(ctx context.Context, ledgerID string) (string, bool, error) {
	ledgerID = strings.TrimSpace(ledgerID)
	if ledgerID == "" {
		return "", false, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	collabID, ok := s.ledgerToCollab[ledgerID]
	return collabID, ok, nil
}

func (s *MemoryStore) LedgerIDForCollab(ctx context.Context, collabID string) (string, bool, error) {
	collabID = strings.TrimSpace(collabID)
	if collabID == "" {
		return "", false, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	ledgerID, ok := s.collabToLedger[collabID]
	return ledgerID, ok, nil
}

func (s *MemoryStore) MarkEventSynced(ctx context.Context, event SyncedEvent) error {
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.events[eventID]; ok {
		return nil
	}
	if event.ObservedAt.IsZero() {
		event.ObservedAt = time.Now()
	}
	event.EventID = eventID
	s.events[eventID] = event
	return nil
}

func (s *MemoryStore) EventSynced(ctx context.Context, eventID string) (bool, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *MemoryStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
