package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/crmbridge/internal/remote"
	"github.com/agentworkforce/crmbridge/internal/syncstate"
)

// NoteEvent is one discrete, append-only event (a note or comment) observed
// on a ledger record.
type NoteEvent struct {
	ID             string
	OwningRecordID string
	Text           string
	ObservedAt     time.Time
}

// DedupLedger is the already-processed marker store; syncstate.Store
// satisfies it.
type DedupLedger interface {
	EventSynced(ctx context.Context, eventID string) (bool, error)
	MarkEventSynced(ctx context.Context, event syncstate.SyncedEvent) error
}

// MirrorOptions wires the discrete-event path.
type MirrorOptions struct {
	Ledger   DedupLedger
	Comments remote.Commenter
	// IDs resolves the event's owning record to its counterpart, where
	// the mirror comment is attached.
	IDs    IdentityMap
	Logger Logger
}

// Mirror copies discrete events to the counterpart system exactly once per
// event id. Events are never mutated after creation, so the check is pure
// dedup rather than upsert: ledger hit, then a content-identity scan of the
// counterpart's existing comments, then create-and-mark. The create and the
// mark are not atomic across a crash; the content scan catches the one
// duplicate that can slip through and self-corrects on the next attempt.
type Mirror struct {
	ledger   DedupLedger
	comments remote.Commenter
	ids      IdentityMap
	logger   Logger
}

func NewMirror(opts MirrorOptions) (*Mirror, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("dedup ledger is required")
	}
	if opts.Comments == nil {
		return nil, fmt.Errorf("commenter is required")
	}
	if opts.IDs == nil {
		return nil, fmt.Errorf("identity map is required")
	}
	return &Mirror{
		ledger:   opts.Ledger,
		comments: opts.Comments,
		ids:      opts.IDs,
		logger:   opts.Logger,
	}, nil
}

// MirrorNote mirrors one event, or explains why it did not.
func (m *Mirror) MirrorNote(ctx context.Context, note NoteEvent) (Outcome, error) {
	eventID := strings.TrimSpace(note.ID)
	if eventID == "" {
		return skipped("note has no id"), nil
	}
	if strings.TrimSpace(note.Text) == "" {
		return skipped("note has no text"), nil
	}

	done, err := m.ledger.EventSynced(ctx, eventID)
	if err != nil {
		return failed(err), fmt.Errorf("dedup check %s: %w", eventID, err)
	}
	if done {
		return skipped("already mirrored"), nil
	}

	counterpartID, ok, err := m.ids.Lookup(ctx, note.OwningRecordID)
	if err != nil {
		return failed(err), fmt.Errorf("resolve owner %s: %w", note.OwningRecordID, err)
	}
	if !ok {
		// The owning record has not synchronized yet; the next poll
		// cycle retries after the record itself links up.
		return skipped("owning record has no counterpart"), nil
	}

	existing, err := m.comments.ListComments(ctx, counterpartID)
	if err != nil {
		return failed(err), fmt.Errorf("list comments on %s: %w", counterpartID, err)
	}
	for _, comment := range existing {
		if comment.Text == note.Text {
			// A previous, unrecorded attempt already created the
			// mirror. Record it and move on.
			m.mark(ctx, note)
			return skipped("mirror already exists"), nil
		}
	}

	commentID, err := m.comments.CreateComment(ctx, counterpartID, note.Text)
	if err != nil {
		return failed(err), fmt.Errorf("create comment on %s: %w", counterpartID, err)
	}
	m.mark(ctx, note)
	return created(commentID), nil
}

func (m *Mirror) mark(ctx context.Context, note NoteEvent) {
	err := m.ledger.MarkEventSynced(ctx, syncstate.SyncedEvent{
		EventID:        note.ID,
		ObservedAt:     note.ObservedAt,
		OwningRecordID: note.OwningRecordID,
	})
	if err != nil {
		// Recoverable: the content-identity scan suppresses the
		// would-be duplicate until a later mark succeeds.
		m.logf("mark event %s synced: %v", note.ID, err)
	}
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}
