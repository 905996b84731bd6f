package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/crmbridge/internal/mapping"
	"github.com/agentworkforce/crmbridge/internal/remote"
)

// Destination is the stream-bound write surface the reconciler needs;
// remote.BoundDestination satisfies it.
type Destination interface {
	SearchByNaturalKey(ctx context.Context, key string) (*remote.StreamRecord, error)
	FindByForeignID(ctx context.Context, foreignID string) (*remote.StreamRecord, error)
	Create(ctx context.Context, fields map[string]remote.Value) (string, error)
	Update(ctx context.Context, id string, fields map[string]remote.Value) error
}

// ReconcilerOptions wires one sync direction of one stream.
type ReconcilerOptions struct {
	StreamID    string
	Mappings    mapping.Provider
	IDs         IdentityMap
	Destination Destination
	Logger      Logger
}

// Reconciler turns one observed source record into an idempotent upsert
// against the destination system. Reconciling the same content twice never
// creates a duplicate: the second pass resolves through the identity map (or
// the natural-key search) and lands on an update.
type Reconciler struct {
	streamID string
	mappings mapping.Provider
	ids      IdentityMap
	dest     Destination
	logger   Logger
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	streamID := strings.TrimSpace(opts.StreamID)
	if streamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	if opts.Mappings == nil {
		return nil, fmt.Errorf("mapping provider is required")
	}
	if opts.IDs == nil {
		return nil, fmt.Errorf("identity map is required")
	}
	if opts.Destination == nil {
		return nil, fmt.Errorf("destination is required")
	}
	return &Reconciler{
		streamID: streamID,
		mappings: opts.Mappings,
		ids:      opts.IDs,
		dest:     opts.Destination,
		logger:   opts.Logger,
	}, nil
}

// Reconcile handles a record from the poll path, where no previous snapshot
// exists.
func (r *Reconciler) Reconcile(ctx context.Context, record remote.StreamRecord) (Outcome, error) {
	return r.ReconcileDelta(ctx, record, nil)
}

// ReconcileDelta handles a record with an optional previous field snapshot
// (the webhook path). Decision order: the record's own embedded counterpart
// id, then the identity map, then a natural-key search, then create.
func (r *Reconciler) ReconcileDelta(ctx context.Context, record remote.StreamRecord, previous map[string]remote.Value) (Outcome, error) {
	if strings.TrimSpace(record.ID) == "" {
		return skipped("record has no id"), nil
	}
	m := r.mappings.Current().Stream(r.streamID)
	if m == nil {
		return skipped("no mapping for stream " + r.streamID), nil
	}
	fields := m.Apply(record.Fields, previous)
	if len(fields) == 0 {
		return skipped("no mapped fields"), nil
	}

	// Fast path: the record itself names its counterpart.
	if m.ForeignIDField != "" {
		if foreignID := record.Fields[m.ForeignIDField].Scalar(); foreignID != "" {
			outcome, done, err := r.updateExisting(ctx, record.ID, foreignID, fields)
			if done {
				return outcome, err
			}
		}
	}

	// Stored association.
	destID, linked, err := r.ids.Lookup(ctx, record.ID)
	if err != nil {
		// Store reads are retried next cycle; the search fallback below
		// still converges in the meantime.
		r.logf("identity lookup for %s failed: %v", record.ID, err)
	}
	if linked {
		outcome, done, err := r.updateExisting(ctx, record.ID, destID, fields)
		if done {
			return outcome, err
		}
	}

	// Back-reference scan: a counterpart created by an earlier run carries
	// this record's id in its back-reference field even when the local
	// link store was lost.
	if m.BackReferenceField != "" {
		found, err := r.dest.FindByForeignID(ctx, record.ID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return failed(err), fmt.Errorf("find by back-reference %s: %w", record.ID, err)
		}
		if found != nil {
			r.link(ctx, record.ID, found.ID)
			if err := r.dest.Update(ctx, found.ID, fields); err != nil && !errors.Is(err, remote.ErrNotFound) {
				return failed(err), fmt.Errorf("update %s: %w", found.ID, err)
			}
			return updated(found.ID), nil
		}
	}

	// Natural-key fallback. Exact match only; a record we cannot name is
	// skipped rather than risking a duplicate create.
	naturalKey := fields[m.NaturalKey].Scalar()
	if naturalKey == "" {
		return skipped("no natural key value"), nil
	}
	found, err := r.dest.SearchByNaturalKey(ctx, naturalKey)
	if err != nil {
		return failed(err), fmt.Errorf("search %q: %w", naturalKey, err)
	}
	if found != nil {
		r.link(ctx, record.ID, found.ID)
		if err := r.dest.Update(ctx, found.ID, fields); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return failed(err), fmt.Errorf("update %s: %w", found.ID, err)
		}
		return updated(found.ID), nil
	}

	// Nothing matched: create, seeded with a back-reference so the next
	// observation takes the fast path.
	if m.BackReferenceField != "" {
		fields[m.BackReferenceField] = remote.String(record.ID)
	}
	newID, err := r.dest.Create(ctx, fields)
	if err != nil {
		return failed(err), fmt.Errorf("create for %s: %w", record.ID, err)
	}
	r.link(ctx, record.ID, newID)
	return created(newID), nil
}

// updateExisting attempts an update against a known counterpart id. done is
// false when the counterpart has vanished (remote 404) and the caller should
// fall through to search-or-create.
func (r *Reconciler) updateExisting(ctx context.Context, sourceID, destID string, fields map[string]remote.Value) (Outcome, bool, error) {
	err := r.dest.Update(ctx, destID, fields)
	if err == nil {
		r.link(ctx, sourceID, destID)
		return updated(destID), true, nil
	}
	if errors.Is(err, remote.ErrNotFound) {
		r.logf("counterpart %s for %s is gone, falling back", destID, sourceID)
		return Outcome{}, false, nil
	}
	return failed(err), true, fmt.Errorf("update %s: %w", destID, err)
}

// link persists an association. Failures are logged, not returned: the next
// reconciliation repairs the link through the natural-key fallback.
func (r *Reconciler) link(ctx context.Context, sourceID, destID string) {
	if err := r.ids.Link(ctx, sourceID, destID); err != nil {
		r.logf("link %s<->%s failed: %v", sourceID, destID, err)
	}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
