package bridge

import (
	"context"

	"github.com/agentworkforce/crmbridge/internal/syncstate"
)

// IdentityMap is the direction-aware view of the persisted identity links:
// source-system id on the left, destination-system id on the right. Both
// directions share the same underlying table, so a link written by either
// sync direction serves the other.
type IdentityMap interface {
	Link(ctx context.Context, sourceID, destinationID string) error
	Lookup(ctx context.Context, sourceID string) (string, bool, error)
}

type ledgerToCollabMap struct {
	store syncstate.Store
}

// NewLedgerToCollabMap views the identity store from the ledger side:
// source ids are ledger ids, counterparts are collab ids.
func NewLedgerToCollabMap(store syncstate.Store) IdentityMap {
	return ledgerToCollabMap{store: store}
}

func (m ledgerToCollabMap) Link(ctx context.Context, sourceID, destinationID string) error {
	return m.store.Link(ctx, sourceID, destinationID)
}

func (m ledgerToCollabMap) Lookup(ctx context.Context, sourceID string) (string, bool, error) {
	return m.store.CollabIDForLedger(ctx, sourceID)
}

type collabToLedgerMap struct {
	store syncstate.Store
}

// NewCollabToLedgerMap views the identity store from the collab side.
func NewCollabToLedgerMap(store syncstate.Store) IdentityMap {
	return collabToLedgerMap{store: store}
}

func (m collabToLedgerMap) Link(ctx context.Context, sourceID, destinationID string) error {
	return m.store.Link(ctx, destinationID, sourceID)
}

func (m collabToLedgerMap) Lookup(ctx context.Context, sourceID string) (string, bool, error) {
	return m.store.LedgerIDForCollab(ctx, sourceID)
}
