package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/crmbridge/internal/remote"
)

// IngestorOptions wires one stream's webhook path.
type IngestorOptions struct {
	Reconciler *Reconciler
	Logger     Logger
}

// Ingestor handles push notifications carrying both the current and the
// previous state of a record. It diffs the two snapshots before touching the
// network: a notification whose payload changed nothing the mapping cares
// about produces no outbound call at all.
type Ingestor struct {
	reconciler *Reconciler
	logger     Logger
}

func NewIngestor(opts IngestorOptions) (*Ingestor, error) {
	if opts.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	return &Ingestor{reconciler: opts.Reconciler, logger: opts.Logger}, nil
}

// RecordChanged processes one change notification. previous may be nil, in
// which case every populated field counts as changed.
func (i *Ingestor) RecordChanged(ctx context.Context, current remote.StreamRecord, previous map[string]remote.Value) (Outcome, error) {
	if strings.TrimSpace(current.ID) == "" {
		return skipped("record has no id"), nil
	}
	if previous != nil {
		changed := remote.ChangedFields(current.Fields, previous)
		if len(changed) == 0 {
			return skipped("no field changes"), nil
		}
		i.logf("record %s changed fields: %s", current.ID, strings.Join(changed, ","))
	}
	return i.reconciler.ReconcileDelta(ctx, current, previous)
}

func (i *Ingestor) logf(format string, args ...any) {
	if i.logger == nil {
		return
	}
	i.logger.Printf(format, args...)
}
