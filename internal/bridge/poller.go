package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/crmbridge/internal/remote"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultPageLimit    = 100
	defaultMaxStaleness = time.Hour
)

// pollEpoch is the cursor used before a stream's first successful poll.
var pollEpoch = time.Unix(0, 0).UTC()

// PollSource is the fetch surface one poller needs; both remote clients
// satisfy it.
type PollSource interface {
	FetchChanged(ctx context.Context, streamID string, since time.Time, limit int) ([]remote.StreamRecord, error)
	FetchNew(ctx context.Context, streamID string, since time.Time, limit int) ([]remote.StreamRecord, error)
}

// WatermarkStore is the cursor persistence surface; syncstate.Store
// satisfies it.
type WatermarkStore interface {
	Watermark(ctx context.Context, streamID string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, streamID string, cursor time.Time) error
}

// PollerOptions configures one stream's poll loop.
type PollerOptions struct {
	StreamID   string
	Source     PollSource
	Reconcile  func(ctx context.Context, record remote.StreamRecord) (Outcome, error)
	Watermarks WatermarkStore
	// Interval between cycles; cancellation lands between sleep and the
	// next fetch, never mid-batch.
	Interval time.Duration
	// PageLimit caps one fetch.
	PageLimit int
	// Lookback, when set, issues a second fixed-window fetch each cycle
	// regardless of the watermark. Freshness-sensitive streams use it to
	// catch edits made shortly after creation without waiting a full
	// cursor round trip. Lookback records never move the cursor.
	Lookback time.Duration
	// CreationOrdered selects FetchNew (ascending by creation time) so
	// older records reconcile before newer ones within a page.
	CreationOrdered bool
	// MaxStaleness bounds how far the cursor may trail the clock; see the
	// staleness clamp in runCycle.
	MaxStaleness time.Duration
	Logger       Logger
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Poller drives one stream: fetch since the watermark, reconcile each
// record, advance the clamped cursor, sleep, repeat. It runs for the process
// lifetime; a cycle's failure only delays progress.
type Poller struct {
	streamID        string
	source          PollSource
	reconcile       func(ctx context.Context, record remote.StreamRecord) (Outcome, error)
	watermarks      WatermarkStore
	interval        time.Duration
	pageLimit       int
	lookback        time.Duration
	creationOrdered bool
	maxStaleness    time.Duration
	logger          Logger
	now             func() time.Time
}

func NewPoller(opts PollerOptions) (*Poller, error) {
	streamID := strings.TrimSpace(opts.StreamID)
	if streamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if opts.Reconcile == nil {
		return nil, fmt.Errorf("reconcile func is required")
	}
	if opts.Watermarks == nil {
		return nil, fmt.Errorf("watermark store is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	pageLimit := opts.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	maxStaleness := opts.MaxStaleness
	if maxStaleness <= 0 {
		maxStaleness = defaultMaxStaleness
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Poller{
		streamID:        streamID,
		source:          opts.Source,
		reconcile:       opts.Reconcile,
		watermarks:      opts.Watermarks,
		interval:        interval,
		pageLimit:       pageLimit,
		lookback:        opts.Lookback,
		creationOrdered: opts.CreationOrdered,
		maxStaleness:    maxStaleness,
		logger:          opts.Logger,
		now:             now,
	}, nil
}

// Run loops until ctx is done. An in-flight cycle always finishes; the
// cancellation check sits between the sleep and the next fetch.
func (p *Poller) Run(ctx context.Context) {
	for {
		p.runCycle(ctx)
		if err := sleepContext(ctx, p.interval); err != nil {
			p.logf("stream %s poller stopping: %v", p.streamID, err)
			return
		}
	}
}

// runCycle performs one fetch/reconcile/advance pass.
func (p *Poller) runCycle(ctx context.Context) {
	since, ok, err := p.watermarks.Watermark(ctx, p.streamID)
	if err != nil {
		// Leave the stream untouched this cycle; the unchanged watermark
		// is re-read next time.
		p.logf("stream %s: read watermark: %v", p.streamID, err)
		return
	}
	if !ok {
		since = pollEpoch
	}

	fetch := p.source.FetchChanged
	if p.creationOrdered {
		fetch = p.source.FetchNew
	}
	records, err := fetch(ctx, p.streamID, since, p.pageLimit)
	if err != nil {
		p.logf("stream %s: fetch since %s: %v", p.streamID, since.Format(time.RFC3339), err)
		return
	}

	seen := make(map[string]struct{}, len(records))
	var observed int
	var candidate time.Time
	for _, record := range records {
		seen[record.ID] = struct{}{}
		observed++
		if touched := record.Touched(); touched.After(candidate) {
			candidate = touched
		}
		p.reconcileOne(ctx, record)
	}

	// Secondary fixed-lookback fetch for freshness-sensitive streams.
	// Overlap with the primary fetch is expected and deduplicated here;
	// overlap across cycles is absorbed by the reconciler's idempotence.
	if p.lookback > 0 {
		lookbackSince := p.now().Add(-p.lookback)
		extra, err := p.source.FetchChanged(ctx, p.streamID, lookbackSince, p.pageLimit)
		if err != nil {
			p.logf("stream %s: lookback fetch: %v", p.streamID, err)
		}
		for _, record := range extra {
			if _, dup := seen[record.ID]; dup {
				continue
			}
			p.reconcileOne(ctx, record)
		}
	}

	if observed == 0 {
		return
	}
	// Staleness clamp: never persist a cursor older than now-maxStaleness,
	// so one stuck low value cannot freeze the stream indefinitely.
	if floor := p.now().Add(-p.maxStaleness); candidate.Before(floor) {
		candidate = floor
	}
	if err := p.watermarks.SetWatermark(ctx, p.streamID, candidate); err != nil {
		// Not fatal: the next cycle re-reads the old cursor and
		// re-processes, which the reconciler tolerates.
		p.logf("stream %s: set watermark: %v", p.streamID, err)
	}
}

func (p *Poller) reconcileOne(ctx context.Context, record remote.StreamRecord) {
	outcome, err := p.reconcile(ctx, record)
	if err != nil {
		p.logf("stream %s: record %s: %v", p.streamID, record.ID, err)
		return
	}
	if outcome.Result == ResultSkipped && outcome.Reason != "" {
		p.logf("stream %s: record %s skipped: %s", p.streamID, record.ID, outcome.Reason)
	}
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
