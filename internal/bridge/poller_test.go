package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/crmbridge/internal/remote"
)

type fetchCall struct {
	since time.Time
	kind  string
}

type fakeSource struct {
	changed            []remote.StreamRecord
	extra              []remote.StreamRecord
	created            []remote.StreamRecord
	fetchErr           error
	calls              []fetchCall
	extraOnSecondFetch bool
}

func (s *fakeSource) FetchChanged(ctx context.Context, streamID string, since time.Time, limit int) ([]remote.StreamRecord, error) {
	s.calls = append(s.calls, fetchCall{since: since, kind: "changed"})
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if s.extraOnSecondFetch && len(s.calls) > 1 {
		return s.extra, nil
	}
	return s.changed, nil
}

func (s *fakeSource) FetchNew(ctx context.Context, streamID string, since time.Time, limit int) ([]remote.StreamRecord, error) {
	s.calls = append(s.calls, fetchCall{since: since, kind: "new"})
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.created, nil
}

type fakeWatermarks struct {
	cursors map[string]time.Time
	readErr error
	setErr  error
	sets    []time.Time
}

func newFakeWatermarks() *fakeWatermarks {
	return &fakeWatermarks{cursors: map[string]time.Time{}}
}

func (w *fakeWatermarks) Watermark(ctx context.Context, streamID string) (time.Time, bool, error) {
	if w.readErr != nil {
		return time.Time{}, false, w.readErr
	}
	cursor, ok := w.cursors[streamID]
	return cursor, ok, nil
}

func (w *fakeWatermarks) SetWatermark(ctx context.Context, streamID string, cursor time.Time) error {
	if w.setErr != nil {
		return w.setErr
	}
	w.cursors[streamID] = cursor
	w.sets = append(w.sets, cursor)
	return nil
}

func record(id string, touched time.Time) remote.StreamRecord {
	return remote.StreamRecord{
		ID:        id,
		UpdatedAt: touched,
		Fields:    map[string]remote.Value{"title": remote.String(id)},
	}
}

func newTestPoller(t *testing.T, opts PollerOptions) (*Poller, *[]string) {
	t.Helper()
	var reconciled []string
	if opts.Reconcile == nil {
		opts.Reconcile = func(ctx context.Context, r remote.StreamRecord) (Outcome, error) {
			reconciled = append(reconciled, r.ID)
			return updated(r.ID), nil
		}
	}
	if opts.StreamID == "" {
		opts.StreamID = "deals"
	}
	p, err := NewPoller(opts)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	return p, &reconciled
}

func TestFirstCycleStartsAtEpoch(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{changed: []remote.StreamRecord{
		record("L1", now.Add(-10*time.Minute)),
	}}
	watermarks := newFakeWatermarks()
	p, reconciled := newTestPoller(t, PollerOptions{
		Source:     source,
		Watermarks: watermarks,
		Now:        func() time.Time { return now },
	})

	p.runCycle(context.Background())

	if len(source.calls) != 1 || !source.calls[0].since.Equal(pollEpoch) {
		t.Fatalf("first fetch must start at the epoch, got %+v", source.calls)
	}
	if len(*reconciled) != 1 || (*reconciled)[0] != "L1" {
		t.Fatalf("expected L1 reconciled, got %v", *reconciled)
	}
	cursor := watermarks.cursors["deals"]
	if !cursor.Equal(now.Add(-10 * time.Minute)) {
		t.Fatalf("cursor must advance to the max touched time, got %v", cursor)
	}
}

func TestCursorNeverTrailsBeyondStalenessBound(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{changed: []remote.StreamRecord{
		record("L1", now.Add(-26*time.Hour)),
	}}
	watermarks := newFakeWatermarks()
	p, _ := newTestPoller(t, PollerOptions{
		Source:       source,
		Watermarks:   watermarks,
		MaxStaleness: time.Hour,
		Now:          func() time.Time { return now },
	})

	p.runCycle(context.Background())

	cursor := watermarks.cursors["deals"]
	if !cursor.Equal(now.Add(-time.Hour)) {
		t.Fatalf("cursor must clamp to now minus staleness bound, got %v", cursor)
	}
}

func TestEmptyCycleLeavesCursorUntouched(t *testing.T) {
	source := &fakeSource{}
	watermarks := newFakeWatermarks()
	was := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	watermarks.cursors["deals"] = was
	p, _ := newTestPoller(t, PollerOptions{
		Source:     source,
		Watermarks: watermarks,
	})

	p.runCycle(context.Background())

	if len(watermarks.sets) != 0 {
		t.Fatalf("empty cycle must not write the watermark")
	}
	if !watermarks.cursors["deals"].Equal(was) {
		t.Fatalf("cursor changed on empty cycle")
	}
}

func TestFetchErrorLeavesCursorUntouched(t *testing.T) {
	source := &fakeSource{fetchErr: errors.New("remote down")}
	watermarks := newFakeWatermarks()
	p, reconciled := newTestPoller(t, PollerOptions{
		Source:     source,
		Watermarks: watermarks,
	})

	p.runCycle(context.Background())

	if len(*reconciled) != 0 || len(watermarks.sets) != 0 {
		t.Fatalf("failed fetch must neither reconcile nor advance")
	}
}

func TestReconcileFailureDoesNotBlockBatch(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{changed: []remote.StreamRecord{
		record("L1", now.Add(-5*time.Minute)),
		record("L2", now.Add(-4*time.Minute)),
		record("L3", now.Add(-3*time.Minute)),
	}}
	watermarks := newFakeWatermarks()
	var attempted []string
	p, _ := newTestPoller(t, PollerOptions{
		Source:     source,
		Watermarks: watermarks,
		Reconcile: func(ctx context.Context, r remote.StreamRecord) (Outcome, error) {
			attempted = append(attempted, r.ID)
			if r.ID == "L2" {
				return failed(errors.New("boom")), errors.New("boom")
			}
			return updated(r.ID), nil
		},
		Now: func() time.Time { return now },
	})

	p.runCycle(context.Background())

	if len(attempted) != 3 {
		t.Fatalf("one failure must not stop the batch, attempted %v", attempted)
	}
	// The failed record's timestamp still feeds the cursor; the next cycle
	// or the lookback window picks it up again.
	if !watermarks.cursors["deals"].Equal(now.Add(-3 * time.Minute)) {
		t.Fatalf("cursor must still advance, got %v", watermarks.cursors["deals"])
	}
}

func TestLookbackFetchesWithoutMovingCursor(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	primary := record("L1", now.Add(-30*time.Minute))
	overlap := record("L1", now.Add(-30*time.Minute))
	fresh := record("L2", now.Add(-1*time.Minute))
	source := &fakeSource{
		changed:            []remote.StreamRecord{primary},
		extra:              []remote.StreamRecord{overlap, fresh},
		extraOnSecondFetch: true,
	}
	watermarks := newFakeWatermarks()
	p, reconciled := newTestPoller(t, PollerOptions{
		Source:     source,
		Watermarks: watermarks,
		Lookback:   10 * time.Minute,
		Now:        func() time.Time { return now },
	})

	p.runCycle(context.Background())

	if len(source.calls) != 2 {
		t.Fatalf("expected primary plus lookback fetch, got %d", len(source.calls))
	}
	if !source.calls[1].since.Equal(now.Add(-10 * time.Minute)) {
		t.Fatalf("lookback window wrong: %v", source.calls[1].since)
	}
	if len(*reconciled) != 2 {
		t.Fatalf("overlap must be deduplicated, got %v", *reconciled)
	}
	// L2 was seen only through the lookback window; its fresher timestamp
	// must not drag the cursor forward past unseen primary records.
	if !watermarks.cursors["deals"].Equal(now.Add(-30 * time.Minute)) {
		t.Fatalf("lookback records must not move the cursor, got %v", watermarks.cursors["deals"])
	}
}

func TestCreationOrderedUsesFetchNew(t *testing.T) {
	source := &fakeSource{created: []remote.StreamRecord{
		record("L1", time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)),
	}}
	watermarks := newFakeWatermarks()
	p, reconciled := newTestPoller(t, PollerOptions{
		Source:          source,
		Watermarks:      watermarks,
		CreationOrdered: true,
	})

	p.runCycle(context.Background())

	if len(source.calls) != 1 || source.calls[0].kind != "new" {
		t.Fatalf("creation-ordered stream must use FetchNew, got %+v", source.calls)
	}
	if len(*reconciled) != 1 {
		t.Fatalf("expected one reconcile, got %v", *reconciled)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	source := &fakeSource{}
	watermarks := newFakeWatermarks()
	p, _ := newTestPoller(t, PollerOptions{
		Source:     source,
		Watermarks: watermarks,
		Interval:   time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("poller did not stop on cancellation")
	}
}

func TestNewPollerValidation(t *testing.T) {
	_, err := NewPoller(PollerOptions{})
	if err == nil {
		t.Fatalf("expected error for missing required options")
	}
	_, err = NewPoller(PollerOptions{
		StreamID:   "deals",
		Source:     &fakeSource{},
		Watermarks: newFakeWatermarks(),
	})
	if err == nil {
		t.Fatalf("expected error for missing reconcile func")
	}
}
