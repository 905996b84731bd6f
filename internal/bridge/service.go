package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/crmbridge/internal/remote"
)

// ErrUnknownStream reports a webhook naming a stream no pipeline handles.
var ErrUnknownStream = errors.New("unknown stream")

// RecordFetcher fetches a single record by id; both remote clients satisfy
// it.
type RecordFetcher interface {
	FetchByID(ctx context.Context, streamID, id string) (*remote.StreamRecord, error)
}

// StreamPipeline bundles everything one stream needs: the poll loop for
// steady-state drift repair plus the push handlers for low-latency webhooks.
type StreamPipeline struct {
	Reconciler *Reconciler
	Ingestor   *Ingestor
	Poller     *Poller
	// Source serves record-created webhooks, which carry only an id and
	// need a fetch before reconciliation.
	Source RecordFetcher
}

// ServiceOptions assembles the engine.
type ServiceOptions struct {
	Streams map[string]*StreamPipeline
	Mirror  *Mirror
	Logger  Logger
}

// Service is the top-level engine facade. The webhook server calls into it
// for push events; Run drives the pollers until the context ends.
type Service struct {
	streams map[string]*StreamPipeline
	mirror  *Mirror
	logger  Logger
}

func NewService(opts ServiceOptions) (*Service, error) {
	if len(opts.Streams) == 0 {
		return nil, fmt.Errorf("at least one stream pipeline is required")
	}
	for id, pipeline := range opts.Streams {
		if pipeline == nil || pipeline.Reconciler == nil {
			return nil, fmt.Errorf("stream %s: pipeline needs a reconciler", id)
		}
	}
	return &Service{
		streams: opts.Streams,
		mirror:  opts.Mirror,
		logger:  opts.Logger,
	}, nil
}

// Run starts every configured poller and blocks until all have stopped.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for id, pipeline := range s.streams {
		if pipeline.Poller == nil {
			s.logf("stream %s: no poller configured, webhook-only", id)
			continue
		}
		wg.Add(1)
		go func(p *Poller) {
			defer wg.Done()
			p.Run(ctx)
		}(pipeline.Poller)
	}
	wg.Wait()
}

// RecordChanged routes a change notification to its stream's ingestor.
func (s *Service) RecordChanged(ctx context.Context, streamID string, current remote.StreamRecord, previous map[string]remote.Value) (Outcome, error) {
	pipeline, err := s.pipeline(streamID)
	if err != nil {
		return skipped(err.Error()), err
	}
	if pipeline.Ingestor != nil {
		return pipeline.Ingestor.RecordChanged(ctx, current, previous)
	}
	return pipeline.Reconciler.ReconcileDelta(ctx, current, previous)
}

// RecordCreated handles a creation notification that carries only the new
// record's id: fetch the full record, then reconcile it like any other
// observation.
func (s *Service) RecordCreated(ctx context.Context, streamID, id string) (Outcome, error) {
	pipeline, err := s.pipeline(streamID)
	if err != nil {
		return skipped(err.Error()), err
	}
	if pipeline.Source == nil {
		return skipped("stream has no fetch source"), nil
	}
	record, err := pipeline.Source.FetchByID(ctx, streamID, id)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			// Deleted between the webhook and the fetch.
			return skipped("record no longer exists"), nil
		}
		return failed(err), fmt.Errorf("fetch %s/%s: %w", streamID, id, err)
	}
	if record == nil {
		return skipped("record no longer exists"), nil
	}
	return pipeline.Reconciler.Reconcile(ctx, *record)
}

// NoteCreated mirrors a discrete note event to the counterpart system.
func (s *Service) NoteCreated(ctx context.Context, note NoteEvent) (Outcome, error) {
	if s.mirror == nil {
		return skipped("note mirroring not configured"), nil
	}
	return s.mirror.MirrorNote(ctx, note)
}

func (s *Service) pipeline(streamID string) (*StreamPipeline, error) {
	pipeline, ok := s.streams[strings.TrimSpace(streamID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	return pipeline, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
