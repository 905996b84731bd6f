// Package bridge is the synchronization engine: per-stream watermark
// pollers, the reconciler that turns remote records into idempotent upsert
// decisions, the dedup-guarded mirror for discrete events, and the webhook
// ingest path. It never talks HTTP itself; remote systems arrive through the
// capability interfaces in internal/remote and state through
// internal/syncstate.
package bridge

import (
	"context"
	"time"
)

// Logger matches the subset of *log.Logger the engine needs. A nil logger
// is silent.
type Logger interface {
	Printf(format string, args ...any)
}

// Result classifies the effect of one reconciliation attempt.
type Result string

const (
	ResultCreated Result = "created"
	ResultUpdated Result = "updated"
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
)

// Outcome reports what one reconciliation did. Reason is set for skips and
// failures; CounterpartID for creates and updates.
type Outcome struct {
	Result        Result
	Reason        string
	CounterpartID string
}

func created(id string) Outcome {
	return Outcome{Result: ResultCreated, CounterpartID: id}
}

func updated(id string) Outcome {
	return Outcome{Result: ResultUpdated, CounterpartID: id}
}

func skipped(reason string) Outcome {
	return Outcome{Result: ResultSkipped, Reason: reason}
}

func failed(err error) Outcome {
	return Outcome{Result: ResultFailed, Reason: err.Error()}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
