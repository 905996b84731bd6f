package remote

import (
	"context"
	"time"
)

// Limiter is a token bucket granting at most max requests per window,
// shared by every caller talking to one remote system. Wait blocks until a
// token is available or the context is done.
type Limiter struct {
	max    int
	window time.Duration
	tokens chan struct{}
}

// NewLimiter builds a limiter allowing max requests per window. A max of
// zero or below disables limiting.
func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		return &Limiter{}
	}
	if window <= 0 {
		window = time.Second
	}
	l := &Limiter{
		max:    max,
		window: window,
		tokens: make(chan struct{}, max),
	}
	l.fill()
	go l.refillLoop()
	return l
}

func (l *Limiter) fill() {
	for {
		select {
		case l.tokens <- struct{}{}:
		default:
			return
		}
	}
}

// refillLoop restores the full bucket once per window. The limiter lives for
// the process lifetime, matching the single shared client per remote system.
func (l *Limiter) refillLoop() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for range ticker.C {
		l.fill()
	}
}

// Wait consumes one token, blocking until one is available.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.tokens == nil {
		return ctx.Err()
	}
	select {
	case <-l.tokens:
		return nil
	default:
	}
	select {
	case <-l.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
