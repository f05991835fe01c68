package discovery

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"pi-executor/internal/infra/tracer"
)

// Locator finds the newest session recorded for a working directory,
// ignoring sessions created before since.
type Locator interface {
	FindLatestSessionID(cwd string, since time.Time) (string, error)
}

// Loop scans the session store in the background until the tracker has an
// id or the retry schedule is exhausted.
type Loop struct {
	tracker *Tracker
	locator Locator
	delays  []time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewLoop creates a Loop. A nil delays uses RetryDelays.
func NewLoop(tracker *Tracker, locator Locator, delays []time.Duration, logger *slog.Logger) *Loop {
	if delays == nil {
		delays = RetryDelays
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{tracker: tracker, locator: locator, delays: delays, logger: logger}
}

// Trigger starts a discovery pass unless an id is already known or another
// pass is running. It never blocks the caller.
func (l *Loop) Trigger(ctx context.Context, cwd string, since time.Time) {
	if l.tracker.Pushed() {
		return
	}
	if !l.tracker.TryBeginDiscovery() {
		return
	}

	l.logger.Info("session id not in agent output, scanning session directory", "cwd", cwd)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.tracker.EndDiscovery()
		l.run(ctx, cwd, since)
	}()
}

// Wait blocks until every triggered pass has finished.
func (l *Loop) Wait() { l.wg.Wait() }

func (l *Loop) run(ctx context.Context, cwd string, since time.Time) {
	var discovered string
	for attempt, delay := range l.delays {
		if l.tracker.Pushed() {
			return
		}
		if delay > 0 && !l.sleep(ctx, delay) {
			return
		}
		if l.tracker.Pushed() {
			return
		}

		id, err := l.attempt(ctx, attempt+1, cwd, since)
		if err == nil {
			l.logger.Info("discovered session id", "attempt", attempt+1, "session_id", id)
			discovered = id
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < len(l.delays)-1 {
			l.logger.Debug("session discovery attempt failed, will retry", "attempt", attempt+1, "error", err)
		} else {
			l.logger.Warn("session discovery failed",
				"cwd", cwd, "attempts", len(l.delays), "error", err)
		}
	}

	if discovered != "" {
		l.tracker.Push(discovered)
	} else if !l.tracker.Pushed() {
		l.logger.Warn("no session id available after retries, will try again on next agent start")
	}
}

// sleep waits for d, returning early (true) when the id becomes known and
// false when ctx ends.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.tracker.Done():
	case <-ctx.Done():
		return false
	}
	return true
}

type result struct {
	id  string
	err error
}

// attempt runs one blocking lookup off the caller's goroutine.
func (l *Loop) attempt(ctx context.Context, n int, cwd string, since time.Time) (id string, err error) {
	ctx, span := tracer.StartSpan(ctx, "discovery.attempt",
		trace.WithAttributes(tracer.IntAttr("attempt", n), tracer.StringAttr("cwd", cwd)))
	defer func() { tracer.Finish(span, err) }()

	ch := make(chan result, 1)
	go func() {
		id, err := l.locator.FindLatestSessionID(cwd, since)
		ch <- result{id: id, err: err}
	}()

	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
