// Package discovery establishes the agent session identifier for a run,
// either from the agent's own output or by scanning its session directory.
package discovery

import (
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"pi-executor/internal/domain"
	"pi-executor/internal/infra/logger"
)

// RetryDelays is the schedule shared by get_state polling and filesystem
// discovery. The agent creates its session directory immediately but
// writes the file asynchronously.
var RetryDelays = []time.Duration{
	0,
	300 * time.Millisecond,
	600 * time.Millisecond,
	1000 * time.Millisecond,
	1500 * time.Millisecond,
	2000 * time.Millisecond,
}

// Tracker guarantees the session id reaches the store at most once per run,
// whichever source finds it first.
type Tracker struct {
	store    domain.EntryStore
	logger   *slog.Logger
	pushed   atomic.Bool
	inFlight atomic.Bool
	done     chan struct{}
}

// NewTracker creates a Tracker that forwards the winning id to store.
func NewTracker(store domain.EntryStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{store: store, logger: logger, done: make(chan struct{})}
}

// Push records id if no id has been recorded yet. It reports whether this
// call won.
func (t *Tracker) Push(id string) bool {
	if t.pushed.Swap(true) {
		return false
	}
	logger.ForSession(t.logger, id).Info("session identified")
	t.store.PushSessionID(id)
	close(t.done)
	return true
}

// Pushed reports whether an id has been recorded.
func (t *Tracker) Pushed() bool { return t.pushed.Load() }

// Done is closed once an id has been recorded.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// TryBeginDiscovery claims the single discovery slot.
func (t *Tracker) TryBeginDiscovery() bool {
	return !t.inFlight.Swap(true)
}

// EndDiscovery releases the discovery slot.
func (t *Tracker) EndDiscovery() {
	t.inFlight.Store(false)
}
