// Package normalize converts the agent's RPC event stream and stderr into
// ordered normalized log entries.
package normalize

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/sync/errgroup"

	"pi-executor/internal/domain"
	"pi-executor/internal/usecase/discovery"
)

// Options configures a Normalizer.
type Options struct {
	// WorkDir is the agent's working directory. Tool paths inside it are
	// rendered relative to it, and discovery scans its session folder.
	WorkDir string
	// StartedAt bounds discovery to sessions created after the run began.
	StartedAt time.Time
	// QuietPeriod groups stderr output; zero uses DefaultQuietPeriod.
	QuietPeriod time.Duration
	Logger      *slog.Logger
	// Now overrides the stderr grouping clock.
	Now func() time.Time
}

// Normalizer consumes one run's raw output from a LogStore and writes
// normalized entries back to it.
type Normalizer struct {
	store   domain.LogStore
	tracker *discovery.Tracker
	loop    *discovery.Loop
	opts    Options
	logger  *slog.Logger

	done chan struct{}
	err  error
}

// New creates a Normalizer. A nil tracker gets a fresh one bound to store;
// a nil loop disables filesystem discovery.
func New(store domain.LogStore, tracker *discovery.Tracker, loop *discovery.Loop, opts Options) *Normalizer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tracker == nil {
		tracker = discovery.NewTracker(store, logger)
	}
	return &Normalizer{
		store:   store,
		tracker: tracker,
		loop:    loop,
		opts:    opts,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run normalizes stdout and stderr concurrently and returns once both
// streams have ended and any discovery pass they started is over, so every
// entry and the session id are in the store when it returns.
func (n *Normalizer) Run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		n.runStdout(ctx)
		return nil
	})
	g.Go(func() error {
		n.runStderr(ctx)
		return nil
	})
	err := g.Wait()
	if n.loop != nil {
		n.loop.Wait()
	}
	return err
}

// Start runs the normalizer in the background. Done is closed when it
// finishes.
func (n *Normalizer) Start(ctx context.Context) {
	go func() {
		defer close(n.done)
		n.err = n.Run(ctx)
	}()
}

// Done is closed once a Start-ed run has finished.
func (n *Normalizer) Done() <-chan struct{} { return n.done }

// Err returns the result of a Start-ed run after Done is closed.
func (n *Normalizer) Err() error { return n.err }

func (n *Normalizer) runStderr(ctx context.Context) {
	proc := NewPlainTextProcessor(n.store, n.opts.QuietPeriod, n.opts.Now)
	for chunk := range n.store.StderrChunks(ctx) {
		proc.Process(chunk)
	}
}

// stream holds the per-run state of the stdout loop. It is owned by a
// single goroutine.
type stream struct {
	n *Normalizer

	thinking    strings.Builder
	thinkingIdx int
	hasThinking bool

	text strings.Builder

	tools map[string]*toolState
}

func (n *Normalizer) runStdout(ctx context.Context) {
	s := &stream{n: n, tools: make(map[string]*toolState)}
	for line := range n.store.StdoutLines(ctx) {
		s.handleLine(ctx, line)
	}
	s.flush()
}

func (s *stream) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	ev, err := DecodeEvent([]byte(line))
	if err != nil {
		if text := strings.TrimSpace(ansi.Strip(line)); text != "" {
			s.n.store.AppendEntry(domain.NewSystemMessage(text))
		}
		return
	}

	switch ev := ev.(type) {
	case AgentStartEvent:
		s.agentStart(ctx, ev)
	case MessageUpdateEvent:
		s.assistant(ev.Assistant)
	case ToolExecutionStartEvent:
		s.toolStart(ev)
	case ToolExecutionEndEvent:
		s.toolEnd(ev)
	case TurnEndEvent, AgentEndEvent:
		s.flushText()
	case ErrorEvent:
		s.n.store.AppendEntry(domain.NewErrorMessage(ev.Error))
	case ResponseEvent:
		s.response(ev)
	}
}

func (s *stream) agentStart(ctx context.Context, ev AgentStartEvent) {
	if !s.n.tracker.Pushed() {
		if ev.SessionID != "" {
			s.n.tracker.Push(ev.SessionID)
		} else if s.n.loop != nil {
			s.n.loop.Trigger(ctx, s.n.opts.WorkDir, s.n.opts.StartedAt)
		}
	}
	if ev.Model != "" {
		s.n.store.AppendEntry(domain.NewSystemMessage("model: " + ev.Model))
	}
}

func (s *stream) assistant(ev *AssistantEvent) {
	switch ev.Type {
	case "thinking_delta":
		s.thinking.WriteString(ev.Delta)
		entry := domain.NewThinking(s.thinking.String())
		if s.hasThinking {
			s.n.store.ReplaceEntry(s.thinkingIdx, entry)
		} else {
			s.thinkingIdx = s.n.store.AppendEntry(entry)
			s.hasThinking = true
		}
	case "thinking_end":
		if ev.Content != "" {
			s.thinking.Reset()
			s.thinking.WriteString(ev.Content)
		}
		s.flushThinking()
	case "text_delta":
		s.text.WriteString(ev.Delta)
	case "text_end":
		if ev.Content != "" {
			s.text.Reset()
			s.text.WriteString(ev.Content)
		}
	}
}

func (s *stream) toolStart(ev ToolExecutionStartEvent) {
	entry, ok := classifyTool(ev.ToolName, ev.Args, s.n.opts.WorkDir, s.n.logger)
	if !ok {
		return
	}
	idx := s.n.store.AppendEntry(entry)
	s.tools[ev.ToolCallID] = &toolState{name: ev.ToolName, entry: entry, index: idx}
}

func (s *stream) toolEnd(ev ToolExecutionEndEvent) {
	st, ok := s.tools[ev.ToolCallID]
	if !ok {
		return
	}
	delete(s.tools, ev.ToolCallID)
	s.n.store.ReplaceEntry(st.index, completeTool(st, ev.Result, ev.IsError))
}

func (s *stream) response(ev ResponseEvent) {
	if !ev.Success {
		msg := fmt.Sprintf("RPC command '%s' failed (no details)", ev.Command)
		if ev.Error != nil {
			msg = *ev.Error
		}
		s.n.store.AppendEntry(domain.NewErrorMessage(msg))
		return
	}
	if ev.Command == "get_state" {
		if id, ok := SessionIDFromState(ev.Data); ok && id != "" {
			s.n.tracker.Push(id)
		}
	}
}

// flushThinking writes the open thinking buffer, replacing the streamed
// entry if one exists, and closes it.
func (s *stream) flushThinking() {
	if s.thinking.Len() > 0 {
		entry := domain.NewThinking(s.thinking.String())
		if s.hasThinking {
			s.n.store.ReplaceEntry(s.thinkingIdx, entry)
		} else {
			s.n.store.AppendEntry(entry)
		}
	}
	s.thinking.Reset()
	s.hasThinking = false
	s.thinkingIdx = 0
}

func (s *stream) flushText() {
	if s.text.Len() > 0 {
		s.n.store.AppendEntry(domain.NewAssistantMessage(s.text.String()))
	}
	s.text.Reset()
}

// flush emits whatever the stream left open when it ended.
func (s *stream) flush() {
	s.flushThinking()
	s.flushText()
}
