// Package logstore holds the raw output and normalized entries of one agent
// run. Writers append to an ordered history; readers replay it and follow
// new messages until the store is closed.
//
// A store ends in two steps. Finish marks the end of the agent's raw output;
// normalized entries and the session id may still arrive afterwards, since
// the normalizer flushes once it has read the last line. Close marks the
// end of everything.
package logstore

import (
	"context"
	"strings"
	"sync"

	"pi-executor/internal/domain"
)

// Kind labels a history message.
type Kind string

const (
	KindStdout    Kind = "stdout"
	KindStderr    Kind = "stderr"
	KindPatch     Kind = "patch"
	KindSessionID Kind = "session_id"
	KindFinished  Kind = "finished"
	KindClosed    Kind = "closed"
)

// PatchOp is the operation carried by a patch message.
type PatchOp string

const (
	PatchAdd     PatchOp = "add"
	PatchReplace PatchOp = "replace"
)

// LogMsg is one history message.
type LogMsg struct {
	Kind      Kind                    `json:"kind"`
	Data      string                  `json:"data,omitempty"`
	Op        PatchOp                 `json:"op,omitempty"`
	Index     int                     `json:"index,omitempty"`
	Entry     *domain.NormalizedEntry `json:"entry,omitempty"`
	SessionID string                  `json:"session_id,omitempty"`
}

// Store is an in-memory log store. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	history   []LogMsg
	entries   []domain.NormalizedEntry
	sessionID string
	finished  bool
	closed    bool
	wake      chan struct{} // closed and replaced on every push
}

var _ domain.LogStore = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{wake: make(chan struct{})}
}

func (s *Store) pushLocked(msg LogMsg) {
	if s.closed {
		return
	}
	switch msg.Kind {
	case KindStdout, KindStderr, KindFinished:
		if s.finished {
			return
		}
	}
	s.history = append(s.history, msg)
	switch msg.Kind {
	case KindFinished:
		s.finished = true
	case KindClosed:
		s.closed = true
	}
	close(s.wake)
	s.wake = make(chan struct{})
}

// PushStdout records a chunk of raw stdout.
func (s *Store) PushStdout(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(LogMsg{Kind: KindStdout, Data: data})
}

// PushStderr records a chunk of raw stderr.
func (s *Store) PushStderr(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(LogMsg{Kind: KindStderr, Data: data})
}

// Finish marks the end of the raw output. Later stdout and stderr pushes
// are dropped; entries and the session id are still recorded.
func (s *Store) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(LogMsg{Kind: KindFinished})
}

// Close finishes the store if needed and ends it. Every later push is
// dropped and subscribers end after the closed message.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(LogMsg{Kind: KindFinished})
	s.pushLocked(LogMsg{Kind: KindClosed})
}

// AppendEntry adds entry at the next free index. Indexes continue from the
// number of entries already present, so a store that is reused across
// normalizer passes never overwrites earlier entries.
func (s *Store) AppendEntry(entry domain.NormalizedEntry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.entries)
	s.entries = append(s.entries, entry)
	e := entry
	s.pushLocked(LogMsg{Kind: KindPatch, Op: PatchAdd, Index: idx, Entry: &e})
	return idx
}

// ReplaceEntry overwrites the entry at index. Unknown indexes are ignored.
func (s *Store) ReplaceEntry(index int, entry domain.NormalizedEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.entries) {
		return
	}
	s.entries[index] = entry
	e := entry
	s.pushLocked(LogMsg{Kind: KindPatch, Op: PatchReplace, Index: index, Entry: &e})
}

// PushSessionID records the session identifier.
func (s *Store) PushSessionID(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.pushLocked(LogMsg{Kind: KindSessionID, SessionID: sessionID})
}

// SessionID returns the last pushed session identifier.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Entries returns a copy of the current entry list.
func (s *Store) Entries() []domain.NormalizedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.NormalizedEntry(nil), s.entries...)
}

// History returns a copy of every message pushed so far.
func (s *Store) History() []LogMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogMsg(nil), s.history...)
}

// Subscribe replays the history and then follows new messages. The channel
// closes after the closed message has been delivered or when ctx ends.
func (s *Store) Subscribe(ctx context.Context) <-chan LogMsg {
	out := make(chan LogMsg, 64)
	go func() {
		defer close(out)
		cursor := 0
		for {
			s.mu.Lock()
			pending := s.history[cursor:len(s.history):len(s.history)]
			wake := s.wake
			s.mu.Unlock()

			for _, msg := range pending {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
				cursor++
				if msg.Kind == KindClosed {
					return
				}
			}
			if len(pending) > 0 {
				continue
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// StdoutLines reassembles stdout chunks into lines without their newline.
// A trailing partial line is emitted when the store finishes.
func (s *Store) StdoutLines(ctx context.Context) <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		var pending strings.Builder
		emit := func(line string) bool {
			select {
			case out <- strings.TrimSuffix(line, "\r"):
				return true
			case <-ctx.Done():
				return false
			}
		}
		for msg := range s.Subscribe(ctx) {
			switch msg.Kind {
			case KindStdout:
				data := msg.Data
				for {
					i := strings.IndexByte(data, '\n')
					if i < 0 {
						pending.WriteString(data)
						break
					}
					pending.WriteString(data[:i])
					if !emit(pending.String()) {
						return
					}
					pending.Reset()
					data = data[i+1:]
				}
			case KindFinished:
				if pending.Len() > 0 {
					emit(pending.String())
				}
				return
			}
		}
	}()
	return out
}

// StderrChunks yields raw stderr chunks in arrival order until the store
// finishes.
func (s *Store) StderrChunks(ctx context.Context) <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		for msg := range s.Subscribe(ctx) {
			if msg.Kind == KindFinished {
				return
			}
			if msg.Kind != KindStderr {
				continue
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
