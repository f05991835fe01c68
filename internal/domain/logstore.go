package domain

import "context"

// EntryStore is the write side of the log store used by the normalizer.
// Implementations must be safe for concurrent use: the stdout and stderr
// loops append and replace entries independently.
type EntryStore interface {
	// AppendEntry adds a new entry and returns its assigned index.
	AppendEntry(entry NormalizedEntry) int
	// ReplaceEntry overwrites the entry at index.
	ReplaceEntry(index int, entry NormalizedEntry)
	// PushSessionID records the agent session identifier. The store does
	// not deduplicate; callers push at most once per run.
	PushSessionID(sessionID string)
}

// LogStore is an EntryStore that also exposes the raw process streams.
// Both stream channels close when the store is finished and drained, or
// when ctx is cancelled.
type LogStore interface {
	EntryStore
	StdoutLines(ctx context.Context) <-chan string
	StderrChunks(ctx context.Context) <-chan string
}
