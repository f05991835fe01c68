package normalize

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"pi-executor/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory LogStore fed with fixed stdout lines and
// stderr chunks.
type fakeStore struct {
	mu         sync.Mutex
	entries    []domain.NormalizedEntry
	replaced   []int
	sessionIDs []string

	stdout []string
	stderr []string
}

func (f *fakeStore) AppendEntry(e domain.NormalizedEntry) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return len(f.entries) - 1
}

func (f *fakeStore) ReplaceEntry(i int, e domain.NormalizedEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= 0 && i < len(f.entries) {
		f.entries[i] = e
		f.replaced = append(f.replaced, i)
	}
}

func (f *fakeStore) PushSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionIDs = append(f.sessionIDs, id)
}

func (f *fakeStore) StdoutLines(ctx context.Context) <-chan string {
	return feed(ctx, f.stdout)
}

func (f *fakeStore) StderrChunks(ctx context.Context) <-chan string {
	return feed(ctx, f.stderr)
}

func (f *fakeStore) snapshot() []domain.NormalizedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.NormalizedEntry(nil), f.entries...)
}

func (f *fakeStore) pushed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessionIDs...)
}

func feed(ctx context.Context, items []string) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for _, it := range items {
			select {
			case ch <- it:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func ofType(entries []domain.NormalizedEntry, t domain.EntryType) []domain.NormalizedEntry {
	var out []domain.NormalizedEntry
	for _, e := range entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
