package normalize

import (
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"pi-executor/internal/domain"
)

// DefaultQuietPeriod separates stderr output into distinct entries.
const DefaultQuietPeriod = 2 * time.Second

// PlainTextProcessor turns raw stderr chunks into error_message entries.
// Output arriving within the quiet period of the previous chunk extends the
// current entry in place; a longer gap starts a new one.
type PlainTextProcessor struct {
	store  domain.EntryStore
	quiet  time.Duration
	now    func() time.Time
	buf    strings.Builder
	index  int
	open   bool
	lastAt time.Time
}

// NewPlainTextProcessor creates a processor. A non-positive quiet uses
// DefaultQuietPeriod; a nil now uses time.Now.
func NewPlainTextProcessor(store domain.EntryStore, quiet time.Duration, now func() time.Time) *PlainTextProcessor {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if now == nil {
		now = time.Now
	}
	return &PlainTextProcessor{store: store, quiet: quiet, now: now}
}

// Process handles one chunk.
func (p *PlainTextProcessor) Process(chunk string) {
	text := stripLines(chunk)
	at := p.now()

	if p.open && at.Sub(p.lastAt) > p.quiet {
		p.open = false
		p.buf.Reset()
	}
	p.lastAt = at

	if !p.open && strings.TrimSpace(text) == "" {
		return
	}
	p.buf.WriteString(text)

	entry := domain.NewErrorMessage(strings.TrimRight(p.buf.String(), "\r\n"))
	if p.open {
		p.store.ReplaceEntry(p.index, entry)
		return
	}
	p.index = p.store.AppendEntry(entry)
	p.open = true
}

// stripLines removes ANSI escape sequences line by line.
func stripLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = ansi.Strip(line)
	}
	return strings.Join(lines, "\n")
}
