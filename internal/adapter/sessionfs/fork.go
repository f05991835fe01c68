package sessionfs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"pi-executor/internal/domain"
	"pi-executor/internal/infra/tracer"
)

// Fork is the result of copying a session under a fresh identifier.
type Fork struct {
	ID   string
	Path string
}

// Fork copies the session file for id to <dir>/<newID>.jsonl, rewriting only
// the id on the first line. All other lines are preserved byte for byte,
// including the presence or absence of a trailing newline. A sibling
// <id>.settings.json is copied alongside when one exists.
func (s *Store) Fork(ctx context.Context, id string) (fork Fork, err error) {
	_, span := tracer.StartSpan(ctx, "sessionfs.fork",
		trace.WithAttributes(tracer.SessionAttr(id)))
	defer func() { tracer.Finish(span, err) }()

	if err := ValidateSessionID(id); err != nil {
		return Fork{}, err
	}

	source, err := s.FindSessionFile(id)
	if err != nil {
		return Fork{}, err
	}
	contents, err := os.ReadFile(source)
	if err != nil {
		return Fork{}, domain.WrapOp("Store.Fork", err)
	}

	newID := uuid.NewString()
	text := string(contents)
	endsWithNewline := strings.HasSuffix(text, "\n")

	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if text == "" {
		lines = nil
	}
	if len(lines) > 0 {
		lines[0] = replaceSessionID(lines[0], newID)
	}
	out := strings.Join(lines, "\n")
	if endsWithNewline {
		out += "\n"
	}

	dest := filepath.Join(filepath.Dir(source), newID+".jsonl")
	if err := os.WriteFile(dest, []byte(out), 0o600); err != nil {
		return Fork{}, domain.WrapOp("Store.Fork", err)
	}

	s.copySettings(id, newID)

	s.logger.Info("session forked", "source_id", id, "session_id", newID, "path", dest)
	span.SetAttributes(tracer.StringAttr("session.fork_id", newID))
	return Fork{ID: newID, Path: dest}, nil
}

// replaceSessionID swaps the "id" member of a JSON object line. Lines that
// do not parse, or whose id is not a string, are returned unchanged.
func replaceSessionID(line, newID string) string {
	var meta map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &meta); err != nil {
		return line
	}
	var old string
	raw, ok := meta["id"]
	if !ok || json.Unmarshal(raw, &old) != nil {
		return line
	}
	encoded, err := json.Marshal(newID)
	if err != nil {
		return line
	}
	meta["id"] = encoded

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(meta); err != nil {
		return line
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// copySettings is best effort; the agent may not write settings files at all.
func (s *Store) copySettings(oldID, newID string) {
	src, err := s.findFile(oldID + ".settings.json")
	if err != nil {
		return
	}
	dst := filepath.Join(filepath.Dir(src), newID+".settings.json")
	if err := copyFile(src, dst); err != nil {
		s.logger.Debug("copy session settings failed", "source", src, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
