// Package sessionfs reads and forks the agent's on-disk session files.
//
// Sessions live under a root directory (by default ~/.pi/agent/sessions) in
// one subdirectory per working directory. Files are named
// <timestamp>_<uuid>.jsonl; forks are written as <uuid>.jsonl next to their
// source. The first line of every file is a JSON object carrying the id.
package sessionfs

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"pi-executor/internal/domain"
)

const subsystem = "session"

// Store resolves session files under a sessions root.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates a Store rooted at root.
func New(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{root: root, logger: logger}
}

// Root returns the sessions root directory.
func (s *Store) Root() string { return s.root }

// EncodeCwd maps a working directory to the name of its sessions
// subdirectory: the leading slashes are dropped, the remaining ones become
// dashes and the result is wrapped in "--".
func EncodeCwd(path string) string {
	trimmed := strings.TrimLeft(filepath.ToSlash(path), "/")
	return "--" + strings.ReplaceAll(trimmed, "/", "-") + "--"
}

// ValidateSessionID rejects identifiers that could escape the sessions
// directory or are not UUIDs.
func ValidateSessionID(id string) error {
	if strings.ContainsAny(id, `/\`) {
		return domain.NewSubSystemError(subsystem, "sessionfs.ValidateSessionID", domain.ErrInvalidInput,
			"session id contains a path separator")
	}
	if _, err := uuid.Parse(id); err != nil {
		return domain.NewSubSystemError(subsystem, "sessionfs.ValidateSessionID", domain.ErrInvalidInput,
			"session id is not a valid UUID")
	}
	return nil
}

// FindSessionFile locates the session file for id. The root directory is
// searched first, then each immediate subdirectory; within a directory an
// exact <id>.jsonl wins over a timestamp-prefixed *_<id>.jsonl.
func (s *Store) FindSessionFile(id string) (string, error) {
	path, err := s.findFile(id + ".jsonl")
	if err != nil {
		return "", domain.WrapOp("Store.FindSessionFile", err)
	}
	return path, nil
}

func (s *Store) findFile(name string) (string, error) {
	if found, ok := findInDir(s.root, name); ok {
		return found, nil
	}

	entries, err := os.ReadDir(s.root)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read sessions root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if found, ok := findInDir(filepath.Join(s.root, e.Name()), name); ok {
			return found, nil
		}
	}

	return "", domain.NewDomainError("sessionfs.find", domain.ErrSessionNotFound,
		fmt.Sprintf("%s in %s", name, s.root))
}

func findInDir(dir, name string) (string, bool) {
	exact := filepath.Join(dir, name)
	if _, err := os.Stat(exact); err == nil {
		return exact, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	suffix := "_" + name
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

type candidate struct {
	path     string
	modified time.Time
}

// FindLatestSessionID returns the id of the most recently modified session
// file recorded for cwd. Files created before since are skipped so that a
// run never adopts a session started by an earlier or concurrent process; a
// zero since disables the filter.
func (s *Store) FindLatestSessionID(cwd string, since time.Time) (string, error) {
	subdir := filepath.Join(s.root, EncodeCwd(canonicalize(cwd)))

	info, err := os.Stat(subdir)
	if err != nil || !info.IsDir() {
		s.logger.Warn("sessions directory not found", "dir", subdir, "cwd", cwd)
		return "", domain.NewSubSystemError(subsystem, "Store.FindLatestSessionID", domain.ErrNotFound,
			"sessions directory "+subdir)
	}

	entries, err := os.ReadDir(subdir)
	if err != nil {
		return "", domain.WrapOp("Store.FindLatestSessionID", err)
	}

	var newest *candidate
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		path := filepath.Join(subdir, e.Name())
		fi, err := e.Info()
		if err != nil {
			s.logger.Warn("stat session file failed", "file", e.Name(), "error", err)
			continue
		}
		if !since.IsZero() && createdAt(path, fi).Before(since) {
			s.logger.Debug("skipping session file created before run start", "file", e.Name())
			continue
		}
		if newest == nil || fi.ModTime().After(newest.modified) {
			newest = &candidate{path: path, modified: fi.ModTime()}
		}
	}

	if newest == nil {
		return "", domain.NewSubSystemError(subsystem, "Store.FindLatestSessionID", domain.ErrNotFound,
			"no session files in "+subdir)
	}

	id, err := readSessionID(newest.path)
	if err != nil {
		return "", err
	}
	s.logger.Debug("discovered session", "session_id", id, "file", newest.path)
	return id, nil
}

// canonicalize resolves symlinks so the encoded name matches the one the
// agent derives from its own (resolved) working directory.
func canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return abs
	}
	return resolved
}

func readSessionID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", domain.WrapOp("sessionfs.readSessionID", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	first, err := r.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return "", domain.WrapOp("sessionfs.readSessionID", err)
	}
	first = bytes.TrimSuffix(first, []byte("\n"))
	if len(first) == 0 && err == io.EOF {
		return "", domain.NewSubSystemError(subsystem, "sessionfs.readSessionID", domain.ErrInvalidData,
			"session file is empty")
	}

	var meta map[string]json.RawMessage
	if jerr := json.Unmarshal(first, &meta); jerr != nil {
		return "", &domain.DomainError{
			Op: "sessionfs.readSessionID", Err: domain.ErrInvalidData, SubSystem: subsystem,
			Detail: "invalid JSON on first line", Cause: jerr,
		}
	}
	var id string
	if raw, ok := meta["id"]; !ok || json.Unmarshal(raw, &id) != nil {
		return "", domain.NewSubSystemError(subsystem, "sessionfs.readSessionID", domain.ErrInvalidData,
			"first line has no 'id' field")
	}
	return id, nil
}
