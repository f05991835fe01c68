package executor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pi-executor/internal/adapter/logstore"
	"pi-executor/internal/adapter/sessionfs"
	"pi-executor/internal/domain"
	"pi-executor/internal/infra/config"
	"pi-executor/internal/usecase/process"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()               { return func() {} }
func (b *recordingBus) Close()                                                {}

func (b *recordingBus) ofType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	exec     *Executor
	bus      *recordingBus
	sessions *sessionfs.Store
	home     string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	home := t.TempDir()
	cfg := config.Defaults()
	cfg.Sessions.AgentHome = home
	cfg.Sessions.Root = filepath.Join(home, "sessions")
	if mutate != nil {
		mutate(cfg)
	}

	sessions := sessionfs.New(cfg.Sessions.Root, newTestLogger())
	sup := process.NewSupervisor(process.Config{
		Env:        cfg.Executor.Overrides.Env,
		PollDelays: []time.Duration{0, 10 * time.Millisecond},
	}, newTestLogger())
	bus := &recordingBus{}
	e := New(cfg, sessions, sup, bus, newTestLogger())
	e.discoveryDelays = []time.Duration{0}
	return &fixture{exec: e, bus: bus, sessions: sessions, home: home}
}

// argsAgent prints each argument on its own line and exits when stdin
// closes.
const argsAgent = `printf '%s\n' "$@"
cat >/dev/null
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-pi")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func runToEnd(t *testing.T, proc *process.SpawnedProcess) string {
	t.Helper()
	done := make(chan []byte, 1)
	go func() {
		go func() { _, _ = io.Copy(io.Discard, proc.Stderr()) }()
		out, _ := io.ReadAll(proc.Stdout())
		done <- out
	}()
	select {
	case out := <-done:
		require.NoError(t, proc.Wait())
		return string(out)
	case <-time.After(10 * time.Second):
		_ = proc.Kill()
		t.Fatal("agent did not finish")
		return ""
	}
}

func TestCommandBuilderDefaults(t *testing.T) {
	f := newFixture(t, nil)
	parts, err := f.exec.commandBuilder().BuildInitial()
	require.NoError(t, err)
	assert.Equal(t, "npx", parts.Program)
	assert.Equal(t, []string{"-y", "@mariozechner/pi-coding-agent@0.52.9", "--mode", "rpc", "--auto-compaction"}, parts.Args)
}

func TestCommandBuilderOptions(t *testing.T) {
	off := false
	f := newFixture(t, func(c *config.Config) {
		c.Executor.Model = "sonnet"
		c.Executor.Provider = "anthropic"
		c.Executor.AutoCompaction = &off
		c.Executor.Overrides.AdditionalParams = []string{"--verbose"}
	})
	parts, err := f.exec.commandBuilder().BuildInitial()
	require.NoError(t, err)
	assert.Equal(t, []string{"-y", "@mariozechner/pi-coding-agent@0.52.9", "--mode", "rpc",
		"--model", "sonnet", "--provider", "anthropic", "--verbose"}, parts.Args)
}

func TestFollowUpArgsExtendInitial(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Executor.Model = "m" })
	initial, err := f.exec.commandBuilder().BuildInitial()
	require.NoError(t, err)
	followUp, err := f.exec.commandBuilder().BuildFollowUp("--session", "/tmp/s.jsonl")
	require.NoError(t, err)

	assert.Equal(t, initial.Program, followUp.Program)
	require.Len(t, followUp.Args, len(initial.Args)+2)
	assert.Equal(t, initial.Args, followUp.Args[:len(initial.Args)])
	assert.Equal(t, []string{"--session", "/tmp/s.jsonl"}, followUp.Args[len(initial.Args):])
}

func TestSpawnPollMode(t *testing.T) {
	script := writeScript(t, argsAgent)
	f := newFixture(t, func(c *config.Config) {
		c.Executor.Overrides.BaseCommandOverride = script
		c.Executor.AppendPrompt = " (be brief)"
	})

	proc, err := f.exec.Spawn(context.Background(), t.TempDir(), "hi", nil)
	require.NoError(t, err)
	out := runToEnd(t, proc)

	assert.Equal(t, "--mode\nrpc\n--auto-compaction\n", out)
	assert.Empty(t, proc.SessionID())

	started := f.bus.ofType(domain.EventProcessStarted)
	require.Len(t, started, 1)
	assert.Equal(t, proc.RunID, started[0].RunID)
	assert.NotContains(t, string(started[0].Payload), `"follow_up"`)
}

func TestSpawnInlineModePreGeneratesSessionID(t *testing.T) {
	script := writeScript(t, argsAgent)
	f := newFixture(t, func(c *config.Config) {
		c.Executor.Overrides.BaseCommandOverride = script
		c.Executor.Handshake = domain.HandshakeInline
	})

	proc, err := f.exec.Spawn(context.Background(), t.TempDir(), "hi", nil)
	require.NoError(t, err)
	out := runToEnd(t, proc)

	id := proc.SessionID()
	_, perr := uuid.Parse(id)
	require.NoError(t, perr)
	assert.Equal(t, "--mode\nrpc\n--auto-compaction\n--session-id\n"+id+"\n", out)
}

func TestSpawnFollowUpPollResumesSession(t *testing.T) {
	script := writeScript(t, argsAgent)
	f := newFixture(t, func(c *config.Config) { c.Executor.Overrides.BaseCommandOverride = script })

	id := uuid.NewString()
	proc, err := f.exec.SpawnFollowUp(context.Background(), t.TempDir(), "more", id, nil)
	require.NoError(t, err)
	out := runToEnd(t, proc)

	assert.True(t, strings.HasSuffix(out, "--session\n"+id+"\n"), out)
	assert.Empty(t, f.bus.ofType(domain.EventSessionForked))
}

func TestSpawnFollowUpInlineForks(t *testing.T) {
	script := writeScript(t, argsAgent)
	f := newFixture(t, func(c *config.Config) {
		c.Executor.Overrides.BaseCommandOverride = script
		c.Executor.Handshake = domain.HandshakeInline
	})

	dir := t.TempDir()
	sourceID := uuid.NewString()
	sessionDir := filepath.Join(f.sessions.Root(), sessionfs.EncodeCwd(dir))
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "2025-01-01_"+sourceID+".jsonl"),
		[]byte(`{"type":"session","id":"`+sourceID+`"}`+"\n"+`{"type":"message"}`+"\n"), 0o600))

	proc, err := f.exec.SpawnFollowUp(context.Background(), dir, "more", sourceID, nil)
	require.NoError(t, err)
	out := runToEnd(t, proc)

	forkID := proc.SessionID()
	require.NotEqual(t, sourceID, forkID)
	forkPath := filepath.Join(sessionDir, forkID+".jsonl")
	assert.FileExists(t, forkPath)
	assert.True(t, strings.HasSuffix(out, "--session\n"+forkPath+"\n"), out)

	forked := f.bus.ofType(domain.EventSessionForked)
	require.Len(t, forked, 1)
	assert.Equal(t, forkID, forked[0].SessionID)
}

func TestSpawnFollowUpInlineForkFailure(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Executor.Handshake = domain.HandshakeInline })

	proc, err := f.exec.SpawnFollowUp(context.Background(), t.TempDir(), "more", uuid.NewString(), nil)
	assert.Nil(t, proc)
	assert.ErrorIs(t, err, domain.ErrFollowUpNotSupported)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, domain.CodeFollowUpNotSupported, domain.ErrorCodeOf(err))

	_, err = f.exec.SpawnFollowUp(context.Background(), t.TempDir(), "more", "../etc/passwd", nil)
	assert.ErrorIs(t, err, domain.ErrFollowUpNotSupported)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNormalizeLogsInline(t *testing.T) {
	script := writeScript(t, `IFS= read -r line
echo '{"type":"agent_start","model":"m1"}'
echo '{"type":"message_update","message":{},"assistantMessageEvent":{"type":"text_delta","delta":"done"}}'
echo '{"type":"agent_end","messages":[]}'
cat >/dev/null
`)
	f := newFixture(t, func(c *config.Config) {
		c.Executor.Overrides.BaseCommandOverride = script
		c.Executor.Handshake = domain.HandshakeInline
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dir := t.TempDir()
	proc, err := f.exec.Spawn(ctx, dir, "go", nil)
	require.NoError(t, err)

	store := logstore.New()
	go func() { _ = store.Pump(ctx, proc) }()
	n := f.exec.NormalizeLogs(ctx, store, dir, proc)

	select {
	case <-n.Done():
	case <-ctx.Done():
		t.Fatal("normalizer did not finish")
	}
	require.NoError(t, f.exec.Wait(ctx, proc))

	entries := store.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, domain.NewSystemMessage("model: m1"), entries[0])
	assert.Equal(t, domain.NewAssistantMessage("done"), entries[1])
	assert.Equal(t, proc.SessionID(), store.SessionID())

	require.Eventually(t, func() bool {
		return len(f.bus.ofType(domain.EventSessionIdentified)) == 1 &&
			len(f.bus.ofType(domain.EventEntryAdded)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, f.bus.ofType(domain.EventProcessExited), 1)
}

func TestNormalizeLogsFlushReachesBusAfterExit(t *testing.T) {
	script := writeScript(t, `IFS= read -r line
echo '{"type":"message_update","message":{},"assistantMessageEvent":{"type":"text_delta","delta":"cut short"}}'
`)
	f := newFixture(t, func(c *config.Config) {
		c.Executor.Overrides.BaseCommandOverride = script
		c.Executor.Handshake = domain.HandshakeInline
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dir := t.TempDir()
	proc, err := f.exec.Spawn(ctx, dir, "go", nil)
	require.NoError(t, err)

	store := logstore.New()
	sub := store.Subscribe(ctx)
	go func() { _ = store.Pump(ctx, proc) }()
	f.exec.NormalizeLogs(ctx, store, dir, proc)
	require.NoError(t, f.exec.Wait(ctx, proc))

	var patched []string
	for msg := range sub {
		if msg.Kind == logstore.KindPatch {
			patched = append(patched, msg.Entry.Content)
		}
	}
	require.NoError(t, ctx.Err(), "store was not closed")
	assert.Equal(t, []string{"cut short"}, patched)

	require.Eventually(t, func() bool {
		return len(f.bus.ofType(domain.EventEntryAdded)) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNormalizeLogsTagsLogsWithRunID(t *testing.T) {
	script := writeScript(t, `IFS= read -r line
echo '{"type":"tool_execution_start","toolCallId":"c1","toolName":"web_fetch","args":{}}'
`)
	f := newFixture(t, func(c *config.Config) {
		c.Executor.Overrides.BaseCommandOverride = script
		c.Executor.Handshake = domain.HandshakeInline
	})
	var logs lockedBuffer
	f.exec.logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dir := t.TempDir()
	proc, err := f.exec.Spawn(ctx, dir, "go", nil)
	require.NoError(t, err)

	store := logstore.New()
	go func() { _ = store.Pump(ctx, proc) }()
	n := f.exec.NormalizeLogs(ctx, store, dir, proc)
	select {
	case <-n.Done():
	case <-ctx.Done():
		t.Fatal("normalizer did not finish")
	}
	require.NoError(t, f.exec.Wait(ctx, proc))

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		if strings.Contains(line, "ignoring unsupported tool") {
			found = true
			assert.Contains(t, line, `"run_id":"`+proc.RunID+`"`)
		}
	}
	assert.True(t, found, "tool log line missing: %s", logs.String())
}

func TestNormalizeLogsPollDiscoversSession(t *testing.T) {
	f := newFixture(t, nil)
	dir := t.TempDir()
	id := uuid.NewString()

	script := writeScript(t, `IFS= read -r line
sleep 0.1
mkdir -p "$SESSION_DIR"
printf '{"type":"session","id":"%s"}\n' "$SESSION_ID" > "$SESSION_DIR/2025-01-01_$SESSION_ID.jsonl"
echo '{"type":"agent_start"}'
cat >/dev/null
`)
	f.exec.cfg.Overrides.BaseCommandOverride = script

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	env := map[string]string{
		"SESSION_DIR": filepath.Join(f.sessions.Root(), sessionfs.EncodeCwd(dir)),
		"SESSION_ID":  id,
	}
	proc, err := f.exec.Spawn(ctx, dir, "go", env)
	require.NoError(t, err)

	store := logstore.New()
	go func() { _ = store.Pump(ctx, proc) }()
	n := f.exec.NormalizeLogs(ctx, store, dir, proc)
	<-n.Done()
	require.NoError(t, proc.Wait())

	require.Eventually(t, func() bool { return store.SessionID() == id }, 5*time.Second, 10*time.Millisecond)
}

func TestAvailability(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, domain.AvailabilityNotFound, f.exec.Availability())

	path, ok := f.exec.DefaultConfigPath()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.home, "config.toml"), path)

	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))
	assert.Equal(t, domain.AvailabilityInstallationFound, f.exec.Availability())

	g := newFixture(t, nil)
	require.NoError(t, os.MkdirAll(g.sessions.Root(), 0o755))
	assert.Equal(t, domain.AvailabilityInstallationFound, g.exec.Availability())
}
