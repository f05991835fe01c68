// Package executor is the entry point for running the pi coding agent: it
// builds the command line, spawns initial and follow-up runs, and wires a
// run's output into normalization.
package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"pi-executor/internal/adapter/command"
	"pi-executor/internal/adapter/logstore"
	"pi-executor/internal/adapter/sessionfs"
	"pi-executor/internal/domain"
	"pi-executor/internal/infra/config"
	"pi-executor/internal/infra/logger"
	"pi-executor/internal/infra/tracer"
	"pi-executor/internal/usecase/discovery"
	"pi-executor/internal/usecase/normalize"
	"pi-executor/internal/usecase/process"
)

// BaseCommand launches a pinned release of the agent through npx.
const BaseCommand = "npx -y @mariozechner/pi-coding-agent@0.52.9"

// Executor runs the agent according to one ExecutorConfig.
type Executor struct {
	cfg         config.ExecutorConfig
	agentHome   string
	quietPeriod time.Duration
	sessions    *sessionfs.Store
	supervisor  *process.Supervisor
	bus         domain.EventBus
	logger      *slog.Logger
	// discoveryDelays overrides discovery.RetryDelays in tests.
	discoveryDelays []time.Duration
}

// New creates an Executor. bus may be nil.
func New(cfg *config.Config, sessions *sessionfs.Store, supervisor *process.Supervisor, bus domain.EventBus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		cfg:         cfg.Executor,
		agentHome:   cfg.Sessions.AgentHome,
		quietPeriod: cfg.Normalizer.StderrQuietPeriod,
		sessions:    sessions,
		supervisor:  supervisor,
		bus:         bus,
		logger:      logger,
	}
}

// commandBuilder returns the builder for an initial run: base command,
// RPC mode, model and provider selection, auto-compaction, then user
// overrides.
func (e *Executor) commandBuilder() *command.Builder {
	b := command.NewBuilder(BaseCommand).Params("--mode", "rpc")
	if e.cfg.Model != "" {
		b.ExtendParams("--model", e.cfg.Model)
	}
	if e.cfg.Provider != "" {
		b.ExtendParams("--provider", e.cfg.Provider)
	}
	if e.cfg.AutoCompactionEnabled() {
		b.ExtendParams("--auto-compaction")
	}
	return b.ApplyOverrides(e.cfg.Overrides)
}

func (e *Executor) prompt(p string) string {
	return command.AppendPrompt(e.cfg.AppendPrompt).Combine(p)
}

// Spawn starts a fresh agent run in dir.
func (e *Executor) Spawn(ctx context.Context, dir, prompt string, env map[string]string) (proc *process.SpawnedProcess, err error) {
	ctx, span := tracer.StartSpan(ctx, "executor.spawn",
		trace.WithAttributes(
			tracer.WorkDirAttr(dir),
			tracer.StringAttr("handshake", string(e.cfg.Handshake)),
		))
	defer func() { tracer.Finish(span, err) }()

	req := process.SpawnRequest{Dir: dir, Prompt: e.prompt(prompt), Env: env, Mode: e.cfg.Handshake}
	if e.cfg.Handshake == domain.HandshakeInline {
		req.SessionID = uuid.NewString()
		req.Command, err = e.commandBuilder().BuildFollowUp("--session-id", req.SessionID)
	} else {
		req.Command, err = e.commandBuilder().BuildInitial()
	}
	if err != nil {
		return nil, err
	}

	proc, err = e.supervisor.Spawn(ctx, req)
	if proc != nil {
		e.publishStarted(ctx, proc, dir, false)
	}
	return proc, err
}

// SpawnFollowUp continues sessionID with a new prompt. In inline mode the
// session is forked first and the run resumes the copy; in poll mode the
// run resumes sessionID directly.
func (e *Executor) SpawnFollowUp(ctx context.Context, dir, prompt, sessionID string, env map[string]string) (proc *process.SpawnedProcess, err error) {
	ctx, span := tracer.StartSpan(ctx, "executor.spawn_follow_up",
		trace.WithAttributes(
			tracer.WorkDirAttr(dir),
			tracer.SessionAttr(sessionID),
			tracer.StringAttr("handshake", string(e.cfg.Handshake)),
		))
	defer func() { tracer.Finish(span, err) }()

	req := process.SpawnRequest{Dir: dir, Prompt: e.prompt(prompt), Env: env, Mode: e.cfg.Handshake}
	switch e.cfg.Handshake {
	case domain.HandshakeInline:
		fork, ferr := e.sessions.Fork(ctx, sessionID)
		if ferr != nil {
			return nil, domain.WrapCause("Executor.SpawnFollowUp", domain.ErrFollowUpNotSupported, ferr,
				"fork session "+sessionID)
		}
		e.publish(ctx, domain.EventSessionForked, "", fork.ID, domain.SessionForkedPayload{
			SourceID: sessionID,
			Path:     fork.Path,
		})
		req.SessionID = fork.ID
		req.Command, err = e.commandBuilder().BuildFollowUp("--session", fork.Path)
	default:
		req.Command, err = e.commandBuilder().BuildFollowUp("--session", sessionID)
	}
	if err != nil {
		return nil, err
	}

	proc, err = e.supervisor.Spawn(ctx, req)
	if proc != nil {
		e.publishStarted(ctx, proc, dir, true)
	}
	return proc, err
}

// NormalizeLogs starts normalizing the output recorded in store for proc,
// which ran in dir. When the executor has a bus, entry patches and the
// session id are forwarded to it as well. The store is closed once the
// normalizer is done.
func (e *Executor) NormalizeLogs(ctx context.Context, store *logstore.Store, dir string, proc *process.SpawnedProcess) *normalize.Normalizer {
	log := logger.ForRun(e.logger, proc.RunID)
	tracker := discovery.NewTracker(store, log)
	loop := discovery.NewLoop(tracker, e.sessions, e.discoveryDelays, log)

	if id := proc.SessionID(); id != "" && e.cfg.Handshake == domain.HandshakeInline {
		tracker.Push(id)
	}

	if e.bus != nil {
		go logstore.Forward(ctx, store, e.bus, proc.RunID)
	}

	n := normalize.New(store, tracker, loop, normalize.Options{
		WorkDir:     dir,
		StartedAt:   proc.StartedAt,
		QuietPeriod: e.quietPeriod,
		Logger:      log,
	})
	n.Start(ctx)
	go func() {
		<-n.Done()
		store.Close()
	}()
	return n
}

// Wait waits for proc to exit and publishes its exit status.
func (e *Executor) Wait(ctx context.Context, proc *process.SpawnedProcess) error {
	err := proc.Wait()
	payload := domain.ProcessExitedPayload{ExitCode: process.ExitCode(err)}
	if err != nil {
		payload.Error = err.Error()
	}
	e.publish(ctx, domain.EventProcessExited, proc.RunID, proc.SessionID(), payload)
	return err
}

// DefaultConfigPath returns the agent's own configuration file path.
func (e *Executor) DefaultConfigPath() (string, bool) {
	if e.agentHome == "" {
		return "", false
	}
	return filepath.Join(e.agentHome, "config.toml"), true
}

// Availability reports whether the agent looks installed, judged by its
// configuration file or sessions directory. It never touches the network.
func (e *Executor) Availability() domain.Availability {
	if path, ok := e.DefaultConfigPath(); ok && exists(path) {
		return domain.AvailabilityInstallationFound
	}
	if exists(e.sessions.Root()) {
		return domain.AvailabilityInstallationFound
	}
	return domain.AvailabilityNotFound
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (e *Executor) publishStarted(ctx context.Context, proc *process.SpawnedProcess, dir string, followUp bool) {
	program, args := proc.Program()
	e.publish(ctx, domain.EventProcessStarted, proc.RunID, proc.SessionID(), domain.ProcessStartedPayload{
		Pid:      proc.Pid(),
		Program:  program,
		Args:     args,
		WorkDir:  dir,
		FollowUp: followUp,
	})
}

func (e *Executor) publish(ctx context.Context, eventType domain.EventType, runID, sessionID string, payload any) {
	if e.bus == nil {
		return
	}
	evt := domain.NewEvent(eventType, runID, payload)
	evt.SessionID = sessionID
	e.bus.Publish(ctx, evt)
}
