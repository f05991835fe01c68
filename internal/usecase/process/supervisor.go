// Package process launches the coding agent as a child process and drives
// the RPC handshake that establishes its session id.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"pi-executor/internal/adapter/command"
	"pi-executor/internal/domain"
	"pi-executor/internal/infra/logger"
	"pi-executor/internal/usecase/discovery"
)

// SpawnRequest describes one agent launch.
type SpawnRequest struct {
	Dir     string
	Prompt  string
	Env     map[string]string
	Command command.Parts
	Mode    domain.HandshakeMode
	// SessionID is the pre-generated id already embedded in Command for
	// inline mode. It is ignored in poll mode.
	SessionID string
}

// Config holds supervisor-wide settings.
type Config struct {
	// Env is applied after the request env and wins over it.
	Env map[string]string
	// PollDelays is the get_state schedule; nil uses discovery.RetryDelays.
	PollDelays []time.Duration
}

// Supervisor starts agent processes.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.PollDelays == nil {
		cfg.PollDelays = discovery.RetryDelays
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Spawn starts the agent described by req and sends it the prompt. ctx
// bounds the process lifetime: cancelling it kills the process group.
//
// If the prompt cannot be written the process is still running; Spawn then
// returns it together with an ErrStdinWrite error and the caller must kill
// it.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*SpawnedProcess, error) {
	if !req.Mode.Valid() {
		return nil, domain.NewSubSystemError("process", "Supervisor.Spawn", domain.ErrInvalidInput,
			fmt.Sprintf("unknown handshake mode %q", req.Mode))
	}
	if req.Mode == domain.HandshakeInline && req.SessionID == "" {
		return nil, domain.NewSubSystemError("process", "Supervisor.Spawn", domain.ErrInvalidInput,
			"inline handshake requires a session id")
	}

	program, args, err := req.Command.Resolve()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = req.Dir
	cmd.Env = s.environ(req.Env)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, domain.WrapCause("Supervisor.Spawn", domain.ErrProcessSpawn, err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, domain.WrapCause("Supervisor.Spawn", domain.ErrProcessSpawn, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, domain.WrapCause("Supervisor.Spawn", domain.ErrProcessSpawn, err, "stderr pipe")
	}

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, domain.WrapCause("Supervisor.Spawn", domain.ErrProcessSpawn, err, program)
	}

	runID := ulid.Make().String()
	log := logger.ForRun(s.logger, runID)
	p := newSpawnedProcess(runID, startedAt, cmd, stdin, log)
	if req.Mode == domain.HandshakeInline {
		p.sessionID = req.SessionID
	}

	var watch *io.PipeWriter
	if req.Mode == domain.HandshakePoll {
		var watchR *io.PipeReader
		watchR, watch = io.Pipe()
		go p.watchStdout(watchR)
	}
	p.stdout = p.relay(stdout, watch)
	p.stderr = p.relay(stderr, nil)
	go p.releaseOnCancel(ctx)

	log.Info("agent process started",
		"pid", cmd.Process.Pid, "program", program, "dir", req.Dir, "handshake", req.Mode)

	if err := p.writeJSON(promptCommand{Type: "prompt", Message: req.Prompt}); err != nil {
		return p, domain.WrapCause("Supervisor.Spawn", domain.ErrStdinWrite, err, "prompt")
	}

	switch req.Mode {
	case domain.HandshakeInline:
		p.closeStdin()
	case domain.HandshakePoll:
		go p.pollState(s.cfg.PollDelays)
	}
	return p, nil
}

func (s *Supervisor) environ(reqEnv map[string]string) []string {
	env := append(os.Environ(), "NPM_CONFIG_LOGLEVEL=error")
	for _, m := range []map[string]string{reqEnv, s.cfg.Env} {
		for _, k := range slices.Sorted(maps.Keys(m)) {
			env = append(env, k+"="+m[k])
		}
	}
	return env
}

type promptCommand struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type stateCommand struct {
	Type string `json:"type"`
}

// ExitCode extracts the child's exit status from a Wait error. It returns
// -1 when the process did not exit normally.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
