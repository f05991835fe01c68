package process

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"pi-executor/internal/usecase/normalize"
)

const (
	relayChunk      = 32 * 1024
	maxWatchedLine  = 1024 * 1024
	initialLineSize = 64 * 1024
)

// SpawnedProcess is a running agent. The caller owns it and must drain
// Stdout and Stderr, then Wait.
type SpawnedProcess struct {
	RunID     string
	StartedAt time.Time

	cmd    *exec.Cmd
	logger *slog.Logger

	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	stdout *io.PipeReader
	stderr *io.PipeReader
	relays sync.WaitGroup

	mu        sync.Mutex
	sessionID string
	ready     chan struct{}
	readyOnce sync.Once

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

func newSpawnedProcess(runID string, startedAt time.Time, cmd *exec.Cmd, stdin io.WriteCloser, logger *slog.Logger) *SpawnedProcess {
	return &SpawnedProcess{
		RunID:     runID,
		StartedAt: startedAt,
		cmd:       cmd,
		logger:    logger,
		stdin:     stdin,
		ready:     make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// Stdout is the agent's standard output.
func (p *SpawnedProcess) Stdout() io.Reader { return p.stdout }

// Stderr is the agent's standard error.
func (p *SpawnedProcess) Stderr() io.Reader { return p.stderr }

// Pid returns the OS process id.
func (p *SpawnedProcess) Pid() int { return p.cmd.Process.Pid }

// Program returns the resolved program path and arguments.
func (p *SpawnedProcess) Program() (string, []string) {
	return p.cmd.Path, p.cmd.Args[1:]
}

// SessionID returns the session id known at spawn time (inline) or read
// from a get_state response (poll). It is empty until one is known.
func (p *SpawnedProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Ready is closed once the poll handshake has observed a session id.
func (p *SpawnedProcess) Ready() <-chan struct{} { return p.ready }

// Wait blocks until both output streams are drained and the process has
// exited. It may be called more than once.
func (p *SpawnedProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.relays.Wait()
		p.waitErr = p.cmd.Wait()
		close(p.exited)
		p.closeStdin()
		p.logger.Info("agent process exited", "exit_code", ExitCode(p.waitErr))
	})
	return p.waitErr
}

// Kill terminates the whole process group and unblocks any pending relay
// writes, discarding output the caller has not read yet.
func (p *SpawnedProcess) Kill() error {
	err := killProcessGroup(p.cmd)
	p.stdout.Close()
	p.stderr.Close()
	return err
}

// releaseOnCancel unblocks the relays once ctx ends, since the caller
// stops reading at that point.
func (p *SpawnedProcess) releaseOnCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		p.stdout.Close()
		p.stderr.Close()
	case <-p.exited:
	}
}

// relay copies src into a pipe handed to the caller, optionally mirroring
// it into watch until the watcher detaches.
func (p *SpawnedProcess) relay(src io.Reader, watch *io.PipeWriter) *io.PipeReader {
	pr, pw := io.Pipe()
	p.relays.Add(1)
	go func() {
		defer p.relays.Done()
		defer pw.Close()
		if watch != nil {
			defer watch.Close()
		}

		buf := make([]byte, relayChunk)
		consumer := true
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if watch != nil {
					if _, werr := watch.Write(buf[:n]); werr != nil {
						watch = nil
					}
				}
				if consumer {
					if _, werr := pw.Write(buf[:n]); werr != nil {
						consumer = false
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return pr
}

// watchStdout scans the mirrored stdout for a successful get_state
// response, records its session id, then detaches.
func (p *SpawnedProcess) watchStdout(r *io.PipeReader) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialLineSize), maxWatchedLine)
	for sc.Scan() {
		id, ok := normalize.SessionIDFromGetStateLine(sc.Bytes())
		if !ok || id == "" {
			continue
		}
		p.mu.Lock()
		p.sessionID = id
		p.mu.Unlock()
		p.readyOnce.Do(func() { close(p.ready) })
		p.logger.Debug("get_state returned session id", "session_id", id)
		return
	}
	if err := sc.Err(); err != nil {
		p.logger.Debug("stdout watcher stopped", "error", err)
	}
}

// pollState asks the agent for its state on the retry schedule until the
// watcher reports a session id, then closes stdin.
func (p *SpawnedProcess) pollState(delays []time.Duration) {
	defer p.closeStdin()
	for attempt, delay := range delays {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-p.ready:
				timer.Stop()
				return
			case <-p.exited:
				timer.Stop()
				return
			}
		}
		select {
		case <-p.ready:
			return
		default:
		}
		if err := p.writeJSON(stateCommand{Type: "get_state"}); err != nil {
			p.logger.Debug("get_state write failed", "attempt", attempt+1, "error", err)
			return
		}
	}
}

func (p *SpawnedProcess) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdinClosed {
		return io.ErrClosedPipe
	}
	_, err = p.stdin.Write(data)
	return err
}

func (p *SpawnedProcess) closeStdin() {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdinClosed {
		return
	}
	p.stdinClosed = true
	if err := p.stdin.Close(); err != nil {
		p.logger.Debug("close stdin", "error", err)
	}
}
