package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"pi-executor/internal/adapter/logstore"
	"pi-executor/internal/adapter/watch"
	"pi-executor/internal/usecase/process"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new agent run",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

var followUpCmd = &cobra.Command{
	Use:   "follow-up",
	Short: "Continue an existing session with a new prompt",
	Args:  cobra.NoArgs,
	RunE:  runFollowUp,
}

var (
	runDir       string
	runPrompt    string
	runEnv       map[string]string
	runSessionID string
)

func init() {
	for _, c := range []*cobra.Command{runCmd, followUpCmd} {
		c.Flags().StringVar(&runDir, "dir", ".", "working directory for the agent")
		c.Flags().StringVar(&runPrompt, "prompt", "", "prompt to send")
		c.Flags().StringToStringVar(&runEnv, "env", nil, "extra environment for the agent (KEY=VALUE)")
		_ = c.MarkFlagRequired("prompt")
		rootCmd.AddCommand(c)
	}
	followUpCmd.Flags().StringVar(&runSessionID, "session", "", "session id to continue")
	_ = followUpCmd.MarkFlagRequired("session")
}

func runRun(cmd *cobra.Command, _ []string) error {
	return runAgent(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, a *app, dir string) (*process.SpawnedProcess, error) {
		return a.executor.Spawn(ctx, dir, runPrompt, runEnv)
	})
}

func runFollowUp(cmd *cobra.Command, _ []string) error {
	return runAgent(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, a *app, dir string) (*process.SpawnedProcess, error) {
		return a.executor.SpawnFollowUp(ctx, dir, runPrompt, runSessionID, runEnv)
	})
}

type spawnFunc func(ctx context.Context, a *app, dir string) (*process.SpawnedProcess, error)

// runAgent spawns a run, streams its normalized entries to out until it
// exits, and reports the agent's exit status.
func runAgent(ctx context.Context, out io.Writer, spawn spawnFunc) error {
	a, cleanup, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	dir, err := filepath.Abs(runDir)
	if err != nil {
		return err
	}

	proc, err := spawn(ctx, a, dir)
	if err != nil {
		if proc != nil {
			_ = proc.Kill()
			_ = proc.Wait()
		}
		return err
	}

	store := logstore.New()
	var wg sync.WaitGroup

	if path := a.cfg.Store.SQLitePath; path != "" {
		sink, err := logstore.NewSQLiteSink(path)
		if err != nil {
			_ = proc.Kill()
			_ = proc.Wait()
			return err
		}
		defer sink.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Consume(ctx, proc.RunID, store); err != nil {
				a.logger.Warn("persisting entries failed", "run_id", proc.RunID, "error", err)
			}
		}()
	}

	if addr := a.cfg.Watch.Addr; addr != "" {
		srv := watch.NewServer(a.bus, addr, a.logger,
			watch.WithUpgradeLimit(a.cfg.Watch.UpgradesPerMinute, a.cfg.Watch.UpgradeBurst))
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go func() {
			if err := srv.Start(watchCtx); err != nil {
				a.logger.Warn("watch server stopped", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		printPatches(ctx, out, store)
	}()

	go func() {
		if err := store.Pump(ctx, proc); err != nil {
			a.logger.Warn("reading agent output failed", "error", err)
		}
	}()

	n := a.executor.NormalizeLogs(ctx, store, dir, proc)
	<-n.Done()
	waitErr := a.executor.Wait(ctx, proc)
	wg.Wait()

	if code := process.ExitCode(waitErr); code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

type patchLine struct {
	Op        logstore.PatchOp `json:"op,omitempty"`
	Index     *int             `json:"index,omitempty"`
	Entry     any              `json:"entry,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
}

// printPatches writes entry patches and the session id as JSON lines.
func printPatches(ctx context.Context, out io.Writer, store *logstore.Store) {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	for msg := range store.Subscribe(ctx) {
		var line patchLine
		switch msg.Kind {
		case logstore.KindPatch:
			idx := msg.Index
			line = patchLine{Op: msg.Op, Index: &idx, Entry: msg.Entry}
		case logstore.KindSessionID:
			line = patchLine{SessionID: msg.SessionID}
		default:
			continue
		}
		if err := enc.Encode(line); err != nil {
			fmt.Fprintf(os.Stderr, "write output: %v\n", err)
			return
		}
	}
}
