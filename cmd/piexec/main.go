package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pi-executor/internal/domain"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "piexec",
	Short: "Run the pi coding agent and normalize its output",
	Long: `piexec launches the pi coding agent in RPC mode, establishes the agent's
session id, and turns its event stream into normalized log entries printed
as JSON lines. Runs can be continued with follow-up prompts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigFile(), "path to the piexec YAML config")
}

func defaultConfigFile() string {
	if p := os.Getenv("PIEXEC_CONFIG"); p != "" {
		return p
	}
	return "piexec.yaml"
}

// exitCodeError carries the agent's exit status out of a command.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("agent exited with status %d", e.code) }

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err == nil {
		return
	}

	var exitErr exitCodeError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	fmt.Fprintf(os.Stderr, "piexec: %v [%s]\n", err, domain.ErrorCodeOf(err))
	os.Exit(1)
}
