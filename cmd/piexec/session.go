package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var forkCmd = &cobra.Command{
	Use:   "fork SESSION_ID",
	Short: "Copy a session under a new id",
	Args:  cobra.ExactArgs(1),
	RunE:  runFork,
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the newest session id recorded for a directory",
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

var configPathCmd = &cobra.Command{
	Use:   "config-path",
	Short: "Print the agent's own config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var (
	discoverDir   string
	discoverSince string
)

func init() {
	discoverCmd.Flags().StringVar(&discoverDir, "dir", ".", "working directory the session was recorded for")
	discoverCmd.Flags().StringVar(&discoverSince, "since", "", "ignore sessions created before this RFC3339 time")
	rootCmd.AddCommand(forkCmd, discoverCmd, configPathCmd)
}

func runFork(cmd *cobra.Command, args []string) error {
	a, cleanup, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	fork, err := a.sessions.Fork(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", fork.ID, fork.Path)
	return nil
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	var since time.Time
	if discoverSince != "" {
		t, err := time.Parse(time.RFC3339, discoverSince)
		if err != nil {
			return fmt.Errorf("--since: %w", err)
		}
		since = t
	}
	dir, err := filepath.Abs(discoverDir)
	if err != nil {
		return err
	}

	a, cleanup, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := a.sessions.FindLatestSessionID(dir, since)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	a, cleanup, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	path, ok := a.executor.DefaultConfigPath()
	if !ok {
		path = "none"
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
