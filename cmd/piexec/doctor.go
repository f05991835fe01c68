package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"pi-executor/internal/adapter/sessionfs"
	"pi-executor/internal/domain"
	"pi-executor/internal/infra/config"
	"pi-executor/internal/usecase/executor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the agent and piexec are set up",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	// Some checks work without a valid config.
	cfg, cfgErr := config.Load(cfgFile)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgFile, cfgErr)},
		{Name: "Agent command", Fn: checkAgentCommand},
		{Name: "Agent installation", Fn: checkInstallation},
	}
	return reportChecks(cmd.OutOrStdout(), cfg, checks)
}

func reportChecks(out io.Writer, cfg *config.Config, checks []Check) error {
	fmt.Fprintln(out, "piexec doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

// checkConfigFile reports whether the piexec config loaded. A missing file
// is fine: defaults apply.
func checkConfigFile(path string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix " + path + " or remove it to use defaults",
			}
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return CheckResult{Status: StatusPass, Message: "no config file, using defaults"}
		}
		return CheckResult{Status: StatusPass, Message: "loaded " + path}
	}
}

// checkAgentCommand verifies the program that launches the agent is on PATH.
func checkAgentCommand(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, config did not load"}
	}
	base := executor.BaseCommand
	if o := strings.TrimSpace(cfg.Executor.Overrides.BaseCommandOverride); o != "" {
		base = o
	}
	words, err := shlex.Split(base)
	if err != nil || len(words) == 0 {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot parse base command %q", base)}
	}
	path, err := exec.LookPath(words[0])
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found on PATH", words[0]),
			Fix:     "Install Node.js (for npx) or set executor.base_command_override",
		}
	}
	return CheckResult{Status: StatusPass, Message: path}
}

// checkInstallation looks for the agent's own config or sessions folder.
func checkInstallation(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusWarn, Message: "skipped, config did not load"}
	}
	a := executor.New(cfg, sessionfs.New(cfg.Sessions.Root, nil), nil, nil, nil)
	configPath, _ := a.DefaultConfigPath()
	if a.Availability() == domain.AvailabilityInstallationFound {
		return CheckResult{Status: StatusPass, Message: "found under " + cfg.Sessions.AgentHome}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: fmt.Sprintf("neither %s nor %s exists", configPath, cfg.Sessions.Root),
		Fix:     "Run the agent once so it creates its home directory",
	}
}
