// Command swarmctl is the CLI for the agent swarm orchestrator.
//
// Usage:
//
//	swarmctl start development "add pagination to the users endpoint"
//	swarmctl status
//	swarmctl logs reviewer
//	swarmctl stop
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kpekel/swarmctl/pkg/config"
)

// CLI defines the command-line interface (§6 External Interfaces / CLI
// surface).
type CLI struct {
	Start    StartCmd    `cmd:"" help:"Start a new workflow session and run it in the foreground."`
	Attach   AttachCmd   `cmd:"" help:"Attach a terminal to the running session's multiplexer."`
	Status   StatusCmd   `cmd:"" help:"Show the status of a session."`
	Logs     LogsCmd     `cmd:"" help:"Capture an agent pane's output."`
	Messages MessagesCmd `cmd:"" help:"Inspect a role's inbox/outbox."`
	Stop     StopCmd     `cmd:"" help:"Request graceful cessation of the running session."`
	Kill     KillCmd     `cmd:"" help:"Force-terminate the running session immediately."`
	Clean    CleanCmd    `cmd:"" help:"Remove tmux sessions and worktrees left behind by sessions that are no longer running."`
	History  HistoryCmd  `cmd:"" help:"List past sessions from the audit store."`

	Config  string `short:"c" help:"Path to swarm.yaml config file." type:"path"`
	JSON    bool   `help:"Emit machine-readable JSON output where supported."`
	NoColor bool   `help:"Disable ANSI colour in output."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)." default:"simple"`
}

// Exit codes (§6): 0 success, 1 workflow failure, 2 argument error, 3
// session already running, 130 SIGINT.
const (
	ExitSuccess         = 0
	ExitWorkflowFailure = 1
	ExitArgumentError   = 2
	ExitSessionExists   = 3
	ExitInterrupted     = 130
)

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("swarmctl: load config: %w", err)
	}
	return cfg, nil
}

func main() {
	cli := CLI{}
	parseCtx := kong.Parse(&cli,
		kong.Name("swarmctl"),
		kong.Description("Agent swarm orchestrator: coordinate AI assistant subprocesses over tmux and git worktrees."),
		kong.UsageOnError(),
	)

	err := parseCtx.Run(&cli)
	if err == nil {
		os.Exit(ExitSuccess)
	}

	fmt.Fprintln(os.Stderr, err)
	if ec, ok := err.(exitCoder); ok {
		os.Exit(ec.ExitCode())
	}
	os.Exit(ExitArgumentError)
}

// exitCoder lets a command's Run error carry a specific process exit code
// (§6 exit codes), instead of every failure collapsing to 2.
type exitCoder interface {
	error
	ExitCode() int
}

// cliError is the concrete exitCoder implementation shared by every command.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }
func (e *cliError) ExitCode() int { return e.code }

func exitErrorf(code int, format string, args ...interface{}) error {
	return &cliError{code: code, err: fmt.Errorf(format, args...)}
}
