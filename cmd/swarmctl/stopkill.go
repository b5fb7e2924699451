package main

import (
	"context"
	"fmt"
	"syscall"
	"time"
)

// StopCmd requests graceful cessation of the running session by signalling
// its foreground swarmctl start process, which then drives the controller's
// own Stop/teardown sequence (§6 stop; §8 graceful-shutdown property).
type StopCmd struct {
	Session string `arg:"" optional:"" help:"Session id (defaults to the most recent session)."`
	Timeout int    `default:"30" help:"Seconds to wait for the process to exit before giving up."`
}

func (c *StopCmd) Run(cli *CLI) error {
	env, err := newEnvironment(cli)
	if err != nil {
		return exitErrorf(ExitArgumentError, "%s", err)
	}
	defer env.Close()

	ctx := context.Background()
	id, err := resolveSessionID(ctx, env.audit, c.Session)
	if err != nil {
		return err
	}

	pid, err := readPID(env.cfg, id)
	if err != nil {
		return exitErrorf(ExitArgumentError, "swarmctl: session %s has no running process recorded", id)
	}
	if err := signalProcess(pid, syscall.SIGTERM); err != nil {
		return exitErrorf(ExitArgumentError, "swarmctl: signal process %d: %s", pid, err)
	}

	deadline := time.Now().Add(time.Duration(c.Timeout) * time.Second)
	for time.Now().Before(deadline) {
		if signalProcess(pid, syscall.Signal(0)) != nil {
			fmt.Printf("session %s stopped\n", id)
			return nil
		}
		time.Sleep(300 * time.Millisecond)
	}
	return exitErrorf(ExitWorkflowFailure, "swarmctl: session %s did not stop within %ds", id, c.Timeout)
}

// KillCmd force-terminates the running session immediately: it signals the
// foreground process with SIGKILL (which bypasses any graceful teardown),
// then tears down the tmux session and worktrees itself and marks the
// audit row cancelled, since nothing else will (§6 kill; §8 idempotence).
type KillCmd struct {
	Session string `arg:"" optional:"" help:"Session id (defaults to the most recent session)."`
}

func (c *KillCmd) Run(cli *CLI) error {
	env, err := newEnvironment(cli)
	if err != nil {
		return exitErrorf(ExitArgumentError, "%s", err)
	}
	defer env.Close()

	ctx := context.Background()
	id, err := resolveSessionID(ctx, env.audit, c.Session)
	if err != nil {
		return err
	}

	if pid, err := readPID(env.cfg, id); err == nil {
		_ = signalProcess(pid, syscall.SIGKILL)
		removePIDFile(env.cfg, id)
	}

	if err := env.tmuxAdapter.KillSession(ctx, id); err != nil {
		env.log.Warn("kill: tmux session teardown failed", "session_id", id, "error", err)
	}
	roles, err := env.worktreeAdp.ListSwarm(ctx, queueRoleSet())
	if err == nil {
		for _, entry := range roles {
			if entry.SessionID == id {
				if err := env.worktreeAdp.Remove(ctx, entry.Role, id, true); err != nil {
					env.log.Warn("kill: worktree removal failed", "role", entry.Role, "error", err)
				}
			}
		}
	}

	if err := env.audit.UpdateSessionStatus(ctx, id, "cancelled", time.Now().UTC(), true); err != nil {
		env.log.Warn("kill: failed to mark session cancelled", "session_id", id, "error", err)
	}

	fmt.Printf("session %s killed\n", id)
	return nil
}
