package main

import (
	"context"
	"fmt"
)

// CleanCmd is the idempotent orphan sweep (§6 clean; §8 Idempotence
// properties): it removes tmux sessions and worktrees left behind by a
// hard kill or crash, without requiring a live or even known session id.
// Unlike kill, which targets one session, clean sweeps everything the
// audit store no longer considers active.
type CleanCmd struct {
	DryRun bool `help:"List what would be removed without removing it."`
}

func (c *CleanCmd) Run(cli *CLI) error {
	env, err := newEnvironment(cli)
	if err != nil {
		return exitErrorf(ExitArgumentError, "%s", err)
	}
	defer env.Close()

	ctx := context.Background()

	active := map[string]bool{}
	history, err := env.audit.History(ctx, 0)
	if err != nil {
		return exitErrorf(ExitWorkflowFailure, "swarmctl: query session history: %s", err)
	}
	for _, s := range history {
		if s.Status == "running" || s.Status == "initializing" {
			if pid, err := readPID(env.cfg, s.ID); err == nil && signalProcess(pid, 0) == nil {
				active[s.ID] = true
			}
		}
	}

	sessions, err := env.tmuxAdapter.ListSessions(ctx)
	if err != nil {
		return exitErrorf(ExitWorkflowFailure, "swarmctl: list tmux sessions: %s", err)
	}
	var removedTmux []string
	for _, s := range sessions {
		id := sessionIDFromTmuxName(s.Name)
		if id == "" || active[id] {
			continue
		}
		removedTmux = append(removedTmux, id)
		if !c.DryRun {
			if err := env.tmuxAdapter.KillSession(ctx, id); err != nil {
				env.log.Warn("clean: kill tmux session failed", "session_id", id, "error", err)
			}
		}
	}

	entries, err := env.worktreeAdp.ListSwarm(ctx, queueRoleSet())
	if err != nil {
		return exitErrorf(ExitWorkflowFailure, "swarmctl: list worktrees: %s", err)
	}
	var removedWorktrees []string
	for _, e := range entries {
		if e.SessionID == "" || active[e.SessionID] {
			continue
		}
		removedWorktrees = append(removedWorktrees, e.Path)
		if !c.DryRun {
			if err := env.worktreeAdp.Remove(ctx, e.Role, e.SessionID, true); err != nil {
				env.log.Warn("clean: remove worktree failed", "path", e.Path, "error", err)
			}
		}
	}
	if !c.DryRun {
		if err := env.worktreeAdp.Prune(ctx); err != nil {
			env.log.Warn("clean: prune failed", "error", err)
		}
	}

	for _, s := range history {
		if active[s.ID] || s.Status == "complete" || s.Status == "failed" || s.Status == "cancelled" {
			continue
		}
		if !c.DryRun {
			if err := env.audit.UpdateSessionStatus(ctx, s.ID, "cancelled", s.CreatedAt, true); err != nil {
				env.log.Warn("clean: mark session cancelled failed", "session_id", s.ID, "error", err)
			}
		}
	}

	if cli.JSON {
		return printJSON(map[string]interface{}{
			"removed_tmux_sessions": removedTmux,
			"removed_worktrees":     removedWorktrees,
			"dry_run":               c.DryRun,
		})
	}
	fmt.Printf("removed %d tmux session(s), %d worktree(s)\n", len(removedTmux), len(removedWorktrees))
	return nil
}
