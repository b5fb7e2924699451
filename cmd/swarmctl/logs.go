package main

import (
	"context"
	"fmt"

	"github.com/kpekel/swarmctl/pkg/message"
)

// LogsCmd captures a role's pane output by reading its pane id from the
// session's latest checkpoint, then asking tmux directly (§6: logs(role)).
type LogsCmd struct {
	Role    string `arg:"" help:"Agent role (researcher, developer, reviewer, architect)."`
	Session string `short:"s" help:"Session id (defaults to the most recent session)."`
	Lines   int    `short:"n" default:"200" help:"Number of trailing lines to capture."`
}

func (c *LogsCmd) Run(cli *CLI) error {
	env, err := newEnvironment(cli)
	if err != nil {
		return exitErrorf(ExitArgumentError, "%s", err)
	}
	defer env.Close()

	role := message.Role(c.Role)
	if !message.IsAgentRole(role) {
		return exitErrorf(ExitArgumentError, "swarmctl: unknown role %q", c.Role)
	}

	ctx := context.Background()
	id, err := resolveSessionID(ctx, env.audit, c.Session)
	if err != nil {
		return err
	}

	cp, err := env.checkpoints.Latest(id)
	if err != nil || cp == nil {
		return exitErrorf(ExitArgumentError, "swarmctl: no checkpoint found for session %s", id)
	}
	var paneID string
	for _, a := range cp.Agents {
		if a.Role == role {
			paneID = a.PaneID
			break
		}
	}
	if paneID == "" {
		return exitErrorf(ExitArgumentError, "swarmctl: role %s has no recorded pane in session %s", role, id)
	}

	out, err := env.tmuxAdapter.CapturePane(ctx, id, paneID, c.Lines, true)
	if err != nil {
		return exitErrorf(ExitWorkflowFailure, "swarmctl: capture pane: %s", err)
	}

	if cli.JSON {
		return printJSON(map[string]interface{}{"session_id": id, "role": string(role), "pane_id": paneID, "output": out})
	}
	fmt.Println(out)
	return nil
}
