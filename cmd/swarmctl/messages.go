package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kpekel/swarmctl/pkg/message"
)

// MessagesCmd inspects a role's inbox/outbox queue files directly (§6:
// messages(role?)), reading the same JSON-array-per-file format
// pkg/message.Store produces, without needing a live controller.
type MessagesCmd struct {
	Role    string `arg:"" optional:"" help:"Agent role to inspect (omit for the orchestrator queue)."`
	Session string `short:"s" help:"Session id (defaults to the most recent session)."`
	Box     string `short:"b" default:"inbox" enum:"inbox,outbox" help:"Which queue to read."`
}

func (c *MessagesCmd) Run(cli *CLI) error {
	env, err := newEnvironment(cli)
	if err != nil {
		return exitErrorf(ExitArgumentError, "%s", err)
	}
	defer env.Close()

	role := message.RoleOrchestrator
	if c.Role != "" {
		role = message.Role(c.Role)
	}
	if !message.IsQueueRole(role) {
		return exitErrorf(ExitArgumentError, "swarmctl: unknown role %q", c.Role)
	}

	ctx := context.Background()
	id, err := resolveSessionID(ctx, env.audit, c.Session)
	if err != nil {
		return err
	}

	store := message.NewStore(filepath.Join(env.cfg.QueueRoot, id, "messages"), env.log)
	var msgs []message.Message
	if c.Box == "outbox" {
		msgs, err = store.ReadOutbox(role)
	} else {
		msgs, err = store.ReadInbox(role)
	}
	if err != nil {
		return exitErrorf(ExitWorkflowFailure, "swarmctl: read %s: %s", c.Box, err)
	}

	if cli.JSON {
		return printJSON(msgs)
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s -> %s (%s/%s): %s\n", m.Timestamp.Format("15:04:05"), m.From, m.To, m.Type, m.Priority, m.Content.Subject)
	}
	if len(msgs) == 0 {
		fmt.Printf("(%s %s is empty)\n", role, c.Box)
	}
	return nil
}
