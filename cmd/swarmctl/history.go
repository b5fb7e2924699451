package main

import (
	"context"
	"fmt"
	"time"
)

// HistoryCmd lists past sessions from the audit store (§6 history).
type HistoryCmd struct {
	Limit int `short:"n" default:"20" help:"Maximum number of sessions to list, newest first."`
}

func (c *HistoryCmd) Run(cli *CLI) error {
	env, err := newEnvironment(cli)
	if err != nil {
		return exitErrorf(ExitArgumentError, "%s", err)
	}
	defer env.Close()

	records, err := env.audit.History(context.Background(), c.Limit)
	if err != nil {
		return exitErrorf(ExitWorkflowFailure, "swarmctl: query session history: %s", err)
	}

	if cli.JSON {
		return printJSON(records)
	}
	for _, r := range records {
		dur := "running"
		if d, ok := r.Duration(); ok {
			dur = d.Round(time.Second).String()
		}
		fmt.Printf("%-26s %-14s %-10s %-8s %s\n", r.ID, r.WorkflowType, r.Status, dur, r.Goal)
	}
	return nil
}
