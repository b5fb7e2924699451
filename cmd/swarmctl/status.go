package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/kpekel/swarmctl/pkg/recovery"
)

// StatusCmd reports a session's current lifecycle state, stage, and agent
// roster, read entirely from on-disk state (audit store + latest
// checkpoint) since a status invocation runs in a different process from
// the one driving the session.
type StatusCmd struct {
	Session string `arg:"" optional:"" help:"Session id (defaults to the most recent session)."`
}

// statusView is the shape printed by --json.
type statusView struct {
	SessionID    string            `json:"session_id"`
	WorkflowType string            `json:"workflow_type"`
	Goal         string            `json:"goal"`
	Status       string            `json:"status"`
	CurrentStage string            `json:"current_stage,omitempty"`
	Degradation  recovery.Snapshot `json:"degradation,omitempty"`
	Agents       []agentView       `json:"agents,omitempty"`
	Metrics      string            `json:"metrics,omitempty"`
}

type agentView struct {
	Role         string `json:"role"`
	State        string `json:"state"`
	PaneID       string `json:"pane_id"`
	MessageCount int    `json:"message_count"`
	ErrorCount   int    `json:"error_count"`
}

func (c *StatusCmd) Run(cli *CLI) error {
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

	history, err := env.audit.History(ctx, 0)
	if err != nil {
		return exitErrorf(ExitArgumentError, "swarmctl: query session history: %s", err)
	}
	view := statusView{SessionID: id}
	for _, s := range history {
		if s.ID == id {
			view.WorkflowType = s.WorkflowType
			view.Goal = s.Goal
			view.Status = s.Status
			break
		}
	}

	if cp, err := env.checkpoints.Latest(id); err == nil && cp != nil {
		view.CurrentStage = cp.CurrentStage
		view.Degradation = cp.Degradation
		for _, a := range cp.Agents {
			view.Agents = append(view.Agents, agentView{
				Role:         string(a.Role),
				State:        string(a.State),
				PaneID:       a.PaneID,
				MessageCount: a.MessageCount,
				ErrorCount:   a.ErrorCount,
			})
		}
	}

	if cli.JSON {
		// Metrics are never served over HTTP (out of scope); --json is the
		// sole optional surface for exposing them.
		if env.metrics != nil {
			rec := httptest.NewRecorder()
			env.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			view.Metrics = rec.Body.String()
		}
		return printJSON(view)
	}

	fmt.Printf("session:  %s\n", view.SessionID)
	fmt.Printf("workflow: %s\n", view.WorkflowType)
	fmt.Printf("goal:     %s\n", view.Goal)
	fmt.Printf("status:   %s\n", view.Status)
	if view.CurrentStage != "" {
		fmt.Printf("stage:    %s\n", view.CurrentStage)
	}
	if view.Degradation.Level != "" {
		fmt.Printf("degraded: %s\n", view.Degradation.Level)
	}
	for _, a := range view.Agents {
		fmt.Printf("  %-12s %-10s pane=%-8s msgs=%d errors=%d\n", a.Role, a.State, a.PaneID, a.MessageCount, a.ErrorCount)
	}
	return nil
}
