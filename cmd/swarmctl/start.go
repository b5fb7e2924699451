package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kpekel/swarmctl/pkg/workflow"
)

// StartCmd starts a new workflow session and blocks in the foreground until
// it reaches a terminal state or is interrupted (§6: start is the one
// long-running command; every other subcommand is a short-lived inspector
// of the state it leaves behind).
type StartCmd struct {
	Workflow string `arg:"" help:"Workflow template name (research, development, architecture, review)."`
	Goal     string `arg:"" help:"Goal statement handed to the first stage's agent."`
}

func (c *StartCmd) Run(cli *CLI) error {
	env, err := newEnvironment(cli)
	if err != nil {
		return exitErrorf(ExitArgumentError, "%s", err)
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if running, err := findLiveSession(ctx, env); err != nil {
		return exitErrorf(ExitArgumentError, "%s", err)
	} else if running != "" {
		return exitErrorf(ExitSessionExists, "swarmctl: session %s is already running", running)
	}

	ctrl := env.newController()

	// settled closes once the controller emits session_ended for this
	// session, the only reliable completion signal exposed across process
	// boundaries (Controller has no exported Wait/Done method).
	settled := make(chan struct{})
	var once sync.Once
	ctrl.Subscribe(func(event string, fields map[string]interface{}) {
		if event == "session_ended" {
			once.Do(func() { close(settled) })
		}
	})

	sess, err := ctrl.StartWorkflow(ctx, c.Workflow, c.Goal)
	if err != nil {
		return exitErrorf(ExitWorkflowFailure, "swarmctl: start workflow: %s", err)
	}

	if err := writePIDFile(env.cfg, sess.ID); err != nil {
		env.log.Warn("failed to write pid file", "session_id", sess.ID, "error", err)
	}
	defer removePIDFile(env.cfg, sess.ID)

	fmt.Printf("session %s started (%s): %s\n", sess.ID, c.Workflow, c.Goal)

	select {
	case <-settled:
		if result, ok := ctrl.Result(); ok {
			return c.report(sess.ID, result)
		}
		return nil
	case <-ctx.Done():
	}

	// The context was cancelled (SIGINT/SIGTERM) before the workflow
	// settled on its own: request a graceful stop and report what we have.
	stopCtx := context.Background()
	var cancel context.CancelFunc
	if d := env.cfg.DefaultTimeout(); d > 0 {
		stopCtx, cancel = context.WithTimeout(stopCtx, d)
		defer cancel()
	}
	if err := ctrl.Stop(stopCtx); err != nil {
		env.log.Warn("graceful stop failed", "session_id", sess.ID, "error", err)
	}
	return exitErrorf(ExitInterrupted, "swarmctl: interrupted")
}

func (c *StartCmd) report(sessionID string, result *workflow.Result) error {
	fmt.Printf("session %s finished: success=%v\n%s\n", sessionID, result.Success, result.Summary)
	if len(result.Errors) > 0 {
		for _, e := range result.Errors {
			fmt.Fprintln(os.Stderr, "error:", e)
		}
	}
	if !result.Success {
		return exitErrorf(ExitWorkflowFailure, "swarmctl: workflow %s did not complete successfully", sessionID)
	}
	return nil
}
