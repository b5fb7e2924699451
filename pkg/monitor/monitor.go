// Package monitor implements the periodic driver (component C6): draining
// agent outboxes, applying routing decisions, running health checks, and
// detecting workflow-level timeouts. Scheduling is single-threaded
// cooperative — one loop, one session, no operation on shared state runs
// concurrently with another.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/kpekel/swarmctl/pkg/agent"
	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/recovery"
	"github.com/kpekel/swarmctl/pkg/workflow"
)

// MessageStore is the subset of *message.Store the loop needs.
type MessageStore interface {
	ReadOutbox(role message.Role) ([]message.Message, error)
	ReadInbox(role message.Role) ([]message.Message, error)
	AppendToInbox(role message.Role, m message.Message) error
}

// Tmux is the subset of *tmux.Adapter the loop needs for crash detection.
type Tmux interface {
	PaneExists(ctx context.Context, sessionID, paneID string) (bool, error)
}

// AuditRecorder persists routed messages for the durable trail.
type AuditRecorder interface {
	RecordMessage(ctx context.Context, sessionID string, m message.Message) error
}

// AgentRoster gives the loop read/write access to the live agent handles it
// needs to health-check and patch.
type AgentRoster interface {
	Handles() map[message.Role]*agent.Handle
	Put(role message.Role, h *agent.Handle)
}

// AgentRespawner restarts an agent on its EXISTING worktree, for the
// "restart" recovery outcome (§4.7): the offending agent is terminated and
// re-spawned on the same worktree, never a fresh one. Satisfied by
// *agent.Manager.
type AgentRespawner interface {
	Respawn(ctx context.Context, sessionID string, prev *agent.Handle) (*agent.Handle, error)
}

// EventFunc receives tagged lifecycle events (§4.8 event surface). Delivery
// is synchronous and best-effort; implementations must not block.
type EventFunc func(event string, fields map[string]interface{})

// Options configures a Loop.
type Options struct {
	SessionID       string
	Instance        *workflow.Instance
	Store           MessageStore
	Tmux            Tmux
	Audit           AuditRecorder
	Roster          AgentRoster
	Recovery        *recovery.Engine
	Agents          AgentRespawner
	OnEvent         EventFunc
	Interval        time.Duration // default 5s
	AgentTimeout    time.Duration // default 120s
	WorkflowTimeout time.Duration // default 0 (unbounded) unless set
	Log             *slog.Logger
}

// Loop is the C6 monitor loop for a single session.
type Loop struct {
	opts       Options
	log        *slog.Logger
	watermarks map[message.Role]time.Time
	sessionStart time.Time
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New builds a Loop ready to Run. Zero-valued Interval/AgentTimeout take the
// spec's documented defaults.
func New(opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 120 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		opts:       opts,
		log:        log,
		watermarks: map[message.Role]time.Time{},
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (l *Loop) emit(event string, fields map[string]interface{}) {
	if l.opts.OnEvent != nil {
		l.opts.OnEvent(event, fields)
	}
}

// Run drives iterations until Stop is called, ctx is cancelled, or the
// workflow completes. It blocks the calling goroutine; run it in its own
// goroutine from the Session Controller.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.doneCh)
	l.sessionStart = time.Now().UTC()
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		if l.runIteration(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop requests a cooperative halt; the loop finishes its current iteration
// (never interrupted mid-file-write) then returns from Run.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	<-l.doneCh
}

// runIteration performs one pass of the four-step loop body (§4.6). It
// returns true if the loop should stop (workflow complete or fatal
// degradation).
func (l *Loop) runIteration(ctx context.Context) bool {
	l.drainOutboxes(ctx)

	select {
	case <-ctx.Done():
		return true
	case <-l.stopCh:
		return true
	default:
	}

	l.healthCheck(ctx)

	if l.opts.Instance.IsComplete() {
		l.emit("workflow_complete", map[string]interface{}{"session_id": l.opts.SessionID})
		return true
	}

	if l.opts.WorkflowTimeout > 0 && time.Since(l.sessionStart) > l.opts.WorkflowTimeout {
		rec := recovery.NewError(recovery.CodeWorkflowTimeout, recovery.NewErrorOptions{
			Component: "monitor", Message: "workflow exceeded its time budget",
		})
		l.opts.Instance.RecordError(rec)
		if l.opts.Recovery != nil {
			l.opts.Recovery.ExecuteRecovery(ctx, rec)
		}
		l.opts.Instance.MarkFailed(rec)
		return true
	}

	if l.opts.Recovery != nil && !l.opts.Recovery.Degradation().CanContinueWorkflow() {
		l.opts.Instance.MarkFailed(nil)
		return true
	}

	return false
}

// drainOutboxes implements step 1: read each agent's outbox, select
// messages newer than that role's watermark, route them in timestamp
// (then id) order, and apply the resulting decisions.
func (l *Loop) drainOutboxes(ctx context.Context) {
	for _, role := range message.AgentRoles {
		outbox, err := l.opts.Store.ReadOutbox(role)
		if err != nil {
			l.log.Warn("outbox read failed", "role", role, "error", err)
			continue
		}

		watermark := l.watermarks[role]
		fresh := make([]message.Message, 0, len(outbox))
		for _, m := range outbox {
			if m.Timestamp.After(watermark) {
				fresh = append(fresh, m)
			}
		}
		if len(fresh) == 0 {
			continue
		}

		sort.Slice(fresh, func(i, j int) bool {
			if !fresh[i].Timestamp.Equal(fresh[j].Timestamp) {
				return fresh[i].Timestamp.Before(fresh[j].Timestamp)
			}
			return fresh[i].ID < fresh[j].ID
		})

		for _, m := range fresh {
			l.routeOne(ctx, m)
			if m.Timestamp.After(l.watermarks[role]) {
				l.watermarks[role] = m.Timestamp
			}
		}
	}
}

// completeProducingStage closes out the current stage when m is its declared
// output, and reflects that onto the producing role's agent handle. This is
// the only place CompleteStage/MarkComplete are invoked during live
// operation; without it a workflow would route messages forever and never
// reach IsComplete.
func (l *Loop) completeProducingStage(m message.Message) {
	completed, err := l.opts.Instance.CompleteIfProducer(m)
	if err != nil {
		l.log.Warn("stage completion failed", "message_id", m.ID, "error", err)
		return
	}
	if !completed {
		return
	}
	if l.opts.Roster != nil {
		if h, ok := l.opts.Roster.Handles()[m.From]; ok {
			h.SetState(agent.StateComplete)
		}
	}
	l.emit("agent_complete", map[string]interface{}{"session_id": l.opts.SessionID, "role": m.From, "message_id": m.ID})
}

func (l *Loop) routeOne(ctx context.Context, m message.Message) {
	if l.opts.Audit != nil {
		if err := l.opts.Audit.RecordMessage(ctx, l.opts.SessionID, m); err != nil {
			l.log.Warn("audit record failed", "message_id", m.ID, "error", err)
		}
	}

	l.completeProducingStage(m)

	decisions := workflow.RouteMessage(l.opts.Instance, m)
	for _, d := range decisions {
		if err := l.opts.Store.AppendToInbox(d.Target, d.Message); err != nil {
			l.log.Warn("inbox write failed", "target", d.Target, "error", err)
			continue
		}

		if d.StageTarget != "" && d.StageTarget != l.opts.Instance.CurrentStageID() {
			if err := l.opts.Instance.StartStage(d.StageTarget); err != nil {
				l.log.Warn("stage transition failed", "target", d.StageTarget, "error", err)
			} else {
				l.emit("stage_transition", map[string]interface{}{"session_id": l.opts.SessionID, "stage": d.StageTarget})
			}
		}

		if l.opts.Roster != nil {
			if h, ok := l.opts.Roster.Handles()[d.Target]; ok {
				if d.Patch != nil && d.Patch.LastActivity {
					h.Touch()
				}
				if message.IsAgentRole(d.Target) {
					h.SetState(agent.StateWorking)
					l.emit("agent_working", map[string]interface{}{"session_id": l.opts.SessionID, "role": d.Target})
				}
			}
		}
		l.emit("message_routed", map[string]interface{}{"session_id": l.opts.SessionID, "message_id": d.Message.ID, "to": d.Target})
	}
}

// healthCheck implements step 2: flag agents that have gone quiet while
// working, or whose pane has vanished from the multiplexer.
func (l *Loop) healthCheck(ctx context.Context) {
	if l.opts.Roster == nil {
		return
	}
	now := time.Now().UTC()
	for role, h := range l.opts.Roster.Handles() {
		snap := h.Snapshot()

		if l.opts.Tmux != nil && snap.PaneID != "" {
			exists, err := l.opts.Tmux.PaneExists(ctx, l.opts.SessionID, snap.PaneID)
			if err == nil && !exists {
				rec := recovery.NewError(recovery.CodeAgentCrashed, recovery.NewErrorOptions{
					Component: "monitor", Role: role, Message: "agent pane is no longer present",
				})
				l.handleAgentError(ctx, h, rec)
				continue
			}
		}

		if snap.State == agent.StateWorking && now.Sub(snap.LastActivity) > l.opts.AgentTimeout {
			rec := recovery.NewError(recovery.CodeAgentTimeout, recovery.NewErrorOptions{
				Component: "monitor", Role: role, Message: "agent idle past its activity timeout",
			})
			l.handleAgentError(ctx, h, rec)
		}
	}
}

// handleAgentError records the failure, asks the recovery engine what to do
// about it, and then actually does it: the engine decides, the monitor
// executes, and the real result is reported back (§4.7 "the controller
// never improvises").
func (l *Loop) handleAgentError(ctx context.Context, h *agent.Handle, rec *recovery.ErrorRecord) {
	h.SetState(agent.StateError)
	h.RecordError()
	l.opts.Instance.RecordError(rec)
	l.emit("agent_error", map[string]interface{}{"session_id": l.opts.SessionID, "role": rec.Role, "code": rec.Code})

	if l.opts.Recovery == nil {
		return
	}

	outcome := l.opts.Recovery.ExecuteRecovery(ctx, rec)
	if outcome.Terminal {
		l.applyTerminalOutcome(rec, outcome)
		return
	}

	success := l.applyOutcome(ctx, h, rec, outcome)
	l.opts.Recovery.ReportOutcome(rec, outcome, success)
	l.emit("recovery_applied", map[string]interface{}{
		"session_id": l.opts.SessionID, "role": rec.Role, "kind": string(outcome.Kind), "success": success,
	})
}

// applyTerminalOutcome handles outcomes the engine already finalized
// itself (abort, escalate, and the cap-exceeded paths of ExecuteRecovery):
// there is nothing left to report, only a consequence to apply.
func (l *Loop) applyTerminalOutcome(rec *recovery.ErrorRecord, outcome recovery.Outcome) {
	switch outcome.Kind {
	case recovery.OutcomeAbort:
		l.opts.Instance.MarkFailed(rec)
	default:
		// Escalate, and the degraded skip taken when an agent's own
		// recovery budget is exhausted, leave the workflow running in a
		// reduced state; DegradationState already recorded the impact.
		l.markStageSkippedBestEffort()
	}
}

// applyOutcome performs the side-effecting work outcome prescribes and
// reports whether it actually happened. Only kinds the monitor can
// originate from a health-check failure (retry, restart, skip) are
// executed here; anything else degrades rather than guessing at an action.
func (l *Loop) applyOutcome(ctx context.Context, h *agent.Handle, rec *recovery.ErrorRecord, outcome recovery.Outcome) bool {
	switch outcome.Kind {
	case recovery.OutcomeRetry:
		return l.retryAgent(rec)
	case recovery.OutcomeRestart:
		return l.restartAgent(ctx, h, rec)
	case recovery.OutcomeSkip:
		return l.skipCurrentStage()
	default:
		l.log.Warn("recovery outcome has no monitor-side execution, degrading", "kind", outcome.Kind, "role", rec.Role)
		return false
	}
}

// retryAgent redelivers the agent's most recent inbox message and resets
// its activity clock, giving it another chance within the same timeout
// window instead of restarting it.
func (l *Loop) retryAgent(rec *recovery.ErrorRecord) bool {
	h, ok := l.opts.Roster.Handles()[rec.Role]
	if !ok {
		return false
	}
	m, ok := l.lastInboxMessage(rec.Role)
	if !ok {
		l.log.Warn("no prior message to redeliver for retry", "role", rec.Role)
		return false
	}
	if err := l.opts.Store.AppendToInbox(rec.Role, m); err != nil {
		l.log.Warn("retry redelivery failed", "role", rec.Role, "error", err)
		return false
	}
	h.SetState(agent.StateWorking)
	h.Touch()
	l.emit("agent_working", map[string]interface{}{"session_id": l.opts.SessionID, "role": rec.Role})
	return true
}

// restartAgent terminates and re-spawns the agent on its SAME worktree
// (§4.7, §8 scenario S3), installs the fresh handle in the roster, and
// redelivers its last task message.
func (l *Loop) restartAgent(ctx context.Context, h *agent.Handle, rec *recovery.ErrorRecord) bool {
	if l.opts.Agents == nil {
		l.log.Warn("no agent respawner configured, cannot restart", "role", rec.Role)
		return false
	}
	fresh, err := l.opts.Agents.Respawn(ctx, l.opts.SessionID, h)
	if err != nil {
		l.log.Warn("agent restart failed", "role", rec.Role, "error", err)
		return false
	}
	if l.opts.Roster != nil {
		l.opts.Roster.Put(rec.Role, fresh)
	}
	l.emit("agent_spawned", map[string]interface{}{"session_id": l.opts.SessionID, "role": rec.Role})
	l.emit("agent_ready", map[string]interface{}{"session_id": l.opts.SessionID, "role": rec.Role})

	if m, ok := l.lastInboxMessage(rec.Role); ok {
		if err := l.opts.Store.AppendToInbox(rec.Role, m); err != nil {
			l.log.Warn("redelivery after restart failed", "role", rec.Role, "error", err)
			return false
		}
		fresh.SetState(agent.StateWorking)
		fresh.Touch()
		l.emit("agent_working", map[string]interface{}{"session_id": l.opts.SessionID, "role": rec.Role})
	}
	return true
}

// skipCurrentStage records the current stage as skipped so the workflow
// proceeds without it. Instance.SkipStage only accepts stages the template
// marked optional; for a non-optional stage this can only record the
// consequence in the degradation snapshot, not actually advance the
// workflow past a required stage.
func (l *Loop) skipCurrentStage() bool {
	stageID := l.opts.Instance.CurrentStageID()
	if err := l.opts.Instance.SkipStage(stageID); err != nil {
		l.log.Warn("stage is not optional, recording degradation only", "stage", stageID, "error", err)
		l.markStageSkippedBestEffort()
		return false
	}
	l.emit("stage_transition", map[string]interface{}{"session_id": l.opts.SessionID, "stage": stageID, "skipped": true})
	return true
}

func (l *Loop) markStageSkippedBestEffort() {
	if l.opts.Recovery == nil {
		return
	}
	l.opts.Recovery.Degradation().MarkStageSkipped(l.opts.Instance.CurrentStageID())
}

// lastInboxMessage returns the most recently delivered message for role, if
// any: the one a restarted or retried agent needs redelivered to pick back
// up where it left off.
func (l *Loop) lastInboxMessage(role message.Role) (message.Message, bool) {
	msgs, err := l.opts.Store.ReadInbox(role)
	if err != nil || len(msgs) == 0 {
		return message.Message{}, false
	}
	return msgs[len(msgs)-1], true
}
