package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kpekel/swarmctl/pkg/agent"
	"github.com/kpekel/swarmctl/pkg/audit"
	"github.com/kpekel/swarmctl/pkg/config"
	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/monitor"
	"github.com/kpekel/swarmctl/pkg/recovery"
	"github.com/kpekel/swarmctl/pkg/workflow"
)

// EventFunc receives tagged lifecycle events (§4.8 event surface).
// Delivery is best-effort and synchronous from whichever goroutine raised
// the event (the monitor loop, or the controller itself during
// startWorkflow/stop); subscribers must not block.
type EventFunc func(event string, fields map[string]interface{})

// Tmux is the full multiplexer surface the controller and the components
// it wires (the agent lifecycle manager, the monitor loop) need. Satisfied
// by *tmux.Adapter.
type Tmux interface {
	CreateSession(ctx context.Context, sessionID string) error
	KillSession(ctx context.Context, sessionID string) error
	PaneExists(ctx context.Context, sessionID, paneID string) (bool, error)
	CreatePane(ctx context.Context, sessionID string, vertical bool, sizePercent int) (string, error)
	SendKeys(ctx context.Context, sessionID, paneID, text string, interpreted, addEnter bool) error
	SendInterrupt(ctx context.Context, sessionID, paneID string) error
	CapturePane(ctx context.Context, sessionID, paneID string, lines int, stripANSI bool) (string, error)
	WaitForPattern(ctx context.Context, sessionID, paneID string, re *regexp.Regexp, interval, timeout time.Duration) (string, error)
	KillPane(ctx context.Context, sessionID, paneID string) error
}

// Worktree is the subset of *worktree.Adapter the controller needs.
type Worktree interface {
	CreateAll(ctx context.Context, roles []string, sessionID string) (map[string]string, error)
	Remove(ctx context.Context, role, sessionID string, deleteBranch bool) error
}

// Controller is the C8 Session Controller: the facade a CLI or other
// front-end drives. At most one session is active at a time.
type Controller struct {
	cfg         config.Config
	log         *slog.Logger
	registry    *workflow.Registry
	tmuxAdapter Tmux
	worktreeAdp Worktree
	auditStore  *audit.Store
	checkpoints *recovery.CheckpointManager

	mu          sync.Mutex
	session     *Session
	instance    *workflow.Instance
	store       *message.Store
	agentMgr    *agent.Manager
	recoveryEng *recovery.Engine
	rost        *roster
	loop        *monitor.Loop
	loopDone    chan struct{}
	result      *workflow.Result

	subMu       sync.Mutex
	subscribers []EventFunc
}

// New builds a Controller with no active session.
func New(cfg config.Config, log *slog.Logger, registry *workflow.Registry, t Tmux, w Worktree, a *audit.Store, cp *recovery.CheckpointManager) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:         cfg,
		log:         log,
		registry:    registry,
		tmuxAdapter: t,
		worktreeAdp: w,
		auditStore:  a,
		checkpoints: cp,
	}
}

// Subscribe registers fn to receive every future event emission.
func (c *Controller) Subscribe(fn EventFunc) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *Controller) emit(event string, fields map[string]interface{}) {
	c.subMu.Lock()
	subs := append([]EventFunc(nil), c.subscribers...)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(event, fields)
	}
}

// GetSession returns the active session, or nil if none has been started.
func (c *Controller) GetSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// IsRunning reports whether a session is active and not in a terminal state.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && !c.session.IsTerminal()
}

// Result returns the last synthesized workflow result, if the session has
// completed successfully enough to synthesize one.
func (c *Controller) Result() (*workflow.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.result != nil
}

// SendToAgent delivers a user- or operator-originated message to a live
// agent's inbox, passing through to the lifecycle manager (§4.8 agent
// pass-throughs).
func (c *Controller) SendToAgent(ctx context.Context, role message.Role, m message.Message) error {
	c.mu.Lock()
	mgr, sess := c.agentMgr, c.session
	c.mu.Unlock()
	if mgr == nil || sess == nil {
		return fmt.Errorf("session: no active session")
	}
	return mgr.SendToAgent(ctx, sess.ID, role, m)
}

// Inbox returns the current contents of role's inbox (§4.8 message
// pass-through), for CLI inspection.
func (c *Controller) Inbox(role message.Role) ([]message.Message, error) {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return nil, fmt.Errorf("session: no active session")
	}
	return store.ReadInbox(role)
}

// Degradation returns the active session's current degradation snapshot.
func (c *Controller) Degradation() (recovery.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recoveryEng == nil {
		return recovery.Snapshot{}, false
	}
	return c.recoveryEng.Degradation().Snapshot(), true
}

// Checkpoint triggers an out-of-band checkpoint on user request (§4.7
// triggers).
func (c *Controller) Checkpoint(ctx context.Context, notes string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpointNow(ctx, audit.CheckpointUserRequested, notes)
}

// generateSessionID mints the single canonical id for a new session: a
// decimal string of the current milliseconds (§4.8 step 2). Every
// subsystem receives this value by parameter; none may mint its own
// (§9 Ownership of the session identifier).
func generateSessionID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// prebuiltWorktrees adapts the bulk paths returned by Worktree.CreateAll to
// agent.Worktree's per-role Create signature, so the lifecycle manager
// never re-invokes git for a worktree the controller already created
// atomically in step 5 of startWorkflow.
type prebuiltWorktrees struct {
	paths map[string]string
}

func (p *prebuiltWorktrees) Create(_ context.Context, role, _ string) (string, error) {
	path, ok := p.paths[role]
	if !ok {
		return "", fmt.Errorf("session: no prebuilt worktree for role %q", role)
	}
	return path, nil
}

// createWorktreesWithRecovery applies the recovery engine's outcome
// verbatim for GIT_WORKTREE_FAILED (§4.7: "the controller never
// improvises"): its plan prescribes a couple of retries before falling
// back to abort, so a single failure must not give up immediately.
func (c *Controller) createWorktreesWithRecovery(ctx context.Context, engine *recovery.Engine, roles []string, sessionID string) (map[string]string, error) {
	for {
		paths, err := c.worktreeAdp.CreateAll(ctx, roles, sessionID)
		if err == nil {
			return paths, nil
		}

		rec := recovery.NewError(recovery.CodeGitWorktreeFailed, recovery.NewErrorOptions{
			Component: "session", Message: "failed to create worktrees", Cause: err,
		})
		outcome := engine.ExecuteRecovery(ctx, rec)
		if outcome.Terminal {
			return nil, rec
		}
		if outcome.Kind != recovery.OutcomeRetry {
			engine.ReportOutcome(rec, outcome, false)
			return nil, rec
		}
		c.log.Warn("retrying worktree creation per recovery outcome", "reason", outcome.Reason)
		engine.ReportOutcome(rec, outcome, false)
	}
}

// spawnAgentWithRecovery spawns role, applying the recovery engine's
// outcome verbatim on failure: it retries the spawn for as many rounds as
// the outcome prescribes, and only gives up once the engine itself decides
// to escalate or abort. Returns the failing ErrorRecord (non-nil) when no
// handle could be produced, so the caller can branch on outcome.Kind
// exactly as the last recovery decision said to.
func spawnAgentWithRecovery(ctx context.Context, mgr *agent.Manager, engine *recovery.Engine, log *slog.Logger, sessionID string, role message.Role) (*agent.Handle, recovery.Outcome, *recovery.ErrorRecord) {
	for {
		h, err := mgr.Spawn(ctx, agent.SpawnOptions{SessionID: sessionID, Role: role, Resume: true})
		if err == nil {
			return h, recovery.Outcome{}, nil
		}

		rec := recovery.NewError(recovery.CodeAgentSpawnFailed, recovery.NewErrorOptions{
			Component: "session", Role: role, Message: "agent failed to spawn", Cause: err,
		})
		outcome := engine.ExecuteRecovery(ctx, rec)
		if outcome.Terminal {
			return nil, outcome, rec
		}
		if outcome.Kind != recovery.OutcomeRetry {
			engine.ReportOutcome(rec, outcome, false)
			return nil, outcome, rec
		}
		log.Warn("retrying agent spawn per recovery outcome", "role", role, "reason", outcome.Reason)
		engine.ReportOutcome(rec, outcome, false)
	}
}

// StartWorkflow runs the nine-step startup sequence (§4.8): validates
// preconditions, mints the session id, wires the message/audit/tmux/
// worktree/agent layers, delivers the initial task, and starts the
// monitor loop.
func (c *Controller) StartWorkflow(ctx context.Context, workflowType, goal string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && !c.session.IsTerminal() {
		return nil, recovery.NewError(recovery.CodeSessionExists, recovery.NewErrorOptions{
			Component: "session", Message: "a session is already active",
		})
	}
	if strings.TrimSpace(goal) == "" {
		return nil, recovery.NewError(recovery.CodeInvalidArgument, recovery.NewErrorOptions{
			Component: "session", Message: "goal must not be empty",
		})
	}
	tmpl, ok := c.registry.Lookup(workflowType)
	if !ok {
		return nil, recovery.NewError(recovery.CodeWorkflowNotFound, recovery.NewErrorOptions{
			Component: "session", Message: fmt.Sprintf("unknown workflow template %q", workflowType),
		})
	}

	id := generateSessionID()
	now := time.Now().UTC()

	instance, err := workflow.NewInstance(tmpl, id, goal)
	if err != nil {
		return nil, err
	}

	if err := c.auditStore.CreateSession(ctx, id, workflowType, goal, string(StateInitializing), now); err != nil {
		return nil, fmt.Errorf("session: create audit row: %w", err)
	}

	store := message.NewStore(filepath.Join(c.cfg.QueueRoot, id, "messages"), c.log)
	if err := store.EnsureDirs(ctx); err != nil {
		return nil, fmt.Errorf("session: ensure message dirs: %w", err)
	}

	sess := newSession(id, workflowType, goal, now)
	engine := recovery.NewEngine(c.log)

	if err := c.tmuxAdapter.CreateSession(ctx, id); err != nil {
		rec := recovery.NewError(recovery.CodeTmuxSessionFailed, recovery.NewErrorOptions{
			Component: "session", Message: "failed to create multiplexer session", Cause: err,
		})
		// CodeTmuxSessionFailed's plan is abort-only (no retry/fallback), so
		// the engine always hands back a Terminal outcome here; nothing for
		// the controller to execute beyond failing startup.
		outcome := engine.ExecuteRecovery(ctx, rec)
		_ = c.failStartup(ctx, sess, rec)
		return nil, fmt.Errorf("session: %w (recovery outcome %s)", rec, outcome.Kind)
	}

	roles := make([]string, 0, len(tmpl.Roles))
	for _, r := range tmpl.Roles {
		roles = append(roles, string(r))
	}
	worktreePaths, err := c.createWorktreesWithRecovery(ctx, engine, roles, id)
	if err != nil {
		rec := recovery.NewError(recovery.CodeGitWorktreeFailed, recovery.NewErrorOptions{
			Component: "session", Message: "failed to create worktrees", Cause: err,
		})
		_ = c.tmuxAdapter.KillSession(ctx, id)
		_ = c.failStartup(ctx, sess, rec)
		return nil, fmt.Errorf("session: %w", rec)
	}

	mgr := agent.NewManager(c.tmuxAdapter, &prebuiltWorktrees{paths: worktreePaths}, store, c.auditStore)
	rost := newRoster()

	for _, role := range tmpl.Roles {
		h, outcome, rec := spawnAgentWithRecovery(ctx, mgr, engine, c.log, id, role)
		if rec != nil {
			c.log.Warn("agent spawn failed during startup", "role", role, "outcome", outcome.Kind)
			if outcome.Kind == recovery.OutcomeAbort {
				c.teardown(ctx, id, tmpl, rost)
				_ = c.failStartup(ctx, sess, rec)
				return nil, fmt.Errorf("session: %w", rec)
			}
			continue // degraded: partial roster (§4.8 step 6)
		}
		rost.Put(role, h)
		c.emit("agent_spawned", map[string]interface{}{"session_id": id, "role": role})
		c.emit("agent_ready", map[string]interface{}{"session_id": id, "role": role})
	}

	entryStage, ok := tmpl.StageByID(tmpl.EntryStage)
	if !ok {
		return nil, fmt.Errorf("session: entry stage %q not found in template %q", tmpl.EntryStage, tmpl.Name)
	}
	taskMsg := message.Message{
		ID:        id + "-initial",
		Timestamp: now,
		From:      message.RoleOrchestrator,
		To:        entryStage.Role,
		Type:      message.CategoryTask,
		Priority:  message.PriorityNormal,
		Content:   message.Content{Subject: "initial task", Body: goal},
	}
	if err := store.AppendToInbox(entryStage.Role, taskMsg); err != nil {
		return nil, fmt.Errorf("session: deliver initial task: %w", err)
	}
	if err := instance.StartStage(tmpl.EntryStage); err != nil {
		return nil, fmt.Errorf("session: start entry stage: %w", err)
	}

	loop := monitor.New(monitor.Options{
		SessionID:       id,
		Instance:        instance,
		Store:           store,
		Tmux:            c.tmuxAdapter,
		Audit:           c.auditStore,
		Roster:          rost,
		Recovery:        engine,
		Agents:          mgr,
		OnEvent:         c.emit,
		Interval:        c.cfg.MonitorInterval(),
		AgentTimeout:    c.cfg.AgentTimeout(),
		WorkflowTimeout: c.cfg.DefaultTimeout(),
		Log:             c.log,
	})

	c.session = sess
	c.instance = instance
	c.store = store
	c.agentMgr = mgr
	c.recoveryEng = engine
	c.rost = rost
	c.loop = loop
	c.loopDone = make(chan struct{})

	sess.setState(StateRunning)
	c.checkpointNow(ctx, audit.CheckpointSessionStart, "session start")

	go func() {
		defer close(c.loopDone)
		loop.Run(ctx)
		c.onWorkflowSettled(ctx)
	}()

	c.emit("session_started", map[string]interface{}{"session_id": id, "workflow_type": workflowType, "goal": goal})
	return sess, nil
}

// teardown kills the multiplexer session and removes every role's worktree;
// used when startup aborts after some roles have already spawned.
func (c *Controller) teardown(ctx context.Context, sessionID string, tmpl *workflow.Template, rost *roster) {
	_ = rost // panes die with the multiplexer session killed below
	_ = c.tmuxAdapter.KillSession(ctx, sessionID)
	if c.worktreeAdp != nil {
		for _, r := range tmpl.Roles {
			_ = c.worktreeAdp.Remove(ctx, string(r), sessionID, true)
		}
	}
}

func (c *Controller) failStartup(ctx context.Context, sess *Session, rec *recovery.ErrorRecord) error {
	sess.setState(StateFailed)
	sess.setEnded(time.Now().UTC())
	if c.auditStore != nil {
		_ = c.auditStore.RecordError(ctx, sess.ID, rec)
		_ = c.auditStore.UpdateSessionStatus(ctx, sess.ID, string(StateFailed), time.Now().UTC(), true)
	}
	return rec
}

// onWorkflowSettled runs once the monitor loop returns on its own (workflow
// completion or fatal degradation, as opposed to an explicit Stop/Kill).
func (c *Controller) onWorkflowSettled(ctx context.Context) {
	c.mu.Lock()
	sess := c.session
	instance := c.instance
	c.mu.Unlock()
	if sess == nil || instance == nil {
		return
	}
	if sess.IsTerminal() && !instance.IsComplete() {
		// An explicit Stop/Kill already finalized this session; shutdown
		// owns ending it.
		return
	}

	if instance.IsComplete() {
		sess.setState(StateSynthesizing)
		if result, err := workflow.Synthesize(instance); err != nil {
			c.log.Warn("result synthesis failed", "error", err)
		} else {
			c.mu.Lock()
			c.result = result
			c.mu.Unlock()
		}
		sess.setState(StateComplete)
	} else if !sess.IsTerminal() {
		sess.setState(StateFailed)
	}
	sess.setEnded(time.Now().UTC())
	if c.auditStore != nil {
		_ = c.auditStore.UpdateSessionStatus(ctx, sess.ID, string(sess.State()), time.Now().UTC(), true)
	}
	c.emit("session_ended", map[string]interface{}{"session_id": sess.ID, "state": string(sess.State())})
}

// checkpointNow snapshots workflow/agent/degradation state and persists it
// both to the filesystem CheckpointManager (a DB-independent durability
// primitive) and to the audit store, which is the spec-authoritative sink.
func (c *Controller) checkpointNow(ctx context.Context, typ audit.CheckpointType, notes string) {
	if c.instance == nil {
		return
	}
	var deg recovery.Snapshot
	if c.recoveryEng != nil {
		deg = c.recoveryEng.Degradation().Snapshot()
	}
	var agents []agent.Snapshot
	if c.rost != nil {
		agents = c.rost.snapshot()
	}
	cp := recovery.FromInstance(c.instance, time.Now().UTC(), c.instance.ErrorsSnapshot(), agents, deg)

	if c.checkpoints != nil {
		if _, err := c.checkpoints.Save(cp); err != nil {
			c.log.Warn("filesystem checkpoint save failed", "error", err)
		}
	}
	if c.auditStore != nil {
		if _, err := c.auditStore.SaveCheckpoint(ctx, typ, "session-controller", notes, cp); err != nil {
			c.log.Warn("audit checkpoint save failed", "error", err)
		}
	}
}

// Stop requests graceful cessation: stop the monitor loop, interrupt every
// agent pane, wait a bounded grace period, then kill panes and the
// multiplexer session, remove worktrees (§4.8 stop/kill).
func (c *Controller) Stop(ctx context.Context) error {
	return c.shutdown(ctx, true)
}

// Kill skips the graceful wait and tears down immediately.
func (c *Controller) Kill(ctx context.Context) error {
	return c.shutdown(ctx, false)
}

func (c *Controller) shutdown(ctx context.Context, graceful bool) error {
	c.mu.Lock()
	sess := c.session
	instance := c.instance
	mgr := c.agentMgr
	rost := c.rost
	loop := c.loop
	c.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("session: no active session")
	}

	// Fix the terminal state before stopping the loop: once Stop returns, the
	// goroutine running the loop falls through to onWorkflowSettled, which
	// would otherwise race this method to decide between "cancelled" (an
	// explicit stop) and "failed" (the workflow just never completed).
	if !sess.IsTerminal() {
		sess.setState(StateCancelled)
	}

	if loop != nil {
		loop.Stop()
	}

	if mgr != nil && rost != nil {
		grace := 5 * time.Second
		if !graceful {
			grace = 0
		}
		for _, h := range rost.Handles() {
			mgr.Terminate(ctx, sess.ID, h)
		}
		if grace > 0 {
			select {
			case <-time.After(grace):
			case <-ctx.Done():
			}
		}
	}

	_ = c.tmuxAdapter.KillSession(ctx, sess.ID)

	if c.worktreeAdp != nil && instance != nil {
		tmpl := instance.Template()
		if tmpl != nil {
			for _, r := range tmpl.Roles {
				_ = c.worktreeAdp.Remove(ctx, string(r), sess.ID, true)
			}
		}
	}

	sess.setEnded(time.Now().UTC())
	if c.auditStore != nil {
		_ = c.auditStore.UpdateSessionStatus(ctx, sess.ID, string(sess.State()), time.Now().UTC(), true)
	}
	c.emit("session_ended", map[string]interface{}{"session_id": sess.ID, "state": string(sess.State())})
	return nil
}
