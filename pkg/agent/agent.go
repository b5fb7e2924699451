// Package agent implements the agent lifecycle manager (component C5):
// turning a bare role name into a running, responsive agent handle backed by
// a tmux pane and a git worktree.
package agent

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/kpekel/swarmctl/pkg/message"
)

// State is the lifecycle state of an agent handle.
type State string

const (
	StateSpawning   State = "spawning"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateWorking    State = "working"
	StateComplete   State = "complete"
	StateBlocked    State = "blocked"
	StateError      State = "error"
	StateTerminated State = "terminated"
)

// Handle is the orchestrator's view of one running agent.
type Handle struct {
	mu sync.RWMutex

	Role          message.Role
	PaneID        string
	WorktreePath  string
	State         State
	SpawnTime     time.Time
	LastActivity  time.Time
	MessageCount  int
	ErrorCount    int
}

// Snapshot is an immutable copy of a Handle's fields, safe to pass around
// (e.g. into checkpoints) without holding the handle's lock.
type Snapshot struct {
	Role         message.Role
	PaneID       string
	WorktreePath string
	State        State
	SpawnTime    time.Time
	LastActivity time.Time
	MessageCount int
	ErrorCount   int
}

// Snapshot returns a copy of the handle's current fields.
func (h *Handle) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Snapshot{
		Role: h.Role, PaneID: h.PaneID, WorktreePath: h.WorktreePath,
		State: h.State, SpawnTime: h.SpawnTime, LastActivity: h.LastActivity,
		MessageCount: h.MessageCount, ErrorCount: h.ErrorCount,
	}
}

// SetState transitions the handle's lifecycle state.
func (h *Handle) SetState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.State = s
}

// GetState returns the handle's current lifecycle state.
func (h *Handle) GetState() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.State
}

// Touch refreshes LastActivity to now and increments MessageCount.
func (h *Handle) Touch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LastActivity = time.Now().UTC()
	h.MessageCount++
}

// RecordError increments ErrorCount.
func (h *Handle) RecordError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ErrorCount++
}

// IdleFor reports how long it has been since the handle's last activity.
func (h *Handle) IdleFor(now time.Time) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return now.Sub(h.LastActivity)
}

// Code is the closed failure taxonomy for lifecycle operations.
type Code string

const (
	CodeSpawnFailed Code = "AGENT_SPAWN_FAILED"
)

// Error is a structured lifecycle failure.
type Error struct {
	Code    Code
	Role    message.Role
	Details string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent: %s spawn failed (%s): %s", e.Role, e.Code, e.Details)
}

// readyPatterns are heuristics for recognizing the assistant's prompt glyph
// set or banner text once it has finished booting in the pane. Implementers
// of the real AI assistant binary decide the exact banner; this is a
// best-effort regex checked against the last captured lines.
var readyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*>\s*$`),
	regexp.MustCompile(`(?i)claude.*ready`),
	regexp.MustCompile(`(?i)how can I help`),
}

// IsReadyOutput reports whether pane output looks like the assistant has
// reached its interactive prompt.
func IsReadyOutput(output string) bool {
	for _, re := range readyPatterns {
		if re.MatchString(output) {
			return true
		}
	}
	return false
}

// Tmux is the subset of the multiplexer adapter the lifecycle manager needs.
type Tmux interface {
	CreatePane(ctx context.Context, sessionID string, vertical bool, sizePercent int) (string, error)
	SendKeys(ctx context.Context, sessionID, paneID, text string, interpreted, addEnter bool) error
	SendInterrupt(ctx context.Context, sessionID, paneID string) error
	CapturePane(ctx context.Context, sessionID, paneID string, lines int, stripANSI bool) (string, error)
	WaitForPattern(ctx context.Context, sessionID, paneID string, re *regexp.Regexp, interval, timeout time.Duration) (string, error)
	KillPane(ctx context.Context, sessionID, paneID string) error
	PaneExists(ctx context.Context, sessionID, paneID string) (bool, error)
}

// Worktree is the subset of the worktree adapter the lifecycle manager needs.
type Worktree interface {
	Create(ctx context.Context, role, sessionID string) (string, error)
}

// MessageSender is the subset of the message store used to deliver to an
// agent's inbox (§4.5 Broadcast to assistant).
type MessageSender interface {
	AppendToInbox(role message.Role, m message.Message) error
}

// ActivityRecorder is the audit-store surface the lifecycle manager appends
// to on every significant event.
type ActivityRecorder interface {
	RecordAgentActivity(ctx context.Context, sessionID string, role message.Role, eventType string, details map[string]interface{}) error
	RecordMessage(ctx context.Context, sessionID string, m message.Message) error
}

// SpawnOptions configures one Spawn call.
type SpawnOptions struct {
	SessionID    string
	Role         message.Role
	Prompt       string
	Resume       bool // "claude --resume" (default) vs "claude -p {prompt}"
	SpawnTimeout time.Duration
}

// Manager spawns and terminates agent handles.
type Manager struct {
	tmux     Tmux
	worktree Worktree
	sender   MessageSender
	audit    ActivityRecorder
}

// NewManager builds a lifecycle Manager.
func NewManager(t Tmux, w Worktree, sender MessageSender, audit ActivityRecorder) *Manager {
	return &Manager{tmux: t, worktree: w, sender: sender, audit: audit}
}

// Spawn executes the §4.5 spawn sequence: verify worktree, create a pane,
// cd into the worktree, start the assistant, and poll for readiness.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	worktreePath, err := m.worktree.Create(ctx, string(opts.Role), opts.SessionID)
	if err != nil {
		return nil, &Error{Code: CodeSpawnFailed, Role: opts.Role, Details: "worktree: " + err.Error()}
	}
	return m.startPane(ctx, opts, worktreePath)
}

// Respawn restarts prev's role on its EXISTING worktree, without touching
// git: the "restart" recovery outcome (§4.7) terminates the offending agent
// and re-spawns it on the same worktree, not a fresh one. The caller is
// responsible for redelivering any in-flight message once the new handle
// is ready.
func (m *Manager) Respawn(ctx context.Context, sessionID string, prev *Handle) (*Handle, error) {
	snap := prev.Snapshot()
	if snap.WorktreePath == "" {
		return nil, &Error{Code: CodeSpawnFailed, Role: snap.Role, Details: "no worktree recorded to restart onto"}
	}
	m.Terminate(ctx, sessionID, prev)
	return m.startPane(ctx, SpawnOptions{SessionID: sessionID, Role: snap.Role, Resume: true}, snap.WorktreePath)
}

// startPane is the shared pane-creation/start-assistant/wait-for-ready
// sequence used by both Spawn (fresh worktree) and Respawn (existing
// worktree).
func (m *Manager) startPane(ctx context.Context, opts SpawnOptions, worktreePath string) (*Handle, error) {
	h := &Handle{
		Role:         opts.Role,
		WorktreePath: worktreePath,
		State:        StateSpawning,
		SpawnTime:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}

	paneID, err := m.tmux.CreatePane(ctx, opts.SessionID, true, 0)
	if err != nil {
		h.SetState(StateError)
		return h, &Error{Code: CodeSpawnFailed, Role: opts.Role, Details: "pane: " + err.Error()}
	}
	h.PaneID = paneID
	h.SetState(StateStarting)

	if err := m.tmux.SendKeys(ctx, opts.SessionID, paneID, "cd "+worktreePath, false, true); err != nil {
		h.SetState(StateError)
		return h, &Error{Code: CodeSpawnFailed, Role: opts.Role, Details: "cd: " + err.Error()}
	}
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return h, ctx.Err()
	}

	invocation := "claude --resume"
	if !opts.Resume && opts.Prompt != "" {
		invocation = fmt.Sprintf("claude -p %q", opts.Prompt)
	}
	if err := m.tmux.SendKeys(ctx, opts.SessionID, paneID, invocation, false, true); err != nil {
		h.SetState(StateError)
		return h, &Error{Code: CodeSpawnFailed, Role: opts.Role, Details: "start assistant: " + err.Error()}
	}

	timeout := opts.SpawnTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	readyRe := regexp.MustCompile(`(?m)^\s*>\s*$|(?i)claude.*ready|(?i)how can I help`)
	if _, err := m.tmux.WaitForPattern(ctx, opts.SessionID, paneID, readyRe, 500*time.Millisecond, timeout); err != nil {
		h.SetState(StateError)
		if m.audit != nil {
			_ = m.audit.RecordAgentActivity(ctx, opts.SessionID, opts.Role, "error", map[string]interface{}{"code": CodeSpawnFailed})
		}
		return h, &Error{Code: CodeSpawnFailed, Role: opts.Role, Details: "assistant did not become ready: " + err.Error()}
	}

	h.SetState(StateReady)
	if m.audit != nil {
		_ = m.audit.RecordAgentActivity(ctx, opts.SessionID, opts.Role, "ready", nil)
	}
	return h, nil
}

// Terminate gracefully tears down an agent: interrupt, wait, check for a
// shell prompt, interrupt again if needed, then kill the pane. All teardown
// failures are swallowed (§4.5 Graceful termination).
func (m *Manager) Terminate(ctx context.Context, sessionID string, h *Handle) {
	snap := h.Snapshot()
	if snap.PaneID == "" {
		h.SetState(StateTerminated)
		return
	}

	_ = m.tmux.SendInterrupt(ctx, sessionID, snap.PaneID)
	select {
	case <-time.After(1 * time.Second):
	case <-ctx.Done():
	}

	out, err := m.tmux.CapturePane(ctx, sessionID, snap.PaneID, 5, true)
	if err == nil && !looksLikeShellPrompt(out) {
		_ = m.tmux.SendInterrupt(ctx, sessionID, snap.PaneID)
	}

	_ = m.tmux.KillPane(ctx, sessionID, snap.PaneID)
	h.SetState(StateTerminated)
}

var shellPromptRe = regexp.MustCompile(`[$#%>]\s*$`)

func looksLikeShellPrompt(output string) bool {
	return shellPromptRe.MatchString(output)
}

// SendToAgent writes msg to the target's inbox via the message store AND
// appends the same record to the audit store (§4.5 Broadcast to assistant).
// Writing to the terminal pane is never used for message passing.
func (m *Manager) SendToAgent(ctx context.Context, sessionID string, target message.Role, msg message.Message) error {
	if err := m.sender.AppendToInbox(target, msg); err != nil {
		return fmt.Errorf("agent: send to %s: %w", target, err)
	}
	if m.audit != nil {
		if err := m.audit.RecordMessage(ctx, sessionID, msg); err != nil {
			return fmt.Errorf("agent: audit send to %s: %w", target, err)
		}
	}
	return nil
}
