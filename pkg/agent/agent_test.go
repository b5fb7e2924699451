package agent_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/agent"
	"github.com/kpekel/swarmctl/pkg/message"
)

type fakeTmux struct {
	paneCounter int
	captured    string
	waitErr     error
	killed      []string
}

func (f *fakeTmux) CreatePane(ctx context.Context, sessionID string, vertical bool, sizePercent int) (string, error) {
	f.paneCounter++
	return "%" + string(rune('0'+f.paneCounter)), nil
}
func (f *fakeTmux) SendKeys(ctx context.Context, sessionID, paneID, text string, interpreted, addEnter bool) error {
	return nil
}
func (f *fakeTmux) SendInterrupt(ctx context.Context, sessionID, paneID string) error { return nil }
func (f *fakeTmux) CapturePane(ctx context.Context, sessionID, paneID string, lines int, stripANSI bool) (string, error) {
	return f.captured, nil
}
func (f *fakeTmux) WaitForPattern(ctx context.Context, sessionID, paneID string, re *regexp.Regexp, interval, timeout time.Duration) (string, error) {
	if f.waitErr != nil {
		return "", f.waitErr
	}
	return "how can I help", nil
}
func (f *fakeTmux) KillPane(ctx context.Context, sessionID, paneID string) error {
	f.killed = append(f.killed, paneID)
	return nil
}
func (f *fakeTmux) PaneExists(ctx context.Context, sessionID, paneID string) (bool, error) {
	return true, nil
}

type fakeWorktree struct{}

func (fakeWorktree) Create(ctx context.Context, role, sessionID string) (string, error) {
	return "/tmp/worktrees/" + role, nil
}

type fakeSender struct{ inbox []message.Message }

func (f *fakeSender) AppendToInbox(role message.Role, m message.Message) error {
	f.inbox = append(f.inbox, m)
	return nil
}

type fakeRecorder struct {
	events   []string
	messages []message.Message
}

func (f *fakeRecorder) RecordAgentActivity(ctx context.Context, sessionID string, role message.Role, eventType string, details map[string]interface{}) error {
	f.events = append(f.events, eventType)
	return nil
}
func (f *fakeRecorder) RecordMessage(ctx context.Context, sessionID string, m message.Message) error {
	f.messages = append(f.messages, m)
	return nil
}

func TestSpawnReachesReady(t *testing.T) {
	tm := &fakeTmux{}
	sender := &fakeSender{}
	rec := &fakeRecorder{}
	m := agent.NewManager(tm, fakeWorktree{}, sender, rec)

	h, err := m.Spawn(context.Background(), agent.SpawnOptions{
		SessionID: "123", Role: message.RoleResearcher, Resume: true, SpawnTimeout: time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, agent.StateReady, h.GetState())
	require.Contains(t, rec.events, "ready")
}

func TestSpawnFailsWhenNeverReady(t *testing.T) {
	tm := &fakeTmux{waitErr: &agent.Error{Code: agent.CodeSpawnFailed}}
	m := agent.NewManager(tm, fakeWorktree{}, &fakeSender{}, &fakeRecorder{})

	h, err := m.Spawn(context.Background(), agent.SpawnOptions{
		SessionID: "123", Role: message.RoleReviewer, Resume: true, SpawnTimeout: time.Millisecond,
	})
	require.Error(t, err)
	require.Equal(t, agent.StateError, h.GetState())
}

func TestSendToAgentWritesInboxAndAudit(t *testing.T) {
	sender := &fakeSender{}
	rec := &fakeRecorder{}
	m := agent.NewManager(&fakeTmux{}, fakeWorktree{}, sender, rec)

	msg := message.Message{ID: "m1", From: message.RoleOrchestrator, To: message.RoleResearcher, Type: message.CategoryTask, Priority: message.PriorityNormal, Content: message.Content{Subject: "s", Body: "b"}}
	require.NoError(t, m.SendToAgent(context.Background(), "123", message.RoleResearcher, msg))
	require.Len(t, sender.inbox, 1)
	require.Len(t, rec.messages, 1)
}

func TestTerminateSwallowsFailuresAndMarksTerminated(t *testing.T) {
	tm := &fakeTmux{}
	m := agent.NewManager(tm, fakeWorktree{}, &fakeSender{}, &fakeRecorder{})
	h := &agent.Handle{Role: message.RoleResearcher, PaneID: "%1", State: agent.StateReady}

	m.Terminate(context.Background(), "123", h)
	require.Equal(t, agent.StateTerminated, h.GetState())
	require.Contains(t, tm.killed, "%1")
}

func TestRespawnReusesExistingWorktreeWithoutGit(t *testing.T) {
	tm := &fakeTmux{}
	m := agent.NewManager(tm, fakeWorktree{}, &fakeSender{}, &fakeRecorder{})
	prev := &agent.Handle{Role: message.RoleDeveloper, PaneID: "%1", WorktreePath: "/tmp/worktrees/developer", State: agent.StateReady}

	fresh, err := m.Respawn(context.Background(), "123", prev)
	require.NoError(t, err)
	require.Equal(t, agent.StateReady, fresh.GetState())
	require.Equal(t, "/tmp/worktrees/developer", fresh.Snapshot().WorktreePath)
	require.Contains(t, tm.killed, "%1", "respawn must terminate the old pane, not leak it")
	require.Equal(t, agent.StateTerminated, prev.GetState())
}

func TestRespawnWithoutWorktreeFails(t *testing.T) {
	m := agent.NewManager(&fakeTmux{}, fakeWorktree{}, &fakeSender{}, &fakeRecorder{})
	prev := &agent.Handle{Role: message.RoleDeveloper, State: agent.StateReady}

	_, err := m.Respawn(context.Background(), "123", prev)
	require.Error(t, err)
}
