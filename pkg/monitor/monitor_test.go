package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/agent"
	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/monitor"
	"github.com/kpekel/swarmctl/pkg/recovery"
	"github.com/kpekel/swarmctl/pkg/workflow"
)

type fakeStore struct {
	outboxes map[message.Role][]message.Message
	inboxes  map[message.Role][]message.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{outboxes: map[message.Role][]message.Message{}, inboxes: map[message.Role][]message.Message{}}
}

func (f *fakeStore) ReadOutbox(role message.Role) ([]message.Message, error) { return f.outboxes[role], nil }
func (f *fakeStore) ReadInbox(role message.Role) ([]message.Message, error)  { return f.inboxes[role], nil }
func (f *fakeStore) AppendToInbox(role message.Role, m message.Message) error {
	f.inboxes[role] = append(f.inboxes[role], m)
	return nil
}

type fakeAudit struct{ recorded []message.Message }

func (f *fakeAudit) RecordMessage(ctx context.Context, sessionID string, m message.Message) error {
	f.recorded = append(f.recorded, m)
	return nil
}

type fakeTmux struct{ gone map[string]bool }

func (f *fakeTmux) PaneExists(ctx context.Context, sessionID, paneID string) (bool, error) {
	return !f.gone[paneID], nil
}

type fakeRoster struct{ handles map[message.Role]*agent.Handle }

func (f *fakeRoster) Handles() map[message.Role]*agent.Handle { return f.handles }
func (f *fakeRoster) Put(role message.Role, h *agent.Handle)  { f.handles[role] = h }

type fakeRespawner struct {
	calls int
	err   error
}

func (f *fakeRespawner) Respawn(ctx context.Context, sessionID string, prev *agent.Handle) (*agent.Handle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	snap := prev.Snapshot()
	return &agent.Handle{Role: snap.Role, PaneID: "%restarted", WorktreePath: snap.WorktreePath, State: agent.StateReady, LastActivity: time.Now().UTC()}, nil
}

func newResearchInstance(t *testing.T) *workflow.Instance {
	t.Helper()
	reg := workflow.NewRegistry()
	tmpl, ok := reg.Lookup("research")
	require.True(t, ok)
	in, err := workflow.NewInstance(tmpl, "sess-mon", "look into the thing")
	require.NoError(t, err)
	require.NoError(t, in.StartStage(tmpl.EntryStage))
	return in
}

func TestDrainOutboxesRoutesInTimestampOrder(t *testing.T) {
	in := newResearchInstance(t)
	store := newFakeStore()
	base := time.Unix(1700000000, 0).UTC()
	store.outboxes[message.RoleResearcher] = []message.Message{
		{ID: "m2", Timestamp: base.Add(2 * time.Second), From: message.RoleResearcher, To: message.RoleOrchestrator, Type: message.CategoryResult, Priority: message.PriorityNormal, Content: message.Content{Subject: "s2", Body: "b2", Metadata: map[string]interface{}{"verdict": "approved"}}},
		{ID: "m1", Timestamp: base.Add(1 * time.Second), From: message.RoleResearcher, To: message.RoleOrchestrator, Type: message.CategoryResult, Priority: message.PriorityNormal, Content: message.Content{Subject: "s1", Body: "b1", Metadata: map[string]interface{}{"verdict": "approved"}}},
	}

	audit := &fakeAudit{}
	eng := recovery.NewEngine(nil)
	l := monitor.New(monitor.Options{
		SessionID: "sess-mon", Instance: in, Store: store, Audit: audit, Recovery: eng,
		Interval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { l.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	require.Len(t, audit.recorded, 2)
	require.Equal(t, "m1", audit.recorded[0].ID)
	require.Equal(t, "m2", audit.recorded[1].ID)
	require.Len(t, store.inboxes[message.RoleOrchestrator], 2)
}

func TestHealthCheckFlagsMissingPaneAsCrashed(t *testing.T) {
	in := newResearchInstance(t)
	store := newFakeStore()
	h := &agent.Handle{Role: message.RoleResearcher, PaneID: "%1", State: agent.StateWorking}
	roster := &fakeRoster{handles: map[message.Role]*agent.Handle{message.RoleResearcher: h}}
	tm := &fakeTmux{gone: map[string]bool{"%1": true}}
	eng := recovery.NewEngine(nil)

	l := monitor.New(monitor.Options{
		SessionID: "sess-mon", Instance: in, Store: store, Roster: roster, Tmux: tm, Recovery: eng,
		Interval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { l.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	require.Equal(t, agent.StateError, h.GetState())
}

func TestHealthCheckRestartsCrashedAgentOnSameWorktree(t *testing.T) {
	in := newResearchInstance(t)
	store := newFakeStore()
	store.inboxes[message.RoleResearcher] = []message.Message{
		{ID: "task-1", From: message.RoleOrchestrator, To: message.RoleResearcher, Type: message.CategoryTask, Priority: message.PriorityNormal, Content: message.Content{Subject: "s", Body: "b"}},
	}
	h := &agent.Handle{Role: message.RoleResearcher, PaneID: "%1", WorktreePath: "/tmp/worktrees/researcher", State: agent.StateWorking}
	roster := &fakeRoster{handles: map[message.Role]*agent.Handle{message.RoleResearcher: h}}
	tm := &fakeTmux{gone: map[string]bool{"%1": true}}
	respawner := &fakeRespawner{}
	eng := recovery.NewEngine(nil)

	l := monitor.New(monitor.Options{
		SessionID: "sess-mon", Instance: in, Store: store, Roster: roster, Tmux: tm, Recovery: eng, Agents: respawner,
		Interval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { l.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	require.Equal(t, 1, respawner.calls, "a CRASHED agent must actually be respawned, not just recorded")
	require.Equal(t, agent.StateWorking, roster.handles[message.RoleResearcher].GetState(), "the restarted handle should be installed and marked working after redelivery")
	require.Equal(t, "%restarted", roster.handles[message.RoleResearcher].Snapshot().PaneID)
	require.Len(t, store.inboxes[message.RoleResearcher], 2, "the last task message must be redelivered after restart")
}

func TestLoopStopsWhenWorkflowCompletes(t *testing.T) {
	reg := workflow.NewRegistry()
	tmpl, ok := reg.Lookup("review")
	require.True(t, ok)
	in, err := workflow.NewInstance(tmpl, "sess-done", "review the patch")
	require.NoError(t, err)
	require.NoError(t, in.StartStage("review"))
	require.NoError(t, in.CompleteStage("review", workflow.StageOutput{Type: message.CategoryResult, Verdict: workflow.VerdictApproved}))
	in.MarkComplete()

	store := newFakeStore()
	eng := recovery.NewEngine(nil)
	l := monitor.New(monitor.Options{SessionID: "sess-done", Instance: in, Store: store, Recovery: eng, Interval: time.Hour})

	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after workflow completion")
	}
}
