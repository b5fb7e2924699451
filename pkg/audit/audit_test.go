package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/audit"
	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/recovery"
)

func openTestStore(t *testing.T) *audit.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := audit.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateSessionAndRecordMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, "sess-1", "research", "investigate the bug", "running", now))

	msg := message.Message{
		ID: "m1", Timestamp: now, From: message.RoleResearcher, To: message.RoleOrchestrator,
		Type: message.CategoryResult, Priority: message.PriorityNormal,
		Content: message.Content{Subject: "s", Body: "b"},
	}
	require.NoError(t, s.RecordMessage(ctx, "sess-1", msg))
	require.NoError(t, s.RecordMessage(ctx, "sess-1", msg), "duplicate id is ignored, not an error")
}

func TestRecordAgentActivityAndError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, "sess-2", "development", "ship the feature", "running", now))

	require.NoError(t, s.RecordAgentActivity(ctx, "sess-2", message.RoleDeveloper, "ready", map[string]interface{}{"pane": "%1"}))

	rec := recovery.NewError(recovery.CodeAgentTimeout, recovery.NewErrorOptions{
		Component: "monitor", Role: message.RoleDeveloper, Message: "idle too long",
	})
	require.NoError(t, s.RecordError(ctx, "sess-2", rec))
}

func TestCheckpointSaveAndLoadLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, "sess-3", "research", "look into it", "running", now))

	cp := recovery.Checkpoint{
		SessionID: "sess-3", Timestamp: now, TemplateName: "research", Goal: "look into it",
		CurrentStage: "verification", Status: "running",
		IterationCounts: map[string]int{"deep_dive": 1},
		ProcessedMsgIDs: map[string]bool{"m1": true},
		ErrorMessages:   []string{"transient glitch"},
	}
	id, err := s.SaveCheckpoint(ctx, audit.CheckpointStageComplete, "system", "", cp)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	loaded, err := s.LatestCheckpoint(ctx, "sess-3")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, "verification", loaded.CurrentStage)
	require.Equal(t, 1, loaded.IterationCounts["deep_dive"])
	require.True(t, loaded.ProcessedMsgIDs["m1"])
	require.Equal(t, []string{"transient glitch"}, loaded.ErrorMessages)
}

func TestCheckpointRetentionPrunesOldest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, "sess-4", "research", "look into it", "running", base))

	for i := 0; i < 15; i++ {
		cp := recovery.Checkpoint{SessionID: "sess-4", Timestamp: base.Add(time.Duration(i) * time.Second), Status: "running"}
		_, err := s.SaveCheckpoint(ctx, audit.CheckpointPeriodic, "system", "", cp)
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE session_id = ?`, "sess-4").Scan(&count))
	require.Equal(t, 10, count)
}

func TestHistoryOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, "sess-old", "research", "g1", "complete", t0))
	require.NoError(t, s.CreateSession(ctx, "sess-new", "research", "g2", "running", t0.Add(time.Minute)))

	summaries, err := s.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "sess-new", summaries[0].ID)
}
