package message_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/message"
)

func newTestStore(t *testing.T) *message.Store {
	t.Helper()
	root := t.TempDir()
	s := message.NewStore(root, nil)
	require.NoError(t, s.EnsureDirs(context.Background()))
	return s
}

func sampleMessage(id string) message.Message {
	return message.Message{
		ID:        id,
		Timestamp: time.Now().UTC(),
		From:      message.RoleResearcher,
		To:        message.RoleReviewer,
		Type:      message.CategoryFinding,
		Priority:  message.PriorityNormal,
		Content:   message.Content{Subject: "subj", Body: "body"},
	}
}

func TestEnsureDirsIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureDirs(context.Background()))
	require.NoError(t, s.EnsureDirs(context.Background()))

	msgs, err := s.ReadInbox(message.RoleResearcher)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	m := sampleMessage("m1")
	require.NoError(t, s.AppendToOutbox(message.RoleResearcher, m))

	out, err := s.ReadOutbox(message.RoleResearcher)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "m1", out[0].ID)
}

func TestRemoveByIDAbsentIsNotError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RemoveByID("outbox", message.RoleResearcher, "does-not-exist"))
}

func TestMissingFileResolvesToEmptyArray(t *testing.T) {
	root := t.TempDir()
	s := message.NewStore(root, nil)
	msgs, err := s.ReadInbox(message.RoleDeveloper)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestCorruptJSONResolvesToEmptyArrayNotError(t *testing.T) {
	root := t.TempDir()
	s := message.NewStore(root, nil)
	require.NoError(t, s.EnsureDirs(context.Background()))

	p := filepath.Join(root, "inbox", "developer.json")
	require.NoError(t, os.WriteFile(p, []byte("{not valid json"), 0o644))

	msgs, err := s.ReadInbox(message.RoleDeveloper)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestInvalidEntryIsDroppedNotFatal(t *testing.T) {
	root := t.TempDir()
	s := message.NewStore(root, nil)
	require.NoError(t, s.EnsureDirs(context.Background()))

	p := filepath.Join(root, "inbox", "developer.json")
	bad := `[{"id":"ok","timestamp":"2025-01-01T00:00:00Z","from":"researcher","to":"developer","type":"task","priority":"normal","content":{"subject":"s","body":"b"},"requiresResponse":false},{"id":"","timestamp":"","from":"","to":""}]`
	require.NoError(t, os.WriteFile(p, []byte(bad), 0o644))

	msgs, err := s.ReadInbox(message.RoleDeveloper)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "ok", msgs[0].ID)
}

func TestFilterByMinPriorityOrdersCriticalFirst(t *testing.T) {
	msgs := []message.Message{
		sampleMessage("low"),
		sampleMessage("critical"),
	}
	msgs[0].Priority = message.PriorityLow
	msgs[1].Priority = message.PriorityCritical

	filtered := message.FilterByMinPriority(msgs, message.PriorityLow)
	require.Len(t, filtered, 2)
	require.Equal(t, "critical", filtered[0].ID)
}

func TestInvalidRoleRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadInbox(message.Role("not-a-role"))
	require.ErrorIs(t, err, message.ErrInvalidRole)
}
