package tmux_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/tmux"
)

// fakeRunner is a scriptable tmux.Runner for unit tests.
type fakeRunner struct {
	sessions map[string]bool
	panes    map[string][]string // session -> pane ids
	paneSeq  int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{sessions: map[string]bool{}, panes: map[string][]string{}}
}

func (f *fakeRunner) Run(_ context.Context, args ...string) (string, string, error) {
	switch args[0] {
	case "new-session":
		name := args[len(args)-1]
		if f.sessions[name] {
			return "", "duplicate session: " + name, errors.New("exit 1")
		}
		f.sessions[name] = true
		f.paneSeq++
		f.panes[name] = []string{fmt.Sprintf("%%%d", f.paneSeq)}
		return "", "", nil
	case "kill-session":
		name := args[2]
		if !f.sessions[name] {
			return "", "can't find session: " + name, errors.New("exit 1")
		}
		delete(f.sessions, name)
		delete(f.panes, name)
		return "", "", nil
	case "list-sessions":
		detailed := strings.Contains(argAfterFlag(args, "-F"), "|")
		var lines []string
		for name := range f.sessions {
			if detailed {
				lines = append(lines, name+"|1|0|0")
			} else {
				lines = append(lines, name)
			}
		}
		return strings.Join(lines, "\n"), "", nil
	case "split-window":
		name := argAfterFlag(args, "-t")
		f.paneSeq++
		id := fmt.Sprintf("%%%d", f.paneSeq)
		f.panes[name] = append(f.panes[name], id)
		return id, "", nil
	case "list-panes":
		name := args[2]
		var lines []string
		for i, id := range f.panes[name] {
			lines = append(lines, fmt.Sprintf("%s|%d|%d", id, i, boolToInt(i == 0)))
		}
		return strings.Join(lines, "\n"), "", nil
	case "select-layout", "send-keys", "kill-pane", "resize-pane":
		return "", "", nil
	case "capture-pane":
		return "agent-shell$ ", "", nil
	}
	return "", "unsupported command", errors.New("unsupported")
}

func argAfterFlag(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestCreateSessionThenDuplicateFails(t *testing.T) {
	a := tmux.New(newFakeRunner())
	ctx := context.Background()

	require.NoError(t, a.CreateSession(ctx, "123"))
	err := a.CreateSession(ctx, "123")
	require.Error(t, err)

	var tErr *tmux.Error
	require.ErrorAs(t, err, &tErr)
	require.Equal(t, tmux.CodeSessionExists, tErr.Code)
}

func TestKillSessionIsIdempotent(t *testing.T) {
	a := tmux.New(newFakeRunner())
	ctx := context.Background()

	require.NoError(t, a.CreateSession(ctx, "123"))
	require.NoError(t, a.KillSession(ctx, "123"))
	require.NoError(t, a.KillSession(ctx, "123")) // second call still succeeds
}

func TestCreatePaneGridBuildsNPanes(t *testing.T) {
	a := tmux.New(newFakeRunner())
	ctx := context.Background()

	require.NoError(t, a.CreateSession(ctx, "123"))
	ids, err := a.CreatePaneGrid(ctx, "123", 4)
	require.NoError(t, err)
	require.Len(t, ids, 4)
	for _, id := range ids {
		require.True(t, tmux.ValidPaneID(id))
	}
}

func TestSessionNameValidation(t *testing.T) {
	require.True(t, tmux.ValidSessionName("swarm_123"))
	require.False(t, tmux.ValidSessionName("swarm;rm -rf /"))
}

func TestPaneIDValidation(t *testing.T) {
	require.True(t, tmux.ValidPaneID("%12"))
	require.False(t, tmux.ValidPaneID("12"))
}
