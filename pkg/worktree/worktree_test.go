package worktree_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/worktree"
)

type fakePromptSource struct{}

func (fakePromptSource) Read(role string) ([]byte, error) {
	return []byte("# " + role + " prompt\n"), nil
}

// fakeGit simulates just enough of git's worktree surface for unit tests,
// creating real directories on disk so callers observe realistic state.
type fakeGit struct {
	branches map[string]bool
}

func newFakeGit() *fakeGit {
	return &fakeGit{branches: map[string]bool{}}
}

func (f *fakeGit) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	switch strings.Join(args[:min(2, len(args))], " ") {
	case "rev-parse --is-inside-work-tree":
		return "true\n", "", nil
	case "rev-parse HEAD":
		return "deadbeef\n", "", nil
	case "rev-parse --abbrev-ref":
		return "main\n", "", nil
	}
	if args[0] == "worktree" && len(args) > 1 {
		switch args[1] {
		case "add":
			target, branch := args[2], args[4]
			if f.branches[branch] {
				return "", "fatal: a branch named '" + branch + "' already exists", errors.New("exit 1")
			}
			f.branches[branch] = true
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", "", err
			}
			return "", "", nil
		case "remove":
			target := args[len(args)-1]
			if _, err := os.Stat(target); err != nil {
				return "", "is not a working tree", errors.New("exit 1")
			}
			return "", "", os.RemoveAll(target)
		case "list":
			return "", "", nil
		}
	}
	if args[0] == "branch" && args[1] == "-D" {
		delete(f.branches, args[2])
		return "", "", nil
	}
	return "", "", nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func TestCreateWorktreeCopiesPrompt(t *testing.T) {
	repo := t.TempDir()
	g := newFakeGit()
	a := worktree.New(g, repo, fakePromptSource{})

	path, err := a.Create(context.Background(), "researcher", "123")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(repo, ".worktrees", "researcher"), path)

	data, err := os.ReadFile(filepath.Join(path, "CLAUDE.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "researcher prompt")
}

func TestCreateAllRollsBackOnFailure(t *testing.T) {
	repo := t.TempDir()
	g := newFakeGit()
	// Pre-create the branch for "reviewer" so the second role's Create fails.
	g.branches[worktree.BranchName("reviewer", "s1")] = true

	a := worktree.New(g, repo, fakePromptSource{})
	_, err := a.CreateAll(context.Background(), []string{"researcher", "reviewer"}, "s1")
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(repo, ".worktrees"))
	require.NoError(t, err)
	require.Empty(t, entries, "no dangling worktree directories after rollback")
}

func TestRemoveAbsentWorktreeIsIdempotent(t *testing.T) {
	repo := t.TempDir()
	g := newFakeGit()
	a := worktree.New(g, repo, fakePromptSource{})

	require.NoError(t, a.Remove(context.Background(), "researcher", "123", true))
	require.NoError(t, a.Remove(context.Background(), "researcher", "123", true))
}

func TestBranchNameFormat(t *testing.T) {
	require.Equal(t, "swarm/researcher-123", worktree.BranchName("researcher", "123"))
}

func TestValidSessionID(t *testing.T) {
	require.True(t, worktree.ValidSessionID("abc-123"))
	require.False(t, worktree.ValidSessionID("abc 123;rm"))
}
