package recovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kpekel/swarmctl/pkg/agent"
	"github.com/kpekel/swarmctl/pkg/workflow"
)

// Checkpoint is a durable snapshot of one session's recoverable state,
// sufficient to resume a workflow instance and its agent roster after a
// crash (§4.7 Checkpoint, §8 Round-trip property).
type Checkpoint struct {
	SessionID       string                 `json:"session_id"`
	Timestamp       time.Time              `json:"timestamp"`
	TemplateName    string                 `json:"template_name"`
	Goal            string                 `json:"goal"`
	CurrentStage    string                 `json:"current_stage"`
	Status          string                 `json:"status"`
	History         []workflow.HistoryEntry `json:"history"`
	IterationCounts map[string]int         `json:"iteration_counts"`
	ProcessedMsgIDs map[string]bool        `json:"processed_msg_ids"`
	ErrorMessages   []string               `json:"error_messages"`
	Agents          []agent.Snapshot       `json:"agents"`
	Degradation     Snapshot               `json:"degradation"`
}

// FromInstance builds a Checkpoint from live instance and agent state. The
// caller supplies "now" so checkpoint files stay reproducible in tests.
func FromInstance(in *workflow.Instance, now time.Time, errs []error, agents []agent.Snapshot, deg Snapshot) Checkpoint {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Error())
		}
	}
	return Checkpoint{
		SessionID:       in.SessionID,
		Timestamp:       now,
		TemplateName:    in.TemplateName,
		Goal:            in.Goal,
		CurrentStage:    in.CurrentStage,
		Status:          in.Status,
		History:         in.HistorySnapshot(),
		IterationCounts: in.IterationCountsSnapshot(),
		ProcessedMsgIDs: in.ProcessedIDsSnapshot(),
		ErrorMessages:   msgs,
		Agents:          agents,
		Degradation:     deg,
	}
}

// RestoreInto applies a checkpoint's workflow state back onto a freshly
// constructed instance (already bound to its template). Agent and
// degradation state are not applied, since Instance has no knowledge of
// either; they stay in c.Agents and c.Degradation for the caller to re-attach.
func (c Checkpoint) RestoreInto(in *workflow.Instance) {
	errs := make([]error, 0, len(c.ErrorMessages))
	for _, m := range c.ErrorMessages {
		errs = append(errs, fmt.Errorf("%s", m))
	}
	in.Restore(c.CurrentStage, c.Status, c.History, c.IterationCounts, c.ProcessedMsgIDs, errs)
}

// CheckpointManager persists and prunes checkpoints to a directory tree,
// one subdirectory per session, one JSON file per checkpoint.
type CheckpointManager struct {
	root   string
	log    *slog.Logger
	retain int // keep this many most-recent checkpoints per session
}

// NewCheckpointManager returns a manager rooted at root, retaining the 10
// most recent checkpoints per session as the spec's default.
func NewCheckpointManager(root string, log *slog.Logger) *CheckpointManager {
	if log == nil {
		log = slog.Default()
	}
	return &CheckpointManager{root: root, log: log, retain: 10}
}

func (m *CheckpointManager) sessionDir(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

func (m *CheckpointManager) fileName(ts time.Time) string {
	return fmt.Sprintf("checkpoint-%d.json", ts.UnixNano())
}

// Save writes cp to disk atomically (write-temp-then-rename, matching the
// message queue's durability discipline) and prunes older checkpoints for
// the same session beyond the retention count.
func (m *CheckpointManager) Save(cp Checkpoint) (string, error) {
	dir := m.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("recovery: create checkpoint dir: %w", err)
	}

	path := filepath.Join(dir, m.fileName(cp.Timestamp))
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("recovery: marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "checkpoint.tmp.*")
	if err != nil {
		return "", fmt.Errorf("recovery: create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("recovery: write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("recovery: close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("recovery: rename checkpoint into place: %w", err)
	}

	if err := m.prune(cp.SessionID); err != nil {
		m.log.Warn("checkpoint retention pruning failed", "session_id", cp.SessionID, "error", err)
	}
	return path, nil
}

// list returns checkpoint file paths for a session, oldest first.
func (m *CheckpointManager) list(sessionID string) ([]string, error) {
	dir := m.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // filenames embed UnixNano, so lexical order is chronological
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// prune removes all but the most recent m.retain checkpoints for a session.
func (m *CheckpointManager) prune(sessionID string) error {
	paths, err := m.list(sessionID)
	if err != nil {
		return err
	}
	if len(paths) <= m.retain {
		return nil
	}
	toRemove := paths[:len(paths)-m.retain]
	for _, p := range toRemove {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Latest returns the most recent checkpoint for sessionID, or nil if none
// exists.
func (m *CheckpointManager) Latest(sessionID string) (*Checkpoint, error) {
	paths, err := m.list(sessionID)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	return m.load(paths[len(paths)-1])
}

func (m *CheckpointManager) load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recovery: read checkpoint %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("recovery: parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}
