package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kpekel/swarmctl/pkg/recovery"
)

func parseISO(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// CheckpointType names why a checkpoint was taken (§4.7 triggers).
type CheckpointType string

const (
	CheckpointSessionStart  CheckpointType = "session_start"
	CheckpointStageComplete CheckpointType = "stage_complete"
	CheckpointPeriodic      CheckpointType = "periodic"
	CheckpointPreRecovery   CheckpointType = "pre_recovery"
	CheckpointUserRequested CheckpointType = "user_requested"
)

// workflowState is the narrow slice of Checkpoint persisted under
// workflow_state_json, matching the checkpoints table's column shape.
type workflowState struct {
	TemplateName    string         `json:"template_name"`
	Goal            string         `json:"goal"`
	CurrentStage    string         `json:"current_stage"`
	Status          string         `json:"status"`
	IterationCounts map[string]int `json:"iteration_counts"`
	ProcessedMsgIDs map[string]bool `json:"processed_msg_ids"`
}

// completedStages extracts the distinct stage ids with a complete or
// skipped history entry, in first-seen order.
func completedStages(cp recovery.Checkpoint) []string {
	seen := map[string]bool{}
	var out []string
	for _, h := range cp.History {
		if (h.Status == "complete" || h.Status == "skipped") && !seen[h.StageID] {
			seen[h.StageID] = true
			out = append(out, h.StageID)
		}
	}
	return out
}

// SaveCheckpoint persists cp to the checkpoints table and prunes older
// checkpoints for the same session beyond retention (§4.7 Checkpoint).
func (s *Store) SaveCheckpoint(ctx context.Context, typ CheckpointType, createdBy, notes string, cp recovery.Checkpoint) (string, error) {
	ws, err := json.Marshal(workflowState{
		TemplateName: cp.TemplateName, Goal: cp.Goal, CurrentStage: cp.CurrentStage,
		Status: cp.Status, IterationCounts: cp.IterationCounts, ProcessedMsgIDs: cp.ProcessedMsgIDs,
	})
	if err != nil {
		return "", fmt.Errorf("audit: marshal workflow state: %w", err)
	}
	agents, err := json.Marshal(cp.Agents)
	if err != nil {
		return "", fmt.Errorf("audit: marshal agent states: %w", err)
	}
	completed, err := json.Marshal(completedStages(cp))
	if err != nil {
		return "", fmt.Errorf("audit: marshal completed stages: %w", err)
	}
	errs, err := json.Marshal(cp.ErrorMessages)
	if err != nil {
		return "", fmt.Errorf("audit: marshal errors: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, session_id, type, created_at, created_by, workflow_state_json, agent_states_json, completed_stages_json, errors_json, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, cp.SessionID, string(typ), iso(cp.Timestamp), createdBy, string(ws), string(agents), string(completed), string(errs), nullIfEmpty(notes))
	if err != nil {
		return "", fmt.Errorf("audit: save checkpoint: %w", err)
	}

	if err := s.pruneCheckpoints(ctx, cp.SessionID); err != nil {
		s.log.Warn("checkpoint retention pruning failed", "session_id", cp.SessionID, "error", err)
	}
	return id, nil
}

// pruneCheckpoints deletes all but the s.retain most recent checkpoints for
// a session.
func (s *Store) pruneCheckpoints(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		)`, sessionID, sessionID, s.retain)
	return err
}

// LatestCheckpoint returns the most recently saved checkpoint for a
// session, or nil if none exists, reconstituted as a recovery.Checkpoint.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*recovery.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at, workflow_state_json, agent_states_json, errors_json
		 FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)

	var createdAt, wsJSON, agentsJSON string
	var errsJSON sql.NullString
	if err := row.Scan(&createdAt, &wsJSON, &agentsJSON, &errsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: load latest checkpoint: %w", err)
	}

	var ws workflowState
	if err := json.Unmarshal([]byte(wsJSON), &ws); err != nil {
		return nil, fmt.Errorf("audit: parse workflow state: %w", err)
	}
	cp := recovery.Checkpoint{
		SessionID:       sessionID,
		TemplateName:    ws.TemplateName,
		Goal:            ws.Goal,
		CurrentStage:    ws.CurrentStage,
		Status:          ws.Status,
		IterationCounts: ws.IterationCounts,
		ProcessedMsgIDs: ws.ProcessedMsgIDs,
	}
	ts, err := parseISO(createdAt)
	if err == nil {
		cp.Timestamp = ts
	}
	if err := json.Unmarshal([]byte(agentsJSON), &cp.Agents); err != nil {
		return nil, fmt.Errorf("audit: parse agent states: %w", err)
	}
	if errsJSON.Valid {
		if err := json.Unmarshal([]byte(errsJSON.String), &cp.ErrorMessages); err != nil {
			return nil, fmt.Errorf("audit: parse error messages: %w", err)
		}
	}
	return &cp, nil
}
