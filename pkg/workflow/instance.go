package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/kpekel/swarmctl/pkg/message"
)

// StageOutput is the recorded output of a completed stage execution.
type StageOutput struct {
	Type    message.Category
	Verdict Verdict
	Summary string
}

// HistoryEntry records one execution of a stage within an instance.
type HistoryEntry struct {
	StageID   string
	StartTime time.Time
	EndTime   time.Time
	Status    StageStatus
	Iteration int
	Output    *StageOutput
}

// Instance is the mutable runtime state of one workflow execution.
//
// Per §5, in steady state only the monitor loop mutates an Instance;
// lifecycle methods mutate it only while the monitor loop is not iterating.
// The mutex here exists to make that contract safe even when callers are
// less disciplined (e.g. concurrent status queries from the CLI).
type Instance struct {
	mu sync.RWMutex

	TemplateName string
	SessionID    string
	Goal         string

	CurrentStage string
	Status       string // "running" | "complete" | "failed" | "cancelled"

	History           []HistoryEntry
	IterationCounts   map[string]int
	ProcessedMsgIDs   map[string]bool
	Errors            []error

	template *Template
}

// NewInstance creates a fresh instance from tmpl, with current stage set to
// the template's entry stage and status "running" (§4.4 Instance creation).
func NewInstance(tmpl *Template, sessionID, goal string) (*Instance, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("workflow: nil template")
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return &Instance{
		TemplateName:    tmpl.Name,
		SessionID:       sessionID,
		Goal:            goal,
		CurrentStage:    tmpl.EntryStage,
		Status:          "running",
		History:         make([]HistoryEntry, 0, 8),
		IterationCounts: make(map[string]int),
		ProcessedMsgIDs: make(map[string]bool),
		template:        tmpl,
	}, nil
}

// CurrentStageID returns the id of the stage currently in progress.
func (in *Instance) CurrentStageID() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.CurrentStage
}

// Template returns the static definition this instance runs against.
func (in *Instance) Template() *Template {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.template
}

// AttachTemplate rebinds the instance to its template after a checkpoint
// restore (the template itself is not persisted, only its name).
func (in *Instance) AttachTemplate(tmpl *Template) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if tmpl.Name != in.TemplateName {
		return fmt.Errorf("workflow: template name mismatch: instance wants %q, got %q", in.TemplateName, tmpl.Name)
	}
	in.template = tmpl
	return nil
}

// StartStage appends a running history record for id, incrementing its
// iteration counter. Fails if id is not a declared stage (§4.4, invariant 3).
func (in *Instance) StartStage(id string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if _, ok := in.template.StageByID(id); !ok {
		return fmt.Errorf("workflow: unknown stage %q", id)
	}
	in.IterationCounts[id]++
	in.History = append(in.History, HistoryEntry{
		StageID:   id,
		StartTime: time.Now().UTC(),
		Status:    StageStatusRunning,
		Iteration: in.IterationCounts[id],
	})
	in.CurrentStage = id
	return nil
}

// CompleteStage locates the newest running history record for id, attaches
// output, and marks it complete. Fails if no running record is found.
func (in *Instance) CompleteStage(id string, output StageOutput) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i := len(in.History) - 1; i >= 0; i-- {
		if in.History[i].StageID == id && in.History[i].Status == StageStatusRunning {
			in.History[i].Status = StageStatusComplete
			in.History[i].EndTime = time.Now().UTC()
			out := output
			in.History[i].Output = &out
			return nil
		}
	}
	return fmt.Errorf("workflow: no running history entry for stage %q", id)
}

// CompleteIfProducer completes the current stage when msg is that stage's
// declared output (same role, same produced category): the signal that the
// stage's work is done, regardless of where routing sends the message next.
// Messages that merely pass through a role (broadcasts, intermediate chatter)
// leave the current stage untouched. Reaching the completion stage this way
// also marks the instance complete (§4.4 Route message / Instance lifecycle).
func (in *Instance) CompleteIfProducer(msg message.Message) (bool, error) {
	in.mu.RLock()
	current := in.CurrentStage
	tmpl := in.template
	in.mu.RUnlock()

	stage, ok := tmpl.StageByID(current)
	if !ok || stage.Role != msg.From || stage.ProducedOutputType != msg.Type {
		return false, nil
	}

	if err := in.CompleteStage(current, OutputFromMessage(msg)); err != nil {
		return false, err
	}
	if current == tmpl.CompletionStage {
		in.MarkComplete()
	}
	return true, nil
}

// SkipStage is allowed only for optional stages.
func (in *Instance) SkipStage(id string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	stage, ok := in.template.StageByID(id)
	if !ok {
		return fmt.Errorf("workflow: unknown stage %q", id)
	}
	if !stage.Optional {
		return fmt.Errorf("workflow: stage %q is not optional, cannot skip", id)
	}
	in.History = append(in.History, HistoryEntry{
		StageID:   id,
		StartTime: time.Now().UTC(),
		EndTime:   time.Now().UTC(),
		Status:    StageStatusSkipped,
	})
	return nil
}

// LatestOutput returns the most recent completed output recorded for id.
func (in *Instance) LatestOutput(id string) (StageOutput, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	for i := len(in.History) - 1; i >= 0; i-- {
		if in.History[i].StageID == id && in.History[i].Output != nil {
			return *in.History[i].Output, true
		}
	}
	return StageOutput{}, false
}

// IterationCount returns the current iteration count for a stage.
func (in *Instance) IterationCount(id string) int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.IterationCounts[id]
}

// AtMaxIterations reports whether stage id has reached its declared
// maximum (0 = unbounded).
func (in *Instance) AtMaxIterations(id string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	stage, ok := in.template.StageByID(id)
	if !ok || stage.MaxIterations <= 0 {
		return false
	}
	return in.IterationCounts[id] >= stage.MaxIterations
}

// ComputeNext walks transitions declared from the current stage in order
// and returns the first whose guard matches against output. If the
// otherwise-selected transition targets a stage already at its maximum, the
// completion stage is substituted instead (iteration-cap short-circuit,
// §4.4). Returns ("", false) at a terminal point (no transition matches at
// the completion stage).
func (in *Instance) ComputeNext(output StageOutput) (string, bool) {
	in.mu.RLock()
	current := in.CurrentStage
	completion := in.template.CompletionStage
	transitions := in.template.TransitionsFrom(current)
	in.mu.RUnlock()

	for _, tr := range transitions {
		if in.guardMatches(tr.Guard, output, tr.To) {
			if in.AtMaxIterations(tr.To) && tr.To != completion {
				return completion, true
			}
			return tr.To, true
		}
	}
	// No transition matched. At the completion stage this is the terminal
	// condition; elsewhere it signals a template gap, but the engine still
	// reports "no next stage" rather than guessing.
	return "", false
}

func (in *Instance) guardMatches(g Guard, output StageOutput, target string) bool {
	switch g.Kind {
	case GuardAlways, GuardOnComplete:
		return true
	case GuardOnVerdict:
		return output.Verdict == g.Verdict
	case GuardOnCount:
		in.mu.RLock()
		count := in.IterationCounts[g.Field]
		in.mu.RUnlock()
		return count >= g.Threshold
	case GuardOnMaxIterations:
		return in.AtMaxIterations(target)
	default:
		return false
	}
}

// IsComplete reports whether the instance is done: status is "complete", or
// the completion stage has a history entry with status complete (§4.4).
func (in *Instance) IsComplete() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.Status == "complete" {
		return true
	}
	for _, h := range in.History {
		if h.StageID == in.template.CompletionStage && h.Status == StageStatusComplete {
			return true
		}
	}
	return false
}

// MarkComplete transitions the instance status to "complete".
func (in *Instance) MarkComplete() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.Status = "complete"
}

// MarkFailed transitions the instance status to "failed", recording err.
func (in *Instance) MarkFailed(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.Status = "failed"
	if err != nil {
		in.Errors = append(in.Errors, err)
	}
}

// RecordError appends err to the instance's cumulative error list without
// changing status.
func (in *Instance) RecordError(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.Errors = append(in.Errors, err)
}

// ErrorsSnapshot returns a copy of the instance's cumulative error list.
func (in *Instance) ErrorsSnapshot() []error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]error, len(in.Errors))
	copy(out, in.Errors)
	return out
}

// MarkProcessed records a message id as consumed, for idempotent replay
// detection (§8 invariant: message id unique within session history).
func (in *Instance) MarkProcessed(id string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.ProcessedMsgIDs[id] = true
}

// AlreadyProcessed reports whether a message id has already been routed.
func (in *Instance) AlreadyProcessed(id string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.ProcessedMsgIDs[id]
}

// Progress returns the ratio of distinct completed stages to total stages,
// clamped to [0, 100].
func (in *Instance) Progress() int {
	in.mu.RLock()
	defer in.mu.RUnlock()

	completed := map[string]bool{}
	for _, h := range in.History {
		if h.Status == StageStatusComplete || h.Status == StageStatusSkipped {
			completed[h.StageID] = true
		}
	}
	total := len(in.template.Stages)
	if total == 0 {
		return 0
	}
	pct := (len(completed) * 100) / total
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// HistorySnapshot returns a copy of the history slice, safe to read outside
// the instance's lock (used by checkpointing).
func (in *Instance) HistorySnapshot() []HistoryEntry {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]HistoryEntry, len(in.History))
	copy(out, in.History)
	return out
}

// IterationCountsSnapshot returns a copy of the iteration-count map.
func (in *Instance) IterationCountsSnapshot() map[string]int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make(map[string]int, len(in.IterationCounts))
	for k, v := range in.IterationCounts {
		out[k] = v
	}
	return out
}

// ProcessedIDsSnapshot returns a copy of the processed-message-id set.
func (in *Instance) ProcessedIDsSnapshot() map[string]bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make(map[string]bool, len(in.ProcessedMsgIDs))
	for k, v := range in.ProcessedMsgIDs {
		out[k] = v
	}
	return out
}

// Restore rebuilds instance mutable state from a prior snapshot (used by
// checkpoint resume, §8 Round-trip property).
func (in *Instance) Restore(currentStage, status string, history []HistoryEntry, iterationCounts map[string]int, processed map[string]bool, errs []error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.CurrentStage = currentStage
	in.Status = status
	in.History = append([]HistoryEntry{}, history...)
	in.IterationCounts = map[string]int{}
	for k, v := range iterationCounts {
		in.IterationCounts[k] = v
	}
	in.ProcessedMsgIDs = map[string]bool{}
	for k, v := range processed {
		in.ProcessedMsgIDs[k] = v
	}
	in.Errors = append([]error{}, errs...)
}
