// Package workflow implements the declarative workflow state machine: stage
// definitions, guarded transitions, instance state, routing, and result
// synthesis (component C4 of the coordination engine).
package workflow

import (
	"time"

	"github.com/kpekel/swarmctl/pkg/message"
)

// StageCategory classifies what kind of work a stage performs.
type StageCategory string

const (
	StageWork      StageCategory = "work"
	StageReview    StageCategory = "review"
	StageDecision  StageCategory = "decision"
	StageSynthesis StageCategory = "synthesis"
)

// StageStatus is the execution status of one history entry for a stage.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusSkipped  StageStatus = "skipped"
	StageStatusFailed   StageStatus = "failed"
)

// Verdict is the outcome of a review stage.
type Verdict string

const (
	VerdictApproved      Verdict = "APPROVED"
	VerdictNeedsRevision Verdict = "NEEDS_REVISION"
	VerdictRejected      Verdict = "REJECTED"
)

// Stage is one node in the workflow graph.
type Stage struct {
	ID                  string
	Role                message.Role
	Category            StageCategory
	AcceptedInputTypes  []message.Category
	ProducedOutputType  message.Category
	Optional            bool
	MaxIterations       int
	Timeout             time.Duration
	Description         string
}

// GuardKind is the closed set of transition guard forms.
type GuardKind string

const (
	GuardAlways         GuardKind = "always"
	GuardOnComplete     GuardKind = "on_complete"
	GuardOnVerdict      GuardKind = "on_verdict"
	GuardOnCount        GuardKind = "on_count"
	GuardOnMaxIterations GuardKind = "on_max_iterations"
)

// Guard is a transition's matching condition.
type Guard struct {
	Kind      GuardKind
	Verdict   Verdict // used by GuardOnVerdict
	Field     string  // used by GuardOnCount
	Threshold int     // used by GuardOnCount
}

// Always builds an unconditional guard.
func Always() Guard { return Guard{Kind: GuardAlways} }

// OnComplete builds a guard matching any successful stage completion.
func OnComplete() Guard { return Guard{Kind: GuardOnComplete} }

// OnVerdict builds a guard matching a specific review verdict.
func OnVerdict(v Verdict) Guard { return Guard{Kind: GuardOnVerdict, Verdict: v} }

// OnCount builds a guard matching a named counter crossing threshold.
func OnCount(field string, threshold int) Guard {
	return Guard{Kind: GuardOnCount, Field: field, Threshold: threshold}
}

// OnMaxIterations builds a guard matching the target stage being at its
// declared iteration maximum.
func OnMaxIterations() Guard { return Guard{Kind: GuardOnMaxIterations} }

// Transition is a directed, guarded edge between stages.
type Transition struct {
	From  string
	To    string
	Guard Guard
}

// Template is a static workflow definition.
type Template struct {
	Name              string
	Version           string
	Roles             []message.Role
	Stages            []Stage
	Transitions       []Transition
	EntryStage        string
	CompletionStage   string
	MaxDuration       time.Duration
	MaxRevisionCount  int
}

// StageByID returns the stage definition with the given id, if present.
func (t *Template) StageByID(id string) (Stage, bool) {
	for _, s := range t.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// TransitionsFrom returns the transitions declared from stage id, in
// declaration order.
func (t *Template) TransitionsFrom(id string) []Transition {
	var out []Transition
	for _, tr := range t.Transitions {
		if tr.From == id {
			out = append(out, tr)
		}
	}
	return out
}

// Validate checks structural invariants before a template is registered:
// entry/completion stages exist, every transition's endpoints exist, and no
// stage has an empty role (supplemental feature, §SPEC_FULL.md 4).
func (t *Template) Validate() error {
	if t.Name == "" {
		return &ValidationError{Reason: "template name is empty"}
	}
	if _, ok := t.StageByID(t.EntryStage); !ok {
		return &ValidationError{Reason: "entry stage " + t.EntryStage + " is not declared"}
	}
	if _, ok := t.StageByID(t.CompletionStage); !ok {
		return &ValidationError{Reason: "completion stage " + t.CompletionStage + " is not declared"}
	}
	seen := map[string]bool{}
	for _, s := range t.Stages {
		if s.ID == "" {
			return &ValidationError{Reason: "stage with empty id"}
		}
		if seen[s.ID] {
			return &ValidationError{Reason: "duplicate stage id " + s.ID}
		}
		seen[s.ID] = true
		if s.Role == "" {
			return &ValidationError{Reason: "stage " + s.ID + " has no role"}
		}
	}
	for _, tr := range t.Transitions {
		if _, ok := t.StageByID(tr.From); !ok {
			return &ValidationError{Reason: "transition references unknown from-stage " + tr.From}
		}
		if _, ok := t.StageByID(tr.To); !ok {
			return &ValidationError{Reason: "transition references unknown to-stage " + tr.To}
		}
	}
	return nil
}

// ValidationError reports why a Template failed Validate.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return "workflow: invalid template: " + e.Reason }
