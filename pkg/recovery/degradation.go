package recovery

import (
	"sync"

	"github.com/kpekel/swarmctl/pkg/message"
)

// DegradationLevel ranks how compromised a session has become.
type DegradationLevel string

const (
	DegradationFull    DegradationLevel = "full"
	DegradationReduced DegradationLevel = "reduced"
	DegradationMinimal DegradationLevel = "minimal"
	DegradationFailed  DegradationLevel = "failed"
)

// degradationRule names the impact and operator-facing message for a code
// that could not be fully recovered (§4.7 Degradation).
type degradationRule struct {
	Impact     string
	Mitigation string
	UserMsg    string
	Fatal      bool // true if this code alone forces DegradationFailed
}

var degradationRules = map[Code]degradationRule{
	CodeAgentCrashed: {
		Impact:     "agent unavailable for remainder of session",
		Mitigation: "reassign stage output to completion synthesis with partial results",
		UserMsg:    "an agent stopped responding and could not be restarted; continuing with reduced coverage",
	},
	CodeAgentBlocked: {
		Impact:     "agent needs operator attention",
		Mitigation: "pause workflow at current stage until operator intervenes",
		UserMsg:    "an agent is blocked waiting on a decision only an operator can make",
	},
	CodeAgentInvalidOut: {
		Impact:     "one round of agent output discarded",
		Mitigation: "stage proceeds without that contribution",
		UserMsg:    "an agent produced output that could not be parsed and was skipped",
	},
	CodeMaxIterations: {
		Impact:     "revision loop truncated",
		Mitigation: "route directly to completion stage",
		UserMsg:    "a review loop hit its iteration cap and was forced to conclude",
	},
	CodeDatabaseError: {
		Impact:     "audit trail may have gaps",
		Mitigation: "stop the session; audit writes cannot be made durable",
		UserMsg:    "audit storage is unavailable; the session cannot continue",
		Fatal:      true,
	},
	CodeWorkflowTimeout: {
		Impact:     "workflow could not complete all stages",
		Mitigation: "synthesize partial result from completed stages",
		UserMsg:    "the workflow exceeded its time budget and was stopped",
		Fatal:      true,
	},
}

// DegradationState accumulates the session-wide consequences of recoveries
// that did not fully succeed.
type DegradationState struct {
	mu                sync.Mutex
	level             DegradationLevel
	unavailableAgents map[message.Role]bool
	skippedStages     []string
	warnings          []string
}

// NewDegradationState returns a clean DegradationState.
func NewDegradationState() *DegradationState {
	return &DegradationState{level: DegradationFull, unavailableAgents: map[message.Role]bool{}}
}

// Apply records the consequence of a failed or fallback recovery for code
// against role, escalating the level as needed.
func (d *DegradationState) Apply(code Code, role message.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rule, ok := degradationRules[code]
	if !ok {
		d.warnings = append(d.warnings, string(code)+": unrecovered error with no documented mitigation")
		d.escalate(DegradationReduced)
		return
	}

	if role != "" && code == CodeAgentCrashed {
		d.unavailableAgents[role] = true
	}
	d.warnings = append(d.warnings, rule.UserMsg)

	if rule.Fatal {
		d.escalate(DegradationFailed)
		return
	}
	// Repeated non-fatal degradations compound: a second unrelated
	// mitigation pushes the session from "reduced" to "minimal" coverage.
	if d.level == DegradationReduced {
		d.escalate(DegradationMinimal)
	} else {
		d.escalate(DegradationReduced)
	}
}

// MarkStageSkipped records that stageID was skipped as a mitigation.
func (d *DegradationState) MarkStageSkipped(stageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.skippedStages = append(d.skippedStages, stageID)
}

func (d *DegradationState) escalate(level DegradationLevel) {
	if rank(level) > rank(d.level) {
		d.level = level
	}
}

func rank(l DegradationLevel) int {
	switch l {
	case DegradationFailed:
		return 3
	case DegradationMinimal:
		return 2
	case DegradationReduced:
		return 1
	default:
		return 0
	}
}

// Snapshot is an immutable, deep-copied view of the degradation state for
// reporting and checkpointing.
type Snapshot struct {
	Level             DegradationLevel
	UnavailableAgents []message.Role
	SkippedStages     []string
	Warnings          []string
}

// Snapshot returns a copy of the current degradation state.
func (d *DegradationState) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	agents := make([]message.Role, 0, len(d.unavailableAgents))
	for r := range d.unavailableAgents {
		agents = append(agents, r)
	}
	return Snapshot{
		Level:             d.level,
		UnavailableAgents: agents,
		SkippedStages:     append([]string(nil), d.skippedStages...),
		Warnings:          append([]string(nil), d.warnings...),
	}
}

// CanContinueWorkflow reports whether the session should keep running given
// its accumulated degradation. Failed degradation forces the controller to
// abort and synthesize a partial result (§4.7).
func (d *DegradationState) CanContinueWorkflow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level != DegradationFailed
}
