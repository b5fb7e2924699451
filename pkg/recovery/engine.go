package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kpekel/swarmctl/pkg/message"
)

// OutcomeKind mirrors StrategyKind but names what the controller must do,
// after fallback resolution and recovery-cap enforcement.
type OutcomeKind string

const (
	OutcomeRetry      OutcomeKind = "retry"
	OutcomeRestart    OutcomeKind = "restart"
	OutcomeSkip       OutcomeKind = "skip"
	OutcomeSubstitute OutcomeKind = "substitute"
	OutcomeRollback   OutcomeKind = "rollback"
	OutcomeEscalate   OutcomeKind = "escalate"
	OutcomeAbort      OutcomeKind = "abort"
)

// Outcome is the recovery engine's authoritative decision. The Session
// Controller and the monitor loop apply it verbatim and never improvise
// (§4.7 contract): they perform the action it names, then report the real
// result back via Engine.ReportOutcome.
//
// Terminal outcomes (Abort, Escalate, and the Skip produced when an agent's
// recovery cap is already exhausted) are the exception: the engine has already recorded
// them as failed recoveries by the time they're returned, because there is
// no further action for a caller to perform or report on.
type Outcome struct {
	Kind      OutcomeKind
	Operation string       // named operation to retry, if Kind == retry
	Role      message.Role // agent to restart or skip, if applicable
	Reason    string
	Terminal  bool // true if the engine already finalized this outcome; do not call ReportOutcome
}

// Budget tracks recovery attempt caps: 3 per agent lifetime, 10 per session
// (§7 Recovery caps).
type Budget struct {
	mu          sync.Mutex
	perAgent    map[message.Role]int
	total       int
	maxPerAgent int
	maxTotal    int
}

// NewBudget builds a Budget with the spec's documented caps.
func NewBudget() *Budget {
	return &Budget{perAgent: map[message.Role]int{}, maxPerAgent: 3, maxTotal: 10}
}

// TryConsume records one recovery attempt for role, returning false if
// either cap would be exceeded (in which case nothing is consumed).
func (b *Budget) TryConsume(role message.Role) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.total >= b.maxTotal {
		return false
	}
	if role != "" && b.perAgent[role] >= b.maxPerAgent {
		return false
	}
	b.total++
	if role != "" {
		b.perAgent[role]++
	}
	return true
}

// Exhausted reports whether the total session cap has been reached.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total >= b.maxTotal
}

// attemptKey tracks strategy progression per (code, role), so repeated
// ExecuteRecovery calls for the same failing agent advance from a plan's
// primary strategy to its fallback instead of re-deciding from scratch.
type attemptKey struct {
	Code Code
	Role message.Role
}

type attemptState struct {
	primaryTries int
	usedFallback bool
}

// Engine is the C7 Recovery Engine: it selects strategies, enforces retry
// budgets, and tracks degradation state. It decides; it never executes.
// Retrying an operation, restarting an agent, or skipping a stage is
// real work with a real outcome only the caller (monitor, controller) can
// observe, so the engine hands back an Outcome and waits for ReportOutcome
// to learn whether that work actually succeeded.
type Engine struct {
	log         *slog.Logger
	budget      *Budget
	degradation *DegradationState

	mu       sync.Mutex
	history  []outcomeRecord
	attempts map[attemptKey]*attemptState
}

type outcomeRecord struct {
	Code    Code
	Success bool
}

// NewEngine builds a recovery Engine.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:         log,
		budget:      NewBudget(),
		degradation: NewDegradationState(),
		attempts:    map[attemptKey]*attemptState{},
	}
}

// Degradation returns the engine's current degradation state.
func (e *Engine) Degradation() *DegradationState { return e.degradation }

// ExecuteRecovery consults the strategy table for rec.Code, enforces the
// recovery-attempt budget, and returns the Outcome the caller must apply
// (§4.7: "the controller ... must apply the returned outcome verbatim").
//
// For Abort and Escalate, and for the two budget-exhaustion paths, the
// engine has nothing further to learn from the caller: it finalizes
// rec.Recovered and the degradation state itself and marks the Outcome
// Terminal. For every other kind the caller must perform the prescribed
// action and report the real result via ReportOutcome; rec.Recovered is
// left untouched until then.
func (e *Engine) ExecuteRecovery(ctx context.Context, rec *ErrorRecord) Outcome {
	if e.budget.Exhausted() {
		e.log.Warn("recovery budget exhausted at session level, aborting", "code", rec.Code)
		return e.finalize(rec, Outcome{Kind: OutcomeAbort, Role: rec.Role, Reason: "session recovery cap exceeded", Terminal: true}, false)
	}
	if !e.budget.TryConsume(rec.Role) {
		e.log.Warn("recovery budget exhausted for agent, degrading", "role", rec.Role, "code", rec.Code)
		return e.finalize(rec, Outcome{Kind: OutcomeSkip, Role: rec.Role, Reason: "per-agent recovery cap exceeded", Terminal: true}, false)
	}

	plan := PlanFor(rec.Code)
	strategy, reason := e.nextStrategy(rec, plan)
	e.log.Info("executing recovery", "code", rec.Code, "role", rec.Role, "strategy", strategy)

	outcome := Outcome{Kind: outcomeKindFor(strategy), Role: rec.Role, Reason: reason}
	if strategy == StrategyRetry {
		outcome.Operation = string(rec.Code)
	}

	switch strategy {
	case StrategyAbort:
		outcome.Terminal = true
		return e.finalize(rec, outcome, false)
	case StrategyEscalate:
		outcome.Terminal = true
		if outcome.Reason == "" {
			outcome.Reason = "escalated to operator"
		}
		return e.finalize(rec, outcome, false)
	default:
		return outcome
	}
}

// ReportOutcome records the real result of executing a non-terminal
// Outcome against rec: it drives rec.Recovered, the engine's attempt
// history, and degradation state. Callers must call this exactly once for
// every Outcome ExecuteRecovery returns with Terminal == false; calling it
// on a Terminal outcome is a no-op (the engine already recorded it).
func (e *Engine) ReportOutcome(rec *ErrorRecord, outcome Outcome, success bool) {
	if outcome.Terminal {
		e.log.Warn("ReportOutcome called on an already-finalized outcome, ignoring", "kind", outcome.Kind)
		return
	}
	e.finalize(rec, outcome, success)
}

// finalize is the single place rec.Recovered, the history, and degradation
// get updated, whether the engine decided the result itself (terminal
// outcomes) or a caller reported it back (ReportOutcome).
func (e *Engine) finalize(rec *ErrorRecord, outcome Outcome, success bool) Outcome {
	e.mu.Lock()
	e.history = append(e.history, outcomeRecord{Code: rec.Code, Success: success})
	e.mu.Unlock()

	rec.Recovered = success
	rec.RetryCount++

	if !success {
		e.degradation.Apply(rec.Code, rec.Role)
	}
	return outcome
}

// nextStrategy advances the (code, role) attempt state and returns the
// strategy to apply this round: the plan's primary strategy while it still
// has attempts left, its fallback once, then escalate.
func (e *Engine) nextStrategy(rec *ErrorRecord, plan Plan) (StrategyKind, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := attemptKey{Code: rec.Code, Role: rec.Role}
	st := e.attempts[key]
	if st == nil {
		st = &attemptState{}
		e.attempts[key] = st
	}

	maxPrimary := plan.Attempts
	if maxPrimary < 1 {
		maxPrimary = 1
	}

	if !st.usedFallback && st.primaryTries < maxPrimary {
		st.primaryTries++
		return plan.Primary, ""
	}
	if plan.Fallback != "" && !st.usedFallback {
		st.usedFallback = true
		return plan.Fallback, fmt.Sprintf("primary strategy %q exhausted after %d attempt(s)", plan.Primary, st.primaryTries)
	}
	return StrategyEscalate, fmt.Sprintf("strategy %q exhausted with no further fallback", plan.Primary)
}

// outcomeKindFor maps a selected StrategyKind onto the OutcomeKind a
// caller branches on. Unknown strategies escalate rather than silently
// no-op.
func outcomeKindFor(kind StrategyKind) OutcomeKind {
	switch kind {
	case StrategyRetry:
		return OutcomeRetry
	case StrategyRestart:
		return OutcomeRestart
	case StrategySkip:
		return OutcomeSkip
	case StrategySubstitute:
		return OutcomeSubstitute
	case StrategyRollback:
		return OutcomeRollback
	case StrategyAbort:
		return OutcomeAbort
	default:
		return OutcomeEscalate
	}
}
