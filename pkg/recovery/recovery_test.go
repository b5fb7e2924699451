package recovery_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/agent"
	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/recovery"
	"github.com/kpekel/swarmctl/pkg/workflow"
)

func TestRetryDelayRespectsCapAndJitter(t *testing.T) {
	p := recovery.DefaultRetryPolicy()
	d := p.Delay(10) // way past the cap
	require.GreaterOrEqual(t, d, p.MaxDelay)
	require.LessOrEqual(t, d, p.MaxDelay+time.Duration(float64(p.MaxDelay)*p.JitterPercent/100))
}

func TestDoStopsOnNonRetryableCode(t *testing.T) {
	calls := 0
	err := recovery.Do(context.Background(), recovery.DefaultRetryPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return recovery.NewError(recovery.CodeInvalidArgument, recovery.NewErrorOptions{Message: "bad input"})
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesRetryableCodeUntilSuccess(t *testing.T) {
	calls := 0
	policy := recovery.DefaultRetryPolicy()
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 2 * time.Millisecond
	err := recovery.Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return recovery.NewError(recovery.CodeNetworkError, recovery.NewErrorOptions{})
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPlanForKnownCodeUsesOverridePolicy(t *testing.T) {
	plan := recovery.PlanFor(recovery.CodeRateLimited)
	require.Equal(t, recovery.StrategyRetry, plan.Primary)
	require.Equal(t, recovery.StrategyAbort, plan.Fallback)
	require.Equal(t, 5, plan.RetryPolicy.MaxRetries)
}

func TestPlanForUnknownCodeFallsBackToDefault(t *testing.T) {
	plan := recovery.PlanFor(recovery.Code("SOMETHING_NEW"))
	require.Equal(t, recovery.StrategyEscalate, plan.Primary)
}

func TestBudgetEnforcesPerAgentAndTotalCaps(t *testing.T) {
	b := recovery.NewBudget()
	for i := 0; i < 3; i++ {
		require.True(t, b.TryConsume(message.RoleResearcher))
	}
	require.False(t, b.TryConsume(message.RoleResearcher), "fourth attempt for same role should exceed per-agent cap")
	require.True(t, b.TryConsume(message.RoleReviewer))
}

func TestEngineLeavesRecoveredUnsetUntilOutcomeIsReported(t *testing.T) {
	eng := recovery.NewEngine(nil)
	rec := recovery.NewError(recovery.CodeAgentSpawnFailed, recovery.NewErrorOptions{Role: message.RoleDeveloper})

	out := eng.ExecuteRecovery(context.Background(), rec)
	require.Equal(t, recovery.OutcomeRetry, out.Kind)
	require.False(t, out.Terminal)
	require.False(t, rec.Recovered, "recovered must not be set until the caller reports what actually happened")

	eng.ReportOutcome(rec, out, true)
	require.True(t, rec.Recovered)
}

func TestEngineFallsBackToSecondStrategyAfterPrimaryExhausted(t *testing.T) {
	eng := recovery.NewEngine(nil)
	role := message.RoleDeveloper

	rec1 := recovery.NewError(recovery.CodeStageFailed, recovery.NewErrorOptions{Role: role})
	out1 := eng.ExecuteRecovery(context.Background(), rec1)
	require.Equal(t, recovery.OutcomeRollback, out1.Kind)
	eng.ReportOutcome(rec1, out1, false)

	rec2 := recovery.NewError(recovery.CodeStageFailed, recovery.NewErrorOptions{Role: role})
	out2 := eng.ExecuteRecovery(context.Background(), rec2)
	require.Equal(t, recovery.OutcomeAbort, out2.Kind)
	require.True(t, out2.Terminal)
	require.False(t, rec2.Recovered)
}

func TestEngineDegradesAfterBudgetExhaustedForAgent(t *testing.T) {
	eng := recovery.NewEngine(nil)
	var last recovery.Outcome
	for i := 0; i < 4; i++ {
		rec := recovery.NewError(recovery.CodeAgentCrashed, recovery.NewErrorOptions{Role: message.RoleReviewer})
		out := eng.ExecuteRecovery(context.Background(), rec)
		if !out.Terminal {
			eng.ReportOutcome(rec, out, false)
		}
		last = out
	}
	require.Equal(t, recovery.OutcomeSkip, last.Kind)
	require.True(t, last.Terminal)
	require.NotEqual(t, recovery.DegradationFull, eng.Degradation().Snapshot().Level)
}

func TestDegradationFailedBlocksContinuation(t *testing.T) {
	d := recovery.NewDegradationState()
	require.True(t, d.CanContinueWorkflow())
	d.Apply(recovery.CodeDatabaseError, "")
	require.False(t, d.CanContinueWorkflow())
}

func TestCheckpointRoundTripPreservesInstanceState(t *testing.T) {
	reg := workflow.NewRegistry()
	tmpl, ok := reg.Lookup("research")
	require.True(t, ok)

	in, err := workflow.NewInstance(tmpl, "sess-1", "investigate the thing")
	require.NoError(t, err)
	require.NoError(t, in.StartStage("initial_research"))
	require.NoError(t, in.CompleteStage("initial_research", workflow.StageOutput{Type: message.CategoryResult, Summary: "done"}))
	in.MarkProcessed("msg-1")
	in.RecordError(errors.New("transient glitch"))

	snap := agent.Snapshot{Role: message.RoleResearcher, PaneID: "%1", State: agent.StateReady}
	cp := recovery.FromInstance(in, time.Unix(1700000000, 0).UTC(), in.Errors, []agent.Snapshot{snap}, recovery.Snapshot{Level: recovery.DegradationFull})

	dir := t.TempDir()
	mgr := recovery.NewCheckpointManager(dir, nil)
	path, err := mgr.Save(cp)
	require.NoError(t, err)
	require.FileExists(t, path)

	loaded, err := mgr.Latest("sess-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, cp.CurrentStage, loaded.CurrentStage)
	require.Equal(t, cp.Goal, loaded.Goal)
	require.Len(t, loaded.Agents, 1)
	require.Equal(t, "transient glitch", loaded.ErrorMessages[0])

	restored, err := workflow.NewInstance(tmpl, "sess-1", "investigate the thing")
	require.NoError(t, err)
	loaded.RestoreInto(restored)
	require.Equal(t, in.CurrentStage, restored.CurrentStage)
	require.True(t, restored.AlreadyProcessed("msg-1"))
}

func TestCheckpointRetentionPrunesOldest(t *testing.T) {
	dir := t.TempDir()
	mgr := recovery.NewCheckpointManager(dir, nil)
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 15; i++ {
		cp := recovery.Checkpoint{
			SessionID: "sess-2",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Status:    "running",
		}
		_, err := mgr.Save(cp)
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(dir + "/sess-2")
	require.NoError(t, err)
	require.Len(t, entries, 10)
}
