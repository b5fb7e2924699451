package workflow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/workflow"
)

func newResearchInstance(t *testing.T) *workflow.Instance {
	t.Helper()
	reg := workflow.NewRegistry()
	tmpl, ok := reg.Lookup("research")
	require.True(t, ok)
	in, err := workflow.NewInstance(tmpl, "123", "study codec X")
	require.NoError(t, err)
	return in
}

func TestEntryStageIsCurrent(t *testing.T) {
	in := newResearchInstance(t)
	require.Equal(t, "initial_research", in.CurrentStage)
}

func TestHappyPathResearch(t *testing.T) {
	in := newResearchInstance(t)

	require.NoError(t, in.StartStage("initial_research"))
	require.NoError(t, in.CompleteStage("initial_research", workflow.StageOutput{Type: message.CategoryFinding}))

	next, ok := in.ComputeNext(workflow.StageOutput{Type: message.CategoryFinding})
	require.True(t, ok)
	require.Equal(t, "verification", next)

	require.NoError(t, in.StartStage("verification"))
	require.NoError(t, in.CompleteStage("verification", workflow.StageOutput{Type: message.CategoryReview, Verdict: workflow.VerdictApproved}))

	next, ok = in.ComputeNext(workflow.StageOutput{Type: message.CategoryReview, Verdict: workflow.VerdictApproved})
	require.True(t, ok)
	require.Equal(t, "synthesis", next)

	require.NoError(t, in.StartStage("synthesis"))
	require.NoError(t, in.CompleteStage("synthesis", workflow.StageOutput{Type: message.CategoryResult}))

	require.True(t, in.IsComplete())

	result, err := workflow.Synthesize(in)
	require.NoError(t, err)
	require.True(t, result.Success)
}

func TestRevisionLoopMaxIterationsOverride(t *testing.T) {
	in := newResearchInstance(t)
	require.NoError(t, in.StartStage("initial_research"))
	require.NoError(t, in.CompleteStage("initial_research", workflow.StageOutput{}))
	require.NoError(t, in.StartStage("verification"))
	require.NoError(t, in.CompleteStage("verification", workflow.StageOutput{Verdict: workflow.VerdictNeedsRevision}))

	// First NEEDS_REVISION -> deep_dive, iteration 1.
	next, ok := in.ComputeNext(workflow.StageOutput{Verdict: workflow.VerdictNeedsRevision})
	require.True(t, ok)
	require.Equal(t, "deep_dive", next)
	require.NoError(t, in.StartStage("deep_dive"))
	require.Equal(t, 1, in.IterationCount("deep_dive"))
	require.NoError(t, in.CompleteStage("deep_dive", workflow.StageOutput{}))

	next, ok = in.ComputeNext(workflow.StageOutput{})
	require.True(t, ok)
	require.Equal(t, "re_verification", next)
	require.NoError(t, in.StartStage("re_verification"))
	require.NoError(t, in.CompleteStage("re_verification", workflow.StageOutput{Verdict: workflow.VerdictNeedsRevision}))

	// Second NEEDS_REVISION -> deep_dive again, iteration 2.
	next, ok = in.ComputeNext(workflow.StageOutput{Verdict: workflow.VerdictNeedsRevision})
	require.True(t, ok)
	require.Equal(t, "deep_dive", next)
	require.NoError(t, in.StartStage("deep_dive"))
	require.Equal(t, 2, in.IterationCount("deep_dive"))
	require.NoError(t, in.CompleteStage("deep_dive", workflow.StageOutput{}))

	next, ok = in.ComputeNext(workflow.StageOutput{})
	require.True(t, ok)
	require.Equal(t, "re_verification", next)
	require.NoError(t, in.StartStage("re_verification"))
	require.NoError(t, in.CompleteStage("re_verification", workflow.StageOutput{Verdict: workflow.VerdictNeedsRevision}))

	// Third NEEDS_REVISION: deep_dive is at max (2), so the engine routes to
	// synthesis instead of another deep_dive round.
	next, ok = in.ComputeNext(workflow.StageOutput{Verdict: workflow.VerdictNeedsRevision})
	require.True(t, ok)
	require.Equal(t, "synthesis", next)
}

func TestStartStageUnknownFails(t *testing.T) {
	in := newResearchInstance(t)
	require.Error(t, in.StartStage("does-not-exist"))
}

func TestCompleteStageWithoutRunningFails(t *testing.T) {
	in := newResearchInstance(t)
	require.Error(t, in.CompleteStage("initial_research", workflow.StageOutput{}))
}

func TestSkipStageRequiresOptional(t *testing.T) {
	in := newResearchInstance(t)
	require.Error(t, in.SkipStage("initial_research"))
}

func TestProgressClampedToRange(t *testing.T) {
	in := newResearchInstance(t)
	require.GreaterOrEqual(t, in.Progress(), 0)
	require.LessOrEqual(t, in.Progress(), 100)

	require.NoError(t, in.StartStage("initial_research"))
	require.NoError(t, in.CompleteStage("initial_research", workflow.StageOutput{}))
	require.Greater(t, in.Progress(), 0)
}

func TestSynthesizeFailsWhenNotComplete(t *testing.T) {
	in := newResearchInstance(t)
	_, err := workflow.Synthesize(in)
	require.Error(t, err)
}

func TestRouteMessageBroadcastReachesAllButSender(t *testing.T) {
	in := newResearchInstance(t)
	msg := message.Message{
		ID: "bcast-1", From: message.RoleOrchestrator, To: message.RoleBroadcast,
		Type: message.CategoryStatus, Priority: message.PriorityNormal,
		Content: message.Content{Subject: "s", Body: "b"},
	}
	decisions := workflow.RouteMessage(in, msg)
	require.Len(t, decisions, len(message.AgentRoles))
}

func TestRouteMessageIsIdempotentOnReplay(t *testing.T) {
	in := newResearchInstance(t)
	msg := message.Message{
		ID: "m1", From: message.RoleResearcher, To: message.RoleReviewer,
		Type: message.CategoryFinding, Priority: message.PriorityNormal,
		Content: message.Content{Subject: "s", Body: "b"},
	}
	first := workflow.RouteMessage(in, msg)
	require.Len(t, first, 1)
	second := workflow.RouteMessage(in, msg)
	require.Empty(t, second)
}

func TestTemplateValidateRejectsUnknownTransitionTarget(t *testing.T) {
	tmpl := &workflow.Template{
		Name:            "broken",
		EntryStage:      "a",
		CompletionStage: "a",
		Stages:          []workflow.Stage{{ID: "a", Role: message.RoleResearcher}},
		Transitions:     []workflow.Transition{{From: "a", To: "ghost", Guard: workflow.Always()}},
	}
	require.Error(t, tmpl.Validate())
}
