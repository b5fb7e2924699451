package workflow

import (
	"github.com/kpekel/swarmctl/pkg/message"
)

// StatePatch describes an agent-handle field the caller should apply after a
// routing decision (kept as a small closed set rather than interface{} to
// avoid untyped blobs moving through the engine).
type StatePatch struct {
	// LastActivity, when true, asks the caller to refresh the agent's
	// lastActivityAt timestamp.
	LastActivity bool
}

// Decision is one outcome of routing an inbound message: enqueue it to a
// target role's inbox, optionally transition the workflow, optionally patch
// agent state.
type Decision struct {
	Target       message.Role
	Message      message.Message
	StageTarget  string // "" if no stage transition is implied
	Patch        *StatePatch
}

// OutputFromMessage extracts the StageOutput a message carries, for
// ComputeNext's guard evaluation and for completing the stage that produced
// it.
func OutputFromMessage(msg message.Message) StageOutput {
	verdict, _ := msg.Content.Verdict()
	return StageOutput{
		Type:    msg.Type,
		Verdict: Verdict(verdict),
		Summary: msg.Content.Subject,
	}
}

// RouteMessage produces zero or more routing decisions for an inbound
// message, given the current instance state (§4.4 Route message).
//
// Routing is declarative: the source stage of the message's sender
// determines where the output goes next, via the same transition table
// ComputeNext walks. A message whose id has already been processed is
// ignored (idempotent replay, §8).
func RouteMessage(in *Instance, msg message.Message) []Decision {
	if in.AlreadyProcessed(msg.ID) {
		return nil
	}

	output := OutputFromMessage(msg)

	var decisions []Decision

	if msg.To == message.RoleBroadcast {
		for _, role := range message.AgentRoles {
			if role == msg.From {
				continue
			}
			decisions = append(decisions, Decision{
				Target:  role,
				Message: msg,
				Patch:   &StatePatch{LastActivity: true},
			})
		}
		in.MarkProcessed(msg.ID)
		return decisions
	}

	next, ok := in.ComputeNext(output)
	decision := Decision{
		Target:  msg.To,
		Message: msg,
		Patch:   &StatePatch{LastActivity: true},
	}
	if ok {
		decision.StageTarget = next
	}
	decisions = append(decisions, decision)

	in.MarkProcessed(msg.ID)
	return decisions
}
