package workflow

import (
	"fmt"
	"strings"

	"github.com/kpekel/swarmctl/pkg/message"
)

// Result is the synthesized outcome of a completed workflow instance.
type Result struct {
	Success   bool
	Summary   string
	Artifacts []string
	Findings  []string
	Errors    []error
}

// Synthesize produces a Result for a completed instance (§4.4 Synthesise
// result). Fails if the instance is not yet complete.
func Synthesize(in *Instance) (*Result, error) {
	if !in.IsComplete() {
		return nil, fmt.Errorf("workflow: cannot synthesize result: instance is not complete")
	}

	history := in.HistorySnapshot()
	tmpl := in.Template()

	completed, total := 0, len(tmpl.Stages)
	byRole := map[message.Role]int{}
	var artifacts, findings []string
	fatal := false

	for _, h := range history {
		if h.Status == StageStatusComplete || h.Status == StageStatusSkipped {
			completed++
		}
		stage, ok := tmpl.StageByID(h.StageID)
		if ok {
			byRole[stage.Role]++
		}
		if h.Output == nil {
			continue
		}
		switch h.Output.Type {
		case message.CategoryArtifact:
			if h.Output.Summary != "" {
				artifacts = append(artifacts, h.Output.Summary)
			}
		case message.CategoryFinding:
			if h.Output.Summary != "" {
				findings = append(findings, h.Output.Summary)
			}
		}
		if h.Output.Verdict == VerdictRejected {
			fatal = true
		}
	}

	var roleParts []string
	for role, n := range byRole {
		roleParts = append(roleParts, fmt.Sprintf("%s:%d", role, n))
	}

	summary := fmt.Sprintf("workflow %q: %d/%d stages complete, %d messages processed (%s)",
		tmpl.Name, completed, total, len(in.ProcessedIDsSnapshot()), strings.Join(roleParts, ", "))

	return &Result{
		Success:   !fatal && len(in.Errors) == 0,
		Summary:   summary,
		Artifacts: artifacts,
		Findings:  findings,
		Errors:    append([]error{}, in.Errors...),
	}, nil
}
