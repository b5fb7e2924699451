package workflow

import (
	"time"

	"github.com/kpekel/swarmctl/pkg/message"
)

// Registry holds the closed catalogue of workflow templates, keyed by name
// and alias (§4.4).
type Registry struct {
	templates map[string]*Template
	aliases   map[string]string
}

// NewRegistry builds a Registry pre-populated with the built-in templates:
// research, development, architecture, and review, plus their aliases.
func NewRegistry() *Registry {
	r := &Registry{
		templates: map[string]*Template{},
		aliases:   map[string]string{},
	}
	for _, t := range []*Template{researchTemplate(), developmentTemplate(), architectureTemplate(), reviewTemplate()} {
		r.templates[t.Name] = t
	}
	r.aliases["implement"] = "development"
	r.aliases["full"] = "development" // four-role variant; see DESIGN.md open-question decision
	return r
}

// Register adds or replaces a template, validating it first.
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.templates[t.Name] = t
	return nil
}

// Lookup resolves a template name or alias.
func (r *Registry) Lookup(name string) (*Template, bool) {
	if t, ok := r.templates[name]; ok {
		return t, true
	}
	if canon, ok := r.aliases[name]; ok {
		t, ok := r.templates[canon]
		return t, ok
	}
	return nil, false
}

// Names returns every registered template name (not aliases).
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}
	return out
}

// researchTemplate: initial_research -> verification -> {deep_dive ->
// re_verification}* -> synthesis; max 2 revision rounds.
func researchTemplate() *Template {
	return &Template{
		Name:             "research",
		Version:          "1.0.0",
		Roles:            []message.Role{message.RoleResearcher, message.RoleReviewer},
		EntryStage:       "initial_research",
		CompletionStage:  "synthesis",
		MaxDuration:      30 * time.Minute,
		MaxRevisionCount: 2,
		Stages: []Stage{
			{ID: "initial_research", Role: message.RoleResearcher, Category: StageWork,
				AcceptedInputTypes: []message.Category{message.CategoryTask},
				ProducedOutputType: message.CategoryFinding,
				Description:        "Researcher investigates the goal and produces initial findings."},
			{ID: "verification", Role: message.RoleReviewer, Category: StageReview,
				AcceptedInputTypes: []message.Category{message.CategoryFinding},
				ProducedOutputType: message.CategoryReview,
				MaxIterations:      1,
				Description:        "Reviewer verifies the initial findings."},
			{ID: "deep_dive", Role: message.RoleResearcher, Category: StageWork,
				AcceptedInputTypes: []message.Category{message.CategoryReview},
				ProducedOutputType: message.CategoryFinding,
				MaxIterations:      2,
				Description:        "Researcher addresses reviewer feedback with deeper investigation."},
			{ID: "re_verification", Role: message.RoleReviewer, Category: StageReview,
				AcceptedInputTypes: []message.Category{message.CategoryFinding},
				ProducedOutputType: message.CategoryReview,
				MaxIterations:      2,
				Description:        "Reviewer re-verifies the revised findings."},
			{ID: "synthesis", Role: message.RoleResearcher, Category: StageSynthesis,
				AcceptedInputTypes: []message.Category{message.CategoryReview},
				ProducedOutputType: message.CategoryResult,
				Description:        "Final synthesis of the research findings."},
		},
		Transitions: []Transition{
			{From: "initial_research", To: "verification", Guard: OnComplete()},
			{From: "verification", To: "synthesis", Guard: OnVerdict(VerdictApproved)},
			{From: "verification", To: "deep_dive", Guard: OnVerdict(VerdictNeedsRevision)},
			{From: "verification", To: "deep_dive", Guard: OnVerdict(VerdictRejected)},
			{From: "deep_dive", To: "re_verification", Guard: OnComplete()},
			{From: "re_verification", To: "synthesis", Guard: OnVerdict(VerdictApproved)},
			{From: "re_verification", To: "deep_dive", Guard: OnVerdict(VerdictNeedsRevision)},
			{From: "re_verification", To: "deep_dive", Guard: OnVerdict(VerdictRejected)},
		},
	}
}

// developmentTemplate: architect -> design_review -> {design_revision ->
// design_review}* -> implementation -> code_review -> {code_revision ->
// code_review}* -> documentation.
func developmentTemplate() *Template {
	return &Template{
		Name:             "development",
		Version:          "1.0.0",
		Roles:            []message.Role{message.RoleArchitect, message.RoleReviewer, message.RoleDeveloper},
		EntryStage:       "design",
		CompletionStage:  "documentation",
		MaxDuration:      60 * time.Minute,
		MaxRevisionCount: 3,
		Stages: []Stage{
			{ID: "design", Role: message.RoleArchitect, Category: StageWork,
				AcceptedInputTypes: []message.Category{message.CategoryTask},
				ProducedOutputType: message.CategoryDesign,
				Description:        "Architect produces an initial design."},
			{ID: "design_review", Role: message.RoleReviewer, Category: StageReview,
				AcceptedInputTypes: []message.Category{message.CategoryDesign},
				ProducedOutputType: message.CategoryReview,
				MaxIterations:      1,
				Description:        "Reviewer evaluates the design."},
			{ID: "design_revision", Role: message.RoleArchitect, Category: StageWork,
				AcceptedInputTypes: []message.Category{message.CategoryReview},
				ProducedOutputType: message.CategoryDesign,
				MaxIterations:      3,
				Description:        "Architect revises the design per feedback."},
			{ID: "implementation", Role: message.RoleDeveloper, Category: StageWork,
				AcceptedInputTypes: []message.Category{message.CategoryDesign},
				ProducedOutputType: message.CategoryArtifact,
				Description:        "Developer implements the approved design."},
			{ID: "code_review", Role: message.RoleReviewer, Category: StageReview,
				AcceptedInputTypes: []message.Category{message.CategoryArtifact},
				ProducedOutputType: message.CategoryReview,
				MaxIterations:      1,
				Description:        "Reviewer evaluates the implementation."},
			{ID: "code_revision", Role: message.RoleDeveloper, Category: StageWork,
				AcceptedInputTypes: []message.Category{message.CategoryReview},
				ProducedOutputType: message.CategoryArtifact,
				MaxIterations:      3,
				Description:        "Developer revises the implementation per feedback."},
			{ID: "documentation", Role: message.RoleDeveloper, Category: StageSynthesis,
				AcceptedInputTypes: []message.Category{message.CategoryReview},
				ProducedOutputType: message.CategoryResult,
				Description:        "Developer documents the finished work."},
		},
		Transitions: []Transition{
			{From: "design", To: "design_review", Guard: OnComplete()},
			{From: "design_review", To: "implementation", Guard: OnVerdict(VerdictApproved)},
			{From: "design_review", To: "design_revision", Guard: OnVerdict(VerdictNeedsRevision)},
			{From: "design_review", To: "design_revision", Guard: OnVerdict(VerdictRejected)},
			{From: "design_revision", To: "design_review", Guard: OnComplete()},
			{From: "implementation", To: "code_review", Guard: OnComplete()},
			{From: "code_review", To: "documentation", Guard: OnVerdict(VerdictApproved)},
			{From: "code_review", To: "code_revision", Guard: OnVerdict(VerdictNeedsRevision)},
			{From: "code_review", To: "code_revision", Guard: OnVerdict(VerdictRejected)},
			{From: "code_revision", To: "code_review", Guard: OnComplete()},
		},
	}
}

// architectureTemplate: requirements -> prior_art -> design_options ->
// evaluation -> decision -> implementation_plan.
func architectureTemplate() *Template {
	return &Template{
		Name:            "architecture",
		Version:         "1.0.0",
		Roles:           []message.Role{message.RoleArchitect, message.RoleResearcher},
		EntryStage:      "requirements",
		CompletionStage: "implementation_plan",
		MaxDuration:     45 * time.Minute,
		Stages: []Stage{
			{ID: "requirements", Role: message.RoleArchitect, Category: StageWork,
				AcceptedInputTypes: []message.Category{message.CategoryTask},
				ProducedOutputType: message.CategoryDesign,
				Description:        "Architect captures requirements."},
			{ID: "prior_art", Role: message.RoleResearcher, Category: StageWork,
				AcceptedInputTypes: []message.Category{message.CategoryDesign},
				ProducedOutputType: message.CategoryFinding,
				Description:        "Researcher surveys prior art and existing approaches."},
			{ID: "design_options", Role: message.RoleArchitect, Category: StageWork,
				AcceptedInputTypes: []message.Category{message.CategoryFinding},
				ProducedOutputType: message.CategoryDesign,
				Description:        "Architect proposes candidate designs."},
			{ID: "evaluation", Role: message.RoleArchitect, Category: StageDecision,
				AcceptedInputTypes: []message.Category{message.CategoryDesign},
				ProducedOutputType: message.CategoryReview,
				Description:        "Architect evaluates the candidate designs."},
			{ID: "decision", Role: message.RoleArchitect, Category: StageDecision,
				AcceptedInputTypes: []message.Category{message.CategoryReview},
				ProducedOutputType: message.CategoryDesign,
				Description:        "Architect records the chosen design."},
			{ID: "implementation_plan", Role: message.RoleArchitect, Category: StageSynthesis,
				AcceptedInputTypes: []message.Category{message.CategoryDesign},
				ProducedOutputType: message.CategoryResult,
				Description:        "Architect produces an implementation plan for the decision."},
		},
		Transitions: []Transition{
			{From: "requirements", To: "prior_art", Guard: OnComplete()},
			{From: "prior_art", To: "design_options", Guard: OnComplete()},
			{From: "design_options", To: "evaluation", Guard: OnComplete()},
			{From: "evaluation", To: "decision", Guard: OnComplete()},
			{From: "decision", To: "implementation_plan", Guard: OnComplete()},
		},
	}
}

// reviewTemplate is a minimal single-pass review workflow: a reviewer
// evaluates a pre-existing artifact and produces a verdict-bearing result.
func reviewTemplate() *Template {
	return &Template{
		Name:            "review",
		Version:         "1.0.0",
		Roles:           []message.Role{message.RoleReviewer},
		EntryStage:      "review",
		CompletionStage: "review",
		MaxDuration:     15 * time.Minute,
		Stages: []Stage{
			{ID: "review", Role: message.RoleReviewer, Category: StageSynthesis,
				AcceptedInputTypes: []message.Category{message.CategoryTask},
				ProducedOutputType: message.CategoryResult,
				Description:        "Reviewer evaluates the supplied artifact and returns a verdict."},
		},
		Transitions: []Transition{},
	}
}
