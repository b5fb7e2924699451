package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/workflow"
)

// LoadTemplate reads a custom workflow template from a YAML file and
// validates it before returning, for operators who want to register
// templates beyond the four built-ins (research/development/architecture/
// review) without recompiling. Durations are given in seconds in the YAML
// source and converted to time.Duration on decode.
func LoadTemplate(path string) (*workflow.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read template %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse template %s: %w", path, err)
	}
	expandMapStrings(raw)

	var doc templateDoc
	if err := decode(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: decode template %s: %w", path, err)
	}

	tmpl := doc.toTemplate()
	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("config: template %s failed validation: %w", path, err)
	}
	return tmpl, nil
}

// templateDoc mirrors workflow.Template's shape but with YAML-friendly
// scalar durations (seconds, not time.Duration) and mapstructure tags.
type templateDoc struct {
	Name             string          `mapstructure:"name"`
	Version          string          `mapstructure:"version"`
	Roles            []string        `mapstructure:"roles"`
	Stages           []stageDoc      `mapstructure:"stages"`
	Transitions      []transitionDoc `mapstructure:"transitions"`
	EntryStage       string          `mapstructure:"entryStage"`
	CompletionStage  string          `mapstructure:"completionStage"`
	MaxDurationSec   int             `mapstructure:"maxDurationSec"`
	MaxRevisionCount int             `mapstructure:"maxRevisionCount"`
}

type stageDoc struct {
	ID                 string   `mapstructure:"id"`
	Role               string   `mapstructure:"role"`
	Category           string   `mapstructure:"category"`
	AcceptedInputTypes []string `mapstructure:"acceptedInputTypes"`
	ProducedOutputType string   `mapstructure:"producedOutputType"`
	Optional           bool     `mapstructure:"optional"`
	MaxIterations      int      `mapstructure:"maxIterations"`
	TimeoutSec         int      `mapstructure:"timeoutSec"`
	Description        string   `mapstructure:"description"`
}

type guardDoc struct {
	Kind      string `mapstructure:"kind"`
	Verdict   string `mapstructure:"verdict"`
	Field     string `mapstructure:"field"`
	Threshold int    `mapstructure:"threshold"`
}

type transitionDoc struct {
	From  string   `mapstructure:"from"`
	To    string   `mapstructure:"to"`
	Guard guardDoc `mapstructure:"guard"`
}

func (d templateDoc) toTemplate() *workflow.Template {
	t := &workflow.Template{
		Name:             d.Name,
		Version:          d.Version,
		EntryStage:       d.EntryStage,
		CompletionStage:  d.CompletionStage,
		MaxDuration:      time.Duration(d.MaxDurationSec) * time.Second,
		MaxRevisionCount: d.MaxRevisionCount,
	}
	for _, r := range d.Roles {
		t.Roles = append(t.Roles, message.Role(r))
	}
	for _, s := range d.Stages {
		stage := workflow.Stage{
			ID:                 s.ID,
			Role:               message.Role(s.Role),
			Category:           workflow.StageCategory(s.Category),
			ProducedOutputType: message.Category(s.ProducedOutputType),
			Optional:           s.Optional,
			MaxIterations:      s.MaxIterations,
			Timeout:            time.Duration(s.TimeoutSec) * time.Second,
			Description:        s.Description,
		}
		for _, in := range s.AcceptedInputTypes {
			stage.AcceptedInputTypes = append(stage.AcceptedInputTypes, message.Category(in))
		}
		t.Stages = append(t.Stages, stage)
	}
	for _, tr := range d.Transitions {
		t.Transitions = append(t.Transitions, workflow.Transition{
			From: tr.From,
			To:   tr.To,
			Guard: workflow.Guard{
				Kind:      workflow.GuardKind(tr.Guard.Kind),
				Verdict:   workflow.Verdict(tr.Guard.Verdict),
				Field:     tr.Guard.Field,
				Threshold: tr.Guard.Threshold,
			},
		})
	}
	return t
}
