// Package plan declares deployment plans and renders their steps into
// shell command lines.
package plan

import (
	"fmt"
	"text/template"
	"time"

	"github.com/edvin/rollout/internal/dockercli"
	"github.com/edvin/rollout/internal/model"
)

// Canonical step names.
const (
	StepAuthenticateRegistry = "authenticate-registry"
	StepPullImage            = "pull-image"
	StepSnapshotCurrent      = "snapshot-current"
	StepStopOldContainer     = "stop-old-container"
	StepRemoveOldContainer   = "remove-old-container"
	StepEnsureNetwork        = "ensure-network"
	StepStartNewContainer    = "start-new-container"
	StepAttachNetwork        = "attach-network"
	StepHealthCheck          = "health-check"
)

// VerifyKind names the existence check a non-idempotent step runs before
// it may be retried.
type VerifyKind string

const (
	VerifyNone             VerifyKind = ""
	VerifyContainerRunning VerifyKind = "container-running"
)

// Step is one entry of a plan. Command is a text/template rendered against
// a RenderContext.
type Step struct {
	Name         string
	Kind         model.StepKind
	Command      string
	Idempotent   bool
	Destructive  bool
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
	// Tolerate lists stderr fragments that turn a failed exit into success.
	Tolerate []string
	Verify   VerifyKind
}

// Tolerates reports whether stderr matches one of the step's tolerated outcomes.
func (s Step) Tolerates(stderr string) bool {
	for _, t := range s.Tolerate {
		if dockercli.ContainsFold(stderr, t) {
			return true
		}
	}
	return false
}

// Plan is an ordered list of steps executed strictly in sequence.
type Plan struct {
	Name  string
	Steps []Step
}

// FirstDestructive returns the index of the first destructive step, or -1.
func (p *Plan) FirstDestructive() int {
	for i, s := range p.Steps {
		if s.Destructive {
			return i
		}
	}
	return -1
}

// Validate checks the plan is well formed: unique names, known kinds,
// parseable templates and the health check, if any, last.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return model.Errorf(model.KindInvalidInput, "", "plan %q has no steps", p.Name)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return model.Errorf(model.KindInvalidInput, "", "step %d has no name", i)
		}
		if seen[s.Name] {
			return model.Errorf(model.KindInvalidInput, s.Name, "duplicate step name")
		}
		seen[s.Name] = true

		switch s.Kind {
		case model.StepKindRegistryAuth, model.StepKindPull, model.StepKindSnapshot:
		case model.StepKindCommand, model.StepKindHealthCheck:
			if s.Command == "" {
				return model.Errorf(model.KindInvalidInput, s.Name, "step has no command")
			}
		default:
			return model.Errorf(model.KindInvalidInput, s.Name, "unknown step kind %q", s.Kind)
		}
		if s.Command != "" {
			if _, err := parse(s); err != nil {
				return model.WrapError(model.KindInvalidInput, s.Name, err)
			}
		}
		if s.Kind == model.StepKindHealthCheck && i != len(p.Steps)-1 {
			return model.Errorf(model.KindInvalidInput, s.Name, "health check must be the last step")
		}
		if s.MaxRetries < 0 {
			return model.Errorf(model.KindInvalidInput, s.Name, "negative retry budget")
		}
		if s.Verify != VerifyNone && s.Verify != VerifyContainerRunning {
			return model.Errorf(model.KindInvalidInput, s.Name, "unknown verification %q", s.Verify)
		}
	}
	return nil
}

func parse(s Step) (*template.Template, error) {
	t, err := template.New(s.Name).Funcs(funcs).Option("missingkey=error").Parse(s.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command template: %w", err)
	}
	return t, nil
}
