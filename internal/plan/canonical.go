package plan

import (
	"time"

	"github.com/edvin/rollout/internal/dockercli"
	"github.com/edvin/rollout/internal/model"
)

// Options tune the canonical plan.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	StepTimeout  time.Duration
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	MaxRetries:   3,
	RetryBackoff: 2 * time.Second,
	StepTimeout:  2 * time.Minute,
}

// Command templates of the canonical plan. Everything but login calls the
// dockercli builders; login only documents the step, the registry client
// renders the real command once the credential is resolved.
const (
	tmplLogin   = `docker login {{ quote .RegistryHost }}`
	tmplPull    = `{{ pull .Image }}`
	tmplInspect = `{{ inspect .ContainerName }}`
	tmplStop    = `{{ stop .ContainerName }}`
	tmplRemove  = `{{ remove .ContainerName }}`
	tmplNetwork = `{{ networkCreate .NetworkName }}`
	tmplRun     = `{{ runContainer . }}`
	tmplAttach  = `{{ networkConnect .NetworkName .ContainerName }}`
	tmplHealth  = `{{ healthCheck .HostPort .HealthCheckPath }}`
)

// Canonical builds the nine-step plan: authenticate, pull, snapshot, stop
// and remove the old container, ensure the network, start the new
// container, attach it and check its health.
func Canonical(opts Options) *Plan {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions.MaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultOptions.RetryBackoff
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultOptions.StepTimeout
	}

	step := func(name string, kind model.StepKind, cmd string) Step {
		return Step{
			Name:         name,
			Kind:         kind,
			Command:      cmd,
			Idempotent:   true,
			MaxRetries:   opts.MaxRetries,
			RetryBackoff: opts.RetryBackoff,
			Timeout:      opts.StepTimeout,
		}
	}

	stop := step(StepStopOldContainer, model.StepKindCommand, tmplStop)
	stop.Destructive = true
	stop.Tolerate = []string{dockercli.NoSuchContainer}

	remove := step(StepRemoveOldContainer, model.StepKindCommand, tmplRemove)
	remove.Destructive = true
	remove.Tolerate = []string{dockercli.NoSuchContainer}

	network := step(StepEnsureNetwork, model.StepKindCommand, tmplNetwork)
	network.Tolerate = []string{dockercli.AlreadyExists}

	start := step(StepStartNewContainer, model.StepKindCommand, tmplRun)
	start.Idempotent = false
	start.Destructive = true
	start.Verify = VerifyContainerRunning

	attach := step(StepAttachNetwork, model.StepKindCommand, tmplAttach)
	attach.Destructive = true
	attach.Tolerate = []string{dockercli.AlreadyExists}

	// Polling is bounded by the health check timeout, not by MaxRetries.
	health := step(StepHealthCheck, model.StepKindHealthCheck, tmplHealth)
	health.MaxRetries = 1

	return &Plan{
		Name: "canonical",
		Steps: []Step{
			step(StepAuthenticateRegistry, model.StepKindRegistryAuth, tmplLogin),
			step(StepPullImage, model.StepKindPull, tmplPull),
			step(StepSnapshotCurrent, model.StepKindSnapshot, tmplInspect),
			stop,
			remove,
			network,
			start,
			attach,
			health,
		},
	}
}
