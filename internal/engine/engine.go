// Package engine drives a deployment plan against one target host: it runs
// the steps in order, retries what may be retried, and hands the host back to
// the rollback controller when a destructive step has started and the
// deployment cannot finish.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/edvin/rollout/internal/config"
	"github.com/edvin/rollout/internal/metrics"
	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/plan"
	"github.com/edvin/rollout/internal/registry"
	"github.com/edvin/rollout/internal/remote"
)

// Rollbacker snapshots and restores the container a deployment replaces.
type Rollbacker interface {
	Snapshot(ctx context.Context, target model.TargetDescriptor, containerName string) (*model.PreviousState, error)
	Restore(ctx context.Context, target model.TargetDescriptor, prev *model.PreviousState, attempts int) (*model.RestoreResult, error)
}

// Recorder persists finished deployments.
type Recorder interface {
	Record(ctx context.Context, result *model.DeploymentResult) error
}

// Observer is told about every state transition. It receives a copy.
type Observer interface {
	Observe(result model.DeploymentResult)
}

// Settings are the per-deployment parameters the plan is rendered with.
type Settings struct {
	ContainerName       string
	NetworkName         string
	ImagePort           int
	HostPort            int
	HealthCheckPath     string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	RestartPolicy       string
	Env                 map[string]string
	RegistryCredential  model.CredentialHandle
	// RestoreAttempts caps the rollback. Zero uses the controller's default.
	RestoreAttempts int
	// DeploymentTimeout bounds the whole run, excluding rollback. Zero means none.
	DeploymentTimeout time.Duration
}

// SettingsFromConfig maps a deployment config file onto Settings.
func SettingsFromConfig(cfg *config.DeployConfig) Settings {
	return Settings{
		ContainerName:       cfg.ContainerName,
		NetworkName:         cfg.NetworkName,
		ImagePort:           cfg.ImagePort,
		HostPort:            cfg.HostPort,
		HealthCheckPath:     cfg.HealthCheckPath,
		HealthCheckInterval: cfg.HealthCheckInterval(),
		HealthCheckTimeout:  cfg.HealthCheckTimeout(),
		RestartPolicy:       cfg.RestartPolicy,
		Env:                 cfg.Env,
		RegistryCredential:  model.CredentialHandle(cfg.RegistryCredential),
		RestoreAttempts:     cfg.RestoreAttempts,
		DeploymentTimeout:   cfg.DeploymentTimeout(),
	}
}

// PlanOptionsFromConfig derives the canonical plan options from a config file.
func PlanOptionsFromConfig(cfg *config.DeployConfig) plan.Options {
	return plan.Options{
		MaxRetries:   cfg.MaxStepRetries,
		RetryBackoff: cfg.RetryBackoff(),
		StepTimeout:  cfg.StepTimeout(),
	}
}

// Options configure the engine itself.
type Options struct {
	// Defaults are used by Deploy.
	Defaults Settings
	// RollbackTimeout bounds Restore, which runs on a context detached from
	// the caller's so cancellation cannot leave a half-deployed host.
	RollbackTimeout time.Duration
	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration
	// MaxParallel limits DeployAll. Zero means unlimited.
	MaxParallel int
}

const (
	defaultHealthCheckInterval = 2 * time.Second
	defaultHealthCheckTimeout  = 30 * time.Second
	defaultRollbackTimeout     = 5 * time.Minute
	defaultMaxBackoff          = 30 * time.Second
	historyTimeout             = 30 * time.Second
)

// DeployRequest is one deployment.
type DeployRequest struct {
	// ID is generated when empty.
	ID       string
	Plan     *plan.Plan
	Target   model.TargetDescriptor
	Artifact model.ArtifactReference
	Settings Settings
}

// Engine executes deployment plans. It is safe for concurrent use.
type Engine struct {
	logger   zerolog.Logger
	exec     remote.Executor
	registry registry.Client
	rollback Rollbacker
	history  Recorder
	observer Observer
	clock    clock.Clock
	locks    *hostLocks
	opts     Options
}

// New creates an Engine.
func New(logger zerolog.Logger, exec remote.Executor, reg registry.Client, rb Rollbacker, opts Options) *Engine {
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = defaultRollbackTimeout
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Engine{
		logger:   logger.With().Str("component", "engine").Logger(),
		exec:     exec,
		registry: reg,
		rollback: rb,
		clock:    clock.RealClock{},
		locks:    newHostLocks(),
		opts:     opts,
	}
}

// WithClock replaces the clock used for timestamps, backoff and health
// polling. Intended for tests.
func (e *Engine) WithClock(c clock.Clock) *Engine {
	e.clock = c
	return e
}

// WithHistory makes the engine record every finished deployment in h.
func (e *Engine) WithHistory(h Recorder) *Engine {
	e.history = h
	return e
}

// WithObserver registers o for state transitions.
func (e *Engine) WithObserver(o Observer) *Engine {
	e.observer = o
	return e
}

// Deploy runs p against target using the engine's default settings.
func (e *Engine) Deploy(ctx context.Context, p *plan.Plan, target model.TargetDescriptor, artifact model.ArtifactReference) *model.DeploymentResult {
	return e.Execute(ctx, DeployRequest{Plan: p, Target: target, Artifact: artifact, Settings: e.opts.Defaults})
}

// deployment is the mutable state of one Execute call. It is never shared.
type deployment struct {
	req      DeployRequest
	result   *model.DeploymentResult
	rc       plan.RenderContext
	session  *registry.Session
	snapshot *model.PreviousState
	logger   zerolog.Logger
}

// Execute runs req and returns its result. It always returns exactly one
// result; failures are reported in it rather than as an error.
func (e *Engine) Execute(ctx context.Context, req DeployRequest) *model.DeploymentResult {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Settings.HealthCheckInterval <= 0 {
		req.Settings.HealthCheckInterval = defaultHealthCheckInterval
	}
	if req.Settings.HealthCheckTimeout <= 0 {
		req.Settings.HealthCheckTimeout = defaultHealthCheckTimeout
	}

	d := &deployment{
		req: req,
		result: &model.DeploymentResult{
			ID:        req.ID,
			Host:      req.Target.Host,
			Artifact:  req.Artifact.String(),
			State:     model.StatePending,
			StartedAt: e.clock.Now(),
		},
		rc: plan.RenderContext{
			Artifact:        req.Artifact,
			Target:          req.Target,
			ContainerName:   req.Settings.ContainerName,
			NetworkName:     req.Settings.NetworkName,
			ImagePort:       req.Settings.ImagePort,
			HostPort:        req.Settings.HostPort,
			HealthCheckPath: req.Settings.HealthCheckPath,
			RestartPolicy:   req.Settings.RestartPolicy,
			Env:             req.Settings.Env,
		},
		logger: e.logger.With().
			Str("deployment_id", req.ID).
			Str("host", req.Target.Host).
			Str("artifact", req.Artifact.String()).
			Logger(),
	}
	e.notify(d)

	if err := validateRequest(req); err != nil {
		return e.finish(ctx, d, err)
	}

	if err := ctx.Err(); err != nil {
		return e.finish(ctx, d, model.WrapError(model.KindOf(err), "", err))
	}
	release, err := e.locks.acquire(ctx, req.Target.LockKey())
	if err != nil {
		return e.finish(ctx, d, model.WrapError(model.KindOf(err), "", fmt.Errorf("waiting for host lock: %w", err)))
	}
	defer release()

	metrics.DeploymentsInFlight.Inc()
	defer metrics.DeploymentsInFlight.Dec()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.Settings.DeploymentTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Settings.DeploymentTimeout)
	}
	defer cancel()

	e.transition(d, model.StateRunning)
	d.logger.Info().Int("steps", len(req.Plan.Steps)).Msg("deployment started")

	destructive, cause := e.runSteps(runCtx, d)
	if cause == nil {
		return e.finish(ctx, d, nil)
	}
	if !destructive {
		return e.finish(ctx, d, cause)
	}
	e.rollbackDeployment(ctx, d, cause)
	return e.finish(ctx, d, cause)
}

func validateRequest(req DeployRequest) error {
	if req.Plan == nil {
		return model.Errorf(model.KindInvalidInput, "", "no plan")
	}
	if err := req.Plan.Validate(); err != nil {
		return err
	}
	if err := req.Target.Validate(); err != nil {
		return err
	}
	if err := req.Artifact.Validate(); err != nil {
		return err
	}
	if req.Settings.ContainerName == "" {
		return model.Errorf(model.KindInvalidInput, "", "container name is required")
	}
	return nil
}

// runSteps executes the plan in order. It reports whether a destructive step
// had started and the error that stopped the plan, if any.
func (e *Engine) runSteps(ctx context.Context, d *deployment) (bool, error) {
	destructive := false
	first := d.req.Plan.FirstDestructive()
	for i, step := range d.req.Plan.Steps {
		if err := ctx.Err(); err != nil {
			return destructive, model.WrapError(model.KindOf(err), step.Name, err)
		}

		if i == first {
			if d.snapshot == nil {
				snap := plan.Step{
					Name:         "implicit-snapshot",
					Kind:         model.StepKindSnapshot,
					Idempotent:   true,
					MaxRetries:   step.MaxRetries,
					RetryBackoff: step.RetryBackoff,
					Timeout:      step.Timeout,
				}
				sr, err := e.runStep(ctx, d, snap)
				d.result.Steps = append(d.result.Steps, sr)
				if err != nil {
					return false, err
				}
			}
			destructive = true
		}

		sr, err := e.runStep(ctx, d, step)
		d.result.Steps = append(d.result.Steps, sr)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				err = model.WrapError(model.KindOf(cerr), step.Name, err)
			}
			return destructive, err
		}
	}
	return destructive, nil
}

// rollbackDeployment invokes Restore exactly once. It runs detached from the
// caller's context so a cancelled deployment still leaves the host restored.
func (e *Engine) rollbackDeployment(ctx context.Context, d *deployment, cause error) {
	d.result.RolledBack = true
	d.result.RollbackCause = model.KindOf(cause)
	e.transition(d, model.StateRollingBack)
	d.logger.Warn().Err(cause).Msg("deployment failed after a destructive step, restoring previous state")

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.RollbackTimeout)
	defer cancel()

	res, err := e.rollback.Restore(rbCtx, d.req.Target, d.snapshot, d.req.Settings.RestoreAttempts)
	if res == nil {
		res = &model.RestoreResult{}
	}
	d.result.Rollback = res

	switch {
	case err != nil:
		metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		if res.Error == "" {
			res.Error = err.Error()
		}
		d.logger.Error().Err(err).Msg("rollback failed, host needs manual intervention")
	case res.Noop:
		metrics.RollbacksTotal.WithLabelValues("noop").Inc()
	default:
		metrics.RollbacksTotal.WithLabelValues("success").Inc()
	}
}

// finish settles the terminal state, records metrics and history, and
// returns the result.
func (e *Engine) finish(ctx context.Context, d *deployment, cause error) *model.DeploymentResult {
	r := d.result
	r.Snapshot = d.snapshot
	r.FinishedAt = e.clock.Now()
	switch {
	case cause == nil:
		r.Success = true
		e.transition(d, model.StateSucceeded)
	case r.RolledBack && r.Rollback != nil && r.Rollback.Success:
		r.FinalError = model.KindOf(cause)
		r.FinalErrorDetail = cause.Error()
		e.transition(d, model.StateRolledBack)
	case r.RolledBack:
		r.FinalError = model.KindRestoreFailed
		r.FinalErrorDetail = cause.Error()
		if r.Rollback != nil && r.Rollback.Error != "" {
			r.FinalErrorDetail += "; restore: " + r.Rollback.Error
		}
		e.transition(d, model.StateRollbackFailed)
	default:
		r.FinalError = model.KindOf(cause)
		r.FinalErrorDetail = cause.Error()
		e.transition(d, model.StateFailed)
	}

	elapsed := r.FinishedAt.Sub(r.StartedAt)
	metrics.DeploymentsTotal.WithLabelValues(string(r.State)).Inc()
	metrics.DeploymentDuration.WithLabelValues(string(r.State)).Observe(elapsed.Seconds())

	ev := d.logger.Info()
	if !r.Success {
		ev = d.logger.Error()
	}
	ev.Str("state", string(r.State)).
		Str("final_error", string(r.FinalError)).
		Bool("rolled_back", r.RolledBack).
		Dur("duration", elapsed).
		Msg("deployment finished")

	if e.history != nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
		defer cancel()
		if err := e.history.Record(hctx, r); err != nil {
			d.logger.Warn().Err(err).Msg("failed to record deployment history")
		}
	}
	return r
}

func (e *Engine) transition(d *deployment, to model.State) {
	from := d.result.State
	if !model.ValidTransition(from, to) {
		d.logger.Error().Str("from", string(from)).Str("to", string(to)).Msg("invalid state transition")
	}
	d.result.State = to
	d.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state transition")
	e.notify(d)
}

func (e *Engine) notify(d *deployment) {
	if e.observer == nil {
		return
	}
	cp := *d.result
	cp.Steps = append([]model.StepResult(nil), d.result.Steps...)
	e.observer.Observe(cp)
}
