package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edvin/rollout/internal/dockercli"
	"github.com/edvin/rollout/internal/metrics"
	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/plan"
	"github.com/edvin/rollout/internal/registry"
	"github.com/edvin/rollout/internal/remote"
)

// attempt is the outcome of one try of a step. out is nil when no command ran
// or the transport failed; polls counts health check polls.
type attempt struct {
	out   *remote.Result
	polls int
}

// runStep executes step with its retry policy and returns one StepResult
// describing the final attempt.
func (e *Engine) runStep(ctx context.Context, d *deployment, step plan.Step) (model.StepResult, error) {
	started := e.clock.Now()
	sr := model.StepResult{Step: step.Name, Kind: step.Kind, StartedAt: started}
	defer func() {
		metrics.StepDuration.WithLabelValues(step.Name).Observe(sr.Duration.Seconds())
	}()

	line, err := plan.Render(step, d.rc)
	if err != nil {
		sr.Attempts = 1
		fail(&sr, err)
		return sr, err
	}
	sr.Command = line

	logger := d.logger.With().Str("step", step.Name).Logger()
	maxAttempts := max(step.MaxRetries, 1)
	bo := newBackoff(step.RetryBackoff, e.opts.MaxBackoff)

	for n := 1; ; n++ {
		a, err := e.attempt(ctx, d, step, line)
		sr.Attempts = n - 1 + max(a.polls, 1)
		record(&sr, a.out)
		sr.Duration = e.clock.Now().Sub(started)

		if err == nil {
			metrics.StepAttemptsTotal.WithLabelValues(step.Name, "success").Inc()
			logger.Info().Int("attempts", sr.Attempts).Dur("duration", sr.Duration).Msg("step succeeded")
			return sr, nil
		}
		if a.out != nil && step.Tolerates(a.out.Stderr) {
			sr.Tolerated = true
			metrics.StepAttemptsTotal.WithLabelValues(step.Name, "tolerated").Inc()
			logger.Info().Int("exit_code", a.out.ExitCode).Msg("step outcome tolerated")
			return sr, nil
		}
		if !step.Idempotent && step.Verify != plan.VerifyNone && e.verify(ctx, d, step) {
			sr.Verified = true
			metrics.StepAttemptsTotal.WithLabelValues(step.Name, "verified").Inc()
			logger.Warn().Err(err).Msg("step reported failure but its effect is in place")
			return sr, nil
		}

		metrics.StepAttemptsTotal.WithLabelValues(step.Name, "failure").Inc()
		err = withStep(step.Name, err)
		kind := model.KindOf(err)
		if !retryable(step, kind) || n >= maxAttempts || ctx.Err() != nil {
			fail(&sr, err)
			logger.Warn().Err(err).Int("attempts", sr.Attempts).Msg("step failed")
			return sr, err
		}

		wait := bo.NextBackOff()
		logger.Warn().Err(err).Int("attempt", n).Dur("backoff", wait).Msg("step failed, retrying")
		if serr := e.sleep(ctx, wait); serr != nil {
			err = model.WrapError(model.KindOf(serr), step.Name, serr)
			fail(&sr, err)
			return sr, err
		}
	}
}

// retryable applies the retry policy. Idempotent steps retry anything that
// is not permanent; the rest only retry when the command may never have run.
func retryable(step plan.Step, kind model.ErrorKind) bool {
	if kind.Permanent() || kind == model.KindHealthCheckFailed {
		return false
	}
	if step.Idempotent {
		return true
	}
	return kind.Transient()
}

func newBackoff(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = ceiling
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (e *Engine) attempt(ctx context.Context, d *deployment, step plan.Step, line string) (attempt, error) {
	switch step.Kind {
	case model.StepKindRegistryAuth:
		session, err := e.registry.Authenticate(ctx, d.req.Target, d.req.Artifact.RegistryHost(), d.req.Settings.RegistryCredential, step.Timeout)
		if err != nil {
			return attempt{out: registry.ResultOf(err)}, err
		}
		d.session = session
		return attempt{}, nil

	case model.StepKindPull:
		if d.session == nil {
			session, err := e.registry.Authenticate(ctx, d.req.Target, d.req.Artifact.RegistryHost(), d.req.Settings.RegistryCredential, step.Timeout)
			if err != nil {
				return attempt{out: registry.ResultOf(err)}, err
			}
			d.session = session
		}
		err := e.registry.Pull(ctx, d.session, d.req.Artifact, step.Timeout)
		return attempt{out: registry.ResultOf(err)}, err

	case model.StepKindSnapshot:
		return attempt{}, e.snapshot(ctx, d)

	case model.StepKindHealthCheck:
		return e.pollHealth(ctx, d, step, line)
	}

	out, err := e.exec.Run(ctx, d.req.Target, remote.Command{Line: line, Timeout: step.Timeout})
	if err != nil {
		return attempt{}, err
	}
	if !out.OK() {
		return attempt{out: out}, model.CommandFailed(step.Name, out.ExitCode, out.Stderr)
	}
	return attempt{out: out}, nil
}

// snapshot captures the container about to be replaced. A missing container
// yields an empty snapshot: restoring it means removing the new one. The
// first snapshot wins so the restore target is the state before any
// destructive step.
func (e *Engine) snapshot(ctx context.Context, d *deployment) error {
	prev, err := e.rollback.Snapshot(ctx, d.req.Target, d.req.Settings.ContainerName)
	switch {
	case model.IsKind(err, model.KindSnapshotUnavailable):
		prev = &model.PreviousState{
			Empty:         true,
			ContainerName: d.req.Settings.ContainerName,
			CapturedAt:    e.clock.Now(),
		}
		d.logger.Info().Msg("no previous container, rollback will remove the new one")
	case err != nil:
		return err
	}
	if d.snapshot == nil {
		d.snapshot = prev
	}
	return nil
}

// pollHealth runs the check every HealthCheckInterval until it succeeds or
// HealthCheckTimeout has passed.
func (e *Engine) pollHealth(ctx context.Context, d *deployment, step plan.Step, line string) (attempt, error) {
	interval := d.req.Settings.HealthCheckInterval
	deadline := e.clock.Now().Add(d.req.Settings.HealthCheckTimeout)

	var a attempt
	var lastErr error
	for {
		a.polls++
		out, err := e.exec.Run(ctx, d.req.Target, remote.Command{Line: line, Timeout: step.Timeout})
		if out != nil {
			a.out = out
		}
		if err == nil && out.OK() {
			return a, nil
		}
		if err == nil {
			err = model.CommandFailed(step.Name, out.ExitCode, out.Stderr)
		}
		lastErr = err
		if cerr := ctx.Err(); cerr != nil {
			return a, model.WrapError(model.KindOf(cerr), step.Name, cerr)
		}
		if e.clock.Now().Add(interval).After(deadline) {
			break
		}
		if serr := e.sleep(ctx, interval); serr != nil {
			return a, model.WrapError(model.KindOf(serr), step.Name, serr)
		}
	}
	return a, model.Errorf(model.KindHealthCheckFailed, step.Name,
		"not healthy after %s (%d polls): %v", d.req.Settings.HealthCheckTimeout, a.polls, lastErr)
}

// verify checks whether a non-idempotent step's effect is already in place.
func (e *Engine) verify(ctx context.Context, d *deployment, step plan.Step) bool {
	if step.Verify != plan.VerifyContainerRunning || ctx.Err() != nil {
		return false
	}
	out, err := e.exec.Run(ctx, d.req.Target, remote.Command{
		Line:    dockercli.Inspect(d.req.Settings.ContainerName),
		Timeout: step.Timeout,
	})
	if err != nil || !out.OK() {
		return false
	}
	st, err := dockercli.ParseInspect(out.Stdout)
	if err != nil {
		return false
	}
	return st.Running && st.Image == d.req.Artifact.Image()
}

// sleep waits for d on the engine clock, or until ctx is done.
func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := e.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

func record(sr *model.StepResult, out *remote.Result) {
	if out == nil {
		sr.ExitCode = 0
		sr.Stdout = ""
		sr.Stderr = ""
		return
	}
	sr.ExitCode = out.ExitCode
	sr.Stdout = model.Excerpt(out.Stdout, model.MaxExcerptBytes)
	sr.Stderr = model.Excerpt(out.Stderr, model.MaxExcerptBytes)
}

func fail(sr *model.StepResult, err error) {
	sr.ErrorKind = model.KindOf(err)
	sr.Error = err.Error()
}

// withStep attributes err to step unless it already names one.
func withStep(step string, err error) error {
	var me *model.Error
	if errors.As(err, &me) {
		if me.Step != "" {
			return err
		}
		cp := *me
		cp.Step = step
		return &cp
	}
	return model.WrapError(model.KindOf(err), step, err)
}
