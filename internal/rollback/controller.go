// Package rollback captures the container a deployment is about to replace
// and restores it when the deployment fails.
package rollback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/rollout/internal/dockercli"
	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/remote"
)

// DefaultAttempts caps Restore. A rollback that keeps failing needs an
// operator, not more automation.
const DefaultAttempts = 2

// Restore step names, as they appear in RestoreResult.Steps.
const (
	StepInspect = "restore-inspect"
	StepRemove  = "restore-remove"
	StepTag     = "restore-tag"
	StepCreate  = "restore-create"
	StepConnect = "restore-connect-network"
	StepVerify  = "restore-verify"
)

// Options configure a Controller.
type Options struct {
	Attempts       int
	CommandTimeout time.Duration
}

// Controller implements Snapshot and Restore on top of a remote executor.
type Controller struct {
	logger   zerolog.Logger
	exec     remote.Executor
	attempts int
	timeout  time.Duration
	now      func() time.Time
}

// NewController creates a Controller. Zero options fall back to defaults.
func NewController(logger zerolog.Logger, exec remote.Executor, opts Options) *Controller {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = time.Minute
	}
	return &Controller{
		logger:   logger.With().Str("component", "rollback").Logger(),
		exec:     exec,
		attempts: opts.Attempts,
		timeout:  opts.CommandTimeout,
		now:      time.Now,
	}
}

// Snapshot records the current state of containerName. It fails with
// SnapshotUnavailable when no such container exists.
func (c *Controller) Snapshot(ctx context.Context, target model.TargetDescriptor, containerName string) (*model.PreviousState, error) {
	st, _, err := c.inspect(ctx, target, containerName)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, model.Errorf(model.KindSnapshotUnavailable, "", "no container named %s on %s", containerName, target.Host)
	}
	prev := st.PreviousState(c.now())
	c.logger.Info().
		Str("host", target.Host).
		Str("container", containerName).
		Str("image", prev.ImageReference).
		Str("image_id", prev.ImageID).
		Bool("running", prev.Running).
		Msg("snapshot captured")
	return prev, nil
}

// Restore brings containerName back to prev. It is idempotent: when the
// host already matches prev nothing is changed and the result reports Noop.
// An Empty snapshot restores to "no container". attempts overrides the
// controller's cap when positive.
func (c *Controller) Restore(ctx context.Context, target model.TargetDescriptor, prev *model.PreviousState, attempts int) (*model.RestoreResult, error) {
	if attempts <= 0 {
		attempts = c.attempts
	}
	res := &model.RestoreResult{}
	if prev == nil || prev.ContainerName == "" {
		res.Error = "no snapshot to restore"
		return res, model.Errorf(model.KindRestoreFailed, "", "no snapshot to restore")
	}

	logger := c.logger.With().Str("host", target.Host).Str("container", prev.ContainerName).Logger()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res.Attempts = attempt
		noop, err := c.restoreOnce(ctx, target, prev, res)
		if err == nil {
			res.Success = true
			res.Noop = noop && attempt == 1
			logger.Info().Int("attempt", attempt).Bool("noop", res.Noop).Msg("previous state restored")
			return res, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("restore attempt failed")
		if ctx.Err() != nil {
			break
		}
	}

	res.Error = lastErr.Error()
	logger.Error().Err(lastErr).Int("attempts", res.Attempts).Msg("restore failed, manual intervention required")
	return res, &model.Error{Kind: model.KindRestoreFailed, Err: fmt.Errorf("after %d attempts: %w", res.Attempts, lastErr)}
}

func (c *Controller) restoreOnce(ctx context.Context, target model.TargetDescriptor, prev *model.PreviousState, res *model.RestoreResult) (bool, error) {
	name := prev.ContainerName

	current, step, err := c.inspect(ctx, target, name)
	step.Step = StepInspect
	res.Steps = append(res.Steps, step)
	if err != nil {
		return false, err
	}

	if prev.Empty {
		if current == nil {
			return true, nil
		}
		return false, c.run(ctx, target, StepRemove, dockercli.ForceRemove(name), "", res)
	}

	if current != nil && matches(current, prev) {
		return true, nil
	}
	if current != nil {
		if err := c.run(ctx, target, StepRemove, dockercli.ForceRemove(name), "", res); err != nil {
			return false, err
		}
	}

	image, err := c.restoreImage(ctx, target, prev, res)
	if err != nil {
		return false, err
	}
	opts := dockercli.RunOpts{
		Name:          name,
		Image:         image,
		Ports:         prev.PortBindings,
		RestartPolicy: prev.RestartPolicy,
		Env:           prev.Env,
		Detached:      prev.Running,
	}
	if len(prev.Networks) > 0 {
		opts.Network = prev.Networks[0]
	}
	if err := c.run(ctx, target, StepCreate, dockercli.Run(opts), "", res); err != nil {
		return false, err
	}
	for _, network := range prev.Networks[min(1, len(prev.Networks)):] {
		if err := c.run(ctx, target, StepConnect, dockercli.NetworkConnect(network, name), dockercli.AlreadyExists, res); err != nil {
			return false, err
		}
	}

	restored, step, err := c.inspect(ctx, target, name)
	step.Step = StepVerify
	res.Steps = append(res.Steps, step)
	if err != nil {
		return false, err
	}
	if restored == nil || !matches(restored, prev) {
		return false, model.Errorf(model.KindRestoreFailed, StepVerify, "container %s does not match the snapshot after restore", name)
	}
	return false, nil
}

// restoreImage returns the reference to recreate the container from. A
// mutable tag is pointed back at the snapshotted image first, since the
// failed deployment's pull may have moved it.
func (c *Controller) restoreImage(ctx context.Context, target model.TargetDescriptor, prev *model.PreviousState, res *model.RestoreResult) (string, error) {
	ref := prev.ImageReference
	switch {
	case prev.ImageID == "":
		return ref, nil
	case ref == "" || ref == prev.ImageID:
		return prev.ImageID, nil
	case strings.Contains(ref, "@"):
		return ref, nil
	}
	if err := c.run(ctx, target, StepTag, dockercli.Tag(prev.ImageID, ref), "", res); err != nil {
		return "", err
	}
	return ref, nil
}

func matches(st *dockercli.ContainerStatus, prev *model.PreviousState) bool {
	if prev.ImageID != "" {
		if st.ImageID != prev.ImageID {
			return false
		}
	} else if st.Image != prev.ImageReference {
		return false
	}
	return st.Running == prev.Running && st.OnNetworks(prev.Networks)
}

// inspect returns a nil status when the container does not exist.
func (c *Controller) inspect(ctx context.Context, target model.TargetDescriptor, name string) (*dockercli.ContainerStatus, model.StepResult, error) {
	line := dockercli.Inspect(name)
	started := c.now()
	step := model.StepResult{Kind: model.StepKindSnapshot, Command: line, Attempts: 1, StartedAt: started}

	r, err := c.exec.Run(ctx, target, remote.Command{Line: line, Timeout: c.timeout})
	step.Duration = c.now().Sub(started)
	if err != nil {
		step.ErrorKind = model.KindOf(err)
		step.Error = err.Error()
		return nil, step, err
	}
	step.ExitCode = r.ExitCode
	step.Stderr = model.Excerpt(r.Stderr, model.MaxExcerptBytes)
	if !r.OK() {
		if dockercli.IsNotFound(r.Stderr) {
			return nil, step, nil
		}
		err := model.CommandFailed("", r.ExitCode, r.Stderr)
		step.ErrorKind = err.Kind
		step.Error = err.Error()
		return nil, step, err
	}
	st, err := dockercli.ParseInspect(r.Stdout)
	if err != nil {
		werr := model.WrapError(model.KindCommandFailed, "", err)
		step.ErrorKind = model.KindCommandFailed
		step.Error = werr.Error()
		return nil, step, werr
	}
	return st, step, nil
}

// run executes line and appends its StepResult to res. A non-zero exit whose
// stderr contains tolerate counts as success.
func (c *Controller) run(ctx context.Context, target model.TargetDescriptor, name, line, tolerate string, res *model.RestoreResult) error {
	started := c.now()
	step := model.StepResult{Step: name, Kind: model.StepKindCommand, Command: line, Attempts: 1, StartedAt: started}

	r, err := c.exec.Run(ctx, target, remote.Command{Line: line, Timeout: c.timeout})
	step.Duration = c.now().Sub(started)
	switch {
	case err != nil:
		step.ErrorKind = model.KindOf(err)
		step.Error = err.Error()
	case !r.OK() && tolerate != "" && dockercli.ContainsFold(r.Stderr, tolerate):
		step.ExitCode = r.ExitCode
		step.Stderr = model.Excerpt(r.Stderr, model.MaxExcerptBytes)
		step.Tolerated = true
	case !r.OK():
		step.ExitCode = r.ExitCode
		step.Stdout = model.Excerpt(r.Stdout, model.MaxExcerptBytes)
		step.Stderr = model.Excerpt(r.Stderr, model.MaxExcerptBytes)
		cerr := model.CommandFailed(name, r.ExitCode, r.Stderr)
		step.ErrorKind = cerr.Kind
		step.Error = cerr.Error()
		err = cerr
	default:
		step.Stdout = model.Excerpt(r.Stdout, model.MaxExcerptBytes)
	}
	res.Steps = append(res.Steps, step)
	return err
}
