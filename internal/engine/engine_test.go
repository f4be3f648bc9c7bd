package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/edvin/rollout/internal/credentials"
	"github.com/edvin/rollout/internal/dockercli"
	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/plan"
	"github.com/edvin/rollout/internal/registry"
	"github.com/edvin/rollout/internal/remote"
	"github.com/edvin/rollout/internal/remote/remotetest"
	"github.com/edvin/rollout/internal/rollback"
)

const (
	imageV1 = "registry.example.com/app:v1"
	imageV2 = "registry.example.com/app:v2"
)

// fakeClock fires every timer as soon as it is created, advancing time by
// its duration, and remembers the durations.
type fakeClock struct {
	*clocktesting.FakeClock
	mu     sync.Mutex
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{FakeClock: clocktesting.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))}
}

func (c *fakeClock) NewTimer(d time.Duration) clock.Timer {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	t := c.FakeClock.NewTimer(d)
	c.Step(d)
	return t
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// spyRollbacker records what the engine hands the rollback controller.
type spyRollbacker struct {
	inner     Rollbacker
	mu        sync.Mutex
	snapshots []*model.PreviousState
	restored  []*model.PreviousState
}

func (s *spyRollbacker) Snapshot(ctx context.Context, target model.TargetDescriptor, name string) (*model.PreviousState, error) {
	prev, err := s.inner.Snapshot(ctx, target, name)
	s.mu.Lock()
	s.snapshots = append(s.snapshots, prev)
	s.mu.Unlock()
	return prev, err
}

func (s *spyRollbacker) Restore(ctx context.Context, target model.TargetDescriptor, prev *model.PreviousState, attempts int) (*model.RestoreResult, error) {
	s.mu.Lock()
	s.restored = append(s.restored, prev)
	s.mu.Unlock()
	return s.inner.Restore(ctx, target, prev, attempts)
}

// hook wraps an executor and lets a test intercept commands by prefix.
type hook struct {
	remote.Executor
	prefix string
	fn     func(ctx context.Context, res *remote.Result, err error) (*remote.Result, error)
	before func(ctx context.Context)
}

func (h *hook) Run(ctx context.Context, target model.TargetDescriptor, cmd remote.Command) (*remote.Result, error) {
	if !strings.HasPrefix(cmd.Line, h.prefix) {
		return h.Executor.Run(ctx, target, cmd)
	}
	if h.before != nil {
		h.before(ctx)
	}
	res, err := h.Executor.Run(ctx, target, cmd)
	if h.fn != nil {
		return h.fn(ctx, res, err)
	}
	return res, err
}

type recordingObserver struct {
	mu     sync.Mutex
	states []model.State
	last   model.DeploymentResult
}

func (o *recordingObserver) Observe(r model.DeploymentResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, r.State)
	o.last = r
}

// timeouts records the timeout of every command starting with prefix.
type timeouts struct {
	remote.Executor
	prefix string
	mu     sync.Mutex
	seen   []time.Duration
}

func (r *timeouts) Run(ctx context.Context, target model.TargetDescriptor, cmd remote.Command) (*remote.Result, error) {
	if strings.HasPrefix(cmd.Line, r.prefix) {
		r.mu.Lock()
		r.seen = append(r.seen, cmd.Timeout)
		r.mu.Unlock()
	}
	return r.Executor.Run(ctx, target, cmd)
}

type harness struct {
	host     *remotetest.FakeHost
	clock    *fakeClock
	spy      *spyRollbacker
	observer *recordingObserver
	engine   *Engine
}

func newHarness(t *testing.T, exec remote.Executor, host *remotetest.FakeHost) *harness {
	t.Helper()
	if exec == nil {
		exec = host
	}
	h := &harness{
		host:     host,
		clock:    newFakeClock(),
		observer: &recordingObserver{},
	}
	h.spy = &spyRollbacker{inner: rollback.NewController(zerolog.Nop(), exec, rollback.Options{})}
	reg := registry.NewDockerClient(zerolog.Nop(), exec, credentials.NewResolver(), time.Minute)
	h.engine = New(zerolog.Nop(), exec, reg, h.spy, Options{Defaults: testSettings()}).
		WithClock(h.clock).
		WithObserver(h.observer)
	return h
}

func testSettings() Settings {
	return Settings{
		ContainerName:      "app",
		NetworkName:        "app-net",
		ImagePort:          80,
		HostPort:           8080,
		HealthCheckPath:    "/healthz",
		HealthCheckTimeout: 30 * time.Second,
		RestartPolicy:      "unless-stopped",
	}
}

var target = model.TargetDescriptor{Host: "host-1", SSHUser: "deploy"}

func artifact(t *testing.T, s string) model.ArtifactReference {
	t.Helper()
	a, err := model.ParseArtifact(s)
	require.NoError(t, err)
	return a
}

func canonical() *plan.Plan {
	return plan.Canonical(plan.Options{MaxRetries: 3, RetryBackoff: 2 * time.Second, StepTimeout: time.Minute})
}

func withPreviousVersion(h *remotetest.FakeHost) {
	h.AddContainer(remotetest.Container{
		Name:     "app",
		Image:    imageV1,
		Running:  true,
		Ports:    []model.PortBinding{{HostPort: 8080, ContainerPort: 80}},
		Networks: []string{"app-net"},
	})
}

func stepNames(r *model.DeploymentResult) []string {
	var names []string
	for _, s := range r.Steps {
		names = append(names, s.Step)
	}
	return names
}

func TestDeploy_FirstDeploySucceeds(t *testing.T) {
	host := remotetest.NewFakeHost()
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	assert.True(t, res.Success)
	assert.False(t, res.RolledBack)
	assert.Equal(t, model.StateSucceeded, res.State)
	assert.Empty(t, res.FinalError)
	require.Len(t, res.Steps, 9)
	for _, s := range res.Steps {
		assert.True(t, s.Succeeded(), s.Step)
		assert.Equal(t, 1, s.Attempts, s.Step)
	}

	stop, _ := res.Step(plan.StepStopOldContainer)
	assert.True(t, stop.Tolerated)
	remove, _ := res.Step(plan.StepRemoveOldContainer)
	assert.True(t, remove.Tolerated)

	require.NotNil(t, res.Snapshot)
	assert.True(t, res.Snapshot.Empty)

	c, ok := host.Container("app")
	require.True(t, ok)
	assert.Equal(t, imageV2, c.Image)
	assert.True(t, c.Running)
	assert.Equal(t, []string{"app-net", "bridge"}, c.Networks)
	assert.Empty(t, h.clock.Sleeps())
	assert.Empty(t, h.spy.restored)
	assert.Equal(t, []model.State{model.StatePending, model.StateRunning, model.StateSucceeded}, h.observer.states)
}

func TestDeploy_ReplacesPreviousVersion(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))
	require.True(t, res.Success, res.FinalErrorDetail)

	network, _ := res.Step(plan.StepEnsureNetwork)
	assert.True(t, network.Tolerated)
	stop, _ := res.Step(plan.StepStopOldContainer)
	assert.False(t, stop.Tolerated)

	assert.Equal(t, imageV1, res.Snapshot.ImageReference)
	c, _ := host.Container("app")
	assert.Equal(t, imageV2, c.Image)
}

func TestDeploy_HealthCheckFailureRollsBack(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	host.SetHealthy(func(c remotetest.Container) bool { return c.Image != imageV2 })
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Equal(t, model.StateRolledBack, res.State)
	assert.Equal(t, model.KindHealthCheckFailed, res.FinalError)
	assert.Equal(t, model.KindHealthCheckFailed, res.RollbackCause)
	require.NotNil(t, res.Rollback)
	assert.True(t, res.Rollback.Success)

	health, ok := res.Step(plan.StepHealthCheck)
	require.True(t, ok)
	assert.Equal(t, model.KindHealthCheckFailed, health.ErrorKind)
	assert.Equal(t, 16, health.Attempts)
	assert.Equal(t, 30*time.Second, health.Duration)
	assert.Equal(t, 22, health.ExitCode)

	require.Len(t, h.spy.restored, 1)
	require.Len(t, h.spy.snapshots, 1)
	assert.Same(t, h.spy.snapshots[0], h.spy.restored[0])

	out, err := host.Run(context.Background(), target, remote.Command{Line: dockercli.Inspect("app")})
	require.NoError(t, err)
	st, err := dockercli.ParseInspect(out.Stdout)
	require.NoError(t, err)
	assert.Equal(t, imageV1, st.Image)
	assert.True(t, st.Running)

	assert.Equal(t, []model.State{
		model.StatePending, model.StateRunning, model.StateRollingBack, model.StateRolledBack,
	}, h.observer.states)
}

func TestDeploy_HealthCheckFailureOnFirstDeployRemovesContainer(t *testing.T) {
	host := remotetest.NewFakeHost()
	host.SetHealthy(func(remotetest.Container) bool { return false })
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	assert.True(t, res.RolledBack)
	assert.Equal(t, model.StateRolledBack, res.State)
	_, exists := host.Container("app")
	assert.False(t, exists)
}

func TestDeploy_PullConnectionRefusedAbortsWithoutRollback(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	host.FailCommand("docker pull", 3, model.Errorf(model.KindConnectionRefused, "", "dial host-1:22: connection refused"))
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	assert.False(t, res.Success)
	assert.False(t, res.RolledBack)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.KindConnectionRefused, res.FinalError)
	assert.Equal(t, []string{plan.StepAuthenticateRegistry, plan.StepPullImage}, stepNames(res))

	pull, _ := res.Step(plan.StepPullImage)
	assert.Equal(t, 3, pull.Attempts)
	assert.Equal(t, 3, host.CallCount("docker pull"))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.clock.Sleeps())
	assert.Empty(t, h.spy.restored)

	c, _ := host.Container("app")
	assert.Equal(t, imageV1, c.Image)
	assert.True(t, c.Running)
}

func TestDeploy_PullRecoversAfterTransientFailure(t *testing.T) {
	host := remotetest.NewFakeHost()
	host.FailCommand("docker pull", 2, model.Errorf(model.KindTimeout, "", "i/o timeout"))
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))
	require.True(t, res.Success)
	pull, _ := res.Step(plan.StepPullImage)
	assert.Equal(t, 3, pull.Attempts)
}

func TestDeploy_ImageNotFoundIsNotRetried(t *testing.T) {
	host := remotetest.NewFakeHost()
	host.SetRegistryImages(imageV1)
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.KindImageNotFound, res.FinalError)
	pull, _ := res.Step(plan.StepPullImage)
	assert.Equal(t, 1, pull.Attempts)
	assert.Equal(t, 1, pull.ExitCode)
	assert.Contains(t, pull.Stderr, "manifest unknown")
	assert.Equal(t, "docker pull "+imageV2, pull.Command)
	assert.Empty(t, h.clock.Sleeps())
}

func TestDeploy_RegistryStepsUseStepTimeout(t *testing.T) {
	host := remotetest.NewFakeHost()
	host.RequireLogin("registry.example.com", "s3cret")
	t.Setenv("REGISTRY_USERNAME", "ci")
	t.Setenv("REGISTRY_PASSWORD", "s3cret")
	login := &timeouts{Executor: host, prefix: "docker login"}
	exec := &timeouts{Executor: login, prefix: "docker pull"}
	h := newHarness(t, exec, host)

	req := DeployRequest{
		Plan:     plan.Canonical(plan.Options{StepTimeout: 7 * time.Second}),
		Target:   target,
		Artifact: artifact(t, imageV2),
		Settings: testSettings(),
	}
	req.Settings.RegistryCredential = "env:REGISTRY"
	res := h.engine.Execute(context.Background(), req)

	require.True(t, res.Success, res.FinalErrorDetail)
	assert.Equal(t, []time.Duration{7 * time.Second}, login.seen)
	assert.Equal(t, []time.Duration{7 * time.Second}, exec.seen)
}

func TestDeploy_BackoffIsCapped(t *testing.T) {
	host := remotetest.NewFakeHost()
	host.FailCommand("docker pull", 5, model.Errorf(model.KindConnectionRefused, "", "refused"))
	h := newHarness(t, nil, host)

	p := plan.Canonical(plan.Options{MaxRetries: 6, RetryBackoff: 10 * time.Second})
	res := h.engine.Deploy(context.Background(), p, target, artifact(t, imageV2))

	require.True(t, res.Success)
	assert.Equal(t, []time.Duration{
		10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, h.clock.Sleeps())
}

func TestDeploy_StartCommandFailureRollsBack(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	host.FailCommandWith("docker run -d --name app -p 8080:80 --restart", 1,
		remote.Result{ExitCode: 125, Stderr: "docker: Error response from daemon: OCI runtime create failed"})
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	assert.Equal(t, model.StateRolledBack, res.State)
	assert.Equal(t, model.KindCommandFailed, res.FinalError)
	start, _ := res.Step(plan.StepStartNewContainer)
	assert.Equal(t, 1, start.Attempts, "a failed non-idempotent step is not retried")
	assert.Equal(t, 125, start.ExitCode)
	assert.False(t, start.Verified)

	require.Len(t, h.spy.restored, 1)
	c, _ := host.Container("app")
	assert.Equal(t, imageV1, c.Image)
	assert.True(t, c.Running)
}

func TestDeploy_RollbackFailure(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	host.FailCommandWith("docker run", -1, remote.Result{ExitCode: 125, Stderr: "docker: Error response from daemon: disk full"})
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Equal(t, model.StateRollbackFailed, res.State)
	assert.Equal(t, model.KindRestoreFailed, res.FinalError)
	assert.Equal(t, model.KindCommandFailed, res.RollbackCause)
	require.NotNil(t, res.Rollback)
	assert.False(t, res.Rollback.Success)
	assert.Equal(t, rollback.DefaultAttempts, res.Rollback.Attempts)
	assert.NotEmpty(t, res.Rollback.Steps)
	assert.Contains(t, res.FinalErrorDetail, "disk full")
	require.Len(t, h.spy.restored, 1, "restore is invoked exactly once")
}

func TestDeploy_RestoreAttemptsPerRequest(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	host.FailCommandWith("docker run", -1, remote.Result{ExitCode: 125, Stderr: "docker: Error response from daemon: disk full"})
	h := newHarness(t, nil, host)

	req := DeployRequest{Plan: canonical(), Target: target, Artifact: artifact(t, imageV2), Settings: testSettings()}
	req.Settings.RestoreAttempts = 4
	res := h.engine.Execute(context.Background(), req)

	assert.Equal(t, model.StateRollbackFailed, res.State)
	require.NotNil(t, res.Rollback)
	assert.Equal(t, 4, res.Rollback.Attempts)
}

func TestDeploy_ReusedTagHealthFailureRestoresPreviousImage(t *testing.T) {
	const latest = "registry.example.com/app:latest"
	host := remotetest.NewFakeHost()
	host.AddContainer(remotetest.Container{
		Name:     "app",
		Image:    latest,
		Running:  true,
		Ports:    []model.PortBinding{{HostPort: 8080, ContainerPort: 80}},
		Networks: []string{"app-net"},
	})
	old, _ := host.Container("app")
	host.SetHealthy(func(c remotetest.Container) bool { return c.ImageID == old.ImageID })
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, latest))

	assert.Equal(t, model.StateRolledBack, res.State)
	assert.Equal(t, model.KindHealthCheckFailed, res.FinalError)
	require.NotNil(t, res.Rollback)
	assert.True(t, res.Rollback.Success)
	assert.False(t, res.Rollback.Noop)
	assert.Equal(t, old.ImageID, res.Snapshot.ImageID)

	c, ok := host.Container("app")
	require.True(t, ok)
	assert.NotEqual(t, old.ID, c.ID, "container was recreated")
	assert.Equal(t, old.ImageID, c.ImageID)
	assert.Equal(t, latest, c.Image)
	assert.True(t, c.Running)
	assert.Equal(t, old.ImageID, host.ImageID(latest))
}

func TestDeploy_ObserverSeesFinishedResult(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	host.SetHealthy(func(c remotetest.Container) bool { return c.Image != imageV2 })
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	last := h.observer.last
	assert.Equal(t, model.StateRolledBack, last.State)
	assert.False(t, last.FinishedAt.IsZero())
	assert.Equal(t, res.FinishedAt, last.FinishedAt)
	require.NotNil(t, last.Snapshot)
	assert.Equal(t, imageV1, last.Snapshot.ImageReference)
	assert.NotNil(t, last.Rollback)
	assert.Equal(t, res.FinalError, last.FinalError)
}

func TestDeploy_StartVerifiedAfterLostResponse(t *testing.T) {
	host := remotetest.NewFakeHost()
	exec := &hook{
		Executor: host,
		prefix:   "docker run",
		fn: func(_ context.Context, res *remote.Result, err error) (*remote.Result, error) {
			return nil, model.Errorf(model.KindConnectionRefused, "", "connection reset by peer")
		},
	}
	h := newHarness(t, exec, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	require.True(t, res.Success, res.FinalErrorDetail)
	start, _ := res.Step(plan.StepStartNewContainer)
	assert.True(t, start.Verified)
	assert.Equal(t, 1, start.Attempts)
	assert.Equal(t, 1, host.CallCount("docker run"))
}

func TestDeploy_StartRetriedWhenNeverRan(t *testing.T) {
	host := remotetest.NewFakeHost()
	host.FailCommand("docker run", 1, model.Errorf(model.KindConnectionRefused, "", "refused"))
	h := newHarness(t, nil, host)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))

	require.True(t, res.Success, res.FinalErrorDetail)
	start, _ := res.Step(plan.StepStartNewContainer)
	assert.False(t, start.Verified)
	assert.Equal(t, 2, start.Attempts)
}

func TestDeploy_ImplicitSnapshot(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	host.SetHealthy(func(remotetest.Container) bool { return false })
	h := newHarness(t, nil, host)

	full := canonical()
	p := &plan.Plan{Name: "no-snapshot"}
	for _, s := range full.Steps {
		if s.Kind != model.StepKindSnapshot {
			p.Steps = append(p.Steps, s)
		}
	}

	res := h.engine.Deploy(context.Background(), p, target, artifact(t, imageV2))

	assert.Equal(t, "implicit-snapshot", res.Steps[2].Step)
	assert.Equal(t, plan.StepStopOldContainer, res.Steps[3].Step)
	assert.Equal(t, model.StateRolledBack, res.State)
	require.Len(t, h.spy.snapshots, 1)
	assert.Same(t, h.spy.snapshots[0], h.spy.restored[0])
	c, _ := host.Container("app")
	assert.Equal(t, imageV1, c.Image)
}

func TestDeploy_CanceledBeforeStart(t *testing.T) {
	host := remotetest.NewFakeHost()
	h := newHarness(t, nil, host)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.engine.Deploy(ctx, canonical(), target, artifact(t, imageV2))

	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.KindCanceled, res.FinalError)
	assert.Empty(t, res.Steps)
	assert.Empty(t, host.Calls())
}

func TestDeploy_CanceledAfterDestructiveStepStillRollsBack(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &hook{Executor: host, prefix: "docker network create", before: func(context.Context) { cancel() }}
	h := newHarness(t, exec, host)

	res := h.engine.Deploy(ctx, canonical(), target, artifact(t, imageV2))

	assert.Equal(t, model.StateRolledBack, res.State)
	assert.Equal(t, model.KindCanceled, res.FinalError)
	assert.Equal(t, model.KindCanceled, res.RollbackCause)
	c, ok := host.Container("app")
	require.True(t, ok)
	assert.Equal(t, imageV1, c.Image)
	assert.True(t, c.Running)
}

func TestDeploy_DeploymentTimeoutForcesRollback(t *testing.T) {
	host := remotetest.NewFakeHost()
	withPreviousVersion(host)
	exec := &hook{Executor: host, prefix: "docker network create", before: func(ctx context.Context) { <-ctx.Done() }}
	h := newHarness(t, exec, host)

	req := DeployRequest{Plan: canonical(), Target: target, Artifact: artifact(t, imageV2), Settings: testSettings()}
	req.Settings.DeploymentTimeout = 50 * time.Millisecond
	res := h.engine.Execute(context.Background(), req)

	assert.Equal(t, model.StateRolledBack, res.State)
	assert.Equal(t, model.KindTimeout, res.RollbackCause)
	c, _ := host.Container("app")
	assert.Equal(t, imageV1, c.Image)
}

func TestDeploy_WaitsForHostLock(t *testing.T) {
	host := remotetest.NewFakeHost()
	h := newHarness(t, nil, host)

	release, err := h.engine.locks.acquire(context.Background(), target.LockKey())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := h.engine.Deploy(ctx, canonical(), target, artifact(t, imageV2))

	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.KindTimeout, res.FinalError)
	assert.Contains(t, res.FinalErrorDetail, "waiting for host lock: context deadline exceeded")
	assert.Empty(t, host.Calls())
}

func TestDeploy_InvalidInput(t *testing.T) {
	h := newHarness(t, nil, remotetest.NewFakeHost())

	res := h.engine.Deploy(context.Background(), &plan.Plan{Name: "empty"}, target, artifact(t, imageV2))
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.KindInvalidInput, res.FinalError)

	res = h.engine.Deploy(context.Background(), canonical(), model.TargetDescriptor{}, artifact(t, imageV2))
	assert.Equal(t, model.KindInvalidInput, res.FinalError)

	req := DeployRequest{Plan: canonical(), Target: target, Artifact: artifact(t, imageV2)}
	res = h.engine.Execute(context.Background(), req)
	assert.Equal(t, model.KindInvalidInput, res.FinalError)
	assert.NotEmpty(t, res.ID)
}

func TestDeploy_RegistryLogin(t *testing.T) {
	host := remotetest.NewFakeHost()
	host.RequireLogin("registry.example.com", "s3cret")
	t.Setenv("REGISTRY_USERNAME", "ci")
	t.Setenv("REGISTRY_PASSWORD", "s3cret")
	h := newHarness(t, nil, host)

	req := DeployRequest{Plan: canonical(), Target: target, Artifact: artifact(t, imageV2), Settings: testSettings()}
	req.Settings.RegistryCredential = "env:REGISTRY"
	res := h.engine.Execute(context.Background(), req)
	require.True(t, res.Success, res.FinalErrorDetail)
	assert.Equal(t, 1, host.CallCount("docker login --username ci --password-stdin registry.example.com"))

	req.Settings.RegistryCredential = ""
	host2 := remotetest.NewFakeHost()
	host2.RequireLogin("registry.example.com", "s3cret")
	h2 := newHarness(t, nil, host2)
	req.Target = target
	res = h2.engine.Execute(context.Background(), req)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, model.KindAuthFailed, res.FinalError)
}

type memoryHistory struct {
	mu      sync.Mutex
	results []*model.DeploymentResult
}

func (m *memoryHistory) Record(_ context.Context, r *model.DeploymentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func TestDeploy_RecordsHistory(t *testing.T) {
	h := newHarness(t, nil, remotetest.NewFakeHost())
	hist := &memoryHistory{}
	h.engine.WithHistory(hist)

	res := h.engine.Deploy(context.Background(), canonical(), target, artifact(t, imageV2))
	require.Len(t, hist.results, 1)
	assert.Same(t, res, hist.results[0])
}

func TestDeployAll_IndependentHosts(t *testing.T) {
	hosts := remotetest.Hosts{
		"host-1": remotetest.NewFakeHost(),
		"host-2": remotetest.NewFakeHost(),
	}
	h := newHarness(t, hosts, hosts["host-1"])

	var reqs []DeployRequest
	for _, name := range []string{"host-1", "host-2", "host-3"} {
		reqs = append(reqs, DeployRequest{
			Plan:     canonical(),
			Target:   model.TargetDescriptor{Host: name, SSHUser: "deploy"},
			Artifact: artifact(t, imageV2),
			Settings: testSettings(),
		})
	}
	results := h.engine.DeployAll(context.Background(), reqs)

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Equal(t, "host-1", results[0].Host)
	assert.Equal(t, "host-2", results[1].Host)
	assert.Equal(t, model.StateFailed, results[2].State)
	assert.Equal(t, model.KindConnectionRefused, results[2].FinalError)

	for _, name := range []string{"host-1", "host-2"} {
		c, ok := hosts[name].Container("app")
		require.True(t, ok)
		assert.Equal(t, imageV2, c.Image)
	}
}

func TestDeployAll_SameHostSerialized(t *testing.T) {
	host := remotetest.NewFakeHost()
	var mu sync.Mutex
	active, peak := 0, 0
	exec := &hook{Executor: host, prefix: "docker stop", before: func(context.Context) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
	}}
	done := &hook{Executor: exec, prefix: "curl", before: func(context.Context) {
		mu.Lock()
		active--
		mu.Unlock()
	}}
	h := newHarness(t, done, host)

	reqs := make([]DeployRequest, 4)
	for i := range reqs {
		reqs[i] = DeployRequest{Plan: canonical(), Target: target, Artifact: artifact(t, imageV2), Settings: testSettings()}
	}
	results := h.engine.DeployAll(context.Background(), reqs)

	for _, r := range results {
		assert.True(t, r.Success, r.FinalErrorDetail)
	}
	assert.Equal(t, 1, peak)
}

func TestDeployAll_SameHostDifferentUsersSerialized(t *testing.T) {
	host := remotetest.NewFakeHost()
	var mu sync.Mutex
	active, peak := 0, 0
	exec := &hook{Executor: host, prefix: "docker stop", before: func(context.Context) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
	}}
	done := &hook{Executor: exec, prefix: "curl", before: func(context.Context) {
		mu.Lock()
		active--
		mu.Unlock()
	}}
	h := newHarness(t, done, host)

	targets := []model.TargetDescriptor{
		{Host: "host-1", SSHUser: "deploy"},
		{Host: "HOST-1", Port: 22, SSHUser: "root"},
		{Host: "host-1.", Port: 2222, SSHUser: "ops"},
	}
	var reqs []DeployRequest
	for _, tgt := range targets {
		reqs = append(reqs, DeployRequest{Plan: canonical(), Target: tgt, Artifact: artifact(t, imageV2), Settings: testSettings()})
	}
	results := h.engine.DeployAll(context.Background(), reqs)

	for _, r := range results {
		assert.True(t, r.Success, r.FinalErrorDetail)
	}
	assert.Equal(t, 1, peak)

	h.engine.locks.mu.Lock()
	defer h.engine.locks.mu.Unlock()
	assert.Empty(t, h.engine.locks.locks, "idle host locks are dropped")
}

func TestHostLocks_AbandonedWaitIsDropped(t *testing.T) {
	l := newHostLocks()
	release, err := l.acquire(context.Background(), "host-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.acquire(ctx, "host-1")
	require.Error(t, err)
	assert.Len(t, l.locks, 1)

	release()
	release()
	assert.Empty(t, l.locks)

	release, err = l.acquire(context.Background(), "host-1")
	require.NoError(t, err)
	release()
}
