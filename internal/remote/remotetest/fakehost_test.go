package remotetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/rollout/internal/dockercli"
	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/remote"
)

var target = model.TargetDescriptor{Host: "host-1", SSHUser: "deploy"}

func run(t *testing.T, h remote.Executor, line string) *remote.Result {
	t.Helper()
	res, err := h.Run(context.Background(), target, remote.Command{Line: line})
	require.NoError(t, err)
	return res
}

func TestFakeHost_ContainerLifecycle(t *testing.T) {
	h := NewFakeHost()

	res := run(t, h, dockercli.Run(dockercli.RunOpts{
		Name:     "app",
		Image:    "registry.example.com/app:v1",
		Ports:    []model.PortBinding{{HostPort: 80, ContainerPort: 8080}},
		Detached: true,
	}))
	require.Equal(t, 0, res.ExitCode, res.Stderr)

	res = run(t, h, dockercli.Inspect("app"))
	require.Equal(t, 0, res.ExitCode)
	st, err := dockercli.ParseInspect(res.Stdout)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "registry.example.com/app:v1", st.Image)
	assert.Equal(t, []model.PortBinding{{HostPort: 80, ContainerPort: 8080, Protocol: "tcp"}}, st.PortBindings)

	assert.Equal(t, 0, run(t, h, dockercli.HealthCheck(80, "/healthz")).ExitCode)

	assert.Equal(t, 1, run(t, h, dockercli.Remove("app")).ExitCode, "running container needs force")
	assert.Equal(t, 0, run(t, h, dockercli.Stop("app")).ExitCode)
	assert.Equal(t, 0, run(t, h, dockercli.Remove("app")).ExitCode)

	res = run(t, h, dockercli.Inspect("app"))
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, dockercli.IsNotFound(res.Stderr))
	assert.Equal(t, 7, run(t, h, dockercli.HealthCheck(80, "/healthz")).ExitCode)
}

func TestFakeHost_Networks(t *testing.T) {
	h := NewFakeHost()
	h.AddContainer(Container{Name: "app", Image: "r.example.com/app:v1", Running: true})

	assert.Equal(t, 0, run(t, h, dockercli.NetworkCreate("web")).ExitCode)
	res := run(t, h, dockercli.NetworkCreate("web"))
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, dockercli.AlreadyExists)

	assert.Equal(t, 0, run(t, h, dockercli.NetworkConnect("web", "app")).ExitCode)
	res = run(t, h, dockercli.NetworkConnect("web", "app"))
	assert.Contains(t, res.Stderr, dockercli.AlreadyExists)

	c, found := h.Container("app")
	require.True(t, found)
	assert.Equal(t, []string{"bridge", "web"}, c.Networks)
}

func TestFakeHost_RegistryAndFaults(t *testing.T) {
	h := NewFakeHost()
	h.SetRegistryImages("r.example.com/app:v2")
	h.RequireLogin("r.example.com", "pw")

	assert.Equal(t, 1, run(t, h, dockercli.Pull("r.example.com/app:v2")).ExitCode, "login required")

	res, err := h.Run(context.Background(), target, remote.Command{Line: dockercli.Login("r.example.com", "ci"), Stdin: []byte("pw")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	assert.Equal(t, 0, run(t, h, dockercli.Pull("r.example.com/app:v2")).ExitCode)
	res = run(t, h, dockercli.Pull("r.example.com/app:v3"))
	assert.Contains(t, res.Stderr, "manifest unknown")

	h.FailCommand("docker pull", 1, model.Errorf(model.KindConnectionRefused, "", "refused"))
	_, err = h.Run(context.Background(), target, remote.Command{Line: dockercli.Pull("r.example.com/app:v2")})
	assert.Equal(t, model.KindConnectionRefused, model.KindOf(err))
	assert.Equal(t, 0, run(t, h, dockercli.Pull("r.example.com/app:v2")).ExitCode)
	assert.Equal(t, 5, h.CallCount("docker pull"))
}

func TestFakeHost_MutableTagMovesOnPull(t *testing.T) {
	h := NewFakeHost()
	h.AddContainer(Container{Name: "app", Image: "r.example.com/app:latest", Running: true})
	old := h.ImageID("r.example.com/app:latest")
	require.NotEmpty(t, old)

	assert.Equal(t, 0, run(t, h, dockercli.Pull("r.example.com/app:latest")).ExitCode)
	pulled := h.ImageID("r.example.com/app:latest")
	assert.NotEqual(t, old, pulled)

	res := run(t, h, dockercli.Inspect("app"))
	st, err := dockercli.ParseInspect(res.Stdout)
	require.NoError(t, err)
	assert.Equal(t, old, st.ImageID, "running container keeps its image")

	assert.Equal(t, 0, run(t, h, dockercli.Tag(old, "r.example.com/app:latest")).ExitCode)
	assert.Equal(t, old, h.ImageID("r.example.com/app:latest"))
	assert.Equal(t, 1, run(t, h, dockercli.Tag("sha256:missing", "r.example.com/app:latest")).ExitCode)
}

func TestHosts_UnknownHost(t *testing.T) {
	hosts := Hosts{"host-1": NewFakeHost()}
	_, err := hosts.Run(context.Background(), model.TargetDescriptor{Host: "host-2", SSHUser: "x"}, remote.Command{Line: "true"})
	assert.Equal(t, model.KindConnectionRefused, model.KindOf(err))
}
