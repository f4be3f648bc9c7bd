package plan

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/edvin/rollout/internal/dockercli"
	"github.com/edvin/rollout/internal/model"
)

// RenderContext is everything a step template may reference.
type RenderContext struct {
	Artifact        model.ArtifactReference
	Target          model.TargetDescriptor
	ContainerName   string
	NetworkName     string
	ImagePort       int
	HostPort        int
	HealthCheckPath string
	RestartPolicy   string
	Env             map[string]string
}

// EnvVar is one KEY=value pair in template data.
type EnvVar struct {
	Key   string
	Value string
}

// Pair renders KEY=value.
func (e EnvVar) Pair() string {
	return e.Key + "=" + e.Value
}

// view is the template data. Fields are flattened so templates stay short.
type view struct {
	Image           string
	RegistryHost    string
	Repository      string
	Host            string
	SSHUser         string
	ContainerName   string
	NetworkName     string
	ImagePort       int
	HostPort        int
	HealthCheckPath string
	RestartPolicy   string
	Env             []EnvVar
}

var funcs = template.FuncMap{
	"quote":          dockercli.Quote,
	"pull":           dockercli.Pull,
	"inspect":        dockercli.Inspect,
	"stop":           dockercli.Stop,
	"remove":         dockercli.Remove,
	"networkCreate":  dockercli.NetworkCreate,
	"networkConnect": dockercli.NetworkConnect,
	"healthCheck":    dockercli.HealthCheck,
	"runContainer":   runContainer,
}

// runContainer starts the new container with the view's single port mapping.
func runContainer(v view) string {
	env := make([]string, len(v.Env))
	for i, e := range v.Env {
		env[i] = e.Pair()
	}
	return dockercli.Run(dockercli.RunOpts{
		Name:          v.ContainerName,
		Image:         v.Image,
		Ports:         []model.PortBinding{{HostPort: v.HostPort, ContainerPort: v.ImagePort}},
		RestartPolicy: v.RestartPolicy,
		Env:           env,
		Detached:      true,
	})
}

func (rc RenderContext) view() view {
	env := make([]EnvVar, 0, len(rc.Env))
	for k, v := range rc.Env {
		env = append(env, EnvVar{Key: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Key < env[j].Key })

	path := rc.HealthCheckPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	restart := rc.RestartPolicy
	if restart == "no" {
		restart = ""
	}
	return view{
		Image:           rc.Artifact.Image(),
		RegistryHost:    rc.Artifact.RegistryHost(),
		Repository:      rc.Artifact.Repository(),
		Host:            rc.Target.Host,
		SSHUser:         rc.Target.SSHUser,
		ContainerName:   rc.ContainerName,
		NetworkName:     rc.NetworkName,
		ImagePort:       rc.ImagePort,
		HostPort:        rc.HostPort,
		HealthCheckPath: path,
		RestartPolicy:   restart,
		Env:             env,
	}
}

// Render turns step into a command line. It has no side effects: the same
// step and context always render the same string.
func Render(step Step, rc RenderContext) (string, error) {
	if step.Command == "" {
		return "", nil
	}
	t, err := parse(step)
	if err != nil {
		return "", model.WrapError(model.KindInvalidInput, step.Name, err)
	}
	var b strings.Builder
	if err := t.Execute(&b, rc.view()); err != nil {
		return "", model.WrapError(model.KindInvalidInput, step.Name, fmt.Errorf("render command: %w", err))
	}
	return strings.TrimSpace(b.String()), nil
}
