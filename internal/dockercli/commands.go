// Package dockercli builds docker CLI command lines and decodes their output.
// Every builder is pure so plans and rollbacks can be tested without a host.
package dockercli

import (
	"sort"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/edvin/rollout/internal/model"
)

// Quote quotes s for the remote POSIX shell. Safe strings are returned as is
// so rendered commands stay readable.
func Quote(s string) string {
	return shellescape.Quote(s)
}

// Stderr fragments the docker CLI prints for conditions callers tolerate.
const (
	NoSuchContainer = "No such container"
	NoSuchObject    = "No such object"
	AlreadyExists   = "already exists"
)

// RunOpts describes a container to create.
type RunOpts struct {
	Name          string
	Image         string
	Ports         []model.PortBinding
	Network       string
	RestartPolicy string
	Env           []string
	// Detached starts the container; otherwise it is only created.
	Detached bool
}

func Login(registryHost, username string) string {
	return "docker login --username " + Quote(username) + " --password-stdin " + Quote(registryHost)
}

func Pull(image string) string {
	return "docker pull " + Quote(image)
}

func Inspect(name string) string {
	return "docker inspect --type container " + Quote(name)
}

func Stop(name string) string {
	return "docker stop " + Quote(name)
}

func Remove(name string) string {
	return "docker rm " + Quote(name)
}

// ForceRemove removes the container whether or not it is running.
func ForceRemove(name string) string {
	return "docker rm -f " + Quote(name)
}

// Tag points ref at image, which may be an image ID.
func Tag(image, ref string) string {
	return "docker tag " + Quote(image) + " " + Quote(ref)
}

func NetworkCreate(network string) string {
	return "docker network create " + Quote(network)
}

func NetworkConnect(network, name string) string {
	return "docker network connect " + Quote(network) + " " + Quote(name)
}

// Run renders "docker run -d" (or "docker create") for opts. Env entries are
// sorted so the output is deterministic.
func Run(opts RunOpts) string {
	var b strings.Builder
	if opts.Detached {
		b.WriteString("docker run -d")
	} else {
		b.WriteString("docker create")
	}
	b.WriteString(" --name " + Quote(opts.Name))
	for _, p := range opts.Ports {
		b.WriteString(" -p " + Quote(portSpec(p)))
	}
	if opts.Network != "" {
		b.WriteString(" --network " + Quote(opts.Network))
	}
	if opts.RestartPolicy != "" && opts.RestartPolicy != "no" {
		b.WriteString(" --restart " + Quote(opts.RestartPolicy))
	}
	env := append([]string(nil), opts.Env...)
	sort.Strings(env)
	for _, e := range env {
		b.WriteString(" -e " + Quote(e))
	}
	b.WriteString(" " + Quote(opts.Image))
	return b.String()
}

// HealthCheck renders an HTTP check run on the target against the published port.
func HealthCheck(hostPort int, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := "http://127.0.0.1:" + strconv.Itoa(hostPort) + path
	return "curl -fsS -o /dev/null --max-time 5 " + Quote(url)
}

func portSpec(p model.PortBinding) string {
	s := strconv.Itoa(p.HostPort) + ":" + strconv.Itoa(p.ContainerPort)
	if p.HostIP != "" {
		s = p.HostIP + ":" + s
	}
	if p.Protocol != "" && p.Protocol != "tcp" {
		s += "/" + p.Protocol
	}
	return s
}
