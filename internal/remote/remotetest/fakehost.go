// Package remotetest provides an in-memory docker host for tests. It
// understands the subset of the docker CLI the orchestrator renders.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-connections/nat"
	"github.com/google/shlex"

	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/remote"
)

// Container is a simulated container.
type Container struct {
	ID            string
	Name          string
	Image         string
	ImageID       string
	Running       bool
	Ports         []model.PortBinding
	Networks      []string
	Env           []string
	RestartPolicy string
}

type fault struct {
	prefix string
	times  int
	err    error
	result *remote.Result
}

// FakeHost implements remote.Executor against simulated docker state.
type FakeHost struct {
	mu         sync.Mutex
	containers map[string]*Container
	networks   map[string]bool
	images     map[string]string
	imageIDs   map[string]bool
	registry   map[string]bool
	published  map[string]string
	logins     map[string]string
	loggedIn   map[string]bool
	healthy    func(Container) bool
	faults     []*fault
	calls      []string
	nextID     int
}

// NewFakeHost returns an empty host where every image is pullable and every
// running container is healthy.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		containers: make(map[string]*Container),
		networks:   map[string]bool{"bridge": true},
		images:     make(map[string]string),
		imageIDs:   make(map[string]bool),
		published:  make(map[string]string),
		loggedIn:   make(map[string]bool),
		healthy:    func(Container) bool { return true },
	}
}

// AddContainer seeds a container; its image counts as present locally. An
// empty ImageID reuses the local image for Image or makes a new one.
func (h *FakeHost) AddContainer(c Container) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.ID == "" {
		c.ID = h.newID()
	}
	if len(c.Networks) == 0 {
		c.Networks = []string{"bridge"}
	}
	for _, n := range c.Networks {
		h.networks[n] = true
	}
	if c.ImageID == "" {
		if id, ok := h.images[c.Image]; ok {
			c.ImageID = id
		} else {
			c.ImageID = h.newImageID()
		}
	}
	h.images[c.Image] = c.ImageID
	h.imageIDs[c.ImageID] = true
	h.containers[c.Name] = &c
}

// Container returns a copy of the named container.
func (h *FakeHost) Container(name string) (Container, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[name]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// ImageID returns the local image ID ref points at, if any.
func (h *FakeHost) ImageID(ref string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.images[ref]
}

// HasNetwork reports whether the network exists.
func (h *FakeHost) HasNetwork(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.networks[name]
}

// SetRegistryImages restricts pullable images; others fail with "manifest unknown".
func (h *FakeHost) SetRegistryImages(images ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registry = make(map[string]bool)
	for _, img := range images {
		h.registry[img] = true
	}
}

// RequireLogin makes pulls from registryHost require a prior login with password.
func (h *FakeHost) RequireLogin(registryHost, password string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.logins == nil {
		h.logins = make(map[string]string)
	}
	h.logins[registryHost] = password
}

// SetHealthy replaces the health predicate used by the curl health check.
func (h *FakeHost) SetHealthy(fn func(Container) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = fn
}

// FailCommand makes the next `times` commands starting with prefix fail with a
// transport error, as if the connection broke before the command ran.
func (h *FakeHost) FailCommand(prefix string, times int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = append(h.faults, &fault{prefix: prefix, times: times, err: err})
}

// FailCommandWith makes the next `times` commands starting with prefix return res.
// A negative times fails forever.
func (h *FakeHost) FailCommandWith(prefix string, times int, res remote.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = append(h.faults, &fault{prefix: prefix, times: times, result: &res})
}

// Calls returns every command line received, in order.
func (h *FakeHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// CallCount counts received commands starting with prefix.
func (h *FakeHost) CallCount(prefix string) int {
	n := 0
	for _, c := range h.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (h *FakeHost) Run(ctx context.Context, _ model.TargetDescriptor, cmd remote.Command) (*remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapError(model.KindCanceled, "", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, cmd.Line)

	for _, f := range h.faults {
		if f.times == 0 || !strings.HasPrefix(cmd.Line, f.prefix) {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		if f.err != nil {
			return nil, f.err
		}
		res := *f.result
		return &res, nil
	}

	args, err := shlex.Split(cmd.Line)
	if err != nil || len(args) == 0 {
		return fail(2, "sh: syntax error"), nil
	}

	switch {
	case args[0] == "curl":
		return h.curl(args), nil
	case args[0] != "docker" || len(args) < 2:
		return fail(127, "sh: "+args[0]+": command not found"), nil
	}

	switch args[1] {
	case "login":
		return h.login(args, cmd.Stdin), nil
	case "pull":
		return h.pull(args), nil
	case "tag":
		return h.tag(args), nil
	case "inspect":
		return h.inspect(args), nil
	case "stop":
		return h.stop(args), nil
	case "rm":
		return h.rm(args), nil
	case "run", "create":
		return h.run(args), nil
	case "network":
		return h.network(args), nil
	}
	return fail(125, "docker: '"+args[1]+"' is not a docker command."), nil
}

func success(stdout string) *remote.Result {
	return &remote.Result{Stdout: stdout}
}

func fail(code int, stderr string) *remote.Result {
	return &remote.Result{ExitCode: code, Stderr: stderr + "\n"}
}

func (h *FakeHost) newID() string {
	h.nextID++
	return fmt.Sprintf("%064x", h.nextID)
}

func (h *FakeHost) newImageID() string {
	return "sha256:" + h.newID()
}

// publishedID is the image the registry serves for ref. The first pull of a
// tag always yields an image the host has not seen, as after a fresh push.
func (h *FakeHost) publishedID(ref string) string {
	id, ok := h.published[ref]
	if !ok {
		id = h.newImageID()
		h.published[ref] = id
	}
	return id
}

// resolveImage maps a reference or image ID onto a local image ID.
func (h *FakeHost) resolveImage(ref string) (string, bool) {
	if id, ok := h.images[ref]; ok {
		return id, true
	}
	if h.imageIDs[ref] {
		return ref, true
	}
	return "", false
}

func registryOf(image string) string {
	host, _, _ := strings.Cut(image, "/")
	return host
}

func (h *FakeHost) login(args []string, stdin []byte) *remote.Result {
	if len(args) != 6 || args[2] != "--username" || args[4] != "--password-stdin" {
		return fail(125, "docker login: unsupported arguments")
	}
	host := args[5]
	if want, ok := h.logins[host]; ok && want != strings.TrimSpace(string(stdin)) {
		return fail(1, "Error response from daemon: Get \"https://"+host+"/v2/\": unauthorized: incorrect username or password")
	}
	h.loggedIn[host] = true
	return success("Login Succeeded\n")
}

func (h *FakeHost) pull(args []string) *remote.Result {
	if len(args) != 3 {
		return fail(125, "docker pull: requires exactly 1 argument")
	}
	img := args[2]
	host := registryOf(img)
	if _, required := h.logins[host]; required && !h.loggedIn[host] {
		return fail(1, "Error response from daemon: pull access denied for "+img+": unauthorized: authentication required")
	}
	if h.registry != nil && !h.registry[img] {
		return fail(1, "Error response from daemon: manifest for "+img+" not found: manifest unknown: manifest unknown")
	}
	id := h.publishedID(img)
	h.images[img] = id
	h.imageIDs[id] = true
	return success("Status: Downloaded newer image for " + img + "\n")
}

func (h *FakeHost) tag(args []string) *remote.Result {
	if len(args) != 4 {
		return fail(125, "docker tag: requires exactly 2 arguments")
	}
	id, ok := h.resolveImage(args[2])
	if !ok {
		return fail(1, "Error response from daemon: No such image: "+args[2])
	}
	h.images[args[3]] = id
	return success("")
}

func (h *FakeHost) inspect(args []string) *remote.Result {
	if len(args) != 5 || args[2] != "--type" || args[3] != "container" {
		return fail(125, "docker inspect: unsupported arguments")
	}
	c, found := h.containers[args[4]]
	if !found {
		return &remote.Result{ExitCode: 1, Stdout: "[]\n", Stderr: "Error: No such object: " + args[4] + "\n"}
	}
	out, _ := json.MarshalIndent([]any{inspectJSON(c)}, "", "    ")
	return success(string(out) + "\n")
}

func inspectJSON(c *Container) map[string]any {
	status := "exited"
	if c.Running {
		status = "running"
	}
	bindings := map[string]any{}
	for _, p := range c.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		key := strconv.Itoa(p.ContainerPort) + "/" + proto
		bindings[key] = []map[string]string{{"HostIp": p.HostIP, "HostPort": strconv.Itoa(p.HostPort)}}
	}
	networks := map[string]any{}
	for _, n := range c.Networks {
		networks[n] = map[string]any{"NetworkID": "net-" + n}
	}
	return map[string]any{
		"Id":    c.ID,
		"Name":  "/" + c.Name,
		"Image": c.ImageID,
		"State": map[string]any{"Status": status, "Running": c.Running},
		"HostConfig": map[string]any{
			"PortBindings":  bindings,
			"RestartPolicy": map[string]any{"Name": c.RestartPolicy, "MaximumRetryCount": 0},
		},
		"Config":          map[string]any{"Image": c.Image, "Env": c.Env},
		"NetworkSettings": map[string]any{"Networks": networks},
	}
}

func noSuchContainer(name string) *remote.Result {
	return fail(1, "Error response from daemon: No such container: "+name)
}

func (h *FakeHost) stop(args []string) *remote.Result {
	if len(args) != 3 {
		return fail(125, "docker stop: requires exactly 1 argument")
	}
	c, found := h.containers[args[2]]
	if !found {
		return noSuchContainer(args[2])
	}
	c.Running = false
	return success(args[2] + "\n")
}

func (h *FakeHost) rm(args []string) *remote.Result {
	force := false
	var name string
	for _, a := range args[2:] {
		if a == "-f" {
			force = true
			continue
		}
		name = a
	}
	c, found := h.containers[name]
	if !found {
		return noSuchContainer(name)
	}
	if c.Running && !force {
		return fail(1, "Error response from daemon: You cannot remove a running container "+c.ID+". Stop the container before attempting removal or force remove")
	}
	delete(h.containers, name)
	return success(name + "\n")
}

func (h *FakeHost) run(args []string) *remote.Result {
	c := &Container{Running: args[1] == "run"}
	network := "bridge"
	rest := args[2:]
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		next := func() string {
			if i+1 < len(rest) {
				i++
				return rest[i]
			}
			return ""
		}
		switch a {
		case "-d":
		case "--name":
			c.Name = next()
		case "-p":
			p, err := parsePort(next())
			if err != nil {
				return fail(125, "docker: invalid publish spec: "+err.Error())
			}
			c.Ports = append(c.Ports, p)
		case "--network":
			network = next()
		case "--restart":
			c.RestartPolicy = next()
		case "-e":
			c.Env = append(c.Env, next())
		default:
			if strings.HasPrefix(a, "-") {
				return fail(125, "unknown flag: "+a)
			}
			c.Image = a
		}
	}
	if c.Name == "" || c.Image == "" {
		return fail(125, "docker run: name and image are required")
	}
	if _, exists := h.containers[c.Name]; exists {
		return fail(125, fmt.Sprintf("docker: Error response from daemon: Conflict. The container name \"/%s\" is already in use.", c.Name))
	}
	id, ok := h.resolveImage(c.Image)
	if !ok {
		if h.registry != nil && !h.registry[c.Image] {
			return fail(125, "Unable to find image '"+c.Image+"' locally")
		}
		id = h.publishedID(c.Image)
		h.images[c.Image] = id
		h.imageIDs[id] = true
	}
	c.ImageID = id
	if !h.networks[network] {
		return fail(125, "docker: Error response from daemon: network "+network+" not found.")
	}
	if c.Running {
		for _, other := range h.containers {
			if !other.Running {
				continue
			}
			for _, op := range other.Ports {
				for _, p := range c.Ports {
					if op.HostPort == p.HostPort {
						return fail(125, fmt.Sprintf("docker: Error response from daemon: Bind for 0.0.0.0:%d failed: port is already allocated.", p.HostPort))
					}
				}
			}
		}
	}
	c.Networks = []string{network}
	c.ID = h.newID()
	h.containers[c.Name] = c
	return success(c.ID + "\n")
}

func parsePort(spec string) (model.PortBinding, error) {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return model.PortBinding{}, err
	}
	if len(mappings) != 1 {
		return model.PortBinding{}, fmt.Errorf("port ranges are not supported: %q", spec)
	}
	m := mappings[0]
	hp, err := strconv.Atoi(m.Binding.HostPort)
	if err != nil {
		return model.PortBinding{}, fmt.Errorf("host port required in %q", spec)
	}
	p := model.PortBinding{HostIP: m.Binding.HostIP, HostPort: hp, ContainerPort: m.Port.Int()}
	if strings.Contains(spec, "/") {
		p.Protocol = m.Port.Proto()
	}
	return p, nil
}

func (h *FakeHost) network(args []string) *remote.Result {
	if len(args) < 4 {
		return fail(125, "docker network: unsupported arguments")
	}
	switch args[2] {
	case "create":
		if h.networks[args[3]] {
			return fail(1, "Error response from daemon: network with name "+args[3]+" already exists")
		}
		h.networks[args[3]] = true
		return success(h.newID() + "\n")
	case "connect":
		if len(args) != 5 {
			return fail(125, "docker network connect: requires exactly 2 arguments")
		}
		network, name := args[3], args[4]
		if !h.networks[network] {
			return fail(1, "Error response from daemon: network "+network+" not found")
		}
		c, found := h.containers[name]
		if !found {
			return noSuchContainer(name)
		}
		for _, n := range c.Networks {
			if n == network {
				return fail(1, "Error response from daemon: endpoint with name "+name+" already exists in network "+network)
			}
		}
		c.Networks = append(c.Networks, network)
		sort.Strings(c.Networks)
		return success("")
	}
	return fail(125, "docker network: unsupported subcommand "+args[2])
}

func (h *FakeHost) curl(args []string) *remote.Result {
	raw := args[len(args)-1]
	u, err := url.Parse(raw)
	if err != nil {
		return fail(3, "curl: (3) URL using bad/illegal format")
	}
	port, _ := strconv.Atoi(u.Port())
	for _, c := range h.containers {
		if !c.Running {
			continue
		}
		for _, p := range c.Ports {
			if p.HostPort != port {
				continue
			}
			if h.healthy(*c) {
				return success("")
			}
			return fail(22, "curl: (22) The requested URL returned error: 503")
		}
	}
	return fail(7, fmt.Sprintf("curl: (7) Failed to connect to 127.0.0.1 port %d: Connection refused", port))
}

// Hosts routes commands to a FakeHost per target host.
type Hosts map[string]*FakeHost

func (hs Hosts) Run(ctx context.Context, target model.TargetDescriptor, cmd remote.Command) (*remote.Result, error) {
	h, found := hs[target.Host]
	if !found {
		return nil, model.Errorf(model.KindConnectionRefused, "", "dial %s: connection refused", target.Address())
	}
	return h.Run(ctx, target, cmd)
}
