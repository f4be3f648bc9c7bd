package dockercli

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/edvin/rollout/internal/model"
)

// ContainerStatus is the subset of "docker inspect" the orchestrator cares about.
type ContainerStatus struct {
	ID            string
	Name          string
	Image         string
	ImageID       string
	State         string
	Running       bool
	PortBindings  []model.PortBinding
	Networks      []string
	Env           []string
	RestartPolicy string
}

// ParseInspect decodes the JSON array printed by "docker inspect".
func ParseInspect(out string) (*ContainerStatus, error) {
	var infos []types.ContainerJSON
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &infos); err != nil {
		return nil, fmt.Errorf("decode docker inspect output: %w", err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("docker inspect returned no containers")
	}
	info := infos[0]
	if info.ContainerJSONBase == nil {
		return nil, fmt.Errorf("docker inspect output has no container data")
	}

	st := &ContainerStatus{
		ID:      info.ID,
		Name:    strings.TrimPrefix(info.Name, "/"),
		ImageID: info.Image,
	}
	if info.Config != nil {
		st.Image = info.Config.Image
		st.Env = append([]string(nil), info.Config.Env...)
	}
	if info.State != nil {
		st.State = info.State.Status
		st.Running = info.State.Running
	}
	if info.HostConfig != nil {
		st.RestartPolicy = string(info.HostConfig.RestartPolicy.Name)
		for port, bindings := range info.HostConfig.PortBindings {
			for _, b := range bindings {
				hp, err := strconv.Atoi(b.HostPort)
				if err != nil {
					continue
				}
				st.PortBindings = append(st.PortBindings, model.PortBinding{
					HostIP:        b.HostIP,
					HostPort:      hp,
					ContainerPort: port.Int(),
					Protocol:      port.Proto(),
				})
			}
		}
		sort.Slice(st.PortBindings, func(i, j int) bool {
			if st.PortBindings[i].ContainerPort != st.PortBindings[j].ContainerPort {
				return st.PortBindings[i].ContainerPort < st.PortBindings[j].ContainerPort
			}
			return st.PortBindings[i].HostPort < st.PortBindings[j].HostPort
		})
	}
	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			st.Networks = append(st.Networks, name)
		}
		sort.Strings(st.Networks)
	}
	return st, nil
}

// PreviousState converts an inspected container into a rollback snapshot.
func (s *ContainerStatus) PreviousState(capturedAt time.Time) *model.PreviousState {
	return &model.PreviousState{
		ContainerID:    s.ID,
		ContainerName:  s.Name,
		ImageReference: s.Image,
		ImageID:        s.ImageID,
		Running:        s.Running,
		PortBindings:   append([]model.PortBinding(nil), s.PortBindings...),
		Networks:       append([]string(nil), s.Networks...),
		Env:            append([]string(nil), s.Env...),
		RestartPolicy:  s.RestartPolicy,
		CapturedAt:     capturedAt,
	}
}

// OnNetworks reports whether the container is attached to every network in want.
func (s *ContainerStatus) OnNetworks(want []string) bool {
	for _, w := range want {
		if !slices.Contains(s.Networks, w) {
			return false
		}
	}
	return true
}

// IsNotFound reports whether docker output says the container does not exist.
func IsNotFound(stderr string) bool {
	return ContainsFold(stderr, NoSuchContainer) || ContainsFold(stderr, NoSuchObject)
}

// ContainsFold is a case-insensitive strings.Contains.
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
