package request

import (
	"net/http"
	"strconv"

	"github.com/edvin/rollout/internal/config"
)

// CreateDeployment triggers one deployment.
type CreateDeployment struct {
	Artifact           string              `json:"artifact" validate:"required,max=512"`
	Host               string              `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port               int                 `json:"port" validate:"omitempty,min=1,max=65535"`
	SSHUser            string              `json:"ssh_user" validate:"omitempty,max=64"`
	SSHCredential      string              `json:"ssh_credential" validate:"omitempty,max=1024"`
	RegistryCredential string              `json:"registry_credential" validate:"omitempty,max=1024"`
	Config             config.DeployConfig `json:"config"`
}

// DeploymentFilter narrows GET /deployments.
type DeploymentFilter struct {
	Host  string
	State string
	Limit int
}

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ParseDeploymentFilter extracts host, state and limit from query parameters.
func ParseDeploymentFilter(r *http.Request) DeploymentFilter {
	q := r.URL.Query()
	f := DeploymentFilter{
		Host:  q.Get("host"),
		State: q.Get("state"),
		Limit: DefaultLimit,
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			f.Limit = limit
		}
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	return f
}
