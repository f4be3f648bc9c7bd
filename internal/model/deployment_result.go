package model

import (
	"time"
)

// MaxExcerptBytes caps stdout/stderr kept per step.
const MaxExcerptBytes = 4096

// StepKind selects how the engine executes a step.
type StepKind string

const (
	StepKindRegistryAuth StepKind = "registry-auth"
	StepKindPull         StepKind = "pull"
	StepKindSnapshot     StepKind = "snapshot"
	StepKindCommand      StepKind = "command"
	StepKindHealthCheck  StepKind = "health-check"
)

// StepResult records the outcome of one executed step. Attempts counts every
// execution attempt; the output fields belong to the final one.
type StepResult struct {
	Step      string        `json:"step"`
	Kind      StepKind      `json:"kind"`
	Command   string        `json:"command,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	Attempts  int           `json:"attempts"`
	Tolerated bool          `json:"tolerated,omitempty"`
	Verified  bool          `json:"verified,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// Succeeded reports whether the step ended without an error.
func (r StepResult) Succeeded() bool {
	return r.ErrorKind == ""
}

// DurationMs is the step duration in milliseconds.
func (r StepResult) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// PortBinding maps a container port to a host port.
type PortBinding struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

// PreviousState is the container state captured before the first destructive
// step. Empty means no container existed, so restoring it means removing
// whatever the failed deployment left behind.
type PreviousState struct {
	Empty          bool          `json:"empty"`
	ContainerID    string        `json:"container_id,omitempty"`
	ContainerName  string        `json:"container_name"`
	ImageReference string        `json:"image_reference,omitempty"`
	ImageID        string        `json:"image_id,omitempty"` // local image ID; a mutable tag may move on pull
	Running        bool          `json:"running"`
	PortBindings   []PortBinding `json:"port_bindings,omitempty"`
	Networks       []string      `json:"networks,omitempty"`
	Env            []string      `json:"-"`
	RestartPolicy  string        `json:"restart_policy,omitempty"`
	CapturedAt     time.Time     `json:"captured_at"`
}

// RestoreResult is the outcome of RollbackController.Restore.
type RestoreResult struct {
	Success  bool         `json:"success"`
	Noop     bool         `json:"noop,omitempty"`
	Attempts int          `json:"attempts"`
	Steps    []StepResult `json:"steps,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// DeploymentResult is produced exactly once per deployment.
type DeploymentResult struct {
	ID               string         `json:"id"`
	Host             string         `json:"host"`
	Artifact         string         `json:"artifact"`
	State            State          `json:"state"`
	Success          bool           `json:"success"`
	Steps            []StepResult   `json:"steps"`
	RolledBack       bool           `json:"rolled_back"`
	Rollback         *RestoreResult `json:"rollback,omitempty"`
	Snapshot         *PreviousState `json:"snapshot,omitempty"`
	FinalError       ErrorKind      `json:"final_error,omitempty"`
	FinalErrorDetail string         `json:"final_error_detail,omitempty"`
	RollbackCause    ErrorKind      `json:"rollback_cause,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
}

// Step returns the result of the named step, if it ran.
func (r *DeploymentResult) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Step == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Excerpt trims s to at most n bytes, keeping the tail where errors usually are.
func Excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
