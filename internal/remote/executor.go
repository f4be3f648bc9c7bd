// Package remote runs commands on deployment targets.
package remote

import (
	"context"
	"time"

	"github.com/edvin/rollout/internal/model"
)

// Command is a single shell command line. Stdin carries secrets (registry
// passwords) so they never appear in the command line or in logs.
type Command struct {
	Line    string
	Stdin   []byte
	Timeout time.Duration
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit code.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Executor runs commands on a target host over a secure channel.
//
// A returned error means the command's fate is unknown or it never ran:
// its kind is one of ConnectionRefused, AuthFailed, Timeout or Canceled.
// A command that ran and failed is reported through Result.ExitCode.
type Executor interface {
	Run(ctx context.Context, target model.TargetDescriptor, cmd Command) (*Result, error)
}
