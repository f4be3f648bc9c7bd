// Package cli implements the deploy command.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/edvin/rollout/internal/config"
	"github.com/edvin/rollout/internal/engine"
	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/plan"
)

// Process exit codes.
const (
	ExitSucceeded      = 0
	ExitFailed         = 1
	ExitRollbackFailed = 2
	ExitUsage          = 3
)

// Options are the deploy command's flags.
type Options struct {
	Artifact           string
	Target             string
	ConfigFile         string
	SSHUser            string
	Credential         string
	RegistryCredential string
	HistoryFile        string
}

// ParseFlags parses args (without the program name).
func ParseFlags(args []string, stderr io.Writer) (Options, error) {
	var opts Options
	fs := flag.NewFlagSet("deploy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Artifact, "artifact", "", "Image reference to deploy, e.g. registry.example.com/app:v2 (required)")
	fs.StringVar(&opts.Target, "target", "", "Target host as [user@]host[:port] (required)")
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to the deployment YAML file (required)")
	fs.StringVar(&opts.SSHUser, "ssh-user", "", "SSH user when --target has none (default $SSH_USER)")
	fs.StringVar(&opts.Credential, "credential", "", "SSH credential handle: env:NAME, file:/path or ca:/path (default $SSH_CREDENTIAL)")
	fs.StringVar(&opts.RegistryCredential, "registry-credential", "", "Registry credential handle, overrides the config file")
	fs.StringVar(&opts.HistoryFile, "history", "", "Append the result to this JSON lines file (default $HISTORY_FILE)")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	var missing []string
	if opts.Artifact == "" {
		missing = append(missing, "--artifact")
	}
	if opts.Target == "" {
		missing = append(missing, "--target")
	}
	if opts.ConfigFile == "" {
		missing = append(missing, "--config")
	}
	if len(missing) > 0 {
		return Options{}, fmt.Errorf("missing required flags: %v", missing)
	}
	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// BuildRequest resolves flags and the config file into a deployment request.
// Every error is an invocation error.
func BuildRequest(opts Options, cfg *config.Config) (engine.DeployRequest, *config.DeployConfig, error) {
	artifact, err := model.ParseArtifact(opts.Artifact)
	if err != nil {
		return engine.DeployRequest{}, nil, err
	}

	user := opts.SSHUser
	if user == "" {
		user = cfg.DefaultSSHUser
	}
	target, err := model.ParseTarget(opts.Target, user)
	if err != nil {
		return engine.DeployRequest{}, nil, err
	}
	target.Credential = model.CredentialHandle(opts.Credential)
	if target.Credential.IsZero() {
		target.Credential = model.CredentialHandle(cfg.DefaultSSHCredential)
	}
	if target.Credential.IsZero() {
		return engine.DeployRequest{}, nil, model.Errorf(model.KindInvalidInput, "", "an SSH credential is required: pass --credential or set SSH_CREDENTIAL")
	}

	dc, err := config.LoadDeployConfig(opts.ConfigFile)
	if err != nil {
		return engine.DeployRequest{}, nil, err
	}
	if opts.RegistryCredential != "" {
		dc.RegistryCredential = opts.RegistryCredential
	}

	return engine.DeployRequest{
		Plan:     plan.Canonical(engine.PlanOptionsFromConfig(dc)),
		Target:   target,
		Artifact: artifact,
		Settings: engine.SettingsFromConfig(dc),
	}, dc, nil
}

// ExitCode maps a finished deployment to the process exit code.
func ExitCode(res *model.DeploymentResult) int {
	switch res.State {
	case model.StateSucceeded:
		return ExitSucceeded
	case model.StateRollbackFailed:
		return ExitRollbackFailed
	}
	if res.FinalError == model.KindInvalidInput {
		return ExitUsage
	}
	return ExitFailed
}

// Executor runs one deployment. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req engine.DeployRequest) *model.DeploymentResult
}

// Deploy runs req, prints the result as indented JSON to out and returns
// the exit code.
func Deploy(ctx context.Context, eng Executor, req engine.DeployRequest, out io.Writer) int {
	res := eng.Execute(ctx, req)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return ExitFailed
	}
	return ExitCode(res)
}

// IsHelp reports whether err came from -h or --help.
func IsHelp(err error) bool {
	return errors.Is(err, flag.ErrHelp)
}
