// Package registry authenticates against image registries and pulls images
// onto deployment targets.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edvin/rollout/internal/credentials"
	"github.com/edvin/rollout/internal/dockercli"
	"github.com/edvin/rollout/internal/model"
	"github.com/edvin/rollout/internal/remote"
)

// Session is an authenticated (or anonymous) registry session on one target.
type Session struct {
	ID           string
	RegistryHost string
	Target       model.TargetDescriptor
	Username     string
	Anonymous    bool
	CreatedAt    time.Time
}

// Client is the registry collaborator used by the engine. A positive timeout
// bounds each remote command; zero uses the client's default.
type Client interface {
	Authenticate(ctx context.Context, target model.TargetDescriptor, registryHost string, handle model.CredentialHandle, timeout time.Duration) (*Session, error)
	Pull(ctx context.Context, session *Session, artifact model.ArtifactReference, timeout time.Duration) error
}

// CommandError is a registry failure reported by a command that ran on the
// target. It keeps the command's output for step history.
type CommandError struct {
	Result *remote.Result
	Err    error
}

func (e *CommandError) Error() string { return e.Err.Error() }

func (e *CommandError) Unwrap() error { return e.Err }

// ResultOf returns the command output attached to err, or nil.
func ResultOf(err error) *remote.Result {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Result
	}
	return nil
}

// DockerClient drives the docker CLI on the target: the image has to end up
// in the target's image store, so login and pull run there.
type DockerClient struct {
	logger   zerolog.Logger
	exec     remote.Executor
	resolver credentials.Resolver
	timeout  time.Duration
}

// NewDockerClient creates a DockerClient. timeout bounds each remote command.
func NewDockerClient(logger zerolog.Logger, exec remote.Executor, resolver credentials.Resolver, timeout time.Duration) *DockerClient {
	return &DockerClient{
		logger:   logger.With().Str("component", "registry").Logger(),
		exec:     exec,
		resolver: resolver,
		timeout:  timeout,
	}
}

// Authenticate logs the target into registryHost. An empty handle yields an
// anonymous session for public registries.
func (c *DockerClient) Authenticate(ctx context.Context, target model.TargetDescriptor, registryHost string, handle model.CredentialHandle, timeout time.Duration) (*Session, error) {
	session := &Session{
		ID:           uuid.New().String(),
		RegistryHost: registryHost,
		Target:       target,
		CreatedAt:    time.Now(),
	}
	if handle.IsZero() {
		session.Anonymous = true
		c.logger.Debug().Str("registry", registryHost).Msg("no registry credential, using anonymous session")
		return session, nil
	}

	secret, err := c.resolver.Resolve(ctx, handle, target.SSHUser)
	if err != nil {
		return nil, model.WrapError(model.KindAuthFailed, "", fmt.Errorf("resolve registry credential: %w", err))
	}
	if secret.Username == "" || secret.Password == "" {
		return nil, model.Errorf(model.KindAuthFailed, "", "registry credential %s lacks username or password", handle.Scheme())
	}

	res, err := c.exec.Run(ctx, target, remote.Command{
		Line:    dockercli.Login(registryHost, secret.Username),
		Stdin:   []byte(secret.Password),
		Timeout: c.timeoutOr(timeout),
	})
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		kind := Classify(res.Stderr)
		if kind == model.KindCommandFailed || kind == model.KindImageNotFound {
			kind = model.KindAuthFailed
		}
		return nil, &CommandError{
			Result: res,
			Err:    model.Errorf(kind, "", "docker login %s: %s", registryHost, model.Excerpt(strings.TrimSpace(res.Stderr), 512)),
		}
	}

	session.Username = secret.Username
	c.logger.Info().Str("registry", registryHost).Str("host", target.Host).Msg("registry login succeeded")
	return session, nil
}

// Pull pulls artifact onto the session's target.
func (c *DockerClient) Pull(ctx context.Context, session *Session, artifact model.ArtifactReference, timeout time.Duration) error {
	if session == nil {
		return model.Errorf(model.KindAuthFailed, "", "pull %s without a registry session", artifact)
	}
	if session.RegistryHost != artifact.RegistryHost() {
		return model.Errorf(model.KindInvalidInput, "", "session for %s cannot pull from %s", session.RegistryHost, artifact.RegistryHost())
	}

	res, err := c.exec.Run(ctx, session.Target, remote.Command{
		Line:    dockercli.Pull(artifact.Image()),
		Timeout: c.timeoutOr(timeout),
	})
	if err != nil {
		return err
	}
	if !res.OK() {
		kind := Classify(res.Stderr)
		if kind == model.KindCommandFailed {
			return &CommandError{Result: res, Err: model.CommandFailed("", res.ExitCode, res.Stderr)}
		}
		return &CommandError{
			Result: res,
			Err:    model.Errorf(kind, "", "docker pull %s: %s", artifact, model.Excerpt(strings.TrimSpace(res.Stderr), 512)),
		}
	}

	c.logger.Info().Str("image", artifact.Image()).Str("host", session.Target.Host).Msg("image pulled")
	return nil
}

func (c *DockerClient) timeoutOr(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return c.timeout
}

// Classify maps docker CLI error output onto an ErrorKind.
func Classify(stderr string) model.ErrorKind {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "manifest unknown"),
		strings.Contains(s, "not found: manifest"),
		strings.Contains(s, "repository does not exist"),
		strings.Contains(s, "name unknown"):
		return model.KindImageNotFound
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "access denied"),
		strings.Contains(s, "authentication required"),
		strings.Contains(s, "incorrect username or password"):
		return model.KindAuthFailed
	case strings.Contains(s, "i/o timeout"),
		strings.Contains(s, "tls handshake timeout"),
		strings.Contains(s, "deadline exceeded"):
		return model.KindTimeout
	case strings.Contains(s, "connection refused"),
		strings.Contains(s, "no such host"),
		strings.Contains(s, "network is unreachable"):
		return model.KindConnectionRefused
	}
	return model.KindCommandFailed
}
