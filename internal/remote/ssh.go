package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/edvin/rollout/internal/credentials"
	"github.com/edvin/rollout/internal/model"
)

// SSHConfig configures host key verification and dialing.
type SSHConfig struct {
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	DialTimeout           time.Duration
}

// SSHExecutor runs commands over SSH, keeping one client per target so
// consecutive steps of a deployment reuse the same connection.
type SSHExecutor struct {
	logger          zerolog.Logger
	resolver        credentials.Resolver
	hostKeyCallback ssh.HostKeyCallback
	dialTimeout     time.Duration

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHExecutor creates an SSHExecutor. Host keys are verified against
// cfg.KnownHostsFile unless cfg.InsecureIgnoreHostKey is set.
func NewSSHExecutor(logger zerolog.Logger, resolver credentials.Resolver, cfg SSHConfig) (*SSHExecutor, error) {
	var cb ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsFile != "":
		khcb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHostsFile, err)
		}
		cb = khcb
	case cfg.InsecureIgnoreHostKey:
		cb = ssh.InsecureIgnoreHostKey()
	default:
		return nil, fmt.Errorf("no host key verification configured: set a known hosts file or opt into insecure mode")
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	return &SSHExecutor{
		logger:          logger.With().Str("component", "ssh-executor").Logger(),
		resolver:        resolver,
		hostKeyCallback: cb,
		dialTimeout:     dialTimeout,
		clients:         make(map[string]*ssh.Client),
	}, nil
}

// Run executes cmd on target. A pooled connection that turns out to be dead
// is replaced once before giving up.
func (e *SSHExecutor) Run(ctx context.Context, target model.TargetDescriptor, cmd Command) (*Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	var lastErr error
	for i := 0; i < 2; i++ {
		client, err := e.client(ctx, target)
		if err != nil {
			return nil, err
		}

		session, err := client.NewSession()
		if err != nil {
			e.logger.Debug().Err(err).Str("host", target.Host).Msg("pooled ssh connection is stale, redialing")
			e.drop(target, client)
			lastErr = model.WrapError(model.KindConnectionRefused, "", fmt.Errorf("open ssh session: %w", err))
			continue
		}
		res, err := e.runSession(ctx, session, cmd)
		if err != nil && model.KindOf(err) == model.KindConnectionRefused {
			e.drop(target, client)
		}
		return res, err
	}
	return nil, lastErr
}

func (e *SSHExecutor) runSession(ctx context.Context, session *ssh.Session, cmd Command) (*Result, error) {
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != nil {
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd.Line)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, model.WrapError(model.KindTimeout, "", fmt.Errorf("command timed out: %w", ctx.Err()))
		}
		return nil, model.WrapError(model.KindCanceled, "", ctx.Err())
	case err := <-done:
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, model.WrapError(model.KindConnectionRefused, "", fmt.Errorf("ssh session: %w", err))
	}
}

func (e *SSHExecutor) client(ctx context.Context, target model.TargetDescriptor) (*ssh.Client, error) {
	key := target.Key()

	e.mu.Lock()
	if c, ok := e.clients[key]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	c, err := e.dial(ctx, target)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.clients[key]; ok {
		c.Close()
		return existing, nil
	}
	e.clients[key] = c
	return c, nil
}

func (e *SSHExecutor) dial(ctx context.Context, target model.TargetDescriptor) (*ssh.Client, error) {
	auth, err := e.authMethods(ctx, target)
	if err != nil {
		return nil, err
	}

	addr := target.Address()
	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(ctx, addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            target.SSHUser,
		Auth:            auth,
		HostKeyCallback: e.hostKeyCallback,
		Timeout:         e.dialTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, classifyDialError(ctx, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	e.logger.Debug().Str("host", target.Host).Str("user", target.SSHUser).Msg("ssh connection established")
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (e *SSHExecutor) authMethods(ctx context.Context, target model.TargetDescriptor) ([]ssh.AuthMethod, error) {
	if target.Credential.IsZero() {
		return nil, model.Errorf(model.KindAuthFailed, "", "no credential handle for %s", target.Host)
	}
	secret, err := e.resolver.Resolve(ctx, target.Credential, target.SSHUser)
	if err != nil {
		return nil, err
	}
	var methods []ssh.AuthMethod
	if secret.Signer != nil {
		methods = append(methods, ssh.PublicKeys(secret.Signer))
	}
	if secret.Password != "" {
		methods = append(methods, ssh.Password(secret.Password))
	}
	if len(methods) == 0 {
		return nil, model.Errorf(model.KindAuthFailed, "", "credential for %s has neither key nor password", target.Host)
	}
	return methods, nil
}

func (e *SSHExecutor) drop(target model.TargetDescriptor, c *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.clients[target.Key()] == c {
		delete(e.clients, target.Key())
	}
	c.Close()
}

// Close closes all pooled connections.
func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for key, c := range e.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.clients, key)
	}
	return errors.Join(errs...)
}

func classifyDialError(ctx context.Context, addr string, err error) error {
	wrapped := fmt.Errorf("ssh %s: %w", addr, err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.Canceled) {
			return model.WrapError(model.KindCanceled, "", wrapped)
		}
		return model.WrapError(model.KindTimeout, "", wrapped)
	}

	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	var netErr net.Error
	switch {
	case errors.As(err, &keyErr), errors.As(err, &revoked):
		return model.WrapError(model.KindAuthFailed, "", wrapped)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return model.WrapError(model.KindAuthFailed, "", wrapped)
	case errors.Is(err, syscall.ECONNREFUSED):
		return model.WrapError(model.KindConnectionRefused, "", wrapped)
	case errors.As(err, &netErr) && netErr.Timeout():
		return model.WrapError(model.KindTimeout, "", wrapped)
	}
	return model.WrapError(model.KindConnectionRefused, "", wrapped)
}
