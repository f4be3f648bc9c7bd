// Package credentials resolves opaque credential handles into secrets.
//
// Supported handle schemes:
//   - env:NAME   reads NAME_USERNAME, NAME_PASSWORD and NAME_SSH_KEY
//   - file:PATH  reads a PEM-encoded SSH private key
//   - ca:PATH    reads an SSH CA key and signs an ephemeral user certificate
package credentials

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/edvin/rollout/internal/model"
)

// DefaultCertTTL bounds ephemeral certificates signed by the ca: scheme.
const DefaultCertTTL = 10 * time.Minute

// Secret is resolved credential material. It lives only for the duration of
// one call and is never logged.
type Secret struct {
	Username string
	Password string
	Signer   ssh.Signer
}

// Resolver turns a handle into a Secret for the given principal (ssh user).
type Resolver interface {
	Resolve(ctx context.Context, handle model.CredentialHandle, principal string) (*Secret, error)
}

// SchemeResolver dispatches on the handle scheme.
type SchemeResolver struct {
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
	certTTL   time.Duration
}

// NewResolver returns a resolver reading from the process environment and filesystem.
func NewResolver() *SchemeResolver {
	return &SchemeResolver{
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
		certTTL:   DefaultCertTTL,
	}
}

func (r *SchemeResolver) Resolve(_ context.Context, handle model.CredentialHandle, principal string) (*Secret, error) {
	switch handle.Scheme() {
	case "env":
		return r.fromEnv(handle.Ref())
	case "file":
		return r.fromKeyFile(handle.Ref())
	case "ca":
		return r.fromCA(handle.Ref(), principal)
	default:
		return nil, model.Errorf(model.KindAuthFailed, "", "unsupported credential scheme %q", handle.Scheme())
	}
}

func (r *SchemeResolver) fromEnv(name string) (*Secret, error) {
	if name == "" {
		return nil, model.Errorf(model.KindAuthFailed, "", "env credential handle has no name")
	}
	s := &Secret{}
	s.Username, _ = r.lookupEnv(name + "_USERNAME")
	s.Password, _ = r.lookupEnv(name + "_PASSWORD")
	if key, ok := r.lookupEnv(name + "_SSH_KEY"); ok && key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, model.WrapError(model.KindAuthFailed, "", fmt.Errorf("parse %s_SSH_KEY: %w", name, err))
		}
		s.Signer = signer
	}
	if s.Username == "" && s.Password == "" && s.Signer == nil {
		return nil, model.Errorf(model.KindAuthFailed, "", "no credentials found in environment for %s", name)
	}
	return s, nil
}

func (r *SchemeResolver) fromKeyFile(path string) (*Secret, error) {
	data, err := r.readFile(path)
	if err != nil {
		return nil, model.WrapError(model.KindAuthFailed, "", fmt.Errorf("read key file: %w", err))
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, model.WrapError(model.KindAuthFailed, "", fmt.Errorf("parse key file %s: %w", path, err))
	}
	return &Secret{Signer: signer}, nil
}

func (r *SchemeResolver) fromCA(path, principal string) (*Secret, error) {
	data, err := r.readFile(path)
	if err != nil {
		return nil, model.WrapError(model.KindAuthFailed, "", fmt.Errorf("read CA key: %w", err))
	}
	ca, err := NewCA(data)
	if err != nil {
		return nil, model.WrapError(model.KindAuthFailed, "", err)
	}
	signer, err := ca.Sign(principal, r.certTTL)
	if err != nil {
		return nil, model.WrapError(model.KindAuthFailed, "", err)
	}
	return &Secret{Username: principal, Signer: signer}, nil
}
