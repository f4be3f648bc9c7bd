package model

import (
	"net"
	"strconv"
	"strings"
)

// DefaultSSHPort is used when a target does not name a port.
const DefaultSSHPort = 22

// CredentialHandle is an opaque reference to credential material held by the
// caller, e.g. "env:DEPLOY" or "file:/etc/rollout/id_ed25519". The core only
// passes handles around; resolving them is the credentials package's job.
type CredentialHandle string

// IsZero reports whether no credential was supplied.
func (h CredentialHandle) IsZero() bool { return h == "" }

// Scheme returns the part before the first colon.
func (h CredentialHandle) Scheme() string {
	s, _, _ := strings.Cut(string(h), ":")
	return s
}

// Ref returns the part after the first colon.
func (h CredentialHandle) Ref() string {
	_, r, _ := strings.Cut(string(h), ":")
	return r
}

// TargetDescriptor describes the host a deployment runs against.
// It is supplied per invocation and never persisted.
type TargetDescriptor struct {
	Host       string           `json:"host"`
	Port       int              `json:"port,omitempty"`
	SSHUser    string           `json:"ssh_user"`
	Credential CredentialHandle `json:"-"`
}

// ParseTarget parses "[user@]host[:port]". defaultUser is used when the
// string carries no user.
func ParseTarget(s, defaultUser string) (TargetDescriptor, error) {
	s = strings.TrimSpace(s)
	t := TargetDescriptor{SSHUser: defaultUser}

	if user, rest, ok := strings.Cut(s, "@"); ok {
		t.SSHUser = user
		s = rest
	}

	if host, port, err := net.SplitHostPort(s); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return TargetDescriptor{}, Errorf(KindInvalidInput, "", "invalid target port %q", port)
		}
		t.Host = host
		t.Port = p
	} else {
		t.Host = strings.Trim(s, "[]")
	}

	if err := t.Validate(); err != nil {
		return TargetDescriptor{}, err
	}
	return t, nil
}

// Validate checks that the descriptor names a host and a user.
func (t TargetDescriptor) Validate() error {
	if t.Host == "" {
		return Errorf(KindInvalidInput, "", "target host is required")
	}
	if t.SSHUser == "" {
		return Errorf(KindInvalidInput, "", "target ssh user is required")
	}
	return nil
}

// Address returns host:port, defaulting to port 22.
func (t TargetDescriptor) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Key identifies the SSH identity used to reach the target.
func (t TargetDescriptor) Key() string {
	return t.SSHUser + "@" + t.Address()
}

// LockKey identifies the machine itself. Every user and port alias of a
// host shares one container namespace, so they share one lock.
func (t TargetDescriptor) LockKey() string {
	return strings.ToLower(strings.TrimSuffix(strings.Trim(t.Host, "[]"), "."))
}
