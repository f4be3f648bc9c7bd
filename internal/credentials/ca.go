package credentials

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// CA signs short-lived SSH user certificates for deployment sessions.
type CA struct {
	signer ssh.Signer
}

// NewCA parses a PEM-encoded CA private key.
func NewCA(pemBytes []byte) (*CA, error) {
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("credentials: parse CA key: %w", err)
	}
	return &CA{signer: signer}, nil
}

// Sign creates an ephemeral ed25519 key, certifies it for principal and
// returns a signer presenting the certificate.
func (ca *CA) Sign(principal string, ttl time.Duration) (ssh.Signer, error) {
	if principal == "" {
		return nil, fmt.Errorf("credentials: certificate principal is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("credentials: generate ephemeral key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("credentials: convert public key: %w", err)
	}

	now := time.Now()
	cert := &ssh.Certificate{
		CertType:        ssh.UserCert,
		Key:             sshPub,
		KeyId:           "rollout-" + principal,
		ValidPrincipals: []string{principal},
		// Tolerate small clock skew between us and the target.
		ValidAfter:  uint64(now.Add(-30 * time.Second).Unix()),
		ValidBefore: uint64(now.Add(ttl).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{"permit-pty": ""},
		},
	}
	if err := cert.SignCert(rand.Reader, ca.signer); err != nil {
		return nil, fmt.Errorf("credentials: sign certificate: %w", err)
	}

	ephemeral, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("credentials: create ephemeral signer: %w", err)
	}
	certSigner, err := ssh.NewCertSigner(cert, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("credentials: create cert signer: %w", err)
	}
	return certSigner, nil
}
