package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerTLS builds the *tls.Config for the trigger API listener.
// Returns nil, nil if no cert/key is configured (plaintext mode).
// With HTTPTLSClientCA set, callers must present a certificate signed by it.
func (c *Config) ServerTLS() (*tls.Config, error) {
	if c.HTTPTLSCert == "" && c.HTTPTLSKey == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.HTTPTLSCert, c.HTTPTLSKey)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.HTTPTLSClientCA != "" {
		caPEM, err := os.ReadFile(c.HTTPTLSClientCA)
		if err != nil {
			return nil, fmt.Errorf("read client CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse client CA cert")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}
