// Package tls builds server and client TLS configurations for the shard,
// coordinator and repository HTTP endpoints.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Client certificate policies accepted in configuration.
const (
	ClientAuthNone    = "none"
	ClientAuthRequest = "request"
	ClientAuthRequire = "require"
)

var ErrNoCertificate = errors.New("tls enabled but no certificate configured and auto_generate is off")

// Config is the tls section of an HTTP listener or client.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile verifies peers: client certificates on a server, server
	// certificates on a client.
	CAFile     string `yaml:"ca_file"`
	ClientAuth string `yaml:"client_auth" validate:"omitempty,oneof=none request require"`

	// AutoGenerate creates an in-memory self-signed certificate for Hosts
	// when no files are given. Local clusters only.
	AutoGenerate bool          `yaml:"auto_generate"`
	Hosts        []string      `yaml:"hosts"`
	ValidFor     time.Duration `yaml:"valid_for"`
}

// SecureCipherSuites lists the TLS 1.2 suites allowed; TLS 1.3 suites are
// not configurable.
func SecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// ServerConfig returns nil when TLS is disabled.
func ServerConfig(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var cert tls.Certificate
	var err error
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		if cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile); err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
	case cfg.AutoGenerate:
		certPEM, keyPEM, err := GenerateSelfSigned(cfg.Hosts, cfg.ValidFor)
		if err != nil {
			return nil, err
		}
		if cert, err = tls.X509KeyPair(certPEM, keyPEM); err != nil {
			return nil, fmt.Errorf("parse generated certificate: %w", err)
		}
	default:
		return nil, ErrNoCertificate
	}

	out := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: SecureCipherSuites(),
	}

	switch cfg.ClientAuth {
	case "", ClientAuthNone:
		out.ClientAuth = tls.NoClientCert
	case ClientAuthRequest:
		out.ClientAuth = tls.VerifyClientCertIfGiven
	case ClientAuthRequire:
		out.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("unknown client_auth %q", cfg.ClientAuth)
	}
	if cfg.CAFile != "" {
		pool, err := LoadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		out.ClientCAs = pool
	} else if out.ClientAuth != tls.NoClientCert {
		return nil, errors.New("client_auth needs ca_file")
	}
	return out, nil
}

// ClientConfig returns nil when TLS is disabled. A cert and key, when set,
// are presented to servers that ask for one.
func ClientConfig(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAFile != "" {
		pool, err := LoadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		out.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// LoadCAPool loads a CA certificate pool from a file
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", caFile)
	}
	return pool, nil
}

// HTTPClient returns a client trusting cfg's CA, or nil when TLS is
// disabled so callers keep their default transport.
func HTTPClient(cfg Config, timeout time.Duration) (*http.Client, error) {
	tc, err := ClientConfig(cfg)
	if err != nil || tc == nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tc
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
