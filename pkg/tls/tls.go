// Package tls builds TLS 1.3 configurations for the probe's HTTPS listener
// and for the HTTP adapter's client.
//
// A CA file turns on mutual authentication: the server then requires client
// certificates signed by it, and the client verifies the server against it
// instead of the system roots.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds PEM file paths.
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	// CAFile is optional. When set, peers must present certificates it signed.
	CAFile string
}

// Validate reports missing or unreadable files when TLS is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("tls enabled but cert/key files not specified")
	}
	return statFiles(c.CertFile, c.KeyFile, c.CAFile)
}

// NewServerTLSConfig returns the listener configuration with the key pair
// loaded. Client certificates are required only when caFile is set.
func NewServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("server certificate and key are required")
	}
	if err := statFiles(certFile, keyFile, caFile); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := base()
	cfg.Certificates = []tls.Certificate{cert}
	if caFile != "" {
		pool, err := loadPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// NewClientTLSConfig returns a client configuration. certFile and keyFile
// are both optional but must be given together; caFile replaces the system
// roots when set.
func NewClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("client certificate and key must be given together")
	}
	if err := statFiles(certFile, keyFile, caFile); err != nil {
		return nil, err
	}

	cfg := base()
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pool, err := loadPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func base() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS13}
}

func loadPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// statFiles checks that every non-empty path exists.
func statFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("tls file %q: %w", p, err)
		}
	}
	return nil
}
