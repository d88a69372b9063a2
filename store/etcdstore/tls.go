package etcdstore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrIncompleteTLS is returned when TLS is enabled without every file set.
var ErrIncompleteTLS = errors.New("etcdstore: tls requires cert_file, key_file and ca_file")

// TLSConfig is a mutual TLS client setup loaded from PEM files. The redis
// backend reads the same block from configuration.
type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CAFile   string `json:"ca_file" yaml:"ca_file"`
}

// Validate reports a missing file when TLS is enabled. A nil or disabled
// config is valid.
func (c *TLSConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	var missing []string
	if c.CertFile == "" {
		missing = append(missing, "cert_file")
	}
	if c.KeyFile == "" {
		missing = append(missing, "key_file")
	}
	if c.CAFile == "" {
		missing = append(missing, "ca_file")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrIncompleteTLS, missing)
	}
	return nil
}

// ClientConfig loads the key pair and CA pool. It returns nil, nil when TLS
// is disabled.
func (c *TLSConfig) ClientConfig() (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c == nil || !c.Enabled {
		return nil, nil
	}

	pair, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("etcdstore: load key pair: %w", err)
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("etcdstore: read ca: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("etcdstore: no certificates in %s", c.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
