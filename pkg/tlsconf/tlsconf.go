// Package tlsconf builds the TLS configurations used by the sketch exchange.
//
// Hosts exchange sketches over TLS 1.3 only. When a CA bundle is supplied the server
// requires and verifies client certificates, so both ends of an exchange are
// authenticated against the same CA.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertificate is returned when a server configuration is requested without a
// certificate.
var ErrNoCertificate = errors.New("tls certificate and key are required")

var cipherSuites = []uint16{
	tls.TLS_AES_128_GCM_SHA256,
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
}

// LoadServer creates a TLS 1.3 server configuration. If caFile is set, clients must
// present a certificate signed by it.
func LoadServer(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, ErrNoCertificate
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server cert/key: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		CipherSuites: cipherSuites,
	}
	if caFile != "" {
		pool, err := loadPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// LoadClient creates a TLS 1.3 client configuration. The certificate pair is optional
// unless the peer requires mutual authentication; caFile replaces the system roots
// when set. serverName overrides the name verified against the peer certificate,
// which is needed when peers are dialed by IP address.
func LoadClient(certFile, keyFile, caFile, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		CipherSuites: cipherSuites,
		ServerName:   serverName,
	}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
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

func loadPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("failed to parse CA cert")
	}
	return pool, nil
}
