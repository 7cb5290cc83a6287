// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mtunnel provides per-listener configuration for the tunnel
// gateway fronts. Each listener reads its settings from the environment
// under its own prefix, so several fronts with different TLS setups can
// run inside one process.
package mtunnel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Config holds one listener's configuration. Fields are populated from
// the environment with the prefix passed to NewConfig, e.g.
// MTUNNEL_H2_WITH_TLS_PORT.
type Config struct {
	Host            string `env:"HOST"              envDefault:""`
	Port            string `env:"PORT"              envDefault:""`
	FallbackURL     string `env:"FALLBACK_URL"      envDefault:""`
	MaxTunnels      int    `env:"MAX_TUNNELS"       envDefault:"0"`
	MaxFramePayload int64  `env:"MAX_FRAME_PAYLOAD" envDefault:"0"`
	CertFile        string `env:"CERT_FILE"         envDefault:""`
	KeyFile         string `env:"KEY_FILE"          envDefault:""`
	ClientCAFile    string `env:"CLIENT_CA_FILE"    envDefault:""`
	TLSConfig       *tls.Config
}

// NewConfig reads one listener's configuration from the environment.
// When CERT_FILE and KEY_FILE are both set the certificate is loaded
// and TLSConfig is populated; CLIENT_CA_FILE additionally turns on
// client certificate verification (mTLS).
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	tlsCfg, err := loadTLS(c.CertFile, c.KeyFile, c.ClientCAFile)
	if err != nil {
		return Config{}, err
	}
	c.TLSConfig = tlsCfg

	return c, nil
}

// loadTLS builds a server TLS configuration from certificate files.
// Returns nil when no certificate is configured, which leaves the
// listener on plain TCP.
func loadTLS(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if clientCAFile != "" {
		ca, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates parsed from client CA file %s", clientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
