// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the tunnel
// gateway. The vectors are fed by InstrumentedHandler, which wraps the
// application handler and observes the tunnel lifecycle from the
// handler surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Tunnel lifecycle
	TunnelsActive  *prometheus.GaugeVec
	TunnelsTotal   *prometheus.CounterVec
	TunnelDuration *prometheus.HistogramVec

	// Authorization outcomes
	AuthTotal *prometheus.CounterVec

	// Message flow
	FramesTotal *prometheus.CounterVec
	BytesTotal  *prometheus.CounterVec

	// Termination
	DisconnectsTotal *prometheus.CounterVec
	ClosesSent       *prometheus.CounterVec
}

// New creates a Metrics instance registered on reg. A nil reg uses the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mtunnel"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TunnelsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tunnels_active",
				Help:      "Number of currently open tunnels",
			},
			[]string{"front"},
		),
		TunnelsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnels_total",
				Help:      "Total number of tunnels opened",
			},
			[]string{"front", "subprotocol"},
		),
		TunnelDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tunnel_duration_seconds",
				Help:      "Tunnel lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"front"},
		),
		AuthTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_total",
				Help:      "Authorization outcomes by operation",
			},
			[]string{"operation", "outcome"},
		),
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of delivered frames",
			},
			[]string{"direction", "opcode"},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total payload bytes delivered",
			},
			[]string{"direction"},
		),
		DisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "disconnects_total",
				Help:      "Tunnel disconnects by cause",
			},
			[]string{"front", "cause"},
		),
		ClosesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "closes_sent_total",
				Help:      "Closing handshakes started by the application, by status code",
			},
			[]string{"code"},
		),
	}
}
