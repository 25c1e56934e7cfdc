// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exports the relay node metrics.
package instrument

import (
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/katzenpost/relaynet/core/wire"
)

var (
	sessionsAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaynet_sessions_admitted_total",
			Help: "Number of admitted incoming sessions",
		},
	)
	connectionsBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaynet_connections_blocked_total",
			Help: "Number of incoming connections refused at capacity",
		},
	)
	sessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaynet_sessions_reaped_total",
			Help: "Number of finished sessions reclaimed",
		},
	)
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaynet_sessions",
			Help: "Number of tracked sessions",
		},
	)
	incomingPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaynet_incoming_packets_total",
			Help: "Number of incoming packets by kind",
		},
		[]string{"kind"},
	)
	forwards = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaynet_forwards_total",
			Help: "Number of onion layers forwarded to a next hop",
		},
	)
	deliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaynet_deliveries_total",
			Help: "Number of payloads delivered locally",
		},
	)
	hopFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaynet_hop_failures_total",
			Help: "Number of failed exchanges with a next hop",
		},
	)
	decryptionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaynet_decryption_failures_total",
			Help: "Number of onion layers that failed to decrypt",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsAdmitted,
		connectionsBlocked,
		sessionsReaped,
		liveSessions,
		incomingPackets,
		forwards,
		deliveries,
		hopFailures,
		decryptionFailures,
	)
}

// Server serves the registered metrics over HTTP.
type Server struct {
	srv *http.Server
	l   net.Listener
}

// Addr returns the address the metrics are served on.
func (s *Server) Addr() net.Addr {
	return s.l.Addr()
}

// Close stops serving metrics.
func (s *Server) Close() error {
	return s.srv.Close()
}

// Init starts serving the registered metrics on addr under /metrics.
func Init(addr string) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		l: l,
	}
	go s.srv.Serve(l)
	return s, nil
}

// SessionAdmitted increments the counter for admitted sessions.
func SessionAdmitted() {
	sessionsAdmitted.Inc()
}

// ConnectionBlocked increments the counter for refused connections.
func ConnectionBlocked() {
	connectionsBlocked.Inc()
}

// SessionsReaped increments the counter for reclaimed sessions.
func SessionsReaped(n int) {
	sessionsReaped.Add(float64(n))
}

// Sessions sets the tracked session gauge.
func Sessions(n int) {
	liveSessions.Set(float64(n))
}

// Incoming increments the counter for incoming packets.
func Incoming(kind wire.MessageKind) {
	incomingPackets.With(prometheus.Labels{"kind": kind.String()}).Inc()
}

// Forward increments the counter for forwarded layers.
func Forward() {
	forwards.Inc()
}

// Delivery increments the counter for local deliveries.
func Delivery() {
	deliveries.Inc()
}

// HopFailure increments the counter for next hop failures.
func HopFailure() {
	hopFailures.Inc()
}

// DecryptionFailure increments the counter for undecryptable layers.
func DecryptionFailure() {
	decryptionFailures.Inc()
}
