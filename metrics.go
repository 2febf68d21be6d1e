// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package relp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the engine's Prometheus instrumentation bundle. Install
// it with Engine.SetMetrics; an engine without metrics skips all
// accounting.
type Metrics struct {
	// ConnectionsAccepted counts connections accepted by all listeners.
	ConnectionsAccepted prometheus.Counter

	// SessionsActive tracks the number of live sessions.
	SessionsActive prometheus.Gauge

	// SessionsAborted counts sessions torn down by failure, labeled by
	// the reason bucket (frame, protocol, command, txnr, overflow,
	// transport).
	SessionsAborted *prometheus.CounterVec

	// FramesIn and FramesOut count complete frames decoded from and
	// queued to peers.
	FramesIn  prometheus.Counter
	FramesOut prometheus.Counter

	// MessagesDelivered counts msg payloads accepted by the message
	// sink.
	MessagesDelivered prometheus.Counter
}

// NewMetrics builds the instrumentation bundle and registers it with
// r. A nil registerer leaves the collectors unregistered, which is
// useful in tests.
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relp",
			Name:      "connections_accepted_total",
			Help:      "Connections accepted by RELP listeners.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relp",
			Name:      "sessions_active",
			Help:      "Live RELP sessions.",
		}),
		SessionsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relp",
			Name:      "sessions_aborted_total",
			Help:      "RELP sessions torn down by failure.",
		}, []string{"reason"}),
		FramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relp",
			Name:      "frames_in_total",
			Help:      "Complete frames decoded from peers.",
		}),
		FramesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relp",
			Name:      "frames_out_total",
			Help:      "Frames queued for transmission to peers.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relp",
			Name:      "messages_delivered_total",
			Help:      "Message payloads accepted by the sink.",
		}),
	}
	if r != nil {
		r.MustRegister(
			m.ConnectionsAccepted,
			m.SessionsActive,
			m.SessionsAborted,
			m.FramesIn,
			m.FramesOut,
			m.MessagesDelivered,
		)
	}
	return m
}
