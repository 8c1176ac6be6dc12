// Copyright 2024 The plantgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UpstreamSessions is the number of live upstream bus sessions.
	UpstreamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plantgate_upstream_sessions",
		Help: "The number of upstream bus sessions currently connected.",
	})

	// UpstreamConnectAttemptsTotal counts connect attempts by endpoint role and result.
	UpstreamConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantgate_upstream_connect_attempts_total",
		Help: "The total number of upstream connect attempts.",
	},
		[]string{"endpoint", "result"},
	)

	// MessagesForwardedTotal counts push frames delivered to clients by kind.
	MessagesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantgate_messages_forwarded_total",
		Help: "The total number of messages forwarded to client sockets.",
	},
		[]string{"kind"},
	)

	// MessagesDroppedTotal counts upstream items that were not forwarded.
	MessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantgate_messages_dropped_total",
		Help: "The total number of upstream items dropped before reaching a client.",
	},
		[]string{"reason"},
	)

	// CorrelationTicketsTotal counts history query tickets by outcome.
	CorrelationTicketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantgate_correlation_tickets_total",
		Help: "The total number of history query tickets by outcome.",
	},
		[]string{"outcome"},
	)

	// ClientSockets is the number of registered push sockets.
	ClientSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plantgate_client_sockets",
		Help: "The number of client push sockets currently registered.",
	})

	// AlarmRelayActive is 1 while the shared realtime alarm feed is subscribed.
	AlarmRelayActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plantgate_alarm_relay_active",
		Help: "Whether the shared realtime alarm subscription is active.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plantgate_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	log.Printf("[INFO] Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
