package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager command metrics
var (
	CommandsHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redvm_commands_handled_total",
			Help: "Total number of management commands handled",
		},
		[]string{"command", "status"}, // status: ok, error
	)

	CommandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redvm_command_duration_seconds",
			Help:    "Duration of management command handling in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"command"},
	)
)

// Session registry metrics
var (
	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redvm_open_sessions",
			Help: "Number of currently open agent sessions",
		},
	)

	AgentRoundTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redvm_agent_round_trips_total",
			Help: "Total number of command round-trips to VM agents",
		},
		[]string{"command", "result"}, // result: ok, rejected, error
	)

	AgentRoundTripSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "redvm_agent_round_trip_seconds",
			Help:    "Duration of agent command round-trips in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
	)
)

// Store metrics
var (
	StoreTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redvm_store_transactions_total",
			Help: "Total number of metadata store transactions",
		},
		[]string{"result"}, // committed, rolled_back
	)
)
