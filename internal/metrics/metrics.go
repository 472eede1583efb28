package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chat turn outcomes.
const (
	OutcomeCompleted      = "completed"
	OutcomeUpstreamError  = "upstream_error"
	OutcomeClientGone     = "client_gone"
	OutcomePersistFailure = "persist_failure"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacheles_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tacheles_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"method", "route"},
	)

	UsersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tacheles_users_created_total",
			Help: "Total users created",
		},
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tacheles_conversations_created_total",
			Help: "Total conversations created",
		},
	)

	ChatTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacheles_chat_turns_total",
			Help: "Chat turns by outcome",
		},
		[]string{"outcome"},
	)

	ChatFragments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tacheles_chat_fragments_total",
			Help: "Completion fragments relayed to clients",
		},
	)

	// PersistFailures counts turns that reached the client but were not stored.
	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tacheles_persist_failures_total",
			Help: "Completed chat turns that failed to persist",
		},
	)
)
