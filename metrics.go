package oauth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var flowsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atproto_oauth_flows_started_total",
	Help: "Number of oauth flows that reached the authorization redirect",
})

var flowsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "atproto_oauth_flows_completed_total",
	Help: "Number of oauth flows that exchanged their code for a token",
})

var flowFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_oauth_flow_failures_total",
	Help: "Number of oauth flows that failed, by step",
}, []string{"step"})

var dpopNonceRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_oauth_dpop_nonce_retries_total",
	Help: "Number of requests retried with a fresh dpop nonce, by endpoint kind",
}, []string{"endpoint"})

var tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "atproto_oauth_token_refreshes_total",
	Help: "Number of token refresh attempts, by outcome",
}, []string{"status"})
