package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event outcomes
const (
	outcomeApplied    = "applied"
	outcomeSelf       = "self_echo"
	outcomeDuplicate  = "duplicate"
	outcomeIgnored    = "ignored"
	outcomeRefetch    = "refetch"
	outcomeStale      = "stale_scope"
	outcomeInvalid    = "invalid"
	outcomeOutOfScope = "out_of_scope"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedsync",
		Name:      "events_total",
		Help:      "Change notifications processed, by table and outcome",
	}, []string{"kind", "outcome"})

	rollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feedsync",
		Name:      "rollbacks_total",
		Help:      "Optimistic mutations rolled back after a remote failure",
	}, []string{"op"})

	subscriptionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "feedsync",
		Name:      "subscriptions_open",
		Help:      "Change notification subscriptions currently open",
	})
)
