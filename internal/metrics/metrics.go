// Package metrics exposes the core's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MutationsTotal counts optimistic mutations by kind and final outcome
	// (confirmed, settled, rolled_back).
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "mutations_total",
		Help:      "Optimistic mutations by kind and outcome.",
	}, []string{"kind", "outcome"})

	// EchoesSuppressed counts self-originated push events discarded by the
	// coordinator.
	EchoesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "echoes_suppressed_total",
		Help:      "Self-originated push events discarded as already applied.",
	})

	// RetriesTotal counts durable-write retries after transient failures.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "write_retries_total",
		Help:      "Durable write retries after transient errors.",
	})

	// RefetchesTotal counts full aggregate refetches after failed mutations.
	RefetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "refetches_total",
		Help:      "Full aggregate refetches triggered by failed mutations.",
	})

	// RelayFramesTotal counts frames fanned out by the relay, by table.
	RelayFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "relay_frames_total",
		Help:      "Change-log frames fanned out to push topics.",
	}, []string{"table"})
)

// Handler returns the http.Handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
