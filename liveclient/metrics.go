package liveclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclient",
		Name:      "messages_total",
		Help:      "Wire messages by direction and transport.",
	}, []string{"direction", "transport"})

	metricMessageBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclient",
		Name:      "message_bytes_total",
		Help:      "Wire bytes by direction and transport.",
	}, []string{"direction", "transport"})

	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveclient",
		Name:      "reconnects_total",
		Help:      "Primary channel reconnections.",
	})

	metricPatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclient",
		Name:      "patches_total",
		Help:      "Patch outcomes: applied, skipped, failed.",
	}, []string{"outcome"})

	metricCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveclient",
		Name:      "cache_lookups_total",
		Help:      "Response cache lookups: hit, miss, expired.",
	}, []string{"result"})

	metricFullReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveclient",
		Name:      "full_replacements_total",
		Help:      "Full-document replacements (version mismatch recovery).",
	})
)
