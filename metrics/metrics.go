// Package metrics registers the Prometheus collectors shared across the
// pipeline: mirror selection outcomes, cache hit/miss rates, BLTE decode
// failures by mode, and resolver fetch latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MirrorRequestsTotal counts mirror fetch attempts by outcome ("ok",
// "error", "exhausted").
var MirrorRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tactcore_mirror_requests_total",
		Help: "Mirror fetch attempts by outcome",
	},
	[]string{"outcome"},
)

// CacheLookupsTotal counts disk-cache and local-CASC lookups by tier
// ("casc", "disk") and result ("hit", "miss", "stale").
var CacheLookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tactcore_cache_lookups_total",
		Help: "Cache lookups by tier and result",
	},
	[]string{"tier", "result"},
)

// BLTEDecodeFailuresTotal counts BLTE decode failures by chunk mode and
// error kind.
var BLTEDecodeFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tactcore_blte_decode_failures_total",
		Help: "BLTE decode failures by mode and error kind",
	},
	[]string{"mode", "kind"},
)

// ResolverFetchDuration observes end-to-end resolver fetch latency by
// source tier ("casc", "disk", "remote").
var ResolverFetchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tactcore_resolver_fetch_duration_seconds",
		Help:    "Resolver fetch latency by source tier",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tier"},
)

// MirrorRTTMs observes the ping-phase round-trip estimate per mirror host.
var MirrorRTTMs = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tactcore_mirror_rtt_milliseconds",
		Help:    "Mirror ping round-trip time in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	},
	[]string{"host"},
)
