// Package metrics holds the harvester's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycles counts finished cycles by outcome ("ok" or "error").
	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_harvest_cycles_total",
		Help: "Total number of harvest cycles by outcome",
	}, []string{"outcome"})

	// CycleDuration observes wall time per cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iptv_harvest_cycle_duration_seconds",
		Help:    "Duration of a harvest cycle",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// Discovered counts candidate URLs produced by discovery.
	Discovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iptv_harvest_discovered_total",
		Help: "Total number of candidate stream URLs discovered",
	})

	// FetchErrors counts failed playlist or repository fetches.
	FetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iptv_harvest_fetch_errors_total",
		Help: "Total number of failed source fetches",
	})

	// Validations counts validator outcomes by verdict and tier.
	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_harvest_validations_total",
		Help: "Total number of stream validations by verdict and deciding tier",
	}, []string{"verdict", "tier"})

	// Replacements counts failed channels that were replaced by another candidate.
	Replacements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iptv_harvest_replacements_total",
		Help: "Total number of failed channels replaced by an alternate stream",
	})

	// Channels tracks the store by status.
	Channels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iptv_harvest_channels",
		Help: "Number of stored channels by status",
	}, []string{"status"})

	// PlaylistEntries tracks how many channels the last render wrote.
	PlaylistEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iptv_harvest_playlist_entries",
		Help: "Number of channels in the rendered playlist",
	})

	// State is 1 for the current orchestrator state, 0 for the others.
	State = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iptv_harvest_state",
		Help: "Current harvester state (1 = active)",
	}, []string{"state"})

	// GitPushes counts playlist pushes by outcome.
	GitPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_harvest_git_pushes_total",
		Help: "Total number of playlist git pushes by outcome",
	}, []string{"outcome"})
)

// States lists every orchestrator state exported by SetState.
var States = []string{"discovering", "validating", "persisting", "idle"}

// SetState marks state as the active one.
func SetState(state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		State.WithLabelValues(s).Set(v)
	}
}

// RecordCycle records one finished cycle.
func RecordCycle(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	Cycles.WithLabelValues(outcome).Inc()
	CycleDuration.Observe(d.Seconds())
}

// RecordValidation records one validator outcome.
func RecordValidation(verdict, tier string) {
	if tier == "" {
		tier = "none"
	}
	Validations.WithLabelValues(verdict, tier).Inc()
}

// SetChannels publishes store counts.
func SetChannels(newCount, ok, fail, retired int) {
	Channels.WithLabelValues("new").Set(float64(newCount))
	Channels.WithLabelValues("ok").Set(float64(ok))
	Channels.WithLabelValues("fail").Set(float64(fail))
	Channels.WithLabelValues("retired").Set(float64(retired))
}

// RecordGitPush records one push attempt.
func RecordGitPush(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	GitPushes.WithLabelValues(outcome).Inc()
}
