// Package metrics wires the Prometheus collectors this validator exposes,
// grounded on the metric names and shapes octoRPKI registers in
// _examples/ties-octorpki/cmd/octorpki/octorpki.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every metric the validator emits across a
// validation cycle.
type Collectors struct {
	CycleDuration  prometheus.Summary
	VRPCount       prometheus.Gauge
	RouterKeyCount prometheus.Gauge
	TALErrors      *prometheus.GaugeVec
	FetchErrors    *prometheus.GaugeVec
	LastValidation prometheus.Gauge
	LastFetch      *prometheus.GaugeVec
}

// New constructs a fresh, unregistered set of collectors.
func New() *Collectors {
	return &Collectors{
		CycleDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "rpki_validator_cycle_duration_seconds",
			Help:       "Time to complete one full validation cycle.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		VRPCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpki_validator_vrp_count",
			Help: "Number of validated ROA payloads in the current table.",
		}),
		RouterKeyCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpki_validator_router_key_count",
			Help: "Number of validated router keys in the current table.",
		}),
		TALErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpki_validator_tal_errors",
			Help: "Per-TAL error count for the most recent cycle.",
		}, []string{"tal"}),
		FetchErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpki_validator_fetch_errors",
			Help: "Fetch error count by repository authority.",
		}, []string{"authority", "transport"}),
		LastValidation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpki_validator_last_validation_timestamp_seconds",
			Help: "Unix timestamp of the last completed validation cycle.",
		}),
		LastFetch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpki_validator_last_fetch_timestamp_seconds",
			Help: "Unix timestamp of the last fetch attempt by authority.",
		}, []string{"authority", "transport"}),
	}
}

// MustRegister registers every collector against reg.
func (c *Collectors) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		c.CycleDuration,
		c.VRPCount,
		c.RouterKeyCount,
		c.TALErrors,
		c.FetchErrors,
		c.LastValidation,
		c.LastFetch,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
