package helper

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/plexsphere/fwpanel/internal/command"
)

// Metrics holds the helper's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Rules           prometheus.Gauge
	Enabled         prometheus.Gauge
	Profiles        prometheus.Gauge
}

// NewMetrics creates the helper collectors on a private registry together
// with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fwpanel_helper_commands_total",
			Help: "Commands executed by the helper",
		}, []string{"cmd", "result"}),
		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwpanel_helper_command_duration_seconds",
			Help:    "Time spent executing a command, including kernel application",
			Buckets: prometheus.DefBuckets,
		}, []string{"cmd"}),
		Rules: f.NewGauge(prometheus.GaugeOpts{
			Name: "fwpanel_helper_rules",
			Help: "Number of rules in the active ruleset",
		}),
		Enabled: f.NewGauge(prometheus.GaugeOpts{
			Name: "fwpanel_helper_firewall_enabled",
			Help: "1 when the firewall is enabled",
		}),
		Profiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "fwpanel_helper_profiles",
			Help: "Number of system profiles",
		}),
	}
}

// RecordCommand counts one executed command.
func (m *Metrics) RecordCommand(kind command.Kind, succeeded bool, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if !succeeded {
		result = "failure"
	}
	m.CommandsTotal.WithLabelValues(kind.String(), result).Inc()
	m.CommandDuration.WithLabelValues(kind.String()).Observe(seconds)
}

// UpdateState sets the ruleset gauges.
func (m *Metrics) UpdateState(enabled bool, rules int) {
	if m == nil {
		return
	}
	m.Rules.Set(float64(rules))
	if enabled {
		m.Enabled.Set(1)
	} else {
		m.Enabled.Set(0)
	}
}

// UpdateProfiles sets the system profile gauge.
func (m *Metrics) UpdateProfiles(n int) {
	if m == nil {
		return
	}
	m.Profiles.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
