// Package metrics exposes the monitor's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wargotik/wargot-ha-addons/internal/events"
	"github.com/wargotik/wargot-ha-addons/internal/mode"
)

const namespace = "alarmme"

// Metrics holds the collectors and the registry they are registered on.
// It is an events.Sink: most series are driven by monitor events.
type Metrics struct {
	reg *prometheus.Registry

	Polls           prometheus.Counter
	PollFailures    prometheus.Counter
	Triggers        prometheus.Counter
	Alerts          *prometheus.CounterVec
	NotifyFailures  *prometheus.CounterVec
	RegistryRetries *prometheus.CounterVec
	LastPoll        prometheus.Gauge
	Mode            *prometheus.GaugeVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "polls_total",
			Help: "Completed state polls.",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_failures_total",
			Help: "Polls skipped because the state fetch failed or the cycle panicked.",
		}),
		Triggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_total",
			Help: "Active sensor observations.",
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Intrusion alerts raised, by delivery result.",
		}, []string{"result"}),
		NotifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notify_failures_total",
			Help: "Failed notification sends, by target.",
		}, []string{"target"}),
		RegistryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_retries_total",
			Help: "Registry operations retried after lock contention.",
		}, []string{"op"}),
		LastPoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_poll_timestamp_seconds",
			Help: "Unix time of the last completed poll.",
		}),
		Mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mode",
			Help: "1 for the active arming mode, 0 otherwise.",
		}, []string{"mode"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Polls, m.PollFailures, m.Triggers, m.Alerts, m.NotifyFailures,
		m.RegistryRetries, m.LastPoll, m.Mode,
	)
	m.SetMode(mode.Off)
	return m
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetMode marks current as the only active mode.
func (m *Metrics) SetMode(current mode.Mode) {
	for _, md := range []mode.Mode{mode.Off, mode.Away, mode.Night, mode.Perimeter} {
		v := 0.0
		if md == current {
			v = 1
		}
		m.Mode.WithLabelValues(md.String()).Set(v)
	}
}

// RegistryRetry counts a retried registry operation.
func (m *Metrics) RegistryRetry(op string) { m.RegistryRetries.WithLabelValues(op).Inc() }

// NotifyFailed counts a failed send to target.
func (m *Metrics) NotifyFailed(target string) { m.NotifyFailures.WithLabelValues(target).Inc() }

// Publish implements events.Sink.
func (m *Metrics) Publish(e events.Event) {
	switch e.Kind {
	case events.KindPoll:
		m.Polls.Inc()
		m.LastPoll.Set(float64(e.At.Unix()))
	case events.KindPollFailed:
		m.PollFailures.Inc()
	case events.KindTriggered:
		m.Triggers.Inc()
	case events.KindAlert:
		result := "failed"
		if e.Delivered {
			result = "delivered"
		}
		m.Alerts.WithLabelValues(result).Inc()
	case events.KindModeChanged:
		if md, err := mode.Parse(e.Mode); err == nil {
			m.SetMode(md)
		}
	}
}
