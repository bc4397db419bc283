// Package observability turns engine events into Prometheus metrics.
package observability

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openwhen/internal/eventbus"
)

const namespace = "openwhen"

// Metrics holds the collectors on a private registry so several instances
// (tests, restarts) never collide on the default registry.
type Metrics struct {
	reg *prometheus.Registry

	passes         *prometheus.CounterVec
	passDuration   *prometheus.HistogramVec
	passFailures   *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	deliveryErrors *prometheus.CounterVec
	missed         prometheus.Counter
	rules          prometheus.Gauge
	scheduled      prometheus.Gauge
	expired        prometheus.Gauge
	checkpoint     prometheus.Gauge
	busDropped     prometheus.GaugeFunc
}

// New registers the collectors. dropped, if non-nil, reports events lost by the bus.
func New(dropped func() uint64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "passes_total",
			Help: "Reconciliation passes by trigger.",
		}, []string{"trigger"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "pass_duration_seconds",
			Help:    "Wall time of one reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger"}),
		passFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "collaborator_failures_total",
			Help: "Swallowed collaborator failures recorded by passes.",
		}, []string{"trigger"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "confirmed_total",
			Help: "Confirmed deliveries by reason and channel.",
		}, []string{"reason", "channel", "fallback"}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "errors_total",
			Help: "Deliveries that neither the primary nor the fallback confirmed.",
		}, []string{"kind"}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "missed_occurrences_total",
			Help: "Occurrences delivered late by catch-up.",
		}),
		rules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rules",
			Help: "Stored rules as of the last pass.",
		}),
		scheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "timers_scheduled",
			Help: "Timers registered by the last pass.",
		}),
		expired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rules_expired",
			Help: "Expired units seen by the last pass.",
		}),
		checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "checkpoint_timestamp_seconds",
			Help: "Unix time of the stored checkpoint after the last pass.",
		}),
	}
	if dropped == nil {
		dropped = func() uint64 { return 0 }
	}
	m.busDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "eventbus", Name: "dropped_events",
		Help: "Events dropped because a subscriber buffer was full.",
	}, func() float64 { return float64(dropped()) })

	reg.MustRegister(
		m.passes, m.passDuration, m.passFailures,
		m.deliveries, m.deliveryErrors, m.missed,
		m.rules, m.scheduled, m.expired, m.checkpoint, m.busDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe folds one event into the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.PassDone:
		p, ok := e.Data.(eventbus.PassEvent)
		if !ok {
			return
		}
		m.passes.WithLabelValues(p.Trigger).Inc()
		m.passDuration.WithLabelValues(p.Trigger).Observe(p.Duration.Seconds())
		if p.Errors > 0 {
			m.passFailures.WithLabelValues(p.Trigger).Add(float64(p.Errors))
		}
		m.rules.Set(float64(p.Rules))
		m.scheduled.Set(float64(p.Scheduled))
		m.expired.Set(float64(p.Expired))
		if !p.Checkpoint.IsZero() {
			m.checkpoint.Set(float64(p.Checkpoint.Unix()))
		}
	case eventbus.RuleFired, eventbus.RuleCaughtUp, eventbus.RuleOpened:
		r, ok := e.Data.(eventbus.RuleEvent)
		if !ok {
			return
		}
		m.deliveries.WithLabelValues(reason(e.Type), r.Channel, strconv.FormatBool(r.Fallback)).Inc()
		if e.Type == eventbus.RuleCaughtUp {
			m.missed.Add(float64(r.Missed))
		}
	case eventbus.DeliveryError:
		r, _ := e.Data.(eventbus.RuleEvent)
		m.deliveryErrors.WithLabelValues(r.Kind).Inc()
	}
}

func reason(typ string) string {
	switch typ {
	case eventbus.RuleCaughtUp:
		return "catch_up"
	case eventbus.RuleOpened:
		return "manual"
	default:
		return "timer"
	}
}

// Run observes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
