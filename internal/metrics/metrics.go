// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replybot"

// Metrics holds the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	WebhookEvents    *prometheus.CounterVec
	RuleMatches      *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	DispatchLatency  *prometheus.HistogramVec
	LaneDepth        *prometheus.GaugeVec
	LaneInterval     *prometheus.GaugeVec
	InstanceState    *prometheus.GaugeVec
	FallbackReplies  *prometheus.CounterVec
	TaskRuns         *prometheus.CounterVec
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Webhook events received, by event type and outcome",
			},
			[]string{"type", "outcome"},
		),

		RuleMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rules",
				Name:      "matches_total",
				Help:      "Inbound messages evaluated, by matched rule (empty for no match)",
			},
			[]string{"rule_id"},
		),

		DispatchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "outcomes_total",
				Help:      "Outbound gateway calls and drops, by instance and outcome",
			},
			[]string{"instance_id", "outcome"},
		),

		DispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "send_duration_seconds",
				Help:      "Duration of sendMessage calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"instance_id"},
		),

		LaneDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "lane_depth",
				Help:      "Jobs waiting in the dispatch lane of an instance",
			},
			[]string{"instance_id"},
		),

		LaneInterval: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "lane_min_interval_seconds",
				Help:      "Current minimum interval between calls of an instance",
			},
			[]string{"instance_id"},
		),

		InstanceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "state",
				Help:      "1 for the current state of each instance, 0 otherwise",
			},
			[]string{"instance_id", "state"},
		),

		FallbackReplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fallback",
				Name:      "replies_total",
				Help:      "Fallback responder invocations, by outcome",
			},
			[]string{"outcome"},
		),

		TaskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "task_runs_total",
				Help:      "Scheduled task executions, by task and outcome",
			},
			[]string{"task", "outcome"},
		),
	}

	m.registry.MustRegister(
		m.WebhookEvents,
		m.RuleMatches,
		m.DispatchOutcomes,
		m.DispatchLatency,
		m.LaneDepth,
		m.LaneInterval,
		m.InstanceState,
		m.FallbackReplies,
		m.TaskRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordWebhook counts one webhook event.
func (m *Metrics) RecordWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordMatch counts one evaluation; ruleID is empty when nothing matched.
func (m *Metrics) RecordMatch(ruleID string) {
	if m == nil {
		return
	}
	m.RuleMatches.WithLabelValues(ruleID).Inc()
}

// RecordDispatch counts one dispatch outcome.
func (m *Metrics) RecordDispatch(instanceID, outcome string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(instanceID, outcome).Inc()
}

// ObserveSend records the duration of one gateway call.
func (m *Metrics) ObserveSend(instanceID string, d time.Duration) {
	if m == nil {
		return
	}
	m.DispatchLatency.WithLabelValues(instanceID).Observe(d.Seconds())
}

// SetLane publishes the depth and interval of a lane.
func (m *Metrics) SetLane(instanceID string, depth int, interval time.Duration) {
	if m == nil {
		return
	}
	m.LaneDepth.WithLabelValues(instanceID).Set(float64(depth))
	m.LaneInterval.WithLabelValues(instanceID).Set(interval.Seconds())
}

// DeleteLane removes the series of a stopped lane.
func (m *Metrics) DeleteLane(instanceID string) {
	if m == nil {
		return
	}
	m.LaneDepth.DeleteLabelValues(instanceID)
	m.LaneInterval.DeleteLabelValues(instanceID)
}

// SetInstanceState marks current as the state of instanceID among states.
// An empty current clears the instance.
func (m *Metrics) SetInstanceState(instanceID, current string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		if current == "" {
			m.InstanceState.DeleteLabelValues(instanceID, s)
			continue
		}
		v := 0.0
		if s == current {
			v = 1
		}
		m.InstanceState.WithLabelValues(instanceID, s).Set(v)
	}
}

// RecordFallback counts one fallback responder invocation.
func (m *Metrics) RecordFallback(outcome string) {
	if m == nil {
		return
	}
	m.FallbackReplies.WithLabelValues(outcome).Inc()
}

// RecordTask counts one scheduled task execution.
func (m *Metrics) RecordTask(task string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.TaskRuns.WithLabelValues(task, outcome).Inc()
}
