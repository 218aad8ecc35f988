package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zombieclaw",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Number of agent calls by command and outcome.",
		}, []string{"command", "outcome"},
	)
	callFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zombieclaw",
			Subsystem: "bridge",
			Name:      "call_failures_total",
			Help:      "Number of failed agent calls by failure reason.",
		}, []string{"reason"},
	)
	agentRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zombieclaw",
			Subsystem: "agent",
			Name:      "restarts_total",
			Help:      "Number of agent process respawns after the first start.",
		},
	)
	agentUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zombieclaw",
			Subsystem: "agent",
			Name:      "up",
			Help:      "Whether the agent process is currently running (1 or 0).",
		},
	)
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zombieclaw",
			Subsystem: "bridge",
			Name:      "stream_subscribers",
			Help:      "Current number of connected event stream subscribers.",
		},
	)
	pairingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zombieclaw",
			Subsystem: "pairing",
			Name:      "attempts_total",
			Help:      "Number of pairing attempts by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{callsTotal, callFailures, agentRestarts, agentUp, streamSubscribers, pairingAttempts}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncCall(command, outcome string) {
	if regOK.Load() {
		callsTotal.WithLabelValues(command, outcome).Inc()
	}
}

func IncCallFailure(reason string) {
	if regOK.Load() {
		callFailures.WithLabelValues(reason).Inc()
	}
}

func IncAgentRestart() {
	if regOK.Load() {
		agentRestarts.Inc()
	}
}

func SetAgentUp(up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1.0
		}
		agentUp.Set(v)
	}
}

func IncStreamSubscribers() {
	if regOK.Load() {
		streamSubscribers.Inc()
	}
}

func DecStreamSubscribers() {
	if regOK.Load() {
		streamSubscribers.Dec()
	}
}

func IncPairingAttempt(result string) {
	if regOK.Load() {
		pairingAttempts.WithLabelValues(result).Inc()
	}
}
