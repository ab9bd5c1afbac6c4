package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessionr",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Number of sessions whose children all spawned.",
		},
	)
	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionr",
			Subsystem: "child",
			Name:      "spawns_total",
			Help:      "Child spawn attempts by outcome.",
		}, []string{"child", "outcome"},
	)
	reaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionr",
			Subsystem: "reaper",
			Name:      "processes_total",
			Help:      "Stale processes handled by the reaper, by source (ledger or port) and outcome.",
		}, []string{"source", "outcome"},
	)
	primaryExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionr",
			Subsystem: "session",
			Name:      "primary_exits_total",
			Help:      "Primary child exits by exit code.",
		}, []string{"code"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessionr",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Number of session state machine transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sessionr",
			Subsystem: "session",
			Name:      "current_state",
			Help:      "Current session state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{sessionsStarted, spawns, reaped, primaryExits, stateTransitions, currentState}
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
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSessionStarted() {
	if regOK.Load() {
		sessionsStarted.Inc()
	}
}

func IncSpawn(child string, ok bool) {
	if regOK.Load() {
		outcome := "ok"
		if !ok {
			outcome = "failed"
		}
		spawns.WithLabelValues(child, outcome).Inc()
	}
}

func IncReaped(source, outcome string) {
	if regOK.Load() {
		reaped.WithLabelValues(source, outcome).Inc()
	}
}

func IncPrimaryExit(code int) {
	if regOK.Load() {
		primaryExits.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

// RecordStateTransition counts the transition and flips the current-state gauge.
func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentState.WithLabelValues(from).Set(0)
		currentState.WithLabelValues(to).Set(1)
	}
}
