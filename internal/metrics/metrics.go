package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bootvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Number of successful worker spawns.",
		}, []string{"worker"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of worker crashes by cause (exit, health, spawn).",
		}, []string{"worker", "reason"},
	)
	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"worker"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of intentional stops by how they ended (graceful, kill, abandoned).",
		}, []string{"worker", "mode"},
	)
	workerRestartCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restart_count",
			Help:      "Consecutive crashes counted against the restart ceiling.",
		}, []string{"worker"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"worker", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"worker", "state"},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_failures_total",
			Help:      "Number of failed health probes.",
		}, []string{"worker", "probe"},
	)
	configReadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "read_errors_total",
			Help:      "Number of config polls that failed to produce a valid snapshot.",
		},
	)
	historyDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "dropped_events_total",
			Help:      "Lifecycle events dropped because the recorder queue was full or a sink failed.",
		}, []string{"sink"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerSpawns, workerCrashes, workerRestarts, workerStops, workerRestartCount,
		stateTransitions, currentStates, probeFailures, configReadErrors, historyDropped,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(worker string) {
	if regOK.Load() {
		workerSpawns.WithLabelValues(worker).Inc()
	}
}

func IncCrash(worker, reason string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(worker, reason).Inc()
	}
}

func IncRestart(worker string) {
	if regOK.Load() {
		workerRestarts.WithLabelValues(worker).Inc()
	}
}

func IncStop(worker, mode string) {
	if regOK.Load() {
		workerStops.WithLabelValues(worker, mode).Inc()
	}
}

func SetRestartCount(worker string, n int) {
	if regOK.Load() {
		workerRestartCount.WithLabelValues(worker).Set(float64(n))
	}
}

func RecordStateTransition(worker, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(worker, from, to).Inc()
	}
}

func SetCurrentState(worker, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(worker, state).Set(value)
	}
}

func IncProbeFailure(worker, probe string) {
	if regOK.Load() {
		probeFailures.WithLabelValues(worker, probe).Inc()
	}
}

func IncConfigReadError() {
	if regOK.Load() {
		configReadErrors.Inc()
	}
}

func IncHistoryDropped(sink string) {
	if regOK.Load() {
		historyDropped.WithLabelValues(sink).Inc()
	}
}
