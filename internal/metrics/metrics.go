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

	sessionSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "spawns_total",
			Help:      "Number of agent sessions spawned by the daemon.",
		}, []string{"agent"},
	)
	sessionStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "stops_total",
			Help:      "Number of sessions stopped through the control API.",
		},
	)
	sessionReports = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "reports_total",
			Help:      "Number of self-reports received from agent sessions.",
		},
	)
	sessionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessiond",
			Subsystem: "session",
			Name:      "tracked",
			Help:      "Sessions currently in the registry.",
		},
	)
	sweptSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "heartbeat",
			Name:      "swept_total",
			Help:      "Dead sessions removed by heartbeat sweeps.",
		},
	)
	heartbeatTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "heartbeat",
			Name:      "ticks_total",
			Help:      "Completed heartbeat cycles.",
		},
	)
	lockReclaims = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "lock",
			Name:      "reclaims_total",
			Help:      "Stale instance locks reclaimed during startup.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{sessionSpawns, sessionStops, sessionReports, sessionsTracked, sweptSessions, heartbeatTicks, lockReclaims}
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

// Handler returns an http.Handler serving the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func SessionSpawned(agent string) {
	if regOK.Load() {
		sessionSpawns.WithLabelValues(agent).Inc()
	}
}

func SessionStopped() {
	if regOK.Load() {
		sessionStops.Inc()
	}
}

func SessionReported() {
	if regOK.Load() {
		sessionReports.Inc()
	}
}

func SetTrackedSessions(n int) {
	if regOK.Load() {
		sessionsTracked.Set(float64(n))
	}
}

func SessionsSwept(n int) {
	if regOK.Load() && n > 0 {
		sweptSessions.Add(float64(n))
	}
}

func HeartbeatTick() {
	if regOK.Load() {
		heartbeatTicks.Inc()
	}
}

func LockReclaimed() {
	if regOK.Load() {
		lockReclaims.Inc()
	}
}
