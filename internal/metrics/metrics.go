package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueSize         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mm_queue_size", Help: "current queue size"})
	MatchesTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "mm_matches_total", Help: "total matches formed"})
	RegisteredServers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mm_registered_servers", Help: "game servers known to the matchmaker"})
	ActiveSessions    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mm_active_sessions", Help: "connected player sessions"})

	ResolveOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_resolve_outcomes_total",
		Help: "resolution attempts by outcome",
	}, []string{"outcome"})

	SessionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_session_outcomes_total",
		Help: "finished sessions by terminal state and reason",
	}, []string{"state", "reason"})
)

func Init() {
	prometheus.MustRegister(QueueSize, MatchesTotal, RegisteredServers, ActiveSessions, ResolveOutcomes, SessionOutcomes)
}
