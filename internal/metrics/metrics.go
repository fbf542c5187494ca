package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ─── Scheduler ───────────────────────────────────────────────────────────────

	ExecutionsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamepilot",
		Subsystem: "scheduler",
		Name:      "executions_submitted_total",
		Help:      "Executions accepted into the priority queue.",
	}, []string{"priority"})

	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamepilot",
		Subsystem: "scheduler",
		Name:      "executions_finished_total",
		Help:      "Executions that reached a terminal state, labelled by state.",
	}, []string{"state"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gamepilot",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Queued executions per priority level.",
	}, []string{"priority"})

	ExecutionsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamepilot",
		Subsystem: "scheduler",
		Name:      "executions_running",
		Help:      "Executions currently held by a worker.",
	})

	ExecutionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gamepilot",
		Subsystem: "scheduler",
		Name:      "execution_duration_seconds",
		Help:      "Wall time from dispatch to terminal state.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	}, []string{"state"})

	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gamepilot",
		Subsystem: "scheduler",
		Name:      "retries_total",
		Help:      "Automation attempts retried after a failure.",
	})

	AdmissionDeferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamepilot",
		Subsystem: "scheduler",
		Name:      "admission_deferrals_total",
		Help:      "Dispatch attempts postponed by a resource limit.",
	}, []string{"reason"})

	ScheduleTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamepilot",
		Subsystem: "planner",
		Name:      "triggers_total",
		Help:      "Cron triggers, labelled by outcome (submitted, skipped, error).",
	}, []string{"outcome"})

	// ─── Monitor ─────────────────────────────────────────────────────────────────

	MonitorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gamepilot",
		Subsystem: "monitor",
		Name:      "events_total",
		Help:      "Callbacks fired by the status monitor, labelled by monitor type.",
	}, []string{"type"})

	MonitorsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gamepilot",
		Subsystem: "monitor",
		Name:      "registered",
		Help:      "Status monitors currently registered.",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
