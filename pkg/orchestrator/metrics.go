package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scenesmith",
		Name:      "tasks_started_total",
		Help:      "Number of pipeline executions started.",
	})
	metricTasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scenesmith",
		Name:      "tasks_completed_total",
		Help:      "Number of tasks that reached the completed state.",
	})
	metricTasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scenesmith",
		Name:      "tasks_failed_total",
		Help:      "Number of tasks that reached the failed state.",
	})
	metricRetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scenesmith",
		Name:      "retries_scheduled_total",
		Help:      "Number of step retries scheduled with backoff.",
	})
	metricFixAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scenesmith",
		Name:      "fix_attempts_total",
		Help:      "Number of fix-code round trips routed after validation rejections.",
	})
	metricTasksReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scenesmith",
		Name:      "tasks_reaped_total",
		Help:      "Number of stale working tasks failed by the reaper.",
	})
	metricStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scenesmith",
		Name:      "step_duration_seconds",
		Help:      "Wall-clock duration of one agent step invocation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})
)

func recordStepDuration(step string, d time.Duration) {
	metricStepDuration.WithLabelValues(step).Observe(d.Seconds())
}
