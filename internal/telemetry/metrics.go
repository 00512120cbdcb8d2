package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PollCycles       = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifier_polls_total", Help: "Poll sweeps executed"})
	ScheduleEmitted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifier_schedule_emitted_total", Help: "Schedule requests emitted by the poller"})
	Claims           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notifier_claims_total", Help: "Scheduler claim attempts by result"}, []string{"result"})
	Runs             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notifier_runs_total", Help: "Runner invocations by outcome"}, []string{"status"})
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifier_delivery_failures_total", Help: "Answers that could not be delivered"})
	TasksRetried     = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifier_tasks_retried_total", Help: "Tasks that failed and will retry"})
	TasksDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifier_tasks_dead_letter_total", Help: "Tasks moved to the DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notifier_queue_depth", Help: "Ready tasks across topics"})
	TimersGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notifier_timers_pending", Help: "Durable timers waiting to fire"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifier_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PollCycles,
			ScheduleEmitted,
			Claims,
			Runs,
			DeliveryFailures,
			TasksRetried,
			TasksDeadLetter,
			QueueDepthGauge,
			TimersGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
