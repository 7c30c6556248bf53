package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// 📊 调度指标采集
// =============================================================================

// Collector 引擎运行指标
// 所有指标挂在传入的 Registerer 上，便于测试隔离
type Collector struct {
	TasksDispatched   *prometheus.CounterVec
	TaskCompletions   *prometheus.CounterVec
	TaskRetries       prometheus.Counter
	TasksRunning      prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsFinished  *prometheus.CounterVec
	Delegations       prometheus.Counter
	RateLimitDeferred prometheus.Counter
	TaskDuration      *prometheus.HistogramVec
}

// NewCollector 创建并注册指标
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfteam",
			Subsystem: "coordinator",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to an agent, by crew.",
		}, []string{"crew"}),

		TaskCompletions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfteam",
			Subsystem: "coordinator",
			Name:      "task_completions_total",
			Help:      "Finished task attempts, by outcome (completed/failed).",
		}, []string{"outcome"}),

		TaskRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cfteam",
			Subsystem: "coordinator",
			Name:      "task_retries_total",
			Help:      "Failed tasks re-queued for another attempt.",
		}),

		TasksRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cfteam",
			Subsystem: "coordinator",
			Name:      "tasks_running",
			Help:      "Tasks currently executing on agents.",
		}),

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cfteam",
			Subsystem: "engine",
			Name:      "sessions_started_total",
			Help:      "Coordination sessions created.",
		}),

		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cfteam",
			Subsystem: "engine",
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal status.",
		}, []string{"status"}),

		Delegations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cfteam",
			Subsystem: "coordinator",
			Name:      "delegations_total",
			Help:      "Tasks spawned through hierarchical delegation.",
		}),

		RateLimitDeferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cfteam",
			Subsystem: "coordinator",
			Name:      "ratelimit_deferrals_total",
			Help:      "Dispatch attempts deferred by an agent's RPM budget.",
		}),

		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cfteam",
			Subsystem: "coordinator",
			Name:      "task_duration_seconds",
			Help:      "Wall time of one external execution attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"outcome"}),
	}
}

// ObserveAttempt 记录一次执行尝试的耗时与结果
func (c *Collector) ObserveAttempt(outcome string, elapsed time.Duration) {
	c.TaskCompletions.WithLabelValues(outcome).Inc()
	c.TaskDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
