// Package metrics exposes Prometheus instrumentation for workflow execution.
// All Recorder methods are nil-safe so instrumented components can treat a
// missing recorder as a no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the collectors the engine, dispatcher and invoker feed.
type Recorder struct {
	tasksTotal       *prometheus.CounterVec
	taskDuration     prometheus.Histogram
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	toolCallsTotal   *prometheus.CounterVec
}

// NewRecorder builds a Recorder and registers its collectors on reg. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_tasks_total",
			Help: "Terminal task outcomes by status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outflow_task_duration_seconds",
			Help:    "Wall time from task dispatch to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_model_dispatch_total",
			Help: "Model dispatch attempts by model and outcome.",
		}, []string{"model", "outcome"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outflow_model_dispatch_duration_seconds",
			Help:    "Latency of individual model dispatch attempts.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_tool_calls_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
	}

	reg.MustRegister(r.tasksTotal, r.taskDuration, r.dispatchTotal, r.dispatchDuration, r.toolCallsTotal)

	return r
}

// TaskDone records a terminal task status and its duration.
func (r *Recorder) TaskDone(status string, dur time.Duration) {
	if r == nil {
		return
	}
	r.tasksTotal.WithLabelValues(status).Inc()
	r.taskDuration.Observe(dur.Seconds())
}

// ModelDispatch records one dispatch attempt outcome ("ok", "retry", "error").
func (r *Recorder) ModelDispatch(model, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.dispatchTotal.WithLabelValues(model, outcome).Inc()
	r.dispatchDuration.Observe(dur.Seconds())
}

// ToolCall records a tool invocation outcome ("ok", "error", "denied", "timeout").
func (r *Recorder) ToolCall(tool, outcome string) {
	if r == nil {
		return
	}
	r.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}
