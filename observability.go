package flow4ai

import (
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Metrics keys shared across the engine and manager, following a
// <component>.<measurement> naming convention.
const (
	MetricTasksSubmitted = metricz.Key("flow4ai.tasks.submitted")
	MetricTasksCompleted = metricz.Key("flow4ai.tasks.completed")
	MetricTasksErrored   = metricz.Key("flow4ai.tasks.errored")
	MetricTasksCancelled = metricz.Key("flow4ai.tasks.cancelled")
	MetricJobsRun        = metricz.Key("flow4ai.jobs.run")
	MetricJobsFailed     = metricz.Key("flow4ai.jobs.failed")
	MetricTasksInFlight  = metricz.Key("flow4ai.tasks.in_flight")
)

// Span keys for the engine's per-task walk.
const (
	SpanTaskExecute = tracez.Key("flow4ai.task.execute")
	SpanJobRun      = tracez.Key("flow4ai.job.run")
)

// Tag keys attached to spans above.
const (
	TagGraph  = tracez.Tag("flow4ai.graph")
	TagJob    = tracez.Tag("flow4ai.job")
	TagTaskID = tracez.Tag("flow4ai.task_id")
	TagError  = tracez.Tag("flow4ai.error")
)

// CompletionEvent is delivered to on_complete hooks registered on a
// Manager (spec §4.5's callback note), carrying the finished task's
// identity and outcome.
type CompletionEvent struct {
	TaskID  string
	Graph   string
	Variant string
	Result  Result
	Err     error
}

// observability bundles the ambient instrumentation every flow4ai
// component shares: a metricz registry, a tracez tracer, a hookz event
// bus for completion callbacks, and a clockz clock for deterministic
// timeout tests. capitan signals (signals.go) are emitted directly via
// the package-level capitan.Info/Error functions rather than through a
// logger handle. Hoisted one level up from a per-connector field group
// since flow4ai has a single execution engine rather than many
// independently constructed connectors.
type observability struct {
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[CompletionEvent]
	clock   clockz.Clock
}

// newObservability constructs the default, production-wired bundle: a
// real clock and a fresh metrics/tracer/hooks set.
func newObservability() *observability {
	metrics := metricz.New()
	metrics.Counter(MetricTasksSubmitted)
	metrics.Counter(MetricTasksCompleted)
	metrics.Counter(MetricTasksErrored)
	metrics.Counter(MetricTasksCancelled)
	metrics.Counter(MetricJobsRun)
	metrics.Counter(MetricJobsFailed)
	metrics.Gauge(MetricTasksInFlight)

	return &observability{
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[CompletionEvent](),
		clock:   clockz.RealClock,
	}
}

// Close releases the tracer and hook resources. Safe to call once, at
// Manager.Close.
func (o *observability) Close() error {
	if o.tracer != nil {
		o.tracer.Close()
	}
	if o.hooks != nil {
		o.hooks.Close()
	}
	return nil
}
