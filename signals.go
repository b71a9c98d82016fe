package flow4ai

import "github.com/zoobzio/capitan"

// Signal constants for flow4ai job/task/graph lifecycle events, following
// a <component>.<event> naming pattern.
const (
	// Job signals.
	SignalJobGated       capitan.Signal = "job.gated"
	SignalJobRunning     capitan.Signal = "job.running"
	SignalJobDistributed capitan.Signal = "job.distributed"
	SignalJobFailed      capitan.Signal = "job.failed"
	SignalJobTimedOut    capitan.Signal = "job.timed-out"

	// Task signals.
	SignalTaskSubmitted capitan.Signal = "task.submitted"
	SignalTaskCompleted capitan.Signal = "task.completed"
	SignalTaskErrored   capitan.Signal = "task.errored"
	SignalTaskCancelled capitan.Signal = "task.cancelled"

	// Graph signals.
	SignalGraphRegistered capitan.Signal = "graph.registered"
)

// Common field keys using capitan primitive types, avoiding custom struct
// serialization in signal payloads.
var (
	FieldGraph    = capitan.NewStringKey("graph")
	FieldVariant  = capitan.NewStringKey("variant")
	FieldShort    = capitan.NewStringKey("short_name")
	FieldJobFQN   = capitan.NewStringKey("job_fqn")
	FieldTaskID   = capitan.NewStringKey("task_id")
	FieldKind     = capitan.NewStringKey("kind")
	FieldDuration = capitan.NewFloat64Key("duration_seconds")
	FieldInFlight = capitan.NewIntKey("in_flight")
)
