package flow4ai

import (
	"maps"

	"github.com/google/uuid"
)

// TaskIDKey is the reserved task key under which the auto-assigned,
// globally-unique task id is stored.
const TaskIDKey = "task_id"

// Reserved top-level keys of a completed Result envelope.
const (
	ReturnJobKey       = "RETURN_JOB"
	TaskPassthroughKey = "TASK_PASSTHROUGH"
	SavedResultsKey    = "SAVED_RESULTS"
	WrappedResultKey   = "result"
)

// Task is a mapping from string keys to arbitrary values that flows through
// a compiled graph unchanged (passthrough), save for the task id that
// Submit assigns if one is not already present.
type Task map[string]any

// NewTask copies params into a fresh Task and assigns it a globally-unique
// task id if one isn't already set under TaskIDKey.
func NewTask(params map[string]any) Task {
	t := make(Task, len(params)+1)
	maps.Copy(t, params)
	if _, ok := t[TaskIDKey]; !ok {
		t[TaskIDKey] = uuid.NewString()
	}
	return t
}

// ID returns the task's assigned id, or "" if none has been assigned.
func (t Task) ID() string {
	id, _ := t[TaskIDKey].(string)
	return id
}

// Clone returns a shallow copy of the task's key/value pairs. The synthetic
// __head__ node emits such a copy, so the entry jobs it feeds receive a map
// independent of the original task; every job's RunContext.Task() still
// returns the original task itself.
func (t Task) Clone() Task {
	c := make(Task, len(t))
	maps.Copy(c, t)
	return c
}

// Result is the per-task completion envelope described in spec §3: the
// tail job's output dict spread at the top level, plus three reserved
// bookkeeping keys.
type Result map[string]any

// ReturnJob is the FQN of the job that produced this envelope (the graph's
// tail).
func (r Result) ReturnJob() string {
	fqn, _ := r[ReturnJobKey].(string)
	return fqn
}

// Passthrough is the original task that produced this envelope.
func (r Result) Passthrough() Task {
	t, _ := r[TaskPassthroughKey].(Task)
	return t
}

// SavedResults is the per-task map of {short_name -> full output dict} for
// jobs that opted into save_result.
func (r Result) SavedResults() map[string]map[string]any {
	m, _ := r[SavedResultsKey].(map[string]map[string]any)
	return m
}

// newResult assembles the envelope described in spec §3 from a tail
// output, wrapping non-mapping tail outputs as {"result": value}.
func newResult(tailOutput any, returnJob string, passthrough Task, saved map[string]map[string]any) Result {
	var env Result
	if m, ok := tailOutput.(map[string]any); ok {
		env = make(Result, len(m)+3)
		maps.Copy(env, m)
	} else {
		env = make(Result, 4)
		env[WrappedResultKey] = tailOutput
	}
	env[ReturnJobKey] = returnJob
	env[TaskPassthroughKey] = passthrough
	env[SavedResultsKey] = saved
	return env
}

// Counts reports the manager's monotonic totals since creation (spec §3
// Counters / §4.6.6).
type Counts struct {
	Submitted int64
	Completed int64
	Errors    int64
}
