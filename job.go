package flow4ai

import (
	"context"
	"time"
)

// DefaultJobInputTimeout is the per-job input-wait deadline used when a
// JobNode doesn't set its own Timeout (spec §3: "default ≈3000 s").
const DefaultJobInputTimeout = 3000 * time.Second

// RunContext is what a job's Behaviour sees when the engine invokes it. It
// is the per-execution state of spec §3, scoped to a single job within a
// single task's walk of the graph.
type RunContext struct {
	ctx    context.Context
	task   Task
	inputs map[string]map[string]any
	global map[string]any
}

// Context returns the task execution's context, carrying cancellation and
// deadlines.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Task returns the original submitted task (GetTask in spec §4.4).
func (rc *RunContext) Task() Task { return rc.task }

// Inputs returns the accumulated {short_name -> output dict} map from this
// job's completed predecessors (GetInputs in spec §4.4). The head job
// always sees an empty map.
func (rc *RunContext) Inputs() map[string]map[string]any { return rc.inputs }

// Global returns the shared manager-wide context dict injected into
// wrapped callables under the "global" j_ctx key (spec §4.4.2).
func (rc *RunContext) Global() map[string]any { return rc.global }

// Behaviour supplies a job's user work (spec §4.4 step 2). Run must return
// a mapping; a non-mapping return is wrapped as {"result": value} by the
// engine only when the job is the graph's tail, and is a NON_MAPPING_OUTPUT
// error for every other job. Implementing Behaviour directly is the
// "subclass variant" of spec §4.4; WrapFunc (params.go) builds a
// Behaviour from a plain function for the "wrapped-callable variant".
type Behaviour interface {
	Run(rc *RunContext) (any, error)
}

// BehaviourFunc adapts a plain function to the Behaviour interface, the
// func-to-interface adapter idiom used throughout net/http and friends.
type BehaviourFunc func(rc *RunContext) (any, error)

// Run implements Behaviour.
func (f BehaviourFunc) Run(rc *RunContext) (any, error) { return f(rc) }

// JobNode is a compiled graph's processing node: immutable metadata plus a
// Behaviour strategy, per the composition-over-inheritance redesign note
// in spec §9. Successors/ExpectedInputs are populated by the graph
// compiler (compose.go) and never mutated afterward; FQN is assigned at
// registration (manager.go).
type JobNode struct {
	ShortName      string
	FQN            string
	Successors     []string        // ordered short names of direct downstream jobs
	ExpectedInputs map[string]bool // short names this job waits on; empty => head
	SaveResult     bool
	Timeout        time.Duration
	Behaviour      Behaviour
}

// IsHead reports whether this job takes the submitted task directly,
// i.e. it has no expected inputs.
func (j *JobNode) IsHead() bool { return len(j.ExpectedInputs) == 0 }

// IsTail reports whether this job has no successors.
func (j *JobNode) IsTail() bool { return len(j.Successors) == 0 }

func (j *JobNode) timeout() time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	return DefaultJobInputTimeout
}

// syntheticHeadShortName and syntheticTailShortName name the nodes the
// compiler inserts when a composition exposes more than one entry/exit
// (spec §4.2 rule 4).
const (
	syntheticHeadShortName = "__head__"
	syntheticTailShortName = "__tail__"
)

// headBehaviour is installed on a synthetic __head__ node: it emits the
// task unchanged so every real entry node receives it as input.
var headBehaviour = BehaviourFunc(func(rc *RunContext) (any, error) {
	return map[string]any(rc.Task().Clone()), nil
})

// tailBehaviour is installed on a synthetic __tail__ node: it gathers
// every predecessor's output into a dict keyed by short name.
var tailBehaviour = BehaviourFunc(func(rc *RunContext) (any, error) {
	out := make(map[string]any, len(rc.Inputs()))
	for short, output := range rc.Inputs() {
		out[short] = output
	}
	return out, nil
})
