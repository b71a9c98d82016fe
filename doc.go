// Package flow4ai provides a concurrent directed-acyclic-graph job
// executor: a library for composing processing nodes ("jobs") with
// serial and parallel combinators, then driving many independent tasks
// through the compiled graph concurrently.
//
// # Overview
//
// Users build a composition expression out of Leaf/Serial/Parallel
// combinators, register it with a Manager to get back a fully qualified
// name (FQN), then submit tasks against that FQN. The engine runs one
// concurrent execution per task, fanning each job's output out to every
// successor and gating each successor on all of its expected inputs
// before it runs.
//
// # Core Concepts
//
//   - JobNode: a graph node holding metadata (successors, expected
//     inputs, timeout, save-result flag) plus a Behaviour strategy
//     supplying its work.
//   - Combinator: Leaf/Serial/Parallel compose into a precedence graph;
//     compile validates it and inserts synthetic __head__/__tail__ nodes
//     when the composition exposes more than one entry or exit.
//   - Task / Result: a Task is a plain map flowing through the graph
//     unchanged; a Result is the completion envelope (tail output plus
//     RETURN_JOB/TASK_PASSTHROUGH/SAVED_RESULTS).
//   - Manager: compiles and registers compositions, submits tasks,
//     tracks submitted/completed/errors counters, and drains results.
//
// # Job variants
//
// A Behaviour can be implemented directly (the "subclass variant"), or
// built from a plain function via WrapFunc (the "wrapped-callable
// variant"), which binds task parameters addressed to the job's short
// name by position or name, including the reserved args/kwargs keys and
// an injected j_ctx parameter.
//
// # Usage example
//
//	square := flow4ai.Leaf(&flow4ai.JobNode{ShortName: "square", Behaviour: squareBehaviour})
//	double := flow4ai.Leaf(&flow4ai.JobNode{ShortName: "double", Behaviour: doubleBehaviour})
//
//	m := flow4ai.NewManager()
//	fqn, err := m.AddGraph(flow4ai.Serial(square, double), "math", "")
//	if err != nil {
//		// handle COMPILE_ERROR / VALIDATION_ERROR
//	}
//
//	taskID, err := m.Submit(flow4ai.Task{"square.x": 5}, fqn)
//	m.WaitForCompletion(time.Second)
//	completed, errs := m.PopResults()
//
// # Observability
//
// Job gating, running, distribution, failure and input timeouts emit
// capitan signals. The manager keeps an internal metricz registry and a
// tracez tracer (a span per task execution and per job run), neither of
// which is exported, and a hookz completion bus that OnCompletionHook
// subscribes to. Job input-gate deadlines and WaitForCompletion's deadline
// are measured through the clockz.Clock set with WithClock, defaulting to
// clockz.RealClock; the resilience decorators use clockz.RealClock.
//
// # Resilience decorators
//
// WithRetry, WithBackoff, WithTimeout, WithCircuitBreaker,
// WithRateLimiter, WithFallback, and WithCache wrap a Behaviour before
// it is installed on a JobNode, giving individual jobs retry, backoff,
// deadline, circuit-breaking, rate-limiting, fallback, or caching
// semantics without any change to the execution engine.
package flow4ai
