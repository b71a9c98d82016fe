package flow4ai

import (
	"context"
	"fmt"
	"sync"

	"github.com/zoobzio/capitan"
)

// execution is the per-(task, graph) state of spec §3: the accumulated
// inputs each job has received from its predecessors, the saved results
// of jobs that opted in, and one gate per job used for fan-in
// synchronisation. It is exclusively owned by the goroutines running one
// task's walk of the graph; never shared across concurrent runs of the
// same graph.
type execution struct {
	graph  *compiledGraph
	task   Task
	global map[string]any

	mu     sync.Mutex
	inputs map[string]map[string]map[string]any // successor short -> {from short -> output}

	gates map[string]chan struct{} // closed once a job's gate condition is satisfied

	tailOutput any
	tailFQN    string
	saved      map[string]map[string]any

	failure *Error
}

// newExecution allocates per-execution state and the gate channel for
// every job in g, per spec §4.5 step 1.
func newExecution(g *compiledGraph, task Task, global map[string]any) *execution {
	e := &execution{
		graph:  g,
		task:   task,
		global: global,
		inputs: make(map[string]map[string]map[string]any, len(g.jobsByShortName)),
		gates:  make(map[string]chan struct{}, len(g.jobsByShortName)),
		saved:  make(map[string]map[string]any),
	}
	for short := range g.jobsByShortName {
		e.gates[short] = make(chan struct{})
	}
	return e
}

// postInput records job `from`'s output as input `to`'s slot keyed by
// `from`, then closes `to`'s gate once every expected input has arrived
// (fan-in, spec §4.4 step 3 / §4.5 "Fan-in").
func (e *execution) postInput(from, to string, output map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inputs[to] == nil {
		e.inputs[to] = make(map[string]map[string]any)
	}
	e.inputs[to][from] = output

	toJob := e.graph.jobsByShortName[to]
	if len(e.inputs[to]) == len(toJob.ExpectedInputs) {
		close(e.gates[to])
	}
}

// snapshotInputs returns the accumulated predecessor outputs for short,
// safe to read once the gate has opened.
func (e *execution) snapshotInputs(short string) map[string]map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]map[string]any, len(e.inputs[short]))
	for k, v := range e.inputs[short] {
		out[k] = v
	}
	return out
}

func (e *execution) recordSaved(short string, output map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saved[short] = output
}

func (e *execution) recordFailure(err *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failure == nil {
		e.failure = err
	}
}

func (e *execution) recordTail(fqn string, output any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tailFQN = fqn
	e.tailOutput = output
}

// engine is the concurrent per-task walker of spec §4.5. It owns no
// per-graph state itself (that lives in the Manager's registry); it is a
// stateless strategy invoked once per submitted task.
type engine struct {
	obs *observability
}

func newEngine(obs *observability) *engine {
	return &engine{obs: obs}
}

// run walks g for one task, honouring fan-out/fan-in and per-job input
// timeouts, and returns the assembled Result envelope or the first
// terminal *Error encountered (spec §4.5 step 3: the first failing unit
// cancels every sibling unit of the same execution; other tasks are
// unaffected since each run call owns an independent execution + ctx).
func (en *engine) run(ctx context.Context, g *compiledGraph, task Task, global map[string]any) (Result, *Error) {
	ctx, span := en.obs.tracer.StartSpan(ctx, SpanTaskExecute)
	span.SetTag(TagTaskID, task.ID())
	defer span.Finish()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ex := newExecution(g, task, global)

	var wg sync.WaitGroup
	for short := range g.jobsByShortName {
		wg.Add(1)
		go func(short string) {
			defer wg.Done()
			en.runJob(runCtx, ex, short, cancel)
		}(short)
	}
	wg.Wait()

	if ex.failure != nil {
		return nil, ex.failure
	}
	return newResult(ex.tailOutput, ex.tailFQN, task, ex.saved), nil
}

// runJob drives a single job through the state machine of spec §4.4:
// Pending -> Waiting-for-inputs -> Running -> Distributed -> Done, or
// Failed at any suspension point. On failure it records the error on ex
// and calls cancel to tear down every sibling unit of this execution.
func (en *engine) runJob(ctx context.Context, ex *execution, short string, cancel context.CancelFunc) {
	job := ex.graph.jobsByShortName[short]

	if !job.IsHead() {
		select {
		case <-ex.gates[short]:
			capitan.Info(ctx, SignalJobGated,
				FieldJobFQN.Field(job.FQN),
				FieldTaskID.Field(ex.task.ID()),
			)
		case <-ctx.Done():
			capitan.Warn(ctx, SignalJobFailed,
				FieldJobFQN.Field(job.FQN),
				FieldTaskID.Field(ex.task.ID()),
				FieldKind.Field(string(KindCancelled)),
			)
			ex.recordFailure(newError(KindCancelled, job.FQN, ex.task.ID(),
				"task cancelled while job waited on its input gate", ctx.Err()))
			return
		case <-en.obs.clock.After(job.timeout()):
			capitan.Warn(ctx, SignalJobTimedOut,
				FieldJobFQN.Field(job.FQN),
				FieldTaskID.Field(ex.task.ID()),
			)
			ex.recordFailure(newError(KindInputTimeout, job.FQN, ex.task.ID(),
				"job did not receive all expected inputs before its timeout", nil))
			cancel()
			return
		}
	}

	capitan.Info(ctx, SignalJobRunning,
		FieldJobFQN.Field(job.FQN),
		FieldTaskID.Field(ex.task.ID()),
	)

	inputs := ex.snapshotInputs(short)

	jobCtx, jobSpan := en.obs.tracer.StartSpan(ctx, SpanJobRun)
	jobSpan.SetTag(TagJob, job.ShortName)
	rc := &RunContext{ctx: jobCtx, task: ex.task, inputs: inputs, global: ex.global}
	out, err := runRecovered(job, rc)
	if err != nil {
		jobSpan.SetTag(TagError, err.Error())
		jobSpan.Finish()
		en.obs.metrics.Counter(MetricJobsFailed).Inc()
		engineErr := asEngineError(err, job, ex.task.ID())
		capitan.Warn(ctx, SignalJobFailed,
			FieldJobFQN.Field(job.FQN),
			FieldTaskID.Field(ex.task.ID()),
			FieldKind.Field(string(engineErr.Kind)),
		)
		ex.recordFailure(engineErr)
		cancel()
		return
	}
	jobSpan.Finish()
	en.obs.metrics.Counter(MetricJobsRun).Inc()

	outMap, ok := out.(map[string]any)
	if !ok {
		if job.IsTail() {
			ex.recordTail(job.FQN, out)
			return
		}
		en.obs.metrics.Counter(MetricJobsFailed).Inc()
		capitan.Warn(ctx, SignalJobFailed,
			FieldJobFQN.Field(job.FQN),
			FieldTaskID.Field(ex.task.ID()),
			FieldKind.Field(string(KindNonMappingOut)),
		)
		ex.recordFailure(newError(KindNonMappingOut, job.FQN, ex.task.ID(),
			"non-tail job returned a non-mapping value", nil))
		cancel()
		return
	}

	if job.SaveResult {
		ex.recordSaved(short, outMap)
	}

	for _, succ := range job.Successors {
		ex.postInput(short, succ, outMap)
	}
	if len(job.Successors) > 0 {
		capitan.Info(ctx, SignalJobDistributed,
			FieldJobFQN.Field(job.FQN),
			FieldTaskID.Field(ex.task.ID()),
		)
	}

	if job.IsTail() {
		ex.recordTail(job.FQN, outMap)
	}
}

// runRecovered invokes job's Behaviour, converting a panic into a RUN_ERROR
// instead of crashing the process, since the engine is the single call
// site for every Behaviour in the graph.
func runRecovered(job *JobNode, rc *RunContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(KindRunError, job.FQN, rc.Task().ID(),
				fmt.Sprintf("job panicked: %v", r), nil)
		}
	}()
	return job.Behaviour.Run(rc)
}

// asEngineError normalises an error returned by user code (job.go
// Behaviour.Run) into the engine's *Error taxonomy: a *Error produced by
// params.go (PARAM_BIND_ERROR) is passed through with its job/task
// identity filled in; any other error becomes RUN_ERROR.
func asEngineError(err error, job *JobNode, taskID string) *Error {
	if fe, ok := err.(*Error); ok {
		if fe.JobFQN == "" {
			fe.JobFQN = job.FQN
		}
		if fe.TaskID == "" {
			fe.TaskID = taskID
		}
		if len(fe.Path) == 0 {
			fe.Path = []string{job.FQN}
		}
		return fe
	}
	return newError(KindRunError, job.FQN, taskID, "job run returned an error", err)
}
