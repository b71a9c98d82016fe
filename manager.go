package flow4ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
)

// ErrUnknownGraph is returned by Submit when the caller's FQN is not
// registered (spec §7 UNKNOWN_GRAPH).
var ErrUnknownGraph = errors.New("unknown graph")

// registeredGraph pairs a compiled graph with the identity of the
// composition root it was compiled from, so AddGraph's idempotence check
// (spec §4.6.1) can recognise re-registration of the exact same
// composition object.
type registeredGraph struct {
	root     Combinator
	graph    *compiledGraph
	headFQN  string
	variant  string
	jobsByFQ map[string]*JobNode
}

// Manager is the registry and submission front-end of spec §4.6: it owns
// compiled graphs, assigns collision-free FQNs, accepts task submissions,
// tracks lifecycle counters, and hands back structured results and
// errors. A zero Manager is not usable; construct with NewManager.
type Manager struct {
	obs    *observability
	engine *engine

	mu               sync.Mutex
	graphs           map[string]*registeredGraph // headFQN -> graph
	jobsByFQN        map[string]*JobNode         // every job, across every registered graph
	byRootIdentity   map[Combinator]string       // composition root -> headFQN, for idempotent re-registration
	defaultFQN       string                      // set when exactly one graph is registered
	multipleGraphs   bool
	counts           Counts
	inFlight         map[string]context.CancelFunc // task_id -> cancel, while executing
	completedByFQN   map[string][]Result
	errorRecords     []*Error
	onComplete       func(Result)
	defaultJobInputT time.Duration
	sem              chan struct{} // nil means unbounded

	closeOnce sync.Once
}

// ManagerOption configures a Manager at construction, the functional-
// option style used for the manager's settings (WithClock,
// WithOnComplete, ...).
type ManagerOption func(*Manager)

// WithMaxConcurrentTasks bounds the number of tasks executing
// concurrently (spec §4.5 "Bounded concurrency"). Additional submissions
// block until a slot frees. A non-positive value means unbounded.
func WithMaxConcurrentTasks(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.sem = make(chan struct{}, n)
		}
	}
}

// WithDefaultJobInputTimeout sets the deadline a job without its own
// Timeout uses while waiting on its input gate (spec §6 configuration
// table, `default_job_input_timeout`).
func WithDefaultJobInputTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultJobInputT = d }
}

// WithOnComplete registers the per-completion callback of spec §4.6.5.
// Exceptions inside the callback are the caller's responsibility; the
// manager does not recover panics raised within it.
func WithOnComplete(fn func(Result)) ManagerOption {
	return func(m *Manager) { m.onComplete = fn }
}

// OnCompletionHook subscribes handler to the manager's completion event
// bus (completionHookKey), delivering every finished task's
// CompletionEvent alongside the synchronous WithOnComplete callback.
// Unlike WithOnComplete, multiple handlers may be registered, and each
// runs on hookz's own dispatch goroutine rather than inline in execute.
func (m *Manager) OnCompletionHook(handler func(context.Context, CompletionEvent) error) error {
	_, err := m.obs.hooks.Hook(completionHookKey, handler)
	return err
}

// WithClock injects a clockz.Clock, letting tests control every timeout
// in the manager and its engine deterministically.
func WithClock(c clockz.Clock) ManagerOption {
	return func(m *Manager) { m.obs.clock = c }
}

// NewManager builds a Manager ready to accept AddGraph/Submit calls.
func NewManager(opts ...ManagerOption) *Manager {
	obs := newObservability()
	m := &Manager{
		obs:              obs,
		graphs:           make(map[string]*registeredGraph),
		jobsByFQN:        make(map[string]*JobNode),
		byRootIdentity:   make(map[Combinator]string),
		inFlight:         make(map[string]context.CancelFunc),
		completedByFQN:   make(map[string][]Result),
		defaultJobInputT: DefaultJobInputTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.engine = newEngine(obs)
	return m
}

// AddGraph compiles composition, assigns it a collision-free FQN under
// (graphName, variant), stamps every job's FQN, and registers it (spec
// §4.6.1). Re-registering the identical composition root returns the
// previously assigned FQN without recompiling.
func (m *Manager) AddGraph(composition Combinator, graphName, variant string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if headFQN, ok := m.byRootIdentity[composition]; ok {
		return headFQN, nil
	}

	g, err := compile(composition)
	if err != nil {
		kind := KindCompileError
		if errors.Is(err, ErrValidation) {
			kind = KindValidationError
		}
		return "", newError(kind, "", "", err.Error(), err)
	}

	assignedVariant := UniqueVariant(m.jobsByFQN, graphName, variant)
	for short, job := range g.jobsByShortName {
		job.FQN = MakeFQN(graphName, assignedVariant, short)
		if job.Timeout == 0 {
			job.Timeout = m.defaultJobInputT
		}
		m.jobsByFQN[job.FQN] = job
	}
	headShort := g.entries[0]
	headFQN := g.jobsByShortName[headShort].FQN

	rg := &registeredGraph{root: composition, graph: g, headFQN: headFQN, variant: assignedVariant, jobsByFQ: g.jobsByShortName}
	m.graphs[headFQN] = rg
	m.byRootIdentity[composition] = headFQN

	if len(m.graphs) == 1 {
		m.defaultFQN = headFQN
		m.multipleGraphs = false
	} else {
		m.multipleGraphs = true
	}

	capitan.Info(context.Background(), SignalGraphRegistered,
		FieldGraph.Field(graphName),
		FieldVariant.Field(assignedVariant),
	)
	return headFQN, nil
}

// resolveFQN returns fqn if non-empty, or the sole registered graph's
// FQN if fqn is empty and exactly one graph is registered (spec §6:
// "`fqn` optional iff exactly one graph is registered").
func (m *Manager) resolveFQN(fqn string) (string, error) {
	if fqn != "" {
		return fqn, nil
	}
	if m.multipleGraphs || m.defaultFQN == "" {
		return "", fmt.Errorf("flow4ai: %w: fqn required when more than one graph is registered", ErrUnknownGraph)
	}
	return m.defaultFQN, nil
}

// Submit enqueues one task against fqn (or the sole registered graph if
// fqn is ""), assigning a task id if absent, and returns that id (spec
// §4.6.2). Execution happens on its own goroutine; completion is
// reported via PopResults and/or the on_complete callback.
func (m *Manager) Submit(task Task, fqn string) (string, error) {
	m.mu.Lock()
	resolved, err := m.resolveFQN(fqn)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	rg, ok := m.graphs[resolved]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("flow4ai: %w: %q", ErrUnknownGraph, resolved)
	}
	if task == nil {
		task = Task{}
	}
	if _, ok := task[TaskIDKey]; !ok {
		task = NewTask(task)
	}
	taskID := task.ID()

	ctx, cancel := context.WithCancel(context.Background())
	m.inFlight[taskID] = cancel
	m.counts.Submitted++
	m.obs.metrics.Counter(MetricTasksSubmitted).Inc()
	m.obs.metrics.Gauge(MetricTasksInFlight).Set(float64(len(m.inFlight)))
	m.mu.Unlock()

	capitan.Info(ctx, SignalTaskSubmitted, FieldTaskID.Field(taskID), FieldGraph.Field(resolved))

	if m.sem != nil {
		m.sem <- struct{}{}
	}
	go m.execute(ctx, cancel, rg, resolved, task)

	return taskID, nil
}

// SubmitAll submits every task in tasks against fqn and returns their
// assigned task ids in order.
func (m *Manager) SubmitAll(tasks []Task, fqn string) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		id, err := m.Submit(t, fqn)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// execute runs the engine for one task and records its outcome. It is
// the only place Submitted tasks transition to Completed or Errors.
func (m *Manager) execute(ctx context.Context, cancel context.CancelFunc, rg *registeredGraph, fqn string, task Task) {
	defer cancel()
	if m.sem != nil {
		defer func() { <-m.sem }()
	}

	global := m.globalContext()
	result, engineErr := m.engine.run(ctx, rg.graph, task, global)

	m.mu.Lock()
	delete(m.inFlight, task.ID())
	m.obs.metrics.Gauge(MetricTasksInFlight).Set(float64(len(m.inFlight)))

	if engineErr != nil {
		if engineErr.Kind == KindCancelled {
			m.counts.Errors++
			m.obs.metrics.Counter(MetricTasksErrored).Inc()
			m.errorRecords = append(m.errorRecords, engineErr)
			m.mu.Unlock()
			capitan.Warn(ctx, SignalTaskCancelled, FieldTaskID.Field(task.ID()))
			return
		}
		m.counts.Errors++
		m.obs.metrics.Counter(MetricTasksErrored).Inc()
		m.errorRecords = append(m.errorRecords, engineErr)
		m.mu.Unlock()
		capitan.Warn(ctx, SignalTaskErrored, FieldTaskID.Field(task.ID()), FieldKind.Field(string(engineErr.Kind)))
		return
	}

	m.counts.Completed++
	m.obs.metrics.Counter(MetricTasksCompleted).Inc()
	m.completedByFQN[fqn] = append(m.completedByFQN[fqn], result)
	onComplete := m.onComplete
	m.mu.Unlock()

	capitan.Info(ctx, SignalTaskCompleted, FieldTaskID.Field(task.ID()), FieldGraph.Field(fqn))

	if onComplete != nil {
		onComplete(result)
	}
	_ = m.obs.hooks.Emit(ctx, completionHookKey, CompletionEvent{TaskID: task.ID(), Graph: fqn, Result: result}) //nolint:errcheck
}

// completionHookKey is the single hookz event key the manager's internal
// completion bus emits on; external callers subscribe to it through
// OnCompletionHook.
const completionHookKey = hookz.Key("flow4ai.task.completed")

func (m *Manager) globalContext() map[string]any {
	return map[string]any{}
}

// pollInterval is how often WaitForCompletion re-checks the counters
// while waiting for a deadline measured through the injectable clock.
const pollInterval = 5 * time.Millisecond

// WaitForCompletion blocks until submitted == completed+errors or
// timeout elapses, observing counters only (spec §4.6.3 / §9 Open
// Questions: does not drain results).
func (m *Manager) WaitForCompletion(timeout time.Duration) bool {
	start := m.obs.clock.Now()
	for {
		m.mu.Lock()
		done := m.counts.Submitted == m.counts.Completed+m.counts.Errors
		m.mu.Unlock()
		if done {
			return true
		}
		if m.obs.clock.Now().Sub(start) >= timeout {
			return false
		}
		<-m.obs.clock.After(pollInterval)
	}
}

// PopResults atomically drains the completed-envelope buffer and the
// error buffer, returning them keyed by FQN for completions (spec
// §4.6.4).
func (m *Manager) PopResults() (map[string][]Result, []*Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	completed := m.completedByFQN
	errs := m.errorRecords
	m.completedByFQN = make(map[string][]Result)
	m.errorRecords = nil
	return completed, errs
}

// GetCounts returns the manager's monotonic lifetime totals (spec
// §4.6.6).
func (m *Manager) GetCounts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

// CancelAll best-effort cancels every in-flight execution (spec §4.5
// "Cancellation" / §4.6). on_complete is not invoked for tasks cancelled
// this way (§9 Open Questions).
func (m *Manager) CancelAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.inFlight))
	for _, c := range m.inFlight {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Execute is the one-shot convenience of spec §4.6.7: compile+register,
// submit one task, wait, drain, and collapse into (result, error). It
// returns an error if wait timed out or the task itself errored.
func (m *Manager) Execute(ctx context.Context, composition Combinator, graphName string, task Task, timeout time.Duration) (Result, error) {
	fqn, err := m.AddGraph(composition, graphName, "")
	if err != nil {
		return nil, err
	}
	taskID, err := m.Submit(task, fqn)
	if err != nil {
		return nil, err
	}
	if !m.WaitForCompletion(timeout) {
		return nil, fmt.Errorf("flow4ai: Execute: timed out waiting for task %s", taskID)
	}
	completed, errs := m.PopResults()
	for _, e := range errs {
		if e.TaskID == taskID {
			return nil, e
		}
	}
	for _, results := range completed {
		for _, r := range results {
			if r.Passthrough().ID() == taskID {
				return r, nil
			}
		}
	}
	return nil, fmt.Errorf("flow4ai: Execute: task %s produced no result", taskID)
}

// Close idempotently cancels every in-flight task and releases the
// tracer/hook resources (spec §4 supplemental).
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.CancelAll()
		err = m.obs.Close()
	})
	return err
}
