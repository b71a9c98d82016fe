package flow4ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Decorator metrics, spans and tags, one group per decorator, following
// the same <component>.<measurement> naming convention as observability.go.
const (
	MetricRetryAttempts  = metricz.Key("flow4ai.retry.attempts")
	MetricRetrySuccesses = metricz.Key("flow4ai.retry.successes")
	MetricRetryExhausted = metricz.Key("flow4ai.retry.exhausted")

	MetricBackoffAttempts  = metricz.Key("flow4ai.backoff.attempts")
	MetricBackoffExhausted = metricz.Key("flow4ai.backoff.exhausted")

	MetricTimeoutTimeouts = metricz.Key("flow4ai.timeout.timeouts")

	MetricCircuitOpened = metricz.Key("flow4ai.circuitbreaker.opened")
	MetricCircuitClosed = metricz.Key("flow4ai.circuitbreaker.closed")

	MetricRateLimiterThrottled = metricz.Key("flow4ai.ratelimiter.throttled")

	MetricFallbackActivated = metricz.Key("flow4ai.fallback.activated")
	MetricFallbackExhausted = metricz.Key("flow4ai.fallback.exhausted")

	MetricCacheHits   = metricz.Key("flow4ai.cache.hits")
	MetricCacheMisses = metricz.Key("flow4ai.cache.misses")
)

const (
	SpanRetryAttempt    = tracez.Key("flow4ai.retry.attempt")
	SpanBackoffAttempt  = tracez.Key("flow4ai.backoff.attempt")
	SpanTimeoutRun      = tracez.Key("flow4ai.timeout.run")
	SpanFallbackAttempt = tracez.Key("flow4ai.fallback.attempt")
)

const (
	TagAttempt = tracez.Tag("flow4ai.attempt")
	TagDelay   = tracez.Tag("flow4ai.delay")
)

// RetryEvent is emitted on a WithRetry or WithBackoff decorator's internal
// hookz bus after each attempt and once on exhaustion. The decorators do
// not export a way to register listeners on that bus.
type RetryEvent struct {
	JobFQN      string
	AttemptNum  int
	MaxAttempts int
	Delay       time.Duration
	Success     bool
	Error       error
	Timestamp   time.Time
}

const (
	retryEventAttempt   = hookz.Key("flow4ai.retry.attempt")
	retryEventExhausted = hookz.Key("flow4ai.retry.exhausted")
)

// retrying is the shared attempt loop behind WithRetry and WithBackoff,
// differing only in the delay computed between attempts (retry.go's
// zero-delay loop vs backoff.go's doubling delay).
type retrying struct {
	name        string
	inner       Behaviour
	maxAttempts int
	delay       func(attempt int) time.Duration
	clock       clockz.Clock
	metrics     *metricz.Registry
	tracer      *tracez.Tracer
	hooks       *hookz.Hooks[RetryEvent]
}

func (r *retrying) Run(rc *RunContext) (any, error) {
	ctx, span := r.tracer.StartSpan(rc.Context(), SpanRetryAttempt)
	defer span.Finish()

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		r.metrics.Counter(MetricRetryAttempts).Inc()

		attemptRC := &RunContext{ctx: ctx, task: rc.task, inputs: rc.inputs, global: rc.global}
		out, err := r.inner.Run(attemptRC)

		if r.hooks.ListenerCount(retryEventAttempt) > 0 {
			_ = r.hooks.Emit(ctx, retryEventAttempt, RetryEvent{ //nolint:errcheck
				JobFQN:      r.name,
				AttemptNum:  attempt,
				MaxAttempts: r.maxAttempts,
				Success:     err == nil,
				Error:       err,
				Timestamp:   r.clock.Now(),
			})
		}

		if err == nil {
			r.metrics.Counter(MetricRetrySuccesses).Inc()
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, newError(KindCancelled, r.name, rc.Task().ID(), "retry interrupted by cancellation", ctx.Err())
		}
		if attempt == r.maxAttempts {
			break
		}

		d := r.delay(attempt)
		if d > 0 {
			span.SetTag(TagDelay, d.String())
			select {
			case <-r.clock.After(d):
			case <-ctx.Done():
				return nil, newError(KindCancelled, r.name, rc.Task().ID(), "retry interrupted while waiting to back off", ctx.Err())
			}
		}
	}

	r.metrics.Counter(MetricRetryExhausted).Inc()
	if r.hooks.ListenerCount(retryEventExhausted) > 0 {
		_ = r.hooks.Emit(ctx, retryEventExhausted, RetryEvent{ //nolint:errcheck
			JobFQN:      r.name,
			AttemptNum:  r.maxAttempts,
			MaxAttempts: r.maxAttempts,
			Success:     false,
			Error:       lastErr,
			Timestamp:   r.clock.Now(),
		})
	}
	return nil, asEngineError(lastErr, &JobNode{FQN: r.name}, rc.Task().ID())
}

// WithRetry wraps inner so it runs up to maxAttempts times in total,
// stopping at the first success, with no delay between attempts.
func WithRetry(name string, inner Behaviour, maxAttempts int) Behaviour {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := &retrying{
		name:        name,
		inner:       inner,
		maxAttempts: maxAttempts,
		delay:       func(int) time.Duration { return 0 },
		clock:       clockz.RealClock,
		metrics:     newRetryMetrics(),
		tracer:      tracez.New(),
		hooks:       hookz.New[RetryEvent](),
	}
	return r
}

// WithBackoff wraps inner with the same retry loop as WithRetry, but waits
// baseDelay*2^(attempt-1) between attempts.
func WithBackoff(name string, inner Behaviour, maxAttempts int, baseDelay time.Duration) Behaviour {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := &retrying{
		name:        name,
		inner:       inner,
		maxAttempts: maxAttempts,
		delay: func(attempt int) time.Duration {
			return baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
		},
		clock:   clockz.RealClock,
		metrics: newRetryMetrics(),
		tracer:  tracez.New(),
		hooks:   hookz.New[RetryEvent](),
	}
	return r
}

func newRetryMetrics() *metricz.Registry {
	m := metricz.New()
	m.Counter(MetricRetryAttempts)
	m.Counter(MetricRetrySuccesses)
	m.Counter(MetricRetryExhausted)
	return m
}

// timingOut enforces a hard deadline on inner's execution: inner runs in
// its own goroutine so a wrapped Behaviour that ignores context still
// yields a timely RUN_ERROR (caused by context.DeadlineExceeded) for the
// caller, even though the goroutine itself may linger.
type timingOut struct {
	name     string
	inner    Behaviour
	duration time.Duration
	clock    clockz.Clock
	metrics  *metricz.Registry
	tracer   *tracez.Tracer
}

type behaviourResult struct {
	out any
	err error
}

func (t *timingOut) Run(rc *RunContext) (any, error) {
	ctx, span := t.tracer.StartSpan(rc.Context(), SpanTimeoutRun)
	defer span.Finish()

	ctx, cancel := t.clock.WithTimeout(ctx, t.duration)
	defer cancel()

	resultCh := make(chan behaviourResult, 1)
	go func() {
		innerRC := &RunContext{ctx: ctx, task: rc.task, inputs: rc.inputs, global: rc.global}
		out, err := t.inner.Run(innerRC)
		select {
		case resultCh <- behaviourResult{out: out, err: err}:
		case <-ctx.Done():
		}
	}()

	select {
	case res := <-resultCh:
		return res.out, res.err
	case <-ctx.Done():
		t.metrics.Counter(MetricTimeoutTimeouts).Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(KindRunError, t.name, rc.Task().ID(), "job exceeded its run deadline", ctx.Err())
		}
		return nil, newError(KindCancelled, t.name, rc.Task().ID(), "job run canceled", ctx.Err())
	}
}

// WithTimeout wraps inner with a hard run deadline.
func WithTimeout(name string, inner Behaviour, duration time.Duration) Behaviour {
	metrics := metricz.New()
	metrics.Counter(MetricTimeoutTimeouts)
	return &timingOut{
		name:     name,
		inner:    inner,
		duration: duration,
		clock:    clockz.RealClock,
		metrics:  metrics,
		tracer:   tracez.New(),
	}
}

const (
	cbStateClosed   = "closed"
	cbStateOpen     = "open"
	cbStateHalfOpen = "half-open"
)

// circuitBreaking wraps inner with a three-state circuit breaker:
// consecutive failures open the circuit, fast-failing every call until
// resetTimeout has elapsed, after which one generation of calls is let
// through half-open to probe recovery.
type circuitBreaking struct {
	name             string
	inner            Behaviour
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	clock            clockz.Clock
	metrics          *metricz.Registry

	mu           sync.Mutex
	state        string
	failures     int
	successes    int
	generation   int
	lastFailTime time.Time
}

func (cb *circuitBreaking) Run(rc *RunContext) (any, error) {
	cb.mu.Lock()
	if cb.state == cbStateOpen {
		if cb.clock.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.state = cbStateHalfOpen
			cb.successes = 0
			cb.generation++
			capitan.Warn(rc.Context(), SignalJobRunning, FieldJobFQN.Field(cb.name))
		} else {
			cb.mu.Unlock()
			return nil, newError(KindRunError, cb.name, rc.Task().ID(), "circuit breaker open", nil)
		}
	}
	generation := cb.generation
	cb.mu.Unlock()

	out, err := cb.inner.Run(rc)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.generation != generation {
		return out, err
	}

	if err != nil {
		cb.lastFailTime = cb.clock.Now()
		switch cb.state {
		case cbStateClosed:
			cb.failures++
			if cb.failures >= cb.failureThreshold {
				cb.state = cbStateOpen
				cb.generation++
				cb.metrics.Counter(MetricCircuitOpened).Inc()
				capitan.Error(rc.Context(), SignalJobFailed, FieldJobFQN.Field(cb.name))
			}
		case cbStateHalfOpen:
			cb.state = cbStateOpen
			cb.failures = 0
			cb.generation++
			cb.metrics.Counter(MetricCircuitOpened).Inc()
			capitan.Error(rc.Context(), SignalJobFailed, FieldJobFQN.Field(cb.name))
		}
		return out, err
	}

	switch cb.state {
	case cbStateClosed:
		cb.failures = 0
	case cbStateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = cbStateClosed
			cb.failures = 0
			cb.generation++
			cb.metrics.Counter(MetricCircuitClosed).Inc()
		}
	}
	return out, nil
}

// WithCircuitBreaker wraps inner so that after failureThreshold consecutive
// failures, calls fail fast for resetTimeout before a single half-open
// probe generation is allowed through, closing again after successThreshold
// consecutive successes.
func WithCircuitBreaker(name string, inner Behaviour, failureThreshold, successThreshold int, resetTimeout time.Duration) Behaviour {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	metrics := metricz.New()
	metrics.Counter(MetricCircuitOpened)
	metrics.Counter(MetricCircuitClosed)
	return &circuitBreaking{
		name:             name,
		inner:            inner,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
		clock:            clockz.RealClock,
		metrics:          metrics,
		state:            cbStateClosed,
	}
}

// rateLimiting enforces a token-bucket rate on inner's execution: tokens
// refill continuously at rate per second up to burst, and a call blocks
// until one is available (or the run context is canceled first).
type rateLimiting struct {
	name    string
	inner   Behaviour
	clock   clockz.Clock
	metrics *metricz.Registry

	mu         sync.Mutex
	rate       float64
	burst      int
	tokens     float64
	lastRefill time.Time
}

func (rl *rateLimiting) refill() {
	now := rl.clock.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now
	rl.tokens = math.Min(float64(rl.burst), rl.tokens+elapsed*rl.rate)
}

func (rl *rateLimiting) waitTime() time.Duration {
	if rl.rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	needed := 1.0 - rl.tokens
	if needed <= 0 {
		return 0
	}
	return time.Duration(needed / rl.rate * float64(time.Second))
}

func (rl *rateLimiting) Run(rc *RunContext) (any, error) {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens >= 1.0 {
			rl.tokens--
			rl.mu.Unlock()
			return rl.inner.Run(rc)
		}
		wait := rl.waitTime()
		rl.mu.Unlock()

		rl.metrics.Counter(MetricRateLimiterThrottled).Inc()
		select {
		case <-rl.clock.After(wait):
		case <-rc.Context().Done():
			return nil, newError(KindCancelled, rl.name, rc.Task().ID(), "rate limiter wait canceled", rc.Context().Err())
		}
	}
}

// WithRateLimiter wraps inner with a token-bucket limiter admitting at most
// ratePerSecond calls per second, with a burst capacity of burst tokens
// accumulated while idle.
func WithRateLimiter(name string, inner Behaviour, ratePerSecond float64, burst int) Behaviour {
	metrics := metricz.New()
	metrics.Counter(MetricRateLimiterThrottled)
	return &rateLimiting{
		name:       name,
		inner:      inner,
		clock:      clockz.RealClock,
		metrics:    metrics,
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: clockz.RealClock.Now(),
	}
}

// fallingBack tries each Behaviour in order until one succeeds.
type fallingBack struct {
	name       string
	behaviours []Behaviour
	tracer     *tracez.Tracer
	metrics    *metricz.Registry
}

func (f *fallingBack) Run(rc *RunContext) (any, error) {
	var lastErr error
	for i, b := range f.behaviours {
		ctx, span := f.tracer.StartSpan(rc.Context(), SpanFallbackAttempt)
		span.SetTag(TagAttempt, fmt.Sprintf("%d", i+1))
		attemptRC := &RunContext{ctx: ctx, task: rc.task, inputs: rc.inputs, global: rc.global}
		out, err := b.Run(attemptRC)
		span.Finish()
		if err == nil {
			if i > 0 {
				f.metrics.Counter(MetricFallbackActivated).Inc()
			}
			return out, nil
		}
		lastErr = err
	}
	f.metrics.Counter(MetricFallbackExhausted).Inc()
	return nil, asEngineError(lastErr, &JobNode{FQN: f.name}, rc.Task().ID())
}

// WithFallback tries primary first, then each alternative in order, returning
// the first success or the last failure's error if all fail.
func WithFallback(name string, primary Behaviour, alternatives ...Behaviour) Behaviour {
	metrics := metricz.New()
	metrics.Counter(MetricFallbackActivated)
	metrics.Counter(MetricFallbackExhausted)
	return &fallingBack{
		name:       name,
		behaviours: append([]Behaviour{primary}, alternatives...),
		tracer:     tracez.New(),
		metrics:    metrics,
	}
}

// cacheEntry holds a memoized Behaviour result with its expiry.
type cacheEntry struct {
	out     any
	expires time.Time
}

// caching memoizes inner's result per key for ttl, keyed by a
// caller-supplied function of the RunContext rather than a type signature.
type caching struct {
	name  string
	inner Behaviour
	ttl   time.Duration
	keyFn func(*RunContext) string
	clock clockz.Clock

	metrics *metricz.Registry

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func (c *caching) Run(rc *RunContext) (any, error) {
	key := c.keyFn(rc)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.clock.Now().Before(entry.expires) {
		c.metrics.Counter(MetricCacheHits).Inc()
		return entry.out, nil
	}

	c.metrics.Counter(MetricCacheMisses).Inc()
	out, err := c.inner.Run(rc)
	if err != nil {
		return out, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{out: out, expires: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
	return out, nil
}

// WithCache memoizes inner's successful results for ttl, keyed by keyFn
// applied to each run's RunContext: a mutex-guarded map keyed by a derived
// string, generalized here from a type-name cache into a result cache.
func WithCache(name string, inner Behaviour, ttl time.Duration, keyFn func(*RunContext) string) Behaviour {
	metrics := metricz.New()
	metrics.Counter(MetricCacheHits)
	metrics.Counter(MetricCacheMisses)
	return &caching{
		name:    name,
		inner:   inner,
		ttl:     ttl,
		keyFn:   keyFn,
		clock:   clockz.RealClock,
		metrics: metrics,
		entries: make(map[string]cacheEntry),
	}
}
