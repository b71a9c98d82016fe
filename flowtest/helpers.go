// Package flowtest provides test utilities for flow4ai-based code: a
// configurable mock Behaviour, assertion helpers, and chaos injection for
// exercising retry/timeout/circuit-breaker decorators under failure.
//
// Example usage:
//
//	func TestJob(t *testing.T) {
//		mock := flowtest.NewMockBehaviour(t, "square")
//		mock.WithReturn(map[string]any{"result": 4}, nil)
//
//		job := &flow4ai.JobNode{ShortName: "square", Behaviour: mock}
//		// ... register job, submit a task, assert ...
//		flowtest.AssertRun(t, mock, 1)
//	}
package flowtest

import (
	"crypto/rand"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dav-rob/flow4ai"
)

// MockBehaviour is a configurable flow4ai.Behaviour that records every call
// it receives and returns a configured value, error, delay, or panic.
type MockBehaviour struct {
	t           *testing.T
	name        string
	callCount   int64
	mu          sync.RWMutex
	lastInputs  map[string]map[string]any
	returnVal   any
	returnErr   error
	delay       time.Duration
	panicMsg    string
	callHistory []MockCall
	maxHistory  int
}

// MockCall records one invocation of a MockBehaviour.
type MockCall struct {
	Inputs    map[string]map[string]any
	Task      flow4ai.Task
	Timestamp time.Time
}

// NewMockBehaviour creates a new mock Behaviour for testing.
func NewMockBehaviour(t *testing.T, name string) *MockBehaviour {
	return &MockBehaviour{
		t:          t,
		name:       name,
		maxHistory: 100,
	}
}

// WithReturn configures the mock to return val/err on every subsequent call.
func (m *MockBehaviour) WithReturn(val any, err error) *MockBehaviour {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnVal = val
	m.returnErr = err
	return m
}

// WithDelay configures the mock to sleep before returning, honoring context
// cancellation, useful for exercising WithTimeout/input-timeout behavior.
func (m *MockBehaviour) WithDelay(d time.Duration) *MockBehaviour {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithPanic configures the mock to panic with msg on every call, useful for
// exercising a Behaviour that misbehaves.
func (m *MockBehaviour) WithPanic(msg string) *MockBehaviour {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
	return m
}

// Run implements flow4ai.Behaviour.
func (m *MockBehaviour) Run(rc *flow4ai.RunContext) (any, error) {
	atomic.AddInt64(&m.callCount, 1)

	m.mu.Lock()
	if m.maxHistory > 0 {
		m.callHistory = append(m.callHistory, MockCall{
			Inputs:    rc.Inputs(),
			Task:      rc.Task(),
			Timestamp: time.Now(),
		})
		if len(m.callHistory) > m.maxHistory {
			m.callHistory = m.callHistory[1:]
		}
	}
	m.lastInputs = rc.Inputs()
	delay := m.delay
	returnVal := m.returnVal
	returnErr := m.returnErr
	panicMsg := m.panicMsg
	m.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-rc.Context().Done():
			return nil, rc.Context().Err()
		}
	}

	return returnVal, returnErr
}

// CallCount returns the number of times Run has been called.
func (m *MockBehaviour) CallCount() int {
	return int(atomic.LoadInt64(&m.callCount))
}

// LastInputs returns the accumulated predecessor outputs from the most
// recent call.
func (m *MockBehaviour) LastInputs() map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastInputs
}

// CallHistory returns a copy of all recorded calls.
func (m *MockBehaviour) CallHistory() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := make([]MockCall, len(m.callHistory))
	copy(history, m.callHistory)
	return history
}

// Reset clears all call tracking.
func (m *MockBehaviour) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.StoreInt64(&m.callCount, 0)
	m.callHistory = nil
	m.lastInputs = nil
}

// AssertRun verifies that mock's Run was called exactly n times.
func AssertRun(t *testing.T, mock *MockBehaviour, expected int) {
	t.Helper()
	if got := mock.CallCount(); got != expected {
		t.Errorf("expected behaviour %q to run %d times, ran %d times", mock.name, expected, got)
	}
}

// AssertNotRun verifies that mock's Run was never called.
func AssertNotRun(t *testing.T, mock *MockBehaviour) {
	t.Helper()
	AssertRun(t, mock, 0)
}

// AssertRunBetween verifies that mock's Run was called between min and max
// times inclusive, useful after a WithRetry/WithBackoff decorator.
func AssertRunBetween(t *testing.T, mock *MockBehaviour, min, max int) {
	t.Helper()
	got := mock.CallCount()
	if got < min || got > max {
		t.Errorf("expected behaviour %q to run between %d and %d times, ran %d times", mock.name, min, max, got)
	}
}

// ChaosBehaviour wraps another Behaviour and randomly injects failures,
// latency, or panics.
type ChaosBehaviour struct {
	name        string
	wrapped     flow4ai.Behaviour
	failureRate float64
	latencyMin  time.Duration
	latencyMax  time.Duration
	panicRate   float64
	rng         *mathrand.Rand
	mu          sync.Mutex
	totalCalls  int64
	failedCalls int64
	panicCalls  int64
}

// ChaosConfig configures a ChaosBehaviour.
type ChaosConfig struct {
	FailureRate float64
	LatencyMin  time.Duration
	LatencyMax  time.Duration
	PanicRate   float64
	Seed        int64
}

// NewChaosBehaviour wraps wrapped with randomized failure injection per cfg.
func NewChaosBehaviour(name string, wrapped flow4ai.Behaviour, cfg ChaosConfig) *ChaosBehaviour {
	seed := cfg.Seed
	if seed == 0 {
		var seedBytes [8]byte
		if _, err := rand.Read(seedBytes[:]); err != nil {
			seed = time.Now().UnixNano()
		} else {
			seed = int64(seedBytes[0])<<56 | int64(seedBytes[1])<<48 | int64(seedBytes[2])<<40 | int64(seedBytes[3])<<32 |
				int64(seedBytes[4])<<24 | int64(seedBytes[5])<<16 | int64(seedBytes[6])<<8 | int64(seedBytes[7])
		}
	}
	return &ChaosBehaviour{
		name:        name,
		wrapped:     wrapped,
		failureRate: cfg.FailureRate,
		latencyMin:  cfg.LatencyMin,
		latencyMax:  cfg.LatencyMax,
		panicRate:   cfg.PanicRate,
		rng:         mathrand.New(mathrand.NewSource(seed)), //nolint:gosec
	}
}

// Run implements flow4ai.Behaviour.
func (c *ChaosBehaviour) Run(rc *flow4ai.RunContext) (any, error) {
	atomic.AddInt64(&c.totalCalls, 1)

	c.mu.Lock()
	if c.rng.Float64() < c.panicRate {
		c.mu.Unlock()
		atomic.AddInt64(&c.panicCalls, 1)
		panic("chaos behaviour induced panic")
	}
	var latency time.Duration
	if c.latencyMax > c.latencyMin {
		latency = c.latencyMin + time.Duration(c.rng.Int63n(int64(c.latencyMax-c.latencyMin)))
	} else if c.latencyMin > 0 {
		latency = c.latencyMin
	}
	injectFailure := c.rng.Float64() < c.failureRate
	c.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-rc.Context().Done():
			return nil, rc.Context().Err()
		}
	}

	out, err := c.wrapped.Run(rc)
	if injectFailure && err == nil {
		atomic.AddInt64(&c.failedCalls, 1)
		return nil, errors.New("chaos behaviour induced failure")
	}
	return out, err
}

// Stats reports counters accumulated by a ChaosBehaviour.
func (c *ChaosBehaviour) Stats() ChaosStats {
	return ChaosStats{
		TotalCalls:  atomic.LoadInt64(&c.totalCalls),
		FailedCalls: atomic.LoadInt64(&c.failedCalls),
		PanicCalls:  atomic.LoadInt64(&c.panicCalls),
	}
}

// ChaosStats holds counters accumulated by a ChaosBehaviour.
type ChaosStats struct {
	TotalCalls  int64
	FailedCalls int64
	PanicCalls  int64
}

// String renders a human-readable summary of the stats.
func (s ChaosStats) String() string {
	if s.TotalCalls == 0 {
		return "ChaosStats{Total: 0}"
	}
	return fmt.Sprintf("ChaosStats{Total: %d, Failed: %d (%.1f%%), Panics: %d (%.1f%%)}",
		s.TotalCalls,
		s.FailedCalls, float64(s.FailedCalls)/float64(s.TotalCalls)*100,
		s.PanicCalls, float64(s.PanicCalls)/float64(s.TotalCalls)*100)
}

// WaitForCalls polls mock until it has run at least expected times or
// timeout elapses, returning whether the target was reached.
func WaitForCalls(mock *MockBehaviour, expected int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if mock.CallCount() >= expected {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return mock.CallCount() >= expected
}

// ParallelTest runs testFunc concurrently across n goroutines, useful for
// exercising a Manager's bounded concurrency under load.
func ParallelTest(t *testing.T, n int, testFunc func(id int)) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer wg.Done()
			testFunc(id)
		}(i)
	}
	wg.Wait()
}
