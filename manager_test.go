package flow4ai

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerAddGraphIdempotent(t *testing.T) {
	a := &JobNode{ShortName: "a", Behaviour: succeedsWith(map[string]any{"v": 1})}
	m := NewManager()
	defer m.Close()

	comp := Leaf(a)
	fqn1, err := m.AddGraph(comp, "g", "")
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	fqn2, err := m.AddGraph(comp, "g", "")
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	if fqn1 != fqn2 {
		t.Errorf("expected re-registering the same composition to return the same FQN, got %q and %q", fqn1, fqn2)
	}
}

func TestManagerAddGraphVariantCollision(t *testing.T) {
	m := NewManager()
	defer m.Close()

	a1 := &JobNode{ShortName: "a", Behaviour: succeedsWith(map[string]any{"v": 1})}
	fqn1, err := m.AddGraph(Leaf(a1), "g", "v1")
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}

	a2 := &JobNode{ShortName: "a", Behaviour: succeedsWith(map[string]any{"v": 2})}
	fqn2, err := m.AddGraph(Leaf(a2), "g", "v1")
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	if fqn1 == fqn2 {
		t.Fatal("expected distinct composition roots under the same variant to get distinct FQNs")
	}
	if ParseVariant(fqn2) != "v1_1" {
		t.Errorf("expected collision-suffixed variant v1_1, got %q", ParseVariant(fqn2))
	}
}

func TestManagerSubmitUnknownGraph(t *testing.T) {
	m := NewManager()
	defer m.Close()
	if _, err := m.Submit(nil, "no$$such$$graph$$"); err == nil {
		t.Fatal("expected an error submitting against an unregistered FQN")
	}
}

func TestManagerResolveFQNRequiresExplicitWhenMultiple(t *testing.T) {
	m := NewManager()
	defer m.Close()
	a := &JobNode{ShortName: "a", Behaviour: succeedsWith(map[string]any{})}
	b := &JobNode{ShortName: "b", Behaviour: succeedsWith(map[string]any{})}
	if _, err := m.AddGraph(Leaf(a), "g1", ""); err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	if _, err := m.AddGraph(Leaf(b), "g2", ""); err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	if _, err := m.Submit(nil, ""); err == nil {
		t.Fatal("expected an error resolving an empty FQN against multiple registered graphs")
	}
}

func TestManagerResolveFQNDefaultsWhenSingle(t *testing.T) {
	m := NewManager()
	defer m.Close()
	a := &JobNode{ShortName: "a", Behaviour: succeedsWith(map[string]any{"v": 1})}
	if _, err := m.AddGraph(Leaf(a), "g1", ""); err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	if _, err := m.Submit(nil, ""); err != nil {
		t.Fatalf("expected Submit with empty fqn to default to the sole registered graph: %v", err)
	}
}

func TestManagerOnCompleteCallback(t *testing.T) {
	var got Result
	var mu sync.Mutex
	done := make(chan struct{})
	m := NewManager(WithOnComplete(func(r Result) {
		mu.Lock()
		got = r
		mu.Unlock()
		close(done)
	}))
	defer m.Close()

	a := &JobNode{ShortName: "a", Behaviour: succeedsWith(map[string]any{"v": 7})}
	fqn, err := m.AddGraph(Leaf(a), "g", "")
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	if _, err := m.Submit(nil, fqn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for on_complete callback")
	}
	mu.Lock()
	defer mu.Unlock()
	if got["v"] != 7 {
		t.Errorf("expected on_complete to receive v == 7, got %v", got["v"])
	}
}

func TestManagerOnCompletionHook(t *testing.T) {
	m := NewManager()
	defer m.Close()

	var got CompletionEvent
	var mu sync.Mutex
	done := make(chan struct{})
	if err := m.OnCompletionHook(func(_ context.Context, ev CompletionEvent) error {
		mu.Lock()
		got = ev
		mu.Unlock()
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("OnCompletionHook: %v", err)
	}

	a := &JobNode{ShortName: "a", Behaviour: succeedsWith(map[string]any{"v": 9})}
	fqn, err := m.AddGraph(Leaf(a), "g", "")
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	taskID, err := m.Submit(nil, fqn)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion hook")
	}
	mu.Lock()
	defer mu.Unlock()
	if got.TaskID != taskID {
		t.Errorf("expected hook event TaskID %q, got %q", taskID, got.TaskID)
	}
	if got.Graph != fqn {
		t.Errorf("expected hook event Graph %q, got %q", fqn, got.Graph)
	}
	if got.Result["v"] != 9 {
		t.Errorf("expected hook event Result[v] == 9, got %v", got.Result["v"])
	}
}

func TestManagerCounts(t *testing.T) {
	m := NewManager()
	defer m.Close()
	a := &JobNode{ShortName: "a", Behaviour: succeedsWith(map[string]any{"v": 1})}
	fqn, err := m.AddGraph(Leaf(a), "g", "")
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.Submit(nil, fqn); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if !m.WaitForCompletion(time.Second) {
		t.Fatal("timed out waiting for completion")
	}
	counts := m.GetCounts()
	if counts.Submitted != 3 || counts.Completed != 3 || counts.Errors != 0 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestManagerBoundedConcurrency(t *testing.T) {
	var concurrent, maxConcurrent int64
	release := make(chan struct{})
	a := &JobNode{ShortName: "a", Behaviour: BehaviourFunc(func(rc *RunContext) (any, error) {
		n := atomic.AddInt64(&concurrent, 1)
		for {
			old := atomic.LoadInt64(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt64(&maxConcurrent, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&concurrent, -1)
		return map[string]any{}, nil
	})}

	m := NewManager(WithMaxConcurrentTasks(2))
	defer m.Close()
	fqn, err := m.AddGraph(Leaf(a), "g", "")
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	// Submit concurrently: Submit blocks on the bounded semaphore once it's
	// full, so submitting serially from this goroutine would deadlock
	// before release is ever closed.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Submit(nil, fqn); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if !m.WaitForCompletion(time.Second) {
		t.Fatal("timed out waiting for completion")
	}
	if atomic.LoadInt64(&maxConcurrent) > 2 {
		t.Errorf("expected at most 2 concurrent tasks, observed %d", maxConcurrent)
	}
}

func TestManagerExecuteConvenience(t *testing.T) {
	a := &JobNode{ShortName: "a", Behaviour: succeedsWith(map[string]any{"v": 9})}
	m := NewManager()
	defer m.Close()
	result, err := m.Execute(context.Background(), Leaf(a), "g", nil, time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["v"] != 9 {
		t.Errorf("expected v == 9, got %v", result["v"])
	}
}

func TestManagerCancelAll(t *testing.T) {
	started := make(chan struct{})
	a := &JobNode{ShortName: "a", Behaviour: BehaviourFunc(func(rc *RunContext) (any, error) {
		close(started)
		<-rc.Context().Done()
		return nil, rc.Context().Err()
	})}
	m := NewManager()
	defer m.Close()
	fqn, err := m.AddGraph(Leaf(a), "g", "")
	if err != nil {
		t.Fatalf("AddGraph: %v", err)
	}
	if _, err := m.Submit(nil, fqn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	m.CancelAll()
	if !m.WaitForCompletion(time.Second) {
		t.Fatal("timed out waiting for completion after CancelAll")
	}
	_, errs := m.PopResults()
	if len(errs) != 1 {
		t.Fatalf("expected 1 recorded error after cancellation, got %d", len(errs))
	}
}
