package flow4ai

import (
	"context"
	"testing"
	"time"
)

func TestJobNodeIsHeadIsTail(t *testing.T) {
	head := &JobNode{ShortName: "a", Successors: []string{"b"}}
	mid := &JobNode{ShortName: "b", ExpectedInputs: map[string]bool{"a": true}, Successors: []string{"c"}}
	tail := &JobNode{ShortName: "c", ExpectedInputs: map[string]bool{"b": true}}

	if !head.IsHead() {
		t.Error("expected job with no expected inputs to be head")
	}
	if head.IsTail() {
		t.Error("expected job with successors not to be tail")
	}
	if mid.IsHead() || mid.IsTail() {
		t.Error("expected middle job to be neither head nor tail")
	}
	if !tail.IsTail() {
		t.Error("expected job with no successors to be tail")
	}
}

func TestJobTimeoutDefault(t *testing.T) {
	j := &JobNode{}
	if j.timeout() != DefaultJobInputTimeout {
		t.Errorf("timeout() = %v, want default %v", j.timeout(), DefaultJobInputTimeout)
	}
	j.Timeout = 5 * time.Second
	if j.timeout() != 5*time.Second {
		t.Errorf("timeout() = %v, want overridden 5s", j.timeout())
	}
}

func TestBehaviourFuncAdapter(t *testing.T) {
	called := false
	var b Behaviour = BehaviourFunc(func(rc *RunContext) (any, error) {
		called = true
		return map[string]any{"ok": true}, nil
	})
	rc := &RunContext{ctx: context.Background(), task: NewTask(nil)}
	out, err := b.Run(rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected BehaviourFunc to invoke the wrapped function")
	}
	if m, ok := out.(map[string]any); !ok || m["ok"] != true {
		t.Errorf("unexpected output: %v", out)
	}
}

func TestHeadBehaviourClonesTask(t *testing.T) {
	task := NewTask(map[string]any{"x": 1})
	rc := &RunContext{ctx: context.Background(), task: task}
	out, err := headBehaviour.Run(rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["x"] != 1 {
		t.Errorf("expected cloned task to carry x=1, got %v", m["x"])
	}
	m["x"] = 99
	if task["x"] != 1 {
		t.Error("expected headBehaviour output to be independent of the original task")
	}
}

func TestTailBehaviourGathersInputs(t *testing.T) {
	inputs := map[string]map[string]any{
		"a": {"v": 1},
		"b": {"v": 2},
	}
	rc := &RunContext{ctx: context.Background(), task: NewTask(nil), inputs: inputs}
	out, err := tailBehaviour.Run(rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if len(m) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(m))
	}
	a := m["a"].(map[string]any)
	if a["v"] != 1 {
		t.Errorf("expected a.v == 1, got %v", a["v"])
	}
}

func TestRunContextAccessors(t *testing.T) {
	ctx := context.Background()
	task := NewTask(map[string]any{"k": "v"})
	inputs := map[string]map[string]any{"a": {"x": 1}}
	global := map[string]any{"g": 1}
	rc := &RunContext{ctx: ctx, task: task, inputs: inputs, global: global}

	if rc.Context() != ctx {
		t.Error("Context() mismatch")
	}
	if rc.Task()["k"] != "v" {
		t.Error("Task() mismatch")
	}
	if rc.Inputs()["a"]["x"] != 1 {
		t.Error("Inputs() mismatch")
	}
	if rc.Global()["g"] != 1 {
		t.Error("Global() mismatch")
	}
}
