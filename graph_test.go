package flow4ai

import (
	"errors"
	"testing"
)

func TestValidatePrecedenceAcyclic(t *testing.T) {
	jobs := map[string]*JobNode{
		"a": {ShortName: "a", Successors: []string{"b"}},
		"b": {ShortName: "b", Successors: []string{"c"}},
		"c": {ShortName: "c"},
	}
	if err := validatePrecedence(jobs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidatePrecedenceDetectsCycle(t *testing.T) {
	jobs := map[string]*JobNode{
		"a": {ShortName: "a", Successors: []string{"b"}},
		"b": {ShortName: "b", Successors: []string{"a"}},
	}
	err := validatePrecedence(jobs)
	if err == nil {
		t.Fatal("expected a cycle to be detected")
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected error to wrap ErrValidation, got %v", err)
	}
}

func TestValidatePrecedenceClosedReference(t *testing.T) {
	jobs := map[string]*JobNode{
		"a": {ShortName: "a", Successors: []string{"ghost"}},
	}
	err := validatePrecedence(jobs)
	if err == nil {
		t.Fatal("expected an error for an unknown successor reference")
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected error to wrap ErrValidation, got %v", err)
	}
}

func TestNormalizeHeadTailSingleEntryExitUnchanged(t *testing.T) {
	g := &compiledGraph{
		jobsByShortName: map[string]*JobNode{"a": {ShortName: "a"}},
		entries:         []string{"a"},
		exits:           []string{"a"},
	}
	normalizeHeadTail(g)
	if g.entries[0] != "a" || g.exits[0] != "a" {
		t.Errorf("expected single entry/exit graph to be left untouched, got entries=%v exits=%v", g.entries, g.exits)
	}
	if _, ok := g.jobsByShortName[syntheticHeadShortName]; ok {
		t.Error("did not expect a synthetic head node")
	}
}

func TestNormalizeHeadTailMultipleEntries(t *testing.T) {
	g := &compiledGraph{
		jobsByShortName: map[string]*JobNode{
			"a": {ShortName: "a"},
			"b": {ShortName: "b"},
		},
		entries: []string{"a", "b"},
		exits:   []string{"a", "b"},
	}
	normalizeHeadTail(g)
	if g.entries[0] != syntheticHeadShortName {
		t.Errorf("expected synthetic head, got entries=%v", g.entries)
	}
	if g.exits[0] != syntheticTailShortName {
		t.Errorf("expected synthetic tail, got exits=%v", g.exits)
	}
	if !g.jobsByShortName["a"].ExpectedInputs[syntheticHeadShortName] {
		t.Error("expected entry node a to wait on the synthetic head")
	}
	if len(g.jobsByShortName["a"].Successors) != 1 || g.jobsByShortName["a"].Successors[0] != syntheticTailShortName {
		t.Errorf("expected exit node a to feed the synthetic tail, got %v", g.jobsByShortName["a"].Successors)
	}
}
