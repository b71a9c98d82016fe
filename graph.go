package flow4ai

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyComposition is returned when a composition tree yields no leaves.
var ErrEmptyComposition = errors.New("empty composition")

// cycleColor marks DFS visitation state for the acyclicity check.
type cycleColor int

const (
	white cycleColor = iota
	gray
	black
)

// validatePrecedence runs the graph validator of spec §4.3 over the
// precedence graph implied by each job's Successors list: acyclicity via a
// white/gray/black DFS, and closed references (every successor name must
// itself be a job in the map). Head/tail existence is checked by the
// caller (compile) from the composition's entries/exits before this is
// called, since multiple heads or tails trigger normalization rather than
// failure. validatePrecedence is pure;
// it never mutates jobs.
func validatePrecedence(jobs map[string]*JobNode) error {
	for short, job := range jobs {
		for _, succ := range job.Successors {
			if _, ok := jobs[succ]; !ok {
				return fmt.Errorf("flow4ai: %w: job %q references unknown successor %q", ErrValidation, short, succ)
			}
		}
	}

	color := make(map[string]cycleColor, len(jobs))
	var path []string
	var visit func(short string) error
	visit = func(short string) error {
		switch color[short] {
		case black:
			return nil
		case gray:
			cyclePath := append(append([]string{}, path...), short)
			return fmt.Errorf("flow4ai: %w: cycle detected: %s", ErrValidation, strings.Join(cyclePath, " -> "))
		}
		color[short] = gray
		path = append(path, short)
		for _, succ := range jobs[short].Successors {
			if err := visit(succ); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[short] = black
		return nil
	}
	for short := range jobs {
		if err := visit(short); err != nil {
			return err
		}
	}
	return nil
}

// ErrValidation wraps every graph-validator rejection (spec §7
// VALIDATION_ERROR).
var ErrValidation = errors.New("validation error")

// normalizeHeadTail inserts synthetic __head__/__tail__ nodes when the
// composition exposes more than one entry or exit (spec §4.2 rule 4),
// mutating g in place. A composition with exactly one entry and one exit
// is left untouched.
func normalizeHeadTail(g *compiledGraph) {
	if len(g.entries) > 1 {
		head := &JobNode{
			ShortName:  syntheticHeadShortName,
			Successors: append([]string{}, g.entries...),
			Behaviour:  headBehaviour,
		}
		for _, e := range g.entries {
			entry := g.jobsByShortName[e]
			if entry.ExpectedInputs == nil {
				entry.ExpectedInputs = make(map[string]bool)
			}
			entry.ExpectedInputs[syntheticHeadShortName] = true
		}
		g.jobsByShortName[syntheticHeadShortName] = head
		g.entries = []string{syntheticHeadShortName}
	}

	if len(g.exits) > 1 {
		tail := &JobNode{
			ShortName:      syntheticTailShortName,
			ExpectedInputs: make(map[string]bool),
			Behaviour:      tailBehaviour,
		}
		for _, e := range g.exits {
			exit := g.jobsByShortName[e]
			exit.Successors = append(exit.Successors, syntheticTailShortName)
			tail.ExpectedInputs[e] = true
		}
		g.jobsByShortName[syntheticTailShortName] = tail
		g.exits = []string{syntheticTailShortName}
	}
}
