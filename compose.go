package flow4ai

import "fmt"

// Combinator is a node of the composition tree described in spec §4.2:
// a Leaf (a single job), a Serial (ordered children, each piped into the
// next), or a Parallel (children sharing the same upstream input, no
// edges between siblings). The compiler lowers a Combinator tree into a
// precedence graph via compile.
type Combinator interface {
	entries() []string
	exits() []string
	collect(jobs map[string]*JobNode, edges *edgeList, seen map[string]bool) error
}

// edgeList accumulates precedence-graph edges in the order they were
// added so that JobNode.Successors stays deterministic (spec §3:
// "successors: ordered list").
type edgeList struct {
	order []string            // "from\x00to" in insertion order, deduplicated
	seen  map[string]struct{} // dedup set
}

func newEdgeList() *edgeList {
	return &edgeList{seen: make(map[string]struct{})}
}

func (e *edgeList) add(from, to string) {
	key := from + "\x00" + to
	if _, ok := e.seen[key]; ok {
		return
	}
	e.seen[key] = struct{}{}
	e.order = append(e.order, key)
}

type leaf struct {
	job *JobNode
}

// Leaf wraps a single JobNode as a composition-tree node. The job's
// Successors/ExpectedInputs are populated by compile, never by the caller.
func Leaf(job *JobNode) Combinator { return &leaf{job: job} }

func (l *leaf) entries() []string { return []string{l.job.ShortName} }
func (l *leaf) exits() []string   { return []string{l.job.ShortName} }

func (l *leaf) collect(jobs map[string]*JobNode, edges *edgeList, seen map[string]bool) error {
	if seen[l.job.ShortName] {
		return fmt.Errorf("flow4ai: duplicate leaf %q in composition", l.job.ShortName)
	}
	seen[l.job.ShortName] = true
	jobs[l.job.ShortName] = l.job
	return nil
}

type serialNode struct {
	children []Combinator
}

// Serial composes children in order: every exit of children[i] gets an
// edge to every entry of children[i+1] (spec §4.2 rule 1).
func Serial(children ...Combinator) Combinator {
	return &serialNode{children: children}
}

func (s *serialNode) entries() []string {
	if len(s.children) == 0 {
		return nil
	}
	return s.children[0].entries()
}

func (s *serialNode) exits() []string {
	if len(s.children) == 0 {
		return nil
	}
	return s.children[len(s.children)-1].exits()
}

func (s *serialNode) collect(jobs map[string]*JobNode, edges *edgeList, seen map[string]bool) error {
	for _, c := range s.children {
		if err := c.collect(jobs, edges, seen); err != nil {
			return err
		}
	}
	for i := 0; i+1 < len(s.children); i++ {
		from := s.children[i].exits()
		to := s.children[i+1].entries()
		if len(from) == 0 || len(to) == 0 {
			return fmt.Errorf("flow4ai: malformed combinator contributes no entry/exit in Serial")
		}
		for _, f := range from {
			for _, t := range to {
				edges.add(f, t)
			}
		}
	}
	return nil
}

type parallelNode struct {
	children []Combinator
}

// Parallel composes children with no edges between siblings: entries and
// exits are the union of the children's (spec §4.2 rule 2).
func Parallel(children ...Combinator) Combinator {
	return &parallelNode{children: children}
}

func (p *parallelNode) entries() []string {
	var all []string
	for _, c := range p.children {
		all = append(all, c.entries()...)
	}
	return all
}

func (p *parallelNode) exits() []string {
	var all []string
	for _, c := range p.children {
		all = append(all, c.exits()...)
	}
	return all
}

func (p *parallelNode) collect(jobs map[string]*JobNode, edges *edgeList, seen map[string]bool) error {
	for _, c := range p.children {
		if err := c.collect(jobs, edges, seen); err != nil {
			return err
		}
	}
	return nil
}

// compiledGraph is the compiler's output before FQN assignment: a
// precedence graph (jobsByShortName + edges) that the validator and
// head/tail normalizer (graph.go) operate on.
type compiledGraph struct {
	jobsByShortName map[string]*JobNode
	entries         []string
	exits           []string
}

// compile walks root, builds the precedence graph, wires each JobNode's
// Successors/ExpectedInputs from the discovered edges, validates the
// result (graph.go), and normalizes multiple entries/exits into synthetic
// __head__/__tail__ nodes (spec §4.2 rule 4). It does not assign FQNs;
// that's the registry's job (manager.go).
func compile(root Combinator) (*compiledGraph, error) {
	if root == nil {
		return nil, fmt.Errorf("flow4ai: %w", ErrEmptyComposition)
	}
	jobs := make(map[string]*JobNode)
	edges := newEdgeList()
	seen := make(map[string]bool)
	if err := root.collect(jobs, edges, seen); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("flow4ai: %w", ErrEmptyComposition)
	}

	for _, e := range edges.order {
		from, to := splitEdgeKey(e)
		fromJob, toJob := jobs[from], jobs[to]
		fromJob.Successors = append(fromJob.Successors, to)
		if toJob.ExpectedInputs == nil {
			toJob.ExpectedInputs = make(map[string]bool)
		}
		toJob.ExpectedInputs[from] = true
	}

	entries := dedupNonEmpty(root.entries())
	exits := dedupNonEmpty(root.exits())
	if len(entries) == 0 || len(exits) == 0 {
		return nil, fmt.Errorf("flow4ai: malformed combinator contributes no entry/exit")
	}

	if err := validatePrecedence(jobs); err != nil {
		return nil, err
	}

	g := &compiledGraph{jobsByShortName: jobs, entries: entries, exits: exits}
	normalizeHeadTail(g)
	return g, nil
}

func splitEdgeKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func dedupNonEmpty(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
