package flow4ai

import "errors"

// Node is a JSON-serialisable view of one compiled job, the data a
// terminal graph visualiser would consume (spec §4 supplemental;
// rendering itself is out of scope per spec.md §1). Flattened to match
// flow4ai's precedence-graph adjacency rather than a combinator tree.
type Node struct {
	ShortName      string   `json:"short_name"`
	FQN            string   `json:"fqn"`
	Successors     []string `json:"successors"`
	ExpectedInputs []string `json:"expected_inputs"`
	SaveResult     bool     `json:"save_result"`
	IsHead         bool     `json:"is_head"`
	IsTail         bool     `json:"is_tail"`
}

// Schema is a complete graph's introspectable structure: every compiled
// job plus the head's short name, from which Walk/Find traverse the
// adjacency over a DAG's successor edges.
type Schema struct {
	HeadShortName string
	Nodes         map[string]Node
}

// ErrUnknownNode is returned (joined with ErrUnknownGraph) by
// Manager.Schema when its FQN is not the head FQN of a registered graph.
var ErrUnknownNode = errors.New("unknown node")

func newSchema(g *compiledGraph) Schema {
	nodes := make(map[string]Node, len(g.jobsByShortName))
	for short, job := range g.jobsByShortName {
		inputs := make([]string, 0, len(job.ExpectedInputs))
		for in := range job.ExpectedInputs {
			inputs = append(inputs, in)
		}
		nodes[short] = Node{
			ShortName:      job.ShortName,
			FQN:            job.FQN,
			Successors:     append([]string{}, job.Successors...),
			ExpectedInputs: inputs,
			SaveResult:     job.SaveResult,
			IsHead:         job.IsHead(),
			IsTail:         job.IsTail(),
		}
	}
	return Schema{HeadShortName: g.entries[0], Nodes: nodes}
}

// Walk traverses every node reachable from the head in breadth-first
// order, visiting each node exactly once even when multiple paths reach
// it (a DAG can have such diamonds).
func (s Schema) Walk(fn func(Node)) {
	visited := make(map[string]bool, len(s.Nodes))
	queue := []string{s.HeadShortName}
	for len(queue) > 0 {
		short := queue[0]
		queue = queue[1:]
		if visited[short] {
			continue
		}
		visited[short] = true
		node, ok := s.Nodes[short]
		if !ok {
			continue
		}
		fn(node)
		queue = append(queue, node.Successors...)
	}
}

// Find returns the first node (in Walk order) matching predicate, or nil
// if none match.
func (s Schema) Find(predicate func(Node) bool) *Node {
	var found *Node
	s.Walk(func(n Node) {
		if found == nil && predicate(n) {
			nn := n
			found = &nn
		}
	})
	return found
}

// FindByShortName returns the node with the given short name, or nil.
func (s Schema) FindByShortName(short string) *Node {
	if n, ok := s.Nodes[short]; ok {
		return &n
	}
	return nil
}

// Count returns the number of nodes reachable from the head.
func (s Schema) Count() int {
	count := 0
	s.Walk(func(Node) { count++ })
	return count
}

// Schema returns the introspectable structure of the graph registered
// under headFQN (spec §4 supplemental `Graph.Schema()`).
func (m *Manager) Schema(headFQN string) (Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg, ok := m.graphs[headFQN]
	if !ok {
		return Schema{}, errors.Join(ErrUnknownNode, ErrUnknownGraph)
	}
	return newSchema(rg.graph), nil
}
