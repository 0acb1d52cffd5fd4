package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/stateflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a Model from a workflow definition. State order is
// deterministic: reachable states in discovery order from start_at, then any
// unreachable states sorted by name.
func Build(title string, def *schema.WorkflowDefinition) *Model {
	model := &Model{Title: title}

	start := &Node{ID: startID, Label: "Start", Kind: NodeKindStart}
	model.Nodes = append(model.Nodes, start)
	model.Edges = append(model.Edges, Edge{From: startID, To: def.StartAt})

	for _, name := range orderedStates(def) {
		state := def.States[name]
		node := stateToNode(name, name, state)
		model.Nodes = append(model.Nodes, node)
		model.Edges = append(model.Edges, stateEdges(name, name, state)...)
	}

	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	return model
}

// orderedStates walks transitions breadth-first from start_at, then appends
// unreached states alphabetically.
func orderedStates(def *schema.WorkflowDefinition) []string {
	seen := make(map[string]bool, len(def.States))
	var order []string

	queue := []string{def.StartAt}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		state, ok := def.States[name]
		if !ok {
			continue
		}
		seen[name] = true
		order = append(order, name)
		queue = append(queue, transitionTargets(state)...)
	}

	var rest []string
	for name := range def.States {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func transitionTargets(state *schema.State) []string {
	var targets []string
	if state.Next != "" {
		targets = append(targets, state.Next)
	}
	for _, rule := range state.Choices {
		if rule.Next != "" {
			targets = append(targets, rule.Next)
		}
	}
	if state.Default != "" {
		targets = append(targets, state.Default)
	}
	for _, catch := range state.Catch {
		if catch.Next != "" {
			targets = append(targets, catch.Next)
		}
	}
	return targets
}

// stateToNode maps one state to a node. The id carries the qualified name so
// branch states cannot collide with top-level ones.
func stateToNode(id, name string, state *schema.State) *Node {
	node := &Node{
		ID:    id,
		Label: nodeLabel(name, state),
		Kind:  stateKind(state.Type),
	}

	for i, branch := range state.Branches {
		label := fmt.Sprintf("branch %d", i)
		node.Children = append(node.Children, buildSubGraph(label, fmt.Sprintf("%s.b%d", id, i), branch))
	}
	if state.Iterator != nil {
		node.Children = append(node.Children, buildSubGraph("iterator", id+".iter", state.Iterator))
	}
	return node
}

func buildSubGraph(label, prefix string, def *schema.WorkflowDefinition) *SubGraph {
	sg := &SubGraph{Label: label}
	for _, name := range orderedStates(def) {
		state := def.States[name]
		qualified := prefix + "." + name
		sg.Nodes = append(sg.Nodes, stateToNode(qualified, name, state))
		sg.Edges = append(sg.Edges, qualifyEdges(prefix, stateEdges(qualified, name, state))...)
	}
	return sg
}

// qualifyEdges rewrites top-level target names inside a subgraph to their
// qualified form. Edges to __end__ stay local to the subgraph and are dropped.
func qualifyEdges(prefix string, edges []Edge) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.To == endID {
			continue
		}
		e.To = prefix + "." + e.To
		out = append(out, e)
	}
	return out
}

// stateEdges lists the outgoing transitions of one state, including choice
// rules, the choice default, and catch routes.
func stateEdges(id, name string, state *schema.State) []Edge {
	var edges []Edge

	if state.Next != "" {
		edges = append(edges, Edge{From: id, To: state.Next})
	}
	for i, rule := range state.Choices {
		if rule.Next != "" {
			edges = append(edges, Edge{From: id, To: rule.Next, Label: fmt.Sprintf("rule %d", i+1)})
		}
	}
	if state.Default != "" {
		edges = append(edges, Edge{From: id, To: state.Default, Label: "default"})
	}
	for _, catch := range state.Catch {
		edges = append(edges, Edge{From: id, To: catch.Next, Label: catchLabel(catch)})
	}
	if state.Terminal() {
		edges = append(edges, Edge{From: id, To: endID})
	}
	return edges
}

func catchLabel(catch schema.CatchPolicy) string {
	if len(catch.ErrorEquals) == 0 {
		return "catch"
	}
	return "catch " + catch.ErrorEquals[0]
}

func stateKind(t schema.StateType) NodeKind {
	switch t {
	case schema.StateTask:
		return NodeKindTask
	case schema.StateWait:
		return NodeKindWait
	case schema.StateChoice:
		return NodeKindChoice
	case schema.StateParallel:
		return NodeKindParallel
	case schema.StateMap:
		return NodeKindMap
	case schema.StateSucceed:
		return NodeKindSucceed
	case schema.StateFail:
		return NodeKindFail
	default:
		return NodeKindPass
	}
}

func nodeLabel(name string, state *schema.State) string {
	switch {
	case state.Type == schema.StateTask && state.Resource != "":
		return fmt.Sprintf("%s (%s)", name, state.Resource)
	case state.Type == schema.StateFail && state.Error != "":
		return fmt.Sprintf("%s (%s)", name, state.Error)
	default:
		return name
	}
}
