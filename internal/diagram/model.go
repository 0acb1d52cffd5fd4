// Package diagram renders workflow definitions as Mermaid flowcharts or
// Graphviz DOT. Rendering is read-only and works on any parseable
// definition, valid or not.
package diagram

// NodeKind classifies a diagram node by its state type.
type NodeKind string

const (
	NodeKindTask     NodeKind = "task"
	NodeKindPass     NodeKind = "pass"
	NodeKindWait     NodeKind = "wait"
	NodeKindChoice   NodeKind = "choice"
	NodeKindParallel NodeKind = "parallel"
	NodeKindMap      NodeKind = "map"
	NodeKindSucceed  NodeKind = "succeed"
	NodeKindFail     NodeKind = "fail"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a single state in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Children []*SubGraph // parallel branches, map iterator
}

// SubGraph holds the nested machine of a parallel branch or map iterator.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// Edge is a transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
