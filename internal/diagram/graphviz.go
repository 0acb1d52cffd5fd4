package diagram

import (
	"fmt"
	"strings"
)

// RenderDOT renders a Model as a Graphviz digraph.
func RenderDOT(model *Model) string {
	var b strings.Builder

	b.WriteString("digraph workflow {\n")
	b.WriteString("    rankdir=TB;\n")
	b.WriteString("    node [fontname=\"Helvetica\"];\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    label=%q;\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", dotNodeDef(node)))

		for i, sg := range node.Children {
			b.WriteString(fmt.Sprintf("    subgraph cluster_%s_%d {\n", dotSafeID(node.ID), i))
			b.WriteString(fmt.Sprintf("        label=%q;\n", node.Label+": "+sg.Label))
			for _, sub := range sg.Nodes {
				b.WriteString(fmt.Sprintf("        %s\n", dotNodeDef(sub)))
			}
			for _, edge := range sg.Edges {
				b.WriteString(fmt.Sprintf("        %s\n", dotEdge(edge)))
			}
			b.WriteString("    }\n")
		}
	}

	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s\n", dotEdge(edge)))
	}

	b.WriteString("}\n")
	return b.String()
}

func dotEdge(edge Edge) string {
	if edge.Label != "" {
		return fmt.Sprintf("%s -> %s [label=%q];", dotSafeID(edge.From), dotSafeID(edge.To), edge.Label)
	}
	return fmt.Sprintf("%s -> %s;", dotSafeID(edge.From), dotSafeID(edge.To))
}

func dotNodeDef(node *Node) string {
	shape := "box"
	switch node.Kind {
	case NodeKindChoice:
		shape = "diamond"
	case NodeKindWait:
		shape = "oval"
	case NodeKindParallel, NodeKindMap:
		shape = "box3d"
	case NodeKindStart, NodeKindEnd, NodeKindSucceed, NodeKindFail:
		shape = "circle"
	}
	return fmt.Sprintf("%s [label=%q, shape=%s];", dotSafeID(node.ID), node.Label, shape)
}

func dotSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}
