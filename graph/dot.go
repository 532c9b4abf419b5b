package graph

import (
	"fmt"
	"io"
	"strings"
)

var dotColors = map[NodeKind]string{
	KindRoot:               "#2d3436",
	KindCategory:           "#636e72",
	KindOrdering:           "#b2bec3",
	KindContent:            "#74b9ff",
	KindAttributeValue:     "#55efc4",
	KindDependentValueRoot: "#ffd93d",
}

// WriteDot writes the graph in Graphviz DOT format. Containment edges are
// solid, reference edges dashed.
func (g *Graph) WriteDot(w io.Writer) error {
	var sb strings.Builder

	sb.WriteString("digraph Snapshot {\n")
	sb.WriteString("    rankdir=TB;\n")
	sb.WriteString("    node [shape=box, style=filled];\n")
	sb.WriteString("\n")

	for _, idx := range g.NodeIndices() {
		nw := g.mustWeight(idx)
		sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\"];\n",
			nw.ID, escapeDOTLabel(dotLabel(nw)), dotColors[nw.Kind()]))
	}

	sb.WriteString("\n")

	for _, idx := range g.NodeIndices() {
		src := g.mustWeight(idx).ID
		for _, e := range g.Edges(idx, Outgoing) {
			label := string(e.Weight.Kind)
			if e.Weight.Key != "" {
				label += ":" + e.Weight.Key
			}
			style := "solid"
			if !e.Weight.Kind.Containment() {
				style = "dashed"
			}
			sb.WriteString(fmt.Sprintf("    \"%s\" -> \"%s\" [label=\"%s\", style=%s];\n",
				src, g.mustWeight(e.Target).ID, escapeDOTLabel(label), style))
		}
	}

	sb.WriteString("}\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

func dotLabel(w *NodeWeight) string {
	short := w.ID.String()[:8]
	switch p := w.Payload.(type) {
	case CategoryPayload:
		return fmt.Sprintf("%s\\n%s", p.Category, short)
	case ContentPayload:
		return fmt.Sprintf("%s\\n%s\\n%s", p.ContentKind, short, p.Hash.Short())
	case *AttributeValuePayload:
		if p.Value == nil {
			return fmt.Sprintf("AttributeValue\\n%s\\nunset", short)
		}
		return fmt.Sprintf("AttributeValue\\n%s\\n%s", short, p.Value.Short())
	case DependentValueRootPayload:
		return fmt.Sprintf("DependentValueRoot\\n%s", p.ValueID.String()[:8])
	default:
		return fmt.Sprintf("%s\\n%s", w.Kind(), short)
	}
}

func escapeDOTLabel(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
