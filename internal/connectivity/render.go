package connectivity

import (
	"fmt"
	"io"

	"github.com/emicklei/dot"
)

// Format specifies the output format for a rendered graph.
type Format string

const (
	// FormatDOT outputs Graphviz DOT format.
	FormatDOT Format = "dot"
	// FormatMermaid outputs Mermaid format for markdown rendering.
	FormatMermaid Format = "mermaid"
)

// Render writes the policy as a graph: components are boxes, address blocks
// are dashed ellipses, every edge is labelled with its port.
func Render(p *Policy, format Format, w io.Writer) error {
	graph := BuildGraph(p)

	var output string
	if format == FormatMermaid {
		output = dot.MermaidGraph(graph, dot.MermaidLeftToRight)
	} else {
		output = graph.String()
	}
	_, err := io.WriteString(w, output)
	return err
}

// BuildGraph converts the policy to a dot graph.
func BuildGraph(p *Policy) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")
	graph.NodeInitializer(func(n dot.Node) {
		n.Attr("fontname", "Arial")
	})
	graph.EdgeInitializer(func(e dot.Edge) {
		e.Attr("fontname", "Arial")
		e.Attr("fontsize", "10")
	})

	for _, c := range p.Components() {
		graph.Node(c).Attr("shape", "box")
	}
	for _, r := range p.Edges() {
		from := graph.Node(r.From.String())
		to := graph.Node(r.To.String())
		for _, n := range []struct {
			node dot.Node
			cidr bool
		}{{from, r.From.IsCIDR()}, {to, r.To.IsCIDR()}} {
			if n.cidr {
				n.node.Attr("shape", "ellipse")
				n.node.Attr("style", "dashed")
			}
		}
		e := graph.Edge(from, to).Label(fmt.Sprintf(":%d", r.Port))
		if r.From.IsCIDR() {
			e.Attr("color", "red")
		}
	}
	return graph
}
