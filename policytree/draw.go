package policytree

import (
	"fmt"
	"io"
	"strings"
)

func (n *Node) draw(w io.Writer, indent string) {
	_, _ = fmt.Fprint(w, n.Kind)
	if n.Value != nil {
		_, _ = fmt.Fprintf(w, " [%v]", n.Value)
	}
	if len(n.Keys) > 0 {
		_, _ = fmt.Fprintf(w, " [%s]", strings.Join(n.Keys, ", "))
	}
	_, _ = fmt.Fprintln(w)
	for i, child := range n.Children {
		mark, delim := "├── ", "│   "
		if i == len(n.Children)-1 {
			mark, delim = "└── ", "    "
		}
		_, _ = fmt.Fprintf(w, "%s%s", indent, mark)
		child.draw(w, indent+delim)
	}
}

// Draw renders the tree with box-drawing characters, one node per line.
func Draw(root *Node) string {
	var b strings.Builder
	root.draw(&b, "")
	return b.String()
}
