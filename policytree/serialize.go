// Package policytree turns a compiled condition tree into a generic, depth
// annotated document tree that encodes cleanly as JSON or YAML.
package policytree

import (
	"encoding/hex"

	"github.com/vnprc/rob-script/miniscript"
)

// unmatchedKind is the kind emitted for nodes of an unknown kind.
const unmatchedKind = "Unmatched"

// Node is one serialized node of a condition tree. The root has depth 0 and
// every child is one deeper than its parent. Children is nil for leaves so it
// is omitted from the encoded document instead of showing up empty.
type Node struct {
	Kind     string   `json:"kind" yaml:"kind"`
	Depth    int      `json:"depth" yaml:"depth"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
	Keys     []string `json:"keys,omitempty" yaml:"keys,omitempty"`
	Children []*Node  `json:"children,omitempty" yaml:"children,omitempty"`
}

// condition is the read-only view of a condition tree node the serializer
// needs.
type condition interface {
	Kind() miniscript.Kind
	Key() string
	Locktime() uint64
	Hash() []byte
	Threshold() uint64
	MultiKeys() []string
	children() []condition
}

// astCondition adapts a miniscript node to the condition interface.
type astCondition struct {
	*miniscript.AST
}

func (a astCondition) children() []condition {
	children := a.Children()
	conds := make([]condition, len(children))
	for i, child := range children {
		conds[i] = astCondition{child}
	}
	return conds
}

// Serialize converts the tree rooted at root into a Node tree. Children keep
// their left to right order. The traversal uses an explicit stack so deeply
// nested trees cannot exhaust the goroutine stack.
func Serialize(root *miniscript.AST) *Node {
	return serialize(astCondition{root})
}

// fillValue sets the scalar payload of a node from its kind. Combinators and
// the constants carry no value.
func fillValue(n *Node, c condition) {
	switch c.Kind() {
	case miniscript.PkK, miniscript.PkH:
		n.Value = c.Key()

	case miniscript.RawPkH, miniscript.Sha256, miniscript.Hash256,
		miniscript.Ripemd160, miniscript.Hash160:

		n.Value = hex.EncodeToString(c.Hash())

	case miniscript.Older, miniscript.After:
		n.Value = c.Locktime()

	case miniscript.Thresh:
		n.Value = c.Threshold()

	case miniscript.Multi:
		n.Value = c.Threshold()
		n.Keys = c.MultiKeys()
	}
}

func serialize(root condition) *Node {
	type item struct {
		cond  condition
		depth int
		slot  **Node
	}

	var out *Node
	stack := []item{{cond: root, slot: &out}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		kind := it.cond.Kind()
		if !kind.Known() {
			*it.slot = &Node{Kind: unmatchedKind, Depth: it.depth}
			continue
		}

		n := &Node{Kind: kind.String(), Depth: it.depth}
		fillValue(n, it.cond)
		*it.slot = n

		children := it.cond.children()
		if len(children) == 0 {
			continue
		}
		n.Children = make([]*Node, len(children))
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, item{
				cond:  children[i],
				depth: it.depth + 1,
				slot:  &n.Children[i],
			})
		}
	}
	return out
}

// Walk calls fn for every node of the tree in pre-order. parent is nil for
// the node Walk was called on.
func (n *Node) Walk(fn func(node, parent *Node)) {
	type item struct {
		node, parent *Node
	}

	stack := []item{{node: n}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		fn(it.node, it.parent)
		for i := len(it.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{it.node.Children[i], it.node})
		}
	}
}
