// Package structure provides the tagged record tree used to describe the
// shape of appended steps and the pure reconciliation algebra over it.
//
// A record is a closed tagged tree of three node kinds:
//   - Map: named children, enumerated in sorted key order
//   - Seq: positional children
//   - Leaf: a value, where nil means "absent"
//
// Shapes are record trees whose leaves are all absent. Shapes only ever grow:
// reconciling a later record against an evolved shape adds paths, it never
// removes or renumbers them. The explicit tagged representation avoids
// reflection over arbitrary caller containers.
package structure

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the variant of a Node
type Kind uint8

const (
	// KindLeaf is a value-carrying leaf node
	KindLeaf Kind = iota
	// KindMap is a mapping container with string-keyed children
	KindMap
	// KindSeq is an ordered sequence container
	KindSeq
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindMap:
		return "map"
	case KindSeq:
		return "seq"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key is a single step in a Path: either a map field name or a sequence index
type Key struct {
	field   string
	index   int
	isIndex bool
}

// Field creates a map-field key
func Field(name string) Key {
	return Key{field: name}
}

// Index creates a sequence-index key
func Index(i int) Key {
	return Key{index: i, isIndex: true}
}

// IsIndex reports whether the key addresses a sequence position
func (k Key) IsIndex() bool { return k.isIndex }

// FieldName returns the map field name (empty for index keys)
func (k Key) FieldName() string { return k.field }

// Position returns the sequence index (zero for field keys)
func (k Key) Position() int { return k.index }

// String returns "name" for field keys and "[i]" for index keys
func (k Key) String() string {
	if k.isIndex {
		return fmt.Sprintf("[%d]", k.index)
	}
	return k.field
}

// Path identifies one leaf position in a nested record. Paths are immutable
// once observed; the canonical string form is used as a map key throughout.
type Path []Key

// String renders the path as "obs.pixels[0]" style
func (p Path) String() string {
	var b strings.Builder
	for i, k := range p {
		if i > 0 && !k.isIndex {
			b.WriteByte('.')
		}
		b.WriteString(k.String())
	}
	return b.String()
}

// Key returns an unambiguous encoding of the path, suitable as a map key.
// Field names are length-prefixed, so a field literally named "a.b" never
// collides with the nested path a -> b the way the display form would.
func (p Path) Key() string {
	var b strings.Builder
	for i, k := range p {
		if i > 0 {
			b.WriteByte(';')
		}
		if k.isIndex {
			fmt.Fprintf(&b, "i%d", k.index)
		} else {
			fmt.Fprintf(&b, "f%d:%s", len(k.field), k.field)
		}
	}
	return b.String()
}

// Child returns a new path extended by one key. The receiver is not modified.
func (p Path) Child(k Key) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)
	return append(child, k)
}

// Node is one node of a record or shape tree
type Node struct {
	kind   Kind
	fields map[string]*Node
	items  []*Node
	value  interface{}
}

// LeafOf creates a value leaf. A nil value is the absent placeholder.
func LeafOf(value interface{}) *Node {
	return &Node{kind: KindLeaf, value: value}
}

// Absent creates an absent (placeholder) leaf
func Absent() *Node {
	return &Node{kind: KindLeaf}
}

// MapOf creates a mapping node from its children. The map is copied.
func MapOf(fields map[string]*Node) *Node {
	copied := make(map[string]*Node, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Node{kind: KindMap, fields: copied}
}

// SeqOf creates a sequence node from its children
func SeqOf(items ...*Node) *Node {
	copied := make([]*Node, len(items))
	copy(copied, items)
	return &Node{kind: KindSeq, items: copied}
}

// Kind returns the node variant
func (n *Node) Kind() Kind { return n.kind }

// Value returns the leaf value (nil for absent leaves and containers)
func (n *Node) Value() interface{} { return n.value }

// IsAbsent reports whether the node is an absent leaf
func (n *Node) IsAbsent() bool { return n.kind == KindLeaf && n.value == nil }

// FieldNode returns the named child of a mapping node
func (n *Node) FieldNode(name string) (*Node, bool) {
	if n.kind != KindMap {
		return nil, false
	}
	child, ok := n.fields[name]
	return child, ok
}

// FieldNames returns the mapping keys in sorted (canonical) order
func (n *Node) FieldNames() []string {
	if n.kind != KindMap {
		return nil
	}
	names := make([]string, 0, len(n.fields))
	for name := range n.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Items returns the sequence children in order
func (n *Node) Items() []*Node {
	if n.kind != KindSeq {
		return nil
	}
	items := make([]*Node, len(n.items))
	copy(items, n.items)
	return items
}

// NumChildren returns the child count of a container node
func (n *Node) NumChildren() int {
	switch n.kind {
	case KindMap:
		return len(n.fields)
	case KindSeq:
		return len(n.items)
	default:
		return 0
	}
}

// Clone returns a deep copy of the tree. Leaf values are shared, not copied.
func (n *Node) Clone() *Node {
	switch n.kind {
	case KindLeaf:
		return &Node{kind: KindLeaf, value: n.value}
	case KindSeq:
		items := make([]*Node, len(n.items))
		for i, item := range n.items {
			items[i] = item.Clone()
		}
		return &Node{kind: KindSeq, items: items}
	default:
		fields := make(map[string]*Node, len(n.fields))
		for name, child := range n.fields {
			fields[name] = child.Clone()
		}
		return &Node{kind: KindMap, fields: fields}
	}
}

// At resolves a path within the tree
func (n *Node) At(path Path) (*Node, bool) {
	node := n
	for _, key := range path {
		switch {
		case key.isIndex && node.kind == KindSeq:
			if key.index < 0 || key.index >= len(node.items) {
				return nil, false
			}
			node = node.items[key.index]
		case !key.isIndex && node.kind == KindMap:
			child, ok := node.fields[key.field]
			if !ok {
				return nil, false
			}
			node = child
		default:
			return nil, false
		}
	}
	return node, true
}

// NumLeaves counts the leaves of the tree
func (n *Node) NumLeaves() int {
	switch n.kind {
	case KindLeaf:
		return 1
	case KindSeq:
		total := 0
		for _, item := range n.items {
			total += item.NumLeaves()
		}
		return total
	default:
		total := 0
		for _, child := range n.fields {
			total += child.NumLeaves()
		}
		return total
	}
}

// String renders the tree for diagnostics
func (n *Node) String() string {
	var b strings.Builder
	n.render(&b)
	return b.String()
}

func (n *Node) render(b *strings.Builder) {
	switch n.kind {
	case KindLeaf:
		if n.value == nil {
			b.WriteString("_")
		} else {
			fmt.Fprintf(b, "%v", n.value)
		}
	case KindSeq:
		b.WriteByte('[')
		for i, item := range n.items {
			if i > 0 {
				b.WriteString(", ")
			}
			item.render(b)
		}
		b.WriteByte(']')
	default:
		b.WriteByte('{')
		for i, name := range n.FieldNames() {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%s: ", name)
			n.fields[name].render(b)
		}
		b.WriteByte('}')
	}
}
