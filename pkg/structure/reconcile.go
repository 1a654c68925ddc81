package structure

import (
	"github.com/pulsardata/pulsar/pkg/errors"
)

// PathLeaf pairs a leaf position with its value during flattening
type PathLeaf struct {
	Path  Path
	Value interface{}
}

// ShapeOf returns the shape of a record: the same tree with every leaf
// replaced by the absent placeholder.
func ShapeOf(record *Node) *Node {
	switch record.kind {
	case KindLeaf:
		return Absent()
	case KindSeq:
		items := make([]*Node, len(record.items))
		for i, item := range record.items {
			items[i] = ShapeOf(item)
		}
		return &Node{kind: KindSeq, items: items}
	default:
		fields := make(map[string]*Node, len(record.fields))
		for name, child := range record.fields {
			fields[name] = ShapeOf(child)
		}
		return &Node{kind: KindMap, fields: fields}
	}
}

// SameShape reports whether two trees have identical structure. Leaf values
// are ignored; only kinds, field names and sequence lengths are compared.
func SameShape(a, b *Node) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindLeaf:
		return true
	case KindSeq:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !SameShape(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	default:
		if len(a.fields) != len(b.fields) {
			return false
		}
		for name, child := range a.fields {
			other, ok := b.fields[name]
			if !ok || !SameShape(child, other) {
				return false
			}
		}
		return true
	}
}

// MergeSubset returns target with every path present in source overwritten by
// source's value. It fails when source contains a path absent from target or
// when the two trees disagree on container kind at any shared path. Neither
// input is modified.
func MergeSubset(source, target *Node) (*Node, error) {
	return mergeSubset(source, target, nil)
}

func mergeSubset(source, target *Node, at Path) (*Node, error) {
	if source.kind == KindLeaf {
		if target.kind != KindLeaf {
			return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
				"leaf at %q conflicts with %s in known structure", at.String(), target.kind)
		}
		return LeafOf(source.value), nil
	}

	if source.kind != target.kind {
		return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
			"%s at %q conflicts with %s in known structure", source.kind, at.String(), target.kind)
	}

	if source.kind == KindSeq {
		if len(source.items) != len(target.items) {
			return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
				"sequence at %q has %d elements, known structure has %d",
				at.String(), len(source.items), len(target.items))
		}
		items := make([]*Node, len(target.items))
		for i := range target.items {
			merged, err := mergeSubset(source.items[i], target.items[i], at.Child(Index(i)))
			if err != nil {
				return nil, err
			}
			items[i] = merged
		}
		return &Node{kind: KindSeq, items: items}, nil
	}

	fields := make(map[string]*Node, len(target.fields))
	for name, child := range target.fields {
		fields[name] = child.Clone()
	}
	for name, child := range source.fields {
		known, ok := target.fields[name]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
				"field %q is not part of the known structure", at.Child(Field(name)).String())
		}
		merged, err := mergeSubset(child, known, at.Child(Field(name)))
		if err != nil {
			return nil, err
		}
		fields[name] = merged
	}
	return &Node{kind: KindMap, fields: fields}, nil
}

// Union recursively merges two shape trees. Mapping nodes take the union of
// their fields; sequences must agree on length. A mapping in one tree and a
// sequence (or leaf) at the same path in the other is a hard failure rather
// than a guessed coercion.
func Union(a, b *Node) (*Node, error) {
	return union(a, b, nil)
}

func union(a, b *Node, at Path) (*Node, error) {
	if a.kind == KindLeaf && b.kind == KindLeaf {
		return Absent(), nil
	}
	if a.kind != b.kind {
		return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
			"cannot unify %s with %s at %q", a.kind, b.kind, at.String())
	}

	if a.kind == KindSeq {
		if len(a.items) != len(b.items) {
			return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
				"cannot unify sequences of length %d and %d at %q",
				len(a.items), len(b.items), at.String())
		}
		items := make([]*Node, len(a.items))
		for i := range a.items {
			merged, err := union(a.items[i], b.items[i], at.Child(Index(i)))
			if err != nil {
				return nil, err
			}
			items[i] = merged
		}
		return &Node{kind: KindSeq, items: items}, nil
	}

	fields := make(map[string]*Node, len(a.fields)+len(b.fields))
	for name, child := range a.fields {
		fields[name] = ShapeOf(child)
	}
	for name, child := range b.fields {
		existing, ok := a.fields[name]
		if !ok {
			fields[name] = ShapeOf(child)
			continue
		}
		merged, err := union(existing, child, at.Child(Field(name)))
		if err != nil {
			return nil, err
		}
		fields[name] = merged
	}
	return &Node{kind: KindMap, fields: fields}, nil
}

// Flatten enumerates the leaves of the tree depth-first, with mapping fields
// visited in sorted key order. The enumeration order is the canonical leaf
// order used for structure permutations.
func Flatten(n *Node) []PathLeaf {
	leaves := make([]PathLeaf, 0, n.NumLeaves())
	flatten(n, nil, &leaves)
	return leaves
}

func flatten(n *Node, at Path, out *[]PathLeaf) {
	switch n.kind {
	case KindLeaf:
		// Capture a stable copy; at is reused while walking siblings.
		path := make(Path, len(at))
		copy(path, at)
		*out = append(*out, PathLeaf{Path: path, Value: n.value})
	case KindSeq:
		for i, item := range n.items {
			flatten(item, append(at, Index(i)), out)
		}
	default:
		for _, name := range n.FieldNames() {
			flatten(n.fields[name], append(at, Field(name)), out)
		}
	}
}

// Unflatten rebuilds a value tree shaped like shape from leaves listed in
// canonical order.
func Unflatten(shape *Node, leaves []interface{}) (*Node, error) {
	if want := shape.NumLeaves(); want != len(leaves) {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"cannot unflatten %d leaves into a structure with %d", len(leaves), want)
	}
	node, rest := unflatten(shape, leaves)
	if len(rest) != 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"%d leaves left over after unflatten", len(rest))
	}
	return node, nil
}

func unflatten(shape *Node, leaves []interface{}) (*Node, []interface{}) {
	switch shape.kind {
	case KindLeaf:
		return LeafOf(leaves[0]), leaves[1:]
	case KindSeq:
		items := make([]*Node, len(shape.items))
		for i, item := range shape.items {
			items[i], leaves = unflatten(item, leaves)
		}
		return &Node{kind: KindSeq, items: items}, leaves
	default:
		fields := make(map[string]*Node, len(shape.fields))
		for _, name := range shape.FieldNames() {
			fields[name], leaves = unflatten(shape.fields[name], leaves)
		}
		return &Node{kind: KindMap, fields: fields}, leaves
	}
}

// Filter projects source down to the paths present in filter: the result is
// shaped exactly like filter but carries source's leaf values. Every path of
// filter must exist in source.
func Filter(source, filter *Node) (*Node, error) {
	return filterAt(source, filter, nil)
}

func filterAt(source, filter *Node, at Path) (*Node, error) {
	if filter.kind == KindLeaf {
		if source.kind != KindLeaf {
			return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
				"expected leaf at %q, found %s", at.String(), source.kind)
		}
		return LeafOf(source.value), nil
	}

	if source.kind != filter.kind {
		return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
			"expected %s at %q, found %s", filter.kind, at.String(), source.kind)
	}

	if filter.kind == KindSeq {
		if len(filter.items) != len(source.items) {
			return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
				"sequence at %q has %d elements, expected %d",
				at.String(), len(source.items), len(filter.items))
		}
		items := make([]*Node, len(filter.items))
		for i := range filter.items {
			filtered, err := filterAt(source.items[i], filter.items[i], at.Child(Index(i)))
			if err != nil {
				return nil, err
			}
			items[i] = filtered
		}
		return &Node{kind: KindSeq, items: items}, nil
	}

	fields := make(map[string]*Node, len(filter.fields))
	for name, child := range filter.fields {
		sourceChild, ok := source.fields[name]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeStructureMismatch,
				"field %q missing from source", at.Child(Field(name)).String())
		}
		filtered, err := filterAt(sourceChild, child, at.Child(Field(name)))
		if err != nil {
			return nil, err
		}
		fields[name] = filtered
	}
	return &Node{kind: KindMap, fields: fields}, nil
}
