package wire

// Xexp is the worker's recursive tagged value type (spec.md §3 "Catalogue
// (xexp)"): every node has a Tag and is either a leaf (Text != nil, Children
// == nil) or a list (Children != nil, Text == nil). List order is
// significant for serialization but not for Aref lookups.
type Xexp struct {
	Tag      string
	Text     *string // non-nil for leaves
	Children []*Xexp // non-nil for lists (may be empty)
}

// NewList returns an empty list node with the given tag.
func NewList(tag string) *Xexp {
	return &Xexp{Tag: tag, Children: []*Xexp{}}
}

// NewLeaf returns a leaf node with the given tag and text.
func NewLeaf(tag, text string) *Xexp {
	return &Xexp{Tag: tag, Text: &text}
}

// IsList reports whether x is a list node.
func (x *Xexp) IsList() bool { return x != nil && x.Children != nil }

// Cons appends a child to a list node, in place.
func (x *Xexp) Cons(child *Xexp) {
	x.Children = append(x.Children, child)
}

// Aref returns the first child with the given tag, or nil. Per spec.md §3,
// lookup order within the children is the only thing that matters; list
// order is otherwise insignificant for lookups.
func (x *Xexp) Aref(tag string) *Xexp {
	if x == nil {
		return nil
	}
	for _, c := range x.Children {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

// TextOf returns the text of the first child with the given tag, or "" if
// absent or not a leaf.
func (x *Xexp) TextOf(tag string) string {
	c := x.Aref(tag)
	if c == nil || c.Text == nil {
		return ""
	}
	return *c.Text
}

// Equal reports deep structural equality, used by round-trip tests.
func (x *Xexp) Equal(y *Xexp) bool {
	if x == nil || y == nil {
		return x == y
	}
	if x.Tag != y.Tag {
		return false
	}
	if (x.Text == nil) != (y.Text == nil) {
		return false
	}
	if x.Text != nil && *x.Text != *y.Text {
		return false
	}
	if len(x.Children) != len(y.Children) {
		return false
	}
	for i := range x.Children {
		if !x.Children[i].Equal(y.Children[i]) {
			return false
		}
	}
	return true
}
