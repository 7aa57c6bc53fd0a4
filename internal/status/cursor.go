package status

// frame is a mutable node in the nested status tree that a Reader
// maintains locally. Using a named slice type (rather than a bare
// []any) lets pointers to it (*frame) stand in for "this is a nested
// status object's data", matching how repype.status.StatusReader embeds
// child lists directly inside a parent list.
type frame []any

// Cursor navigates the nested frame structure built by Reader, in
// document order: a list's elements are visited before the list's own
// next sibling (children before uncles).
type Cursor struct {
	data *frame
	path []int
}

func newCursor(data *frame) *Cursor {
	return &Cursor{data: data, path: []int{-1}}
}

func (c *Cursor) clone() *Cursor {
	path := make([]int, len(c.path))
	copy(path, c.path)
	return &Cursor{data: c.data, path: path}
}

func asList(v any) (*frame, bool) {
	if f, ok := v.(*frame); ok {
		return f, true
	}
	return nil, false
}

// getElements returns the chain of elements from the root frame down to
// the element the cursor currently points at, or (nil, false) if the
// path does not address a valid element.
func (c *Cursor) getElements() ([]any, bool) {
	elements := []any{c.data}
	var cur any = c.data
	for _, pos := range c.path {
		list, ok := asList(cur)
		if !ok {
			return nil, false
		}
		if pos < 0 || pos >= len(*list) {
			return nil, false
		}
		cur = (*list)[pos]
		elements = append(elements, cur)
	}
	return elements, true
}

func (c *Cursor) valid() bool {
	_, ok := c.getElements()
	return ok
}

// increment moves the cursor to the next sibling; it returns the cursor
// if still valid, or nil otherwise.
func (c *Cursor) increment() *Cursor {
	c.path[len(c.path)-1]++
	if c.valid() {
		return c
	}
	return nil
}

func (c *Cursor) findNextChildOrSibling() *Cursor {
	cursor := c.clone()
	if cursor.increment() == nil {
		return nil
	}
	elements, _ := cursor.getElements()
	newElement := elements[len(elements)-1]
	if _, ok := asList(newElement); ok {
		cursor.path = append(cursor.path, -1)
		return cursor.findNextChildOrSibling()
	}
	return cursor
}

func (c *Cursor) findNextElement() *Cursor {
	if cursor := c.findNextChildOrSibling(); cursor != nil {
		return cursor
	}
	for _, parent := range c.parents() {
		if cursor := parent.findNextChildOrSibling(); cursor != nil {
			return cursor
		}
	}
	return nil
}

func (c *Cursor) parent() *Cursor {
	if len(c.path) <= 1 {
		return nil
	}
	p := c.clone()
	p.path = p.path[:len(p.path)-1]
	return p
}

func (c *Cursor) parents() []*Cursor {
	var out []*Cursor
	for p := c.parent(); p != nil; p = p.parent() {
		out = append(out, p)
	}
	return out
}

func (c *Cursor) intermediate() bool {
	elements, ok := c.getElements()
	if !ok {
		return false
	}
	m, ok := elements[len(elements)-1].(map[string]any)
	if !ok {
		return false
	}
	ct, _ := m["content_type"].(string)
	return ct == "intermediate"
}

// hasSubsequentNonIntermediate reports whether repeatedly calling
// findNextElement will eventually yield a non-intermediate element.
func (c *Cursor) hasSubsequentNonIntermediate() bool {
	cursor := c
	for {
		cursor = cursor.findNextElement()
		if cursor == nil {
			return false
		}
		if !cursor.intermediate() {
			return true
		}
	}
}
