package render

import "sort"

// MutationType classifies container mutations delivered to observers.
type MutationType int

const (
	// StyleReset means the engine repainted a node and dropped its styling.
	StyleReset MutationType = iota
	// NodeRemoved means a node left the container.
	NodeRemoved
)

// Mutation is delivered to container observers.
type Mutation struct {
	Node *Node
	Type MutationType
}

// Container models the document element a renderer draws into. Renderers
// append nodes for their canvas, shapes and controls; the owner attaches and
// detaches the container as views are mounted.
type Container struct {
	nodes     map[int]*Node
	observers map[int]func(Mutation)
	id        string
	nextNode  int
	nextObs   int
	attached  bool
}

// NewContainer returns a detached, empty container.
func NewContainer(id string) *Container {
	return &Container{
		id:        id,
		nodes:     make(map[int]*Node),
		observers: make(map[int]func(Mutation)),
	}
}

// ID returns the element id.
func (c *Container) ID() string { return c.id }

// Attach inserts the container into the document.
func (c *Container) Attach() { c.attached = true }

// Detach removes the container from the document. Renderers bound to it
// become invalid.
func (c *Container) Detach() { c.attached = false }

// Attached reports whether the container is in the document.
func (c *Container) Attached() bool { return c != nil && c.attached }

// Append adds a child node of the given kind.
func (c *Container) Append(kind string) *Node {
	c.nextNode++
	n := &Node{id: c.nextNode, kind: kind, owner: c, visible: true, attrs: map[string]string{}}
	c.nodes[n.id] = n
	return n
}

// Len returns the number of live child nodes.
func (c *Container) Len() int { return len(c.nodes) }

// Count returns the number of live nodes of one kind.
func (c *Container) Count(kind string) int {
	n := 0
	for _, node := range c.nodes {
		if node.kind == kind {
			n++
		}
	}
	return n
}

// Nodes returns live nodes of a kind ordered by insertion.
func (c *Container) Nodes(kind string) []*Node {
	out := make([]*Node, 0, len(c.nodes))
	for _, node := range c.nodes {
		if kind == "" || node.kind == kind {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Observe registers a mutation observer on this container only.
func (c *Container) Observe(fn func(Mutation)) (disconnect func()) {
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	return func() { delete(c.observers, id) }
}

// Observers returns the number of connected observers.
func (c *Container) Observers() int { return len(c.observers) }

// ResetStyles repaints every node of kind, clearing its visible style, and
// notifies observers.
func (c *Container) ResetStyles(kind string) {
	for _, n := range c.Nodes(kind) {
		if !n.visible {
			continue
		}
		n.visible = false
		c.notify(Mutation{Node: n, Type: StyleReset})
	}
}

func (c *Container) notify(m Mutation) {
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := c.observers[id]; ok {
			fn(m)
		}
	}
}

// Node is one child element: a canvas, a path, an entity, a mesh or a control.
type Node struct {
	owner   *Container
	attrs   map[string]string
	kind    string
	id      int
	visible bool
	removed bool
}

// Kind returns the node kind.
func (n *Node) Kind() string { return n.kind }

// Visible reports whether the node carries the visible style.
func (n *Node) Visible() bool { return n.visible && !n.removed }

// SetVisible applies or clears the visible style.
func (n *Node) SetVisible(v bool) {
	if n.removed {
		return
	}
	n.visible = v
}

// SetAttr sets an attribute.
func (n *Node) SetAttr(key, value string) {
	if n.removed {
		return
	}
	n.attrs[key] = value
}

// Attr returns an attribute.
func (n *Node) Attr(key string) string { return n.attrs[key] }

// Removed reports whether the node left its container.
func (n *Node) Removed() bool { return n.removed }

// Remove detaches the node. It is idempotent.
func (n *Node) Remove() {
	if n.removed {
		return
	}
	n.removed = true
	delete(n.owner.nodes, n.id)
	n.owner.notify(Mutation{Node: n, Type: NodeRemoved})
}
