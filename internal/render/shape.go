package render

import (
	"fmt"
	"slices"
	"strconv"
)

// shape is a renderer-native object backed by one container node.
type shape struct {
	engine   *engine
	node     *Node
	onClick  func()
	controls []*control
	spec     ShapeSpec
	cost     int
	disposed bool
}

func (s *shape) ID() string        { return s.spec.ID }
func (s *shape) Spec() ShapeSpec   { return s.spec }
func (s *shape) Node() *Node       { return s.node }
func (s *shape) Disposed() bool    { return s.disposed }
func (s *shape) OnClick(fn func()) { s.onClick = fn }

func (s *shape) Update(spec ShapeSpec) error {
	if s.disposed {
		return ErrDisposed
	}
	if spec.ID != s.spec.ID {
		return fmt.Errorf("shape %s: id change to %s", s.spec.ID, spec.ID)
	}
	if spec.Type != s.spec.Type {
		return fmt.Errorf("shape %s: type change from %s to %s", s.spec.ID, s.spec.Type, spec.Type)
	}
	if err := s.engine.prof.validate(spec); err != nil {
		return err
	}

	cost := s.engine.prof.gpuCost(spec)
	s.engine.gpuBytes += cost - s.cost
	s.cost = cost
	s.spec = spec
	s.applyAttrs()
	return nil
}

func (s *shape) applyAttrs() {
	s.node.SetAttr("id", s.spec.ID)
	s.node.SetAttr("type", string(s.spec.Type))
	s.node.SetAttr("label", s.spec.Label)
	s.node.SetAttr("color", s.spec.Color)
	s.node.SetVisible(true)
}

func (s *shape) EnsureVisible() bool {
	if s.disposed || s.node.Visible() {
		return false
	}
	s.node.SetVisible(true)
	return true
}

func (s *shape) Visible() bool { return !s.disposed && s.node.Visible() }

func (s *shape) Click() {
	if s.disposed || s.onClick == nil {
		return
	}
	s.onClick()
}

func (s *shape) AddControl(kind ControlKind, label string) (Control, error) {
	if s.disposed {
		return nil, ErrDisposed
	}
	for _, c := range s.controls {
		if c.kind == kind {
			return nil, fmt.Errorf("shape %s already has a %s control", s.spec.ID, kind)
		}
	}
	c := &control{
		shape: s,
		kind:  kind,
		node:  s.engine.container.Append("control:" + string(kind)),
	}
	c.node.SetAttr("label", label)
	c.node.SetAttr("for", s.spec.ID)
	s.controls = append(s.controls, c)
	return c, nil
}

func (s *shape) Controls() []Control {
	out := make([]Control, 0, len(s.controls))
	for _, c := range s.controls {
		out = append(out, c)
	}
	return out
}

// Dispose removes the shape from its engine.
func (s *shape) Dispose() {
	if s.disposed {
		return
	}
	s.dispose()
	delete(s.engine.shapes, s.spec.ID)
}

// dispose releases the node, controls and GPU buffers without touching the
// engine's shape index.
func (s *shape) dispose() {
	if s.disposed {
		return
	}
	s.disposed = true
	for _, c := range s.controls {
		c.Dispose()
	}
	s.controls = nil
	s.engine.gpuBytes -= s.cost
	s.cost = 0
	s.onClick = nil
	s.node.Remove()
}

// control is an edit button, upload input or image overlay bound to a shape.
type control struct {
	shape    *shape
	node     *Node
	handler  func(Activation)
	kind     ControlKind
	texture  int
	disposed bool
}

func (c *control) Kind() ControlKind { return c.kind }
func (c *control) Disposed() bool    { return c.disposed }

func (c *control) OnActivate(fn func(Activation)) {
	if c.disposed {
		return
	}
	c.handler = fn
}

func (c *control) Activate(a Activation) {
	if c.disposed || c.handler == nil {
		return
	}
	c.handler(a)
}

func (c *control) Load(a Activation) {
	if c.disposed {
		return
	}
	c.node.SetAttr("content", a.Name)
	c.node.SetAttr("content-type", a.ContentType)
	c.node.SetAttr("opacity", strconv.FormatFloat(a.Opacity, 'f', 2, 64))
	if c.shape.engine.prof.gpuCost(c.shape.spec) > 0 {
		// overlay images become textures on GPU-backed engines
		c.shape.engine.gpuBytes += len(a.Data) - c.texture
		c.texture = len(a.Data)
	}
}

func (c *control) Dispose() {
	if c.disposed {
		return
	}
	c.disposed = true
	c.handler = nil
	c.shape.engine.gpuBytes -= c.texture
	c.texture = 0
	c.node.Remove()
	if !c.shape.disposed {
		c.shape.controls = slices.DeleteFunc(c.shape.controls, func(o *control) bool { return o == c })
	}
}
