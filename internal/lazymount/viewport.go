package lazymount

import "sync"

// Rect is an axis-aligned box in page coordinates.
type Rect struct {
	X, Y, W, H float64
}

func (r Rect) area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

func (r Rect) grow(m float64) Rect {
	return Rect{X: r.X - m, Y: r.Y - m, W: r.W + 2*m, H: r.H + 2*m}
}

func (r Rect) intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Viewport is a scrollable window over laid-out elements. It reports
// visibility to the Observers it hands out whenever the view moves.
type Viewport struct {
	mu      sync.Mutex
	view    Rect
	targets map[*target]struct{}
}

// NewViewport returns a viewport showing view.
func NewViewport(view Rect) *Viewport {
	return &Viewport{view: view, targets: make(map[*target]struct{})}
}

// Observer returns an Observer for an element laid out at el.
func (v *Viewport) Observer(el Rect) Observer {
	return &target{vp: v, el: el}
}

// ScrollTo moves the view's origin and notifies every observed element.
func (v *Viewport) ScrollTo(x, y float64) {
	v.mu.Lock()
	v.view.X, v.view.Y = x, y
	v.mu.Unlock()
	v.notifyAll()
}

// Resize changes the view's size and notifies every observed element.
func (v *Viewport) Resize(w, h float64) {
	v.mu.Lock()
	v.view.W, v.view.H = w, h
	v.mu.Unlock()
	v.notifyAll()
}

// Observed returns the number of connected observers.
func (v *Viewport) Observed() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.targets)
}

func (v *Viewport) notifyAll() {
	v.mu.Lock()
	view := v.view
	ts := make([]*target, 0, len(v.targets))
	for t := range v.targets {
		ts = append(ts, t)
	}
	v.mu.Unlock()
	for _, t := range ts {
		t.deliver(view)
	}
}

type target struct {
	vp *Viewport
	el Rect

	mu   sync.Mutex
	opts ObserveOptions
	fn   func(Entry)
}

func (t *target) Observe(opts ObserveOptions, fn func(Entry)) {
	t.mu.Lock()
	t.opts, t.fn = opts, fn
	t.mu.Unlock()

	t.vp.mu.Lock()
	t.vp.targets[t] = struct{}{}
	view := t.vp.view
	t.vp.mu.Unlock()
	t.deliver(view)
}

func (t *target) Disconnect() {
	t.vp.mu.Lock()
	delete(t.vp.targets, t)
	t.vp.mu.Unlock()

	t.mu.Lock()
	t.fn = nil
	t.mu.Unlock()
}

func (t *target) deliver(view Rect) {
	t.mu.Lock()
	fn, opts := t.fn, t.opts
	t.mu.Unlock()
	if fn == nil {
		return
	}
	fn(entryFor(t.el, view.grow(opts.RootMargin)))
}

func entryFor(el, root Rect) Entry {
	a := el.area()
	if a == 0 {
		return Entry{}
	}
	inter := el.intersect(root).area()
	return Entry{Intersecting: inter > 0, Ratio: inter / a}
}
