// internal/browser/session/sessiontest/fake.go
// Package sessiontest provides an in-memory Driver with a tiny element tree,
// used to exercise element handles and verifications without a browser.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/errdefs"
	"github.com/xkilldash9x/tether/internal/locator"
)

// Node is an element in the fake document.
type Node struct {
	Tag       string
	Attrs     map[string]string
	Text      string
	CSS       map[string]string
	Box       session.Rect
	Displayed bool
	Enabled   bool
	Selected  bool
	Children  []*Node
	// Frame is the document of an iframe element.
	Frame *Node

	// Recorded interactions.
	Clicks    int
	Typed     string
	Clears    int
	Submits   int
	Hovers    int
	Highlight string

	parent   *Node
	detached bool
}

// El builds a displayed, enabled element.
func El(tag string, attrs map[string]string, children ...*Node) *Node {
	if attrs == nil {
		attrs = map[string]string{}
	}
	n := &Node{Tag: tag, Attrs: attrs, Displayed: true, Enabled: true, CSS: map[string]string{}}
	for _, c := range children {
		n.Append(c)
	}
	return n
}

// WithText sets the node's text and returns it.
func (n *Node) WithText(text string) *Node {
	n.Text = text
	return n
}

// Hidden marks the node as not displayed and returns it.
func (n *Node) Hidden() *Node {
	n.Displayed = false
	return n
}

// Append adds a child.
func (n *Node) Append(c *Node) {
	c.parent = n
	n.Children = append(n.Children, c)
}

// Detach removes the node from the tree; existing references to it become stale.
func (n *Node) Detach() {
	n.markDetached()
	if p := n.parent; p != nil {
		for i, c := range p.Children {
			if c == n {
				p.Children = append(p.Children[:i:i], p.Children[i+1:]...)
				break
			}
		}
		n.parent = nil
	}
}

func (n *Node) markDetached() {
	n.detached = true
	for _, c := range n.Children {
		c.markDetached()
	}
	if n.Frame != nil {
		n.Frame.markDetached()
	}
}

// ReplaceWith detaches n and inserts repl at the same position, modelling a re-render.
func (n *Node) ReplaceWith(repl *Node) {
	p := n.parent
	if p == nil {
		n.markDetached()
		return
	}
	for i, c := range p.Children {
		if c == n {
			repl.parent = p
			p.Children[i] = repl
			break
		}
	}
	n.parent = nil
	n.markDetached()
}

// Driver is an in-memory session.Driver. The zero value is not usable; use New.
type Driver struct {
	mu       sync.Mutex
	top      *Node
	current  *Node
	finds    int
	switches []string

	// FindHook, when set, runs before every search. Returning a non-nil error
	// fails the search with it; returning handled=true short-circuits with refs.
	FindHook func(call int, loc locator.Locator) (refs []*Node, handled bool, err error)

	// Stall, when set, makes every search block until it is closed or the
	// search context is done, like a browser that stopped answering.
	Stall chan struct{}
}

var _ session.Driver = (*Driver)(nil)

// New returns a Driver whose top-level document is doc.
func New(doc *Node) *Driver {
	return &Driver{top: doc, current: doc}
}

// Finds returns how many FindElements calls were made.
func (d *Driver) Finds() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finds
}

// SwitchLog returns the sequence of context switches ("default" or "frame:<id>").
func (d *Driver) SwitchLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.switches...)
}

// Ref returns a live reference to n, for tests that need one directly.
func (d *Driver) Ref(n *Node) session.Ref {
	return &Ref{d: d, n: n}
}

func (d *Driver) FindElements(ctx context.Context, loc locator.Locator, root session.Ref) ([]session.Ref, error) {
	d.mu.Lock()
	d.finds++
	call := d.finds
	hook := d.FindHook
	stall := d.Stall
	d.mu.Unlock()

	if stall != nil {
		select {
		case <-stall:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hook != nil {
		nodes, handled, err := hook(call, loc)
		if err != nil {
			return nil, err
		}
		if handled {
			return d.wrap(nodes), nil
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	scope := d.current
	if root != nil {
		r, ok := root.(*Ref)
		if !ok {
			return nil, fmt.Errorf("sessiontest: foreign ref %T", root)
		}
		if r.n.detached {
			return nil, errdefs.ErrStaleReference
		}
		scope = r.n
	}
	if scope == nil || scope.detached {
		return nil, errdefs.ErrStaleReference
	}

	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, c := range n.Children {
			if Matches(loc, c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(scope)
	return d.wrap(out), nil
}

func (d *Driver) wrap(nodes []*Node) []session.Ref {
	refs := make([]session.Ref, len(nodes))
	for i, n := range nodes {
		refs[i] = &Ref{d: d, n: n}
	}
	return refs
}

func (d *Driver) SwitchToFrame(ctx context.Context, frame session.Ref) error {
	r, ok := frame.(*Ref)
	if !ok {
		return fmt.Errorf("sessiontest: foreign ref %T", frame)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if r.n.detached {
		return errdefs.ErrStaleReference
	}
	if r.n.Frame == nil {
		return fmt.Errorf("sessiontest: <%s> is not a frame", r.n.Tag)
	}
	d.current = r.n.Frame
	d.switches = append(d.switches, "frame:"+r.n.Attrs["id"])
	return nil
}

func (d *Driver) SwitchToDefaultContent(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = d.top
	d.switches = append(d.switches, "default")
	return nil
}

// Matches reports whether n satisfies loc. CSS supports "#id", ".class",
// "tag" and "[attr='value']"; XPath supports "//tag" and "//tag[@attr='value']".
func Matches(loc locator.Locator, n *Node) bool {
	p := loc.Pattern()
	switch loc.Strategy() {
	case locator.ID:
		return n.Attrs["id"] == p
	case locator.Name:
		return n.Attrs["name"] == p
	case locator.ClassName:
		return hasClass(n, p)
	case locator.TagName:
		return strings.EqualFold(n.Tag, p)
	case locator.LinkText:
		return n.Tag == "a" && strings.TrimSpace(n.Text) == p
	case locator.PartialLinkText:
		return n.Tag == "a" && strings.Contains(n.Text, p)
	case locator.CSS:
		switch {
		case strings.HasPrefix(p, "#"):
			return n.Attrs["id"] == p[1:]
		case strings.HasPrefix(p, "."):
			return hasClass(n, p[1:])
		case strings.HasPrefix(p, "["):
			k, v := parseAttrPredicate(strings.Trim(p, "[]"))
			return n.Attrs[k] == v
		default:
			return strings.EqualFold(n.Tag, p)
		}
	case locator.XPath:
		expr := strings.TrimPrefix(p, "//")
		tag, pred, _ := strings.Cut(expr, "[")
		if tag != "*" && !strings.EqualFold(n.Tag, tag) {
			return false
		}
		if pred == "" {
			return true
		}
		k, v := parseAttrPredicate(strings.TrimPrefix(strings.TrimSuffix(pred, "]"), "@"))
		return n.Attrs[k] == v
	}
	return false
}

func hasClass(n *Node, class string) bool {
	for _, c := range strings.Fields(n.Attrs["class"]) {
		if c == class {
			return true
		}
	}
	return false
}

func parseAttrPredicate(s string) (string, string) {
	k, v, _ := strings.Cut(s, "=")
	return strings.TrimSpace(k), strings.Trim(strings.TrimSpace(v), `'"`)
}

// Ref is a reference into the fake document.
type Ref struct {
	d *Driver
	n *Node
}

var _ session.Ref = (*Ref)(nil)

// Node exposes the referenced node.
func (r *Ref) Node() *Node { return r.n }

// ErrNotInteractable is returned when acting on a hidden or disabled element.
var ErrNotInteractable = errors.New("element not interactable")

func (r *Ref) with(fn func(n *Node) error) error {
	r.d.mu.Lock()
	defer r.d.mu.Unlock()
	if r.n.detached {
		return errdefs.ErrStaleReference
	}
	return fn(r.n)
}

func (r *Ref) Probe(ctx context.Context) error {
	return r.with(func(*Node) error { return nil })
}

func (r *Ref) Text(ctx context.Context) (s string, err error) {
	err = r.with(func(n *Node) error { s = n.Text; return nil })
	return
}

func (r *Ref) Attribute(ctx context.Context, name string) (v string, ok bool, err error) {
	err = r.with(func(n *Node) error { v, ok = n.Attrs[name]; return nil })
	return
}

func (r *Ref) CSSValue(ctx context.Context, property string) (v string, err error) {
	err = r.with(func(n *Node) error { v = n.CSS[property]; return nil })
	return
}

func (r *Ref) TagName(ctx context.Context) (v string, err error) {
	err = r.with(func(n *Node) error { v = strings.ToLower(n.Tag); return nil })
	return
}

func (r *Ref) Rect(ctx context.Context) (v session.Rect, err error) {
	err = r.with(func(n *Node) error { v = n.Box; return nil })
	return
}

func (r *Ref) Displayed(ctx context.Context) (v bool, err error) {
	err = r.with(func(n *Node) error { v = n.Displayed; return nil })
	return
}

func (r *Ref) Enabled(ctx context.Context) (v bool, err error) {
	err = r.with(func(n *Node) error { v = n.Enabled; return nil })
	return
}

func (r *Ref) Selected(ctx context.Context) (v bool, err error) {
	err = r.with(func(n *Node) error { v = n.Selected; return nil })
	return
}

func (r *Ref) Click(ctx context.Context) error {
	return r.with(func(n *Node) error {
		if !n.Displayed || !n.Enabled {
			return ErrNotInteractable
		}
		n.Clicks++
		if t := n.Attrs["type"]; n.Tag == "input" && (t == "checkbox" || t == "radio") {
			n.Selected = !n.Selected || t == "radio"
		}
		return nil
	})
}

func (r *Ref) SendKeys(ctx context.Context, keys string) error {
	return r.with(func(n *Node) error {
		if !n.Enabled {
			return ErrNotInteractable
		}
		n.Typed += keys
		n.Attrs["value"] = n.Typed
		return nil
	})
}

func (r *Ref) Clear(ctx context.Context) error {
	return r.with(func(n *Node) error {
		n.Clears++
		n.Typed = ""
		n.Attrs["value"] = ""
		return nil
	})
}

func (r *Ref) Submit(ctx context.Context) error {
	return r.with(func(n *Node) error { n.Submits++; return nil })
}

func (r *Ref) MouseOver(ctx context.Context) error {
	return r.with(func(n *Node) error { n.Hovers++; return nil })
}

func (r *Ref) Highlight(ctx context.Context, d time.Duration, color string) error {
	return r.with(func(n *Node) error { n.Highlight = color; return nil })
}
