// internal/browser/session/cdp_driver.go
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/tether/internal/errdefs"
	"github.com/xkilldash9x/tether/internal/locator"
)

// describeConcurrency bounds the parallel DOM.describeNode calls issued per search.
const describeConcurrency = 8

// CDPDriver implements Driver over the Chrome DevTools Protocol using chromedp.
// Element references carry backend node ids, which stay valid across
// DOM.getDocument resets; liveness is checked with Node.isConnected.
type CDPDriver struct {
	// ctx is the chromedp tab context. All commands run against it, combined
	// with the caller's operational context.
	ctx    context.Context
	logger *zap.Logger

	// run executes actions; tests replace it to avoid a real browser.
	run func(ctx context.Context, actions ...chromedp.Action) error

	mu sync.Mutex
	// frame is the frame element currently switched into, nil for the main document.
	frame *cdpRef

	groups atomic.Int64
}

var _ Driver = (*CDPDriver)(nil)

// NewCDPDriver wraps a chromedp tab context (as returned by chromedp.NewContext).
func NewCDPDriver(tabCtx context.Context, logger *zap.Logger) *CDPDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &CDPDriver{
		ctx:    tabCtx,
		logger: logger.Named("cdp"),
	}
	d.run = d.runActions
	return d
}

// runActions executes chromedp actions so that they respect both the tab
// lifetime (d.ctx) and the incoming operational context.
func (d *CDPDriver) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(d.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (d *CDPDriver) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return classifyCDPError(d.run(ctx, chromedp.ActionFunc(fn)))
}

// objectGroup returns a fresh object group name; every remote object created
// by a single operation is released together.
func (d *CDPDriver) objectGroup() string {
	return fmt.Sprintf("tether-%d", d.groups.Add(1))
}

func releaseGroup(ctx context.Context, group string) {
	// Best effort. The page may already have navigated away.
	_ = runtime.ReleaseObjectGroup(group).Do(ctx)
}

// Navigate loads url in the tab and resets the selection to the main document.
func (d *CDPDriver) Navigate(ctx context.Context, url string) error {
	d.logger.Info("Navigating.", zap.String("url", url))
	if err := d.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	d.mu.Lock()
	d.frame = nil
	d.mu.Unlock()
	return nil
}

func (d *CDPDriver) SwitchToDefaultContent(ctx context.Context) error {
	d.mu.Lock()
	d.frame = nil
	d.mu.Unlock()
	return nil
}

func (d *CDPDriver) SwitchToFrame(ctx context.Context, frame Ref) error {
	r, ok := frame.(*cdpRef)
	if !ok {
		return fmt.Errorf("cdp: cannot switch to foreign reference %T", frame)
	}
	err := d.do(ctx, func(ctx context.Context) error {
		group := d.objectGroup()
		defer releaseGroup(ctx, group)
		_, err := r.contentDocument(ctx, group)
		return err
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.frame = r
	d.mu.Unlock()
	return nil
}

// searchRoot returns a remote object for the node the search starts from.
func (d *CDPDriver) searchRoot(ctx context.Context, root Ref, group string) (*runtime.RemoteObject, error) {
	if root != nil {
		r, ok := root.(*cdpRef)
		if !ok {
			return nil, fmt.Errorf("cdp: cannot search under foreign reference %T", root)
		}
		return r.resolve(ctx, group)
	}

	d.mu.Lock()
	frame := d.frame
	d.mu.Unlock()
	if frame != nil {
		return frame.contentDocument(ctx, group)
	}

	obj, exc, err := runtime.Evaluate("document").WithObjectGroup(group).Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, errdefs.Transient(fmt.Errorf("cdp: document unavailable: %s", exc.Text))
	}
	return obj, nil
}

func (d *CDPDriver) FindElements(ctx context.Context, loc locator.Locator, root Ref) ([]Ref, error) {
	if !loc.Searchable() {
		return nil, errdefs.NewUsageError("FindElements", "locator has no strategy")
	}

	var refs []Ref
	err := d.do(ctx, func(ctx context.Context) error {
		group := d.objectGroup()
		defer releaseGroup(ctx, group)

		rootObj, err := d.searchRoot(ctx, root, group)
		if err != nil {
			return err
		}

		args, err := jsArgs(strategyKey(loc.Strategy()), loc.Pattern())
		if err != nil {
			return err
		}
		arr, exc, err := runtime.CallFunctionOn(searchFunction).
			WithObjectID(rootObj.ObjectID).
			WithArguments(args).
			WithObjectGroup(group).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("cdp: search %s failed: %s", loc, exceptionText(exc))
		}

		props, _, _, exc, err := runtime.GetProperties(arr.ObjectID).WithOwnProperties(true).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("cdp: reading search results failed: %s", exceptionText(exc))
		}

		var objects []runtime.RemoteObjectID
		for _, p := range props {
			if p.Value == nil || p.Value.ObjectID == "" || !isIndex(p.Name) {
				continue
			}
			objects = append(objects, p.Value.ObjectID)
		}
		// Own properties come back in index order for arrays.
		ids := make([]cdp.BackendNodeID, len(objects))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(describeConcurrency)
		for i, objID := range objects {
			g.Go(func() error {
				n, err := dom.DescribeNode().WithObjectID(objID).Do(gctx)
				if err != nil {
					return err
				}
				ids[i] = n.BackendNodeID
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		refs = make([]Ref, len(ids))
		for i, id := range ids {
			refs[i] = &cdpRef{d: d, id: id}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.logger.Debug("Search complete.", zap.Stringer("locator", loc), zap.Int("matches", len(refs)))
	return refs, nil
}

func isIndex(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func strategyKey(s locator.Strategy) string {
	switch s {
	case locator.ID:
		return "id"
	case locator.ClassName:
		return "class"
	case locator.XPath:
		return "xpath"
	case locator.CSS:
		return "css"
	case locator.Name:
		return "name"
	case locator.LinkText:
		return "linktext"
	case locator.PartialLinkText:
		return "partiallinktext"
	case locator.TagName:
		return "tag"
	}
	return ""
}

// searchFunction runs with `this` bound to a Document or Element and returns
// matching elements in document order.
const searchFunction = `function(strategy, pattern) {
	const root = this;
	const doc = root.nodeType === 9 ? root : root.ownerDocument;
	const all = (sel) => Array.from(root.querySelectorAll(sel));
	const quote = (s) => '"' + String(s).replace(/["\\]/g, '\\$&') + '"';
	switch (strategy) {
	case 'id':
		return all('[id=' + quote(pattern) + ']');
	case 'name':
		return all('[name=' + quote(pattern) + ']');
	case 'class':
		return all('[class~=' + quote(pattern) + ']');
	case 'tag':
		return all(pattern);
	case 'css':
		return all(pattern);
	case 'linktext':
		return all('a').filter((a) => (a.innerText || a.textContent || '').trim() === pattern);
	case 'partiallinktext':
		return all('a').filter((a) => (a.innerText || a.textContent || '').includes(pattern));
	case 'xpath': {
		const out = [];
		const snap = doc.evaluate(pattern, root, null, 7, null);
		for (let i = 0; i < snap.snapshotLength; i++) {
			const n = snap.snapshotItem(i);
			if (n.nodeType === 1) out.push(n);
		}
		return out;
	}
	}
	throw new Error('unsupported strategy ' + strategy);
}`

func jsArgs(values ...interface{}) ([]*runtime.CallArgument, error) {
	args := make([]*runtime.CallArgument, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cdp: encoding argument %d: %w", i, err)
		}
		args[i] = &runtime.CallArgument{Value: raw}
	}
	return args, nil
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

// staleMarkers are CDP error fragments meaning the referenced node or its
// execution context is gone.
var staleMarkers = []string{
	"No node with given id",
	"Could not find node with given id",
	"Node is detached from document",
	"Cannot find context with specified id",
	"Could not find object with given id",
	"Cannot find object with given id",
}

// transientMarkers are CDP error fragments for conditions that usually pass,
// such as an in-flight navigation.
var transientMarkers = []string{
	"Execution context was destroyed",
	"Inspected target navigated or closed",
	"Document needs to be requested first",
}

// classifyCDPError maps protocol errors onto the errdefs taxonomy.
func classifyCDPError(err error) error {
	if err == nil || errors.Is(err, errdefs.ErrStaleReference) || errdefs.IsRecoverable(err) {
		return err
	}
	msg := err.Error()
	for _, m := range staleMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", errdefs.ErrStaleReference, err)
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return errdefs.Transient(err)
		}
	}
	return err
}

// cdpRef is a live element reference identified by its backend node id.
type cdpRef struct {
	d  *CDPDriver
	id cdp.BackendNodeID
}

var _ Ref = (*cdpRef)(nil)

func (r *cdpRef) resolve(ctx context.Context, group string) (*runtime.RemoteObject, error) {
	obj, err := dom.ResolveNode().WithBackendNodeID(r.id).WithObjectGroup(group).Do(ctx)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (r *cdpRef) contentDocument(ctx context.Context, group string) (*runtime.RemoteObject, error) {
	obj, err := r.resolve(ctx, group)
	if err != nil {
		return nil, err
	}
	res, exc, err := runtime.CallFunctionOn(`function() {
		if (!this.isConnected) return 'stale';
		return this.contentDocument;
	}`).WithObjectID(obj.ObjectID).WithObjectGroup(group).Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, fmt.Errorf("cdp: reading frame document failed: %s", exceptionText(exc))
	}
	if res.Type == runtime.TypeString {
		return nil, errdefs.ErrStaleReference
	}
	if res.ObjectID == "" {
		return nil, errors.New("cdp: element is not a frame or its document is cross-origin")
	}
	return res, nil
}

// guarded wraps body so that it reports detached nodes instead of running.
func guarded(body string) string {
	return `function(...args) {
		if (!this.isConnected) return { stale: true };
		return { value: (` + body + `).apply(this, args) };
	}`
}

type guardedResult struct {
	Stale bool            `json:"stale"`
	Value json.RawMessage `json:"value"`
}

// call runs a guarded function on the element and decodes its value into out.
func (r *cdpRef) call(ctx context.Context, body string, out interface{}, args ...interface{}) error {
	return r.d.do(ctx, func(ctx context.Context) error {
		group := r.d.objectGroup()
		defer releaseGroup(ctx, group)

		obj, err := r.resolve(ctx, group)
		if err != nil {
			return err
		}
		callArgs, err := jsArgs(args...)
		if err != nil {
			return err
		}
		res, exc, err := runtime.CallFunctionOn(guarded(body)).
			WithObjectID(obj.ObjectID).
			WithArguments(callArgs).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("cdp: element call failed: %s", exceptionText(exc))
		}
		var gr guardedResult
		if err := json.Unmarshal(res.Value, &gr); err != nil {
			return fmt.Errorf("cdp: decoding element call result: %w", err)
		}
		if gr.Stale {
			return errdefs.ErrStaleReference
		}
		if out == nil || len(gr.Value) == 0 {
			return nil
		}
		return json.Unmarshal(gr.Value, out)
	})
}

func (r *cdpRef) Probe(ctx context.Context) error {
	return r.call(ctx, `function() { return null; }`, nil)
}

func (r *cdpRef) Text(ctx context.Context) (string, error) {
	var s string
	err := r.call(ctx, `function() { return this.innerText !== undefined ? this.innerText : this.textContent; }`, &s)
	return s, err
}

func (r *cdpRef) Attribute(ctx context.Context, name string) (string, bool, error) {
	var res struct {
		Value   string `json:"v"`
		Present bool   `json:"p"`
	}
	err := r.call(ctx, `function(name) {
		if (!this.hasAttribute(name)) {
			const prop = this[name];
			if (prop === undefined || prop === null || typeof prop === 'object' || typeof prop === 'function') return { v: '', p: false };
			return { v: String(prop), p: true };
		}
		return { v: this.getAttribute(name), p: true };
	}`, &res, name)
	return res.Value, res.Present, err
}

func (r *cdpRef) CSSValue(ctx context.Context, property string) (string, error) {
	var s string
	err := r.call(ctx, `function(p) { return this.ownerDocument.defaultView.getComputedStyle(this).getPropertyValue(p); }`, &s, property)
	return s, err
}

func (r *cdpRef) TagName(ctx context.Context) (string, error) {
	var s string
	err := r.call(ctx, `function() { return this.tagName.toLowerCase(); }`, &s)
	return s, err
}

func (r *cdpRef) Rect(ctx context.Context) (Rect, error) {
	var rect Rect
	err := r.call(ctx, `function() {
		const b = this.getBoundingClientRect();
		const w = this.ownerDocument.defaultView;
		return { x: b.left + w.scrollX, y: b.top + w.scrollY, width: b.width, height: b.height };
	}`, &rect)
	return rect, err
}

func (r *cdpRef) Displayed(ctx context.Context) (bool, error) {
	var ok bool
	err := r.call(ctx, `function() {
		const w = this.ownerDocument.defaultView;
		for (let el = this; el && el.nodeType === 1; el = el.parentElement) {
			const s = w.getComputedStyle(el);
			if (s.display === 'none' || s.visibility === 'hidden' || s.visibility === 'collapse' || s.opacity === '0') return false;
		}
		const b = this.getBoundingClientRect();
		return b.width > 0 && b.height > 0;
	}`, &ok)
	return ok, err
}

func (r *cdpRef) Enabled(ctx context.Context) (bool, error) {
	var ok bool
	err := r.call(ctx, `function() { return !(this.disabled || this.closest('fieldset[disabled]')); }`, &ok)
	return ok, err
}

func (r *cdpRef) Selected(ctx context.Context) (bool, error) {
	var ok bool
	err := r.call(ctx, `function() { return !!(this.checked || this.selected); }`, &ok)
	return ok, err
}

// center scrolls the element into view and returns the midpoint of its first
// content quad in top-level viewport coordinates, frames included.
func (r *cdpRef) center(ctx context.Context) (float64, float64, error) {
	if err := dom.ScrollIntoViewIfNeeded().WithBackendNodeID(r.id).Do(ctx); err != nil {
		return 0, 0, err
	}
	quads, err := dom.GetContentQuads().WithBackendNodeID(r.id).Do(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(quads) == 0 || len(quads[0]) < 8 {
		return 0, 0, errors.New("cdp: element has no layout box")
	}
	q := quads[0]
	x := (q[0] + q[2] + q[4] + q[6]) / 4
	y := (q[1] + q[3] + q[5] + q[7]) / 4
	return x, y, nil
}

func (r *cdpRef) Click(ctx context.Context) error {
	if err := r.Probe(ctx); err != nil {
		return err
	}
	return r.d.do(ctx, func(ctx context.Context) error {
		x, y, err := r.center(ctx)
		if err != nil {
			return err
		}
		return chromedp.MouseClickXY(x, y).Do(ctx)
	})
}

func (r *cdpRef) MouseOver(ctx context.Context) error {
	if err := r.Probe(ctx); err != nil {
		return err
	}
	return r.d.do(ctx, func(ctx context.Context) error {
		x, y, err := r.center(ctx)
		if err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ctx)
	})
}

func (r *cdpRef) SendKeys(ctx context.Context, keys string) error {
	if err := r.Probe(ctx); err != nil {
		return err
	}
	return r.d.do(ctx, func(ctx context.Context) error {
		if err := dom.Focus().WithBackendNodeID(r.id).Do(ctx); err != nil {
			return err
		}
		return chromedp.KeyEvent(keys).Do(ctx)
	})
}

func (r *cdpRef) Clear(ctx context.Context) error {
	return r.call(ctx, `function() {
		if (this.isContentEditable) { this.textContent = ''; }
		else { this.value = ''; }
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
	}`, nil)
}

func (r *cdpRef) Submit(ctx context.Context) error {
	return r.call(ctx, `function() {
		const form = this.tagName === 'FORM' ? this : (this.form || this.closest('form'));
		if (!form) throw new Error('element is not inside a form');
		if (typeof form.requestSubmit === 'function') form.requestSubmit(); else form.submit();
	}`, nil)
}

func (r *cdpRef) Highlight(ctx context.Context, d time.Duration, color string) error {
	return r.call(ctx, `function(ms, color) {
		const prev = this.style.outline;
		this.style.outline = '3px solid ' + color;
		setTimeout(() => { this.style.outline = prev; }, ms);
	}`, nil, d.Milliseconds(), color)
}
