// internal/browser/element/handle.go
// Package element implements element handles: symbolic locators bound to a
// session that resolve to live references on demand, re-resolve after the
// DOM changes underneath them and expose the usual element actions.
package element

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/browser/verify"
	"github.com/xkilldash9x/tether/internal/errdefs"
	"github.com/xkilldash9x/tether/internal/locator"
	"github.com/xkilldash9x/tether/internal/poll"
)

// DefaultTimeout bounds resolution when no WithTimeout option is given.
const DefaultTimeout = 10 * time.Second

// State tags what the handle knows about its cached reference.
type State int

const (
	// Unresolved means no lookup has happened yet.
	Unresolved State = iota
	// Resolved means the cached reference was live when last checked.
	Resolved
	// Stale means the cached reference was found detached and must be looked up again.
	Stale
	// NotFound means the last resolution ran out of time. A later call tries again.
	NotFound
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolved:
		return "resolved"
	case Stale:
		return "stale"
	case NotFound:
		return "not_found"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handle is a lazily resolved element. It is bound to one session.Context and
// must not be shared across sessions.
type Handle struct {
	sess     *session.Context
	loc      locator.Locator
	name     string
	owner    string
	parent   *Handle
	frame    *Handle
	timeout  time.Duration
	interval time.Duration
	clock    poll.Clock
	base     *zap.Logger
	logger   *zap.Logger
	reporter verify.Reporter

	// visibleOnly makes resolution pick the first displayed match.
	visibleOnly bool
	// fixed handles wrap a reference found elsewhere and cannot be looked up again.
	fixed bool

	mu     sync.Mutex
	cached session.Ref
	state  State
}

// Option configures a Handle.
type Option func(*Handle)

// WithName sets the name used in logs and failure messages.
func WithName(name string) Option { return func(h *Handle) { h.name = name } }

// WithOwner records the page object the handle belongs to.
func WithOwner(owner string) Option { return func(h *Handle) { h.owner = owner } }

// WithParent scopes the search to the subtree of parent's element.
func WithParent(parent *Handle) Option { return func(h *Handle) { h.parent = parent } }

// WithFrame makes the handle live inside the document of the frame element.
func WithFrame(frame *Handle) Option { return func(h *Handle) { h.frame = frame } }

// WithTimeout sets how long resolution may poll.
func WithTimeout(d time.Duration) Option { return func(h *Handle) { h.timeout = d } }

// WithInterval sets the pause between resolution attempts.
func WithInterval(d time.Duration) Option { return func(h *Handle) { h.interval = d } }

// WithClock replaces the wall clock, for tests.
func WithClock(c poll.Clock) Option { return func(h *Handle) { h.clock = c } }

// WithLogger sets the parent logger. The session logger is used otherwise.
func WithLogger(l *zap.Logger) Option { return func(h *Handle) { h.base = l } }

// WithReporter sets where Assert-mode verification failures go.
func WithReporter(r verify.Reporter) Option { return func(h *Handle) { h.reporter = r } }

// New returns an unresolved handle for loc. Nothing touches the backend until
// the first operation.
func New(sess *session.Context, loc locator.Locator, opts ...Option) *Handle {
	if sess == nil {
		panic("element.New called with a nil session.Context")
	}
	h := &Handle{
		sess:     sess,
		loc:      loc,
		timeout:  DefaultTimeout,
		interval: poll.DefaultInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.finish()
	return h
}

// FromRef wraps an already resolved reference. The handle has no locator: it
// cannot be parameterized, and once the reference goes stale every operation
// fails with errdefs.ErrStaleReference. A nil ref yields a handle that is
// stale from the start.
func FromRef(sess *session.Context, ref session.Ref, opts ...Option) *Handle {
	h := New(sess, locator.Locator{}, opts...)
	h.fixed = true
	h.cached = ref
	h.state = Resolved
	if ref == nil {
		h.state = Stale
	}
	return h
}

func (h *Handle) finish() {
	if h.name == "" {
		if h.loc.Searchable() {
			h.name = h.loc.String()
		} else {
			h.name = "element"
		}
	}
	if h.clock == nil {
		h.clock = poll.RealClock
	}
	if h.base == nil {
		h.base = h.sess.Logger()
	}
	fields := []zap.Field{zap.String("handle", h.name)}
	if h.owner != "" {
		fields = append(fields, zap.String("owner", h.owner))
	}
	h.logger = h.base.Named("element").With(fields...)

	// A parent scoping a framed handle lives in the same frame.
	if h.frame != nil && h.parent != nil && h.parent.frame == nil && !h.parent.fixed {
		p := h.parent.derive(h.parent.loc)
		p.frame = h.frame
		p.finish()
		h.parent = p
	}
}

// derive copies the configuration of h into a fresh, unresolved handle. The
// caller adjusts it and then calls finish.
func (h *Handle) derive(loc locator.Locator) *Handle {
	return &Handle{
		sess:        h.sess,
		loc:         loc,
		name:        h.name,
		owner:       h.owner,
		parent:      h.parent,
		frame:       h.frame,
		timeout:     h.timeout,
		interval:    h.interval,
		clock:       h.clock,
		base:        h.base,
		reporter:    h.reporter,
		visibleOnly: h.visibleOnly,
	}
}

func (h *Handle) Name() string              { return h.name }
func (h *Handle) Owner() string             { return h.owner }
func (h *Handle) Locator() locator.Locator  { return h.loc }
func (h *Handle) Timeout() time.Duration    { return h.timeout }
func (h *Handle) Logger() *zap.Logger       { return h.logger }
func (h *Handle) Reporter() verify.Reporter { return h.reporter }

// State returns the resolution state of the cached reference.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Invalidate drops the cached reference so the next operation looks it up again.
func (h *Handle) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fixed {
		return
	}
	h.cached = nil
	h.state = Unresolved
}

// Poller returns a poller for op that shares the handle's interval and clock.
func (h *Handle) Poller(op string, timeout time.Duration) poll.Poller {
	return poll.Poller{
		Op:       op,
		Timeout:  timeout,
		Interval: h.interval,
		Clock:    h.clock,
		Logger:   h.logger,
	}
}

// WithParam returns a new handle whose locator has {0} replaced by value.
func (h *Handle) WithParam(value string) (*Handle, error) {
	return h.WithParams(value)
}

// WithParams returns a new handle whose locator has every {i} replaced by
// values[i]. The receiver is left untouched.
func (h *Handle) WithParams(values ...string) (*Handle, error) {
	if h.fixed {
		return nil, errdefs.NewUsageError("WithParams", "handle was built from a reference and has no locator")
	}
	loc, err := h.loc.WithParams(values...)
	if err != nil {
		return nil, err
	}
	d := h.derive(loc)
	if d.name == h.loc.String() {
		d.name = loc.String()
	}
	d.finish()
	return d, nil
}

func (h *Handle) snapshot() (session.Ref, State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cached, h.state
}

func (h *Handle) bind(ref session.Ref) {
	h.mu.Lock()
	h.cached = ref
	h.state = Resolved
	h.mu.Unlock()
}

func (h *Handle) mark(s State) {
	h.mu.Lock()
	h.state = s
	if s != Resolved && !h.fixed {
		h.cached = nil
	}
	h.mu.Unlock()
}

func (h *Handle) staleErr() error {
	return fmt.Errorf("%s: %w", h.name, errdefs.ErrStaleReference)
}

// enter selects the rendering context the handle's search root lives in.
// Frame and parent handles are resolved with a single attempt; the caller's
// poll loop provides the retries.
func (h *Handle) enter(ctx context.Context, s *session.Scope) error {
	switch {
	case h.frame != nil:
		fref, err := h.frame.liveIn(ctx, s, 0)
		if err != nil {
			return fmt.Errorf("resolving frame %s: %w", h.frame.name, err)
		}
		return s.SwitchToFrame(ctx, fref)
	case h.parent != nil:
		return h.parent.enter(ctx, s)
	default:
		return s.SwitchToDefaultContent(ctx)
	}
}

// search returns every current match, scoped to the parent when there is one.
// Resolving the parent enters its context, which is the handle's own: a
// framed handle's parent carries the same frame (see finish).
func (h *Handle) search(ctx context.Context, s *session.Scope) ([]session.Ref, error) {
	if !h.loc.Searchable() {
		return nil, errdefs.NewUsageError("resolve "+h.name, "handle has no searchable locator")
	}
	var root session.Ref
	if h.parent != nil {
		pref, err := h.parent.liveIn(ctx, s, 0)
		if err != nil {
			return nil, fmt.Errorf("resolving parent %s: %w", h.parent.name, err)
		}
		root = pref
	} else if err := h.enter(ctx, s); err != nil {
		return nil, err
	}
	return s.FindElements(ctx, h.loc, root)
}

// attempt performs one lookup and picks the match the handle binds to.
func (h *Handle) attempt(ctx context.Context, s *session.Scope) (session.Ref, error) {
	refs, err := h.search(ctx, s)
	if err != nil {
		return nil, err
	}
	if !h.visibleOnly {
		if len(refs) == 0 {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, h.loc)
		}
		return refs[0], nil
	}
	for _, ref := range refs {
		ok, err := ref.Displayed(ctx)
		if errors.Is(err, errdefs.ErrStaleReference) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ok {
			return ref, nil
		}
	}
	return nil, fmt.Errorf("%w: no displayed match among %d for %s", errdefs.ErrNotFound, len(refs), h.loc)
}

// resolveIn looks the element up, polling for at most wait.
func (h *Handle) resolveIn(ctx context.Context, s *session.Scope, wait time.Duration) (session.Ref, error) {
	if h.fixed {
		return nil, h.staleErr()
	}
	ref, err := poll.Until(ctx, h.Poller("resolve "+h.name, wait), func(ctx context.Context) (session.Ref, error) {
		return h.attempt(ctx, s)
	})
	if err != nil {
		if errdefs.IsTimeout(err) {
			h.mark(NotFound)
		}
		return nil, err
	}
	h.bind(ref)
	h.logger.Debug("Resolved.", zap.Stringer("locator", h.loc))
	return ref, nil
}

// liveIn returns a reference believed live: the cached one if it still
// probes fine, a freshly resolved one otherwise.
func (h *Handle) liveIn(ctx context.Context, s *session.Scope, wait time.Duration) (session.Ref, error) {
	ref, state := h.snapshot()
	if state == Resolved && ref != nil {
		err := h.enter(ctx, s)
		if err == nil {
			err = ref.Probe(ctx)
			if err == nil {
				return ref, nil
			}
		}
		if !errdefs.IsRecoverable(err) {
			return nil, err
		}
		h.logger.Debug("Cached reference is stale.", zap.Error(err))
		h.mark(Stale)
		if h.fixed {
			return nil, h.staleErr()
		}
	}
	return h.resolveIn(ctx, s, wait)
}

// withRef runs fn against a live reference. When fn itself reports the
// reference stale, the handle re-resolves once and runs fn again.
func (h *Handle) withRef(ctx context.Context, op string, wait time.Duration, fn func(ctx context.Context, ref session.Ref) error) error {
	err := h.sess.Do(ctx, func(ctx context.Context, s *session.Scope) error {
		ref, err := h.liveIn(ctx, s, wait)
		if err != nil {
			return err
		}
		err = fn(ctx, ref)
		if !errors.Is(err, errdefs.ErrStaleReference) {
			return err
		}
		h.logger.Debug("Reference went stale during operation, resolving again.", zap.String("op", op))
		h.mark(Stale)
		if ref, err = h.resolveIn(ctx, s, wait); err != nil {
			return err
		}
		return fn(ctx, ref)
	})
	if err != nil {
		return fmt.Errorf("%s on %s: %w", op, h.name, err)
	}
	return nil
}

func value[T any](ctx context.Context, h *Handle, op string, fn func(ctx context.Context, ref session.Ref) (T, error)) (T, error) {
	var out T
	err := h.withRef(ctx, op, h.timeout, func(ctx context.Context, ref session.Ref) error {
		v, err := fn(ctx, ref)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Resolve forces a lookup if the handle has no live reference. It returns the
// reference so callers can hand it to other tooling.
func (h *Handle) Resolve(ctx context.Context) (session.Ref, error) {
	var out session.Ref
	err := h.withRef(ctx, "resolve", h.timeout, func(_ context.Context, ref session.Ref) error {
		out = ref
		return nil
	})
	return out, err
}

// Inspect runs fn against the current match using a single lookup attempt.
// Verifications use it from inside their own poll loop.
func (h *Handle) Inspect(ctx context.Context, fn func(ctx context.Context, ref session.Ref) error) error {
	return h.withRef(ctx, "inspect", 0, fn)
}

// Count returns the number of current matches without waiting. Missing
// frames or parents count as zero matches.
func (h *Handle) Count(ctx context.Context) (int, error) {
	var n int
	err := h.sess.Do(ctx, func(ctx context.Context, s *session.Scope) error {
		if h.fixed {
			ref, err := h.fixedRef(ctx, s)
			if err != nil {
				return err
			}
			if ref != nil {
				n = 1
			}
			return nil
		}
		refs, err := h.search(ctx, s)
		if err != nil {
			return err
		}
		n = len(refs)
		return nil
	})
	if errdefs.IsRecoverable(err) {
		return 0, nil
	}
	return n, err
}

// fixedRef returns the wrapped reference of a FromRef handle if it is still
// live in its own context, nil if it is gone.
func (h *Handle) fixedRef(ctx context.Context, s *session.Scope) (session.Ref, error) {
	ref, _ := h.snapshot()
	if ref == nil {
		return nil, nil
	}
	err := h.enter(ctx, s)
	if err == nil {
		err = ref.Probe(ctx)
	}
	if errdefs.IsRecoverable(err) {
		return nil, nil
	}
	return ref, err
}

// IsPresent reports whether at least one match shows up within timeout. It
// never fails: errors and timeouts read as false.
func (h *Handle) IsPresent(ctx context.Context, timeout time.Duration) bool {
	err := poll.Condition(ctx, h.Poller("present "+h.name, timeout), func(ctx context.Context) (bool, error) {
		n, err := h.Count(ctx)
		return n > 0, err
	})
	if err != nil {
		h.logger.Debug("Not present.", zap.Error(err))
	}
	return err == nil
}

// IsDisplayed reports whether any match is displayed within timeout. It never fails.
func (h *Handle) IsDisplayed(ctx context.Context, timeout time.Duration) bool {
	err := poll.Condition(ctx, h.Poller("displayed "+h.name, timeout), func(ctx context.Context) (bool, error) {
		var shown bool
		err := h.sess.Do(ctx, func(ctx context.Context, s *session.Scope) error {
			var refs []session.Ref
			var err error
			if h.fixed {
				ref, err := h.fixedRef(ctx, s)
				if err != nil {
					return err
				}
				if ref != nil {
					refs = []session.Ref{ref}
				}
			} else if refs, err = h.search(ctx, s); err != nil {
				return err
			}
			for _, ref := range refs {
				ok, err := ref.Displayed(ctx)
				if err == nil && ok {
					shown = true
					return nil
				}
			}
			return nil
		})
		return shown, err
	})
	return err == nil
}

// VisibleElement returns a handle bound to the first displayed match, waiting
// up to the handle timeout for one to appear. The returned handle keeps
// picking the first displayed match when it has to resolve again.
func (h *Handle) VisibleElement(ctx context.Context) (*Handle, error) {
	if h.fixed {
		return nil, errdefs.NewUsageError("VisibleElement", "handle was built from a reference and has no locator")
	}
	v := h.derive(h.loc)
	v.visibleOnly = true
	v.finish()
	if _, err := v.Resolve(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Find returns a child handle whose lookups are scoped to this element.
func (h *Handle) Find(loc locator.Locator, opts ...Option) *Handle {
	base := []Option{
		WithParent(h),
		WithOwner(h.owner),
		WithTimeout(h.timeout),
		WithInterval(h.interval),
		WithClock(h.clock),
		WithLogger(h.base),
		WithReporter(h.reporter),
	}
	return New(h.sess, loc, append(base, opts...)...)
}

// FindAll returns a handle for each element under this one currently matching
// loc. An empty result is not an error.
func (h *Handle) FindAll(ctx context.Context, loc locator.Locator) ([]*Handle, error) {
	var refs []session.Ref
	err := h.withRef(ctx, "find all", h.timeout, func(ctx context.Context, root session.Ref) error {
		var err error
		refs, err = h.sess.Driver().FindElements(ctx, loc, root)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Handle, len(refs))
	for i, ref := range refs {
		out[i] = FromRef(h.sess, ref,
			WithName(fmt.Sprintf("%s[%d]", loc, i)),
			WithParent(h),
			WithOwner(h.owner),
			WithTimeout(h.timeout),
			WithInterval(h.interval),
			WithClock(h.clock),
			WithLogger(h.base),
			WithReporter(h.reporter))
	}
	return out, nil
}

// Verify starts an Assert-mode verification bounded by the handle timeout.
func (h *Handle) Verify() *verify.Verification {
	return verify.New(h, verify.Assert, h.timeout)
}

// VerifyWithin starts an Assert-mode verification bounded by timeout.
func (h *Handle) VerifyWithin(timeout time.Duration) *verify.Verification {
	return verify.New(h, verify.Assert, timeout)
}

// WaitUntil starts a Wait-mode verification bounded by the handle timeout.
func (h *Handle) WaitUntil() *verify.Verification {
	return verify.New(h, verify.Wait, h.timeout)
}

// WaitUntilWithin starts a Wait-mode verification bounded by timeout.
func (h *Handle) WaitUntilWithin(timeout time.Duration) *verify.Verification {
	return verify.New(h, verify.Wait, timeout)
}

func (h *Handle) String() string {
	if h.owner != "" {
		return h.owner + "." + h.name
	}
	return h.name
}
