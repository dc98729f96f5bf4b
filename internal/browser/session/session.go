// internal/browser/session/session.go
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/locator"
)

// Context is the per-session handle to the automation backend and its
// currently selected rendering context (top document or a frame). It replaces
// any ambient "current frame" state: every element handle is bound to exactly
// one Context, and all switching goes through it.
//
// A Context is not meant to be shared across independent automation sessions.
// Within a session, Do serializes frame switching and searching so two handles
// cannot interleave a switch and a lookup.
type Context struct {
	id     string
	driver Driver
	logger *zap.Logger

	mu sync.Mutex
	// current is the frame element the driver is switched into, nil for the top document.
	current  Ref
	// unknown is set when a switch failed half-way and the backend selection
	// can no longer be trusted.
	unknown  bool
	switches int
}

// New creates a Context over driver.
func New(driver Driver, logger *zap.Logger) *Context {
	if driver == nil {
		panic("session.New called with a nil Driver")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()
	return &Context{
		id:     id,
		driver: driver,
		logger: logger.Named("session").With(zap.String("session_id", id)),
	}
}

// ID returns the unique identifier of the session context.
func (c *Context) ID() string { return c.id }

// Driver returns the backend. Calls made through it bypass frame bookkeeping,
// so callers outside Do should stick to searches scoped to a root reference.
func (c *Context) Driver() Driver { return c.driver }

// Logger returns the session-scoped logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Switches reports how many times the rendering context actually changed.
func (c *Context) Switches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switches
}

// Do runs fn with exclusive access to the rendering context. Nested Do calls
// from within fn deadlock; use the Scope instead.
func (c *Context) Do(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(ctx, &Scope{c: c})
}

// Scope is the view of a Context handed to the function running under Do.
// It must not be retained after Do returns.
type Scope struct {
	c *Context
}

// Current returns the frame element currently switched into, or nil for the top document.
func (s *Scope) Current() Ref { return s.c.current }

// SwitchToDefaultContent selects the top-level document. It is a no-op when
// the top document is already selected.
func (s *Scope) SwitchToDefaultContent(ctx context.Context) error {
	if s.c.current == nil && !s.c.unknown {
		return nil
	}
	if err := s.c.driver.SwitchToDefaultContent(ctx); err != nil {
		s.c.unknown = true
		return fmt.Errorf("switching to default content: %w", err)
	}
	s.c.current = nil
	s.c.unknown = false
	s.c.switches++
	s.c.logger.Debug("Switched to default content.")
	return nil
}

// SwitchToFrame selects the document of the given frame element.
func (s *Scope) SwitchToFrame(ctx context.Context, frame Ref) error {
	if frame == nil {
		return s.SwitchToDefaultContent(ctx)
	}
	if err := s.c.driver.SwitchToFrame(ctx, frame); err != nil {
		s.c.unknown = true
		return fmt.Errorf("switching to frame: %w", err)
	}
	if s.c.current != frame || s.c.unknown {
		s.c.switches++
		s.c.logger.Debug("Switched to frame.")
	}
	s.c.current = frame
	s.c.unknown = false
	return nil
}

// FindElements searches the selected rendering context, or root's subtree when root is non-nil.
func (s *Scope) FindElements(ctx context.Context, loc locator.Locator, root Ref) ([]Ref, error) {
	return s.c.driver.FindElements(ctx, loc, root)
}
