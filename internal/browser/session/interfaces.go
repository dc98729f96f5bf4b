// internal/browser/session/interfaces.go
package session

import (
	"context"
	"time"

	"github.com/xkilldash9x/tether/internal/locator"
)

// Rect is an element's position and size in CSS pixels, relative to the
// top-left corner of its document.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Ref is a live reference to a single element in the remote document. Any
// method may fail with errdefs.ErrStaleReference once the element is detached.
type Ref interface {
	// Probe is a cheap liveness check. It returns errdefs.ErrStaleReference
	// when the backend no longer knows the element.
	Probe(ctx context.Context) error

	Text(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	CSSValue(ctx context.Context, property string) (string, error)
	TagName(ctx context.Context) (string, error)
	Rect(ctx context.Context) (Rect, error)

	Displayed(ctx context.Context) (bool, error)
	Enabled(ctx context.Context) (bool, error)
	Selected(ctx context.Context) (bool, error)

	Click(ctx context.Context) error
	SendKeys(ctx context.Context, keys string) error
	Clear(ctx context.Context) error
	Submit(ctx context.Context) error
	MouseOver(ctx context.Context) error
	Highlight(ctx context.Context, d time.Duration, color string) error
}

// Driver is the automation backend. FindElements returns matches in document
// order and an empty slice (not an error) when nothing matches. A nil root
// searches the currently selected rendering context.
type Driver interface {
	FindElements(ctx context.Context, loc locator.Locator, root Ref) ([]Ref, error)
	SwitchToFrame(ctx context.Context, frame Ref) error
	SwitchToDefaultContent(ctx context.Context) error
}
