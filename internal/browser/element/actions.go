// internal/browser/element/actions.go
package element

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/session"
)

// Click resolves the element and clicks it.
func (h *Handle) Click(ctx context.Context) error {
	h.logger.Debug("Clicking.")
	return h.withRef(ctx, "click", h.timeout, func(ctx context.Context, ref session.Ref) error {
		return ref.Click(ctx)
	})
}

// SendKeys types keys into the element.
func (h *Handle) SendKeys(ctx context.Context, keys string) error {
	h.logger.Debug("Sending keys.", zap.Int("length", len(keys)))
	return h.withRef(ctx, "send keys", h.timeout, func(ctx context.Context, ref session.Ref) error {
		return ref.SendKeys(ctx, keys)
	})
}

// Clear empties an input or editable element.
func (h *Handle) Clear(ctx context.Context) error {
	return h.withRef(ctx, "clear", h.timeout, func(ctx context.Context, ref session.Ref) error {
		return ref.Clear(ctx)
	})
}

// SetText replaces the element's value: it clears it, then types text.
func (h *Handle) SetText(ctx context.Context, text string) error {
	return h.withRef(ctx, "set text", h.timeout, func(ctx context.Context, ref session.Ref) error {
		if err := ref.Clear(ctx); err != nil {
			return err
		}
		return ref.SendKeys(ctx, text)
	})
}

// Submit submits the form the element belongs to.
func (h *Handle) Submit(ctx context.Context) error {
	return h.withRef(ctx, "submit", h.timeout, func(ctx context.Context, ref session.Ref) error {
		return ref.Submit(ctx)
	})
}

// SetCheckbox brings a checkbox to the wanted state. It clicks only when the
// current state differs, so calling it twice is harmless.
func (h *Handle) SetCheckbox(ctx context.Context, want bool) error {
	return h.withRef(ctx, "set checkbox", h.timeout, func(ctx context.Context, ref session.Ref) error {
		selected, err := ref.Selected(ctx)
		if err != nil {
			return err
		}
		if selected == want {
			return nil
		}
		h.logger.Debug("Toggling checkbox.", zap.Bool("want", want))
		return ref.Click(ctx)
	})
}

// ClearChecked unchecks the element if it is checked.
func (h *Handle) ClearChecked(ctx context.Context) error {
	return h.SetCheckbox(ctx, false)
}

// MouseOver moves the pointer over the element.
func (h *Handle) MouseOver(ctx context.Context) error {
	return h.withRef(ctx, "mouse over", h.timeout, func(ctx context.Context, ref session.Ref) error {
		return ref.MouseOver(ctx)
	})
}

// Highlight outlines the element in color for d. The call does not block for d.
func (h *Handle) Highlight(ctx context.Context, d time.Duration, color string) error {
	return h.withRef(ctx, "highlight", h.timeout, func(ctx context.Context, ref session.Ref) error {
		return ref.Highlight(ctx, d, color)
	})
}

// Text returns the rendered text of the element.
func (h *Handle) Text(ctx context.Context) (string, error) {
	return value(ctx, h, "text", func(ctx context.Context, ref session.Ref) (string, error) {
		return ref.Text(ctx)
	})
}

// Attribute returns the named attribute. ok is false when the element has no
// such attribute.
func (h *Handle) Attribute(ctx context.Context, name string) (v string, ok bool, err error) {
	err = h.withRef(ctx, "attribute "+name, h.timeout, func(ctx context.Context, ref session.Ref) error {
		var err error
		v, ok, err = ref.Attribute(ctx, name)
		return err
	})
	return v, ok, err
}

// CSSValue returns the computed value of a CSS property.
func (h *Handle) CSSValue(ctx context.Context, property string) (string, error) {
	return value(ctx, h, "css "+property, func(ctx context.Context, ref session.Ref) (string, error) {
		return ref.CSSValue(ctx, property)
	})
}

// TagName returns the lower-case tag name.
func (h *Handle) TagName(ctx context.Context) (string, error) {
	return value(ctx, h, "tag name", func(ctx context.Context, ref session.Ref) (string, error) {
		return ref.TagName(ctx)
	})
}

// Rect returns the element's position and size in document coordinates.
func (h *Handle) Rect(ctx context.Context) (session.Rect, error) {
	return value(ctx, h, "rect", func(ctx context.Context, ref session.Ref) (session.Rect, error) {
		return ref.Rect(ctx)
	})
}

func (h *Handle) Displayed(ctx context.Context) (bool, error) {
	return value(ctx, h, "displayed", func(ctx context.Context, ref session.Ref) (bool, error) {
		return ref.Displayed(ctx)
	})
}

func (h *Handle) Enabled(ctx context.Context) (bool, error) {
	return value(ctx, h, "enabled", func(ctx context.Context, ref session.Ref) (bool, error) {
		return ref.Enabled(ctx)
	})
}

func (h *Handle) Selected(ctx context.Context) (bool, error) {
	return value(ctx, h, "selected", func(ctx context.Context, ref session.Ref) (bool, error) {
		return ref.Selected(ctx)
	})
}
