// internal/browser/session/cdp_driver_test.go
package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tether/internal/errdefs"
	"github.com/xkilldash9x/tether/internal/locator"
)

// newMockedDriver returns a driver whose actions are captured instead of sent to a browser.
func newMockedDriver(t *testing.T, run func(ctx context.Context, actions ...chromedp.Action) error) *CDPDriver {
	t.Helper()
	d := NewCDPDriver(context.Background(), zaptest.NewLogger(t))
	d.run = run
	return d
}

func TestClassifyCDPError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStale     bool
		wantRecover   bool
		wantUnchanged bool
	}{
		{name: "Nil", err: nil, wantUnchanged: true},
		{name: "MissingNode", err: errors.New("No node with given id found (-32000)"), wantStale: true, wantRecover: true},
		{name: "DetachedNode", err: errors.New("Node is detached from document"), wantStale: true, wantRecover: true},
		{name: "ContextGone", err: errors.New("Cannot find context with specified id (-32000)"), wantStale: true, wantRecover: true},
		{name: "Navigating", err: errors.New("Execution context was destroyed."), wantRecover: true},
		{name: "AlreadyStale", err: fmt.Errorf("probe: %w", errdefs.ErrStaleReference), wantStale: true, wantRecover: true, wantUnchanged: true},
		{name: "Other", err: errors.New("websocket: close 1006"), wantUnchanged: true},
		{name: "Canceled", err: context.Canceled, wantUnchanged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyCDPError(tt.err)
			if tt.wantUnchanged {
				assert.Equal(t, tt.err, got)
			}
			assert.Equal(t, tt.wantStale, errors.Is(got, errdefs.ErrStaleReference))
			assert.Equal(t, tt.wantRecover, errdefs.IsRecoverable(got))
		})
	}
}

func TestStrategyKey_CoversEveryStrategy(t *testing.T) {
	for _, s := range []locator.Strategy{
		locator.ID, locator.ClassName, locator.XPath, locator.CSS,
		locator.Name, locator.LinkText, locator.PartialLinkText, locator.TagName,
	} {
		key := strategyKey(s)
		assert.NotEmpty(t, key, s.String())
		assert.Contains(t, searchFunction, "case '"+key+"'", s.String())
	}
	assert.Empty(t, strategyKey(locator.Strategy(0)))
}

func TestCDPDriver_FindElements(t *testing.T) {
	t.Run("RejectsUnsearchableLocator", func(t *testing.T) {
		called := false
		d := newMockedDriver(t, func(context.Context, ...chromedp.Action) error {
			called = true
			return nil
		})
		_, err := d.FindElements(context.Background(), locator.Locator{}, nil)
		var ue *errdefs.UsageError
		assert.ErrorAs(t, err, &ue)
		assert.False(t, called)
	})

	t.Run("ClassifiesBackendErrors", func(t *testing.T) {
		d := newMockedDriver(t, func(context.Context, ...chromedp.Action) error {
			return errors.New("Could not find node with given id")
		})
		_, err := d.FindElements(context.Background(), locator.ByID("x"), nil)
		assert.ErrorIs(t, err, errdefs.ErrStaleReference)
	})

	t.Run("RejectsForeignRoot", func(t *testing.T) {
		d := newMockedDriver(t, func(ctx context.Context, actions ...chromedp.Action) error {
			for _, a := range actions {
				if err := a.Do(ctx); err != nil {
					return err
				}
			}
			return nil
		})
		_, err := d.FindElements(context.Background(), locator.ByID("x"), foreignRef{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "foreign reference")
	})
}

func TestCDPDriver_FrameSelection(t *testing.T) {
	var actions int
	d := newMockedDriver(t, func(ctx context.Context, a ...chromedp.Action) error {
		actions += len(a)
		return nil
	})
	ctx := context.Background()

	// A switch that the mocked backend accepts.
	frame := &cdpRef{d: d, id: 42}
	require.NoError(t, d.SwitchToFrame(ctx, frame))
	assert.Same(t, frame, d.frame)

	require.NoError(t, d.Navigate(ctx, "http://example.test"))
	assert.Nil(t, d.frame, "navigation resets the frame selection")

	require.NoError(t, d.SwitchToFrame(ctx, frame))
	require.NoError(t, d.SwitchToDefaultContent(ctx))
	assert.Nil(t, d.frame)

	assert.Error(t, d.SwitchToFrame(ctx, foreignRef{}))
	assert.Equal(t, 3, actions)
}

func TestCDPDriver_NavigateWrapsError(t *testing.T) {
	boom := errors.New("net::ERR_NAME_NOT_RESOLVED")
	d := newMockedDriver(t, func(context.Context, ...chromedp.Action) error { return boom })
	err := d.Navigate(context.Background(), "http://nowhere.invalid")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "nowhere.invalid")
}

func TestJSArgs(t *testing.T) {
	args, err := jsArgs("css", `a[href="x"]`, int64(250))
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.JSONEq(t, `"css"`, string(args[0].Value))
	assert.JSONEq(t, `"a[href=\"x\"]"`, string(args[1].Value))
	assert.JSONEq(t, `250`, string(args[2].Value))
}

func TestExceptionText(t *testing.T) {
	assert.Equal(t, "Uncaught", exceptionText(&runtime.ExceptionDetails{Text: "Uncaught"}))
	assert.Equal(t, "SyntaxError: bad selector", exceptionText(&runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Description: "SyntaxError: bad selector"},
	}))
}

func TestIsIndex(t *testing.T) {
	assert.True(t, isIndex("0"))
	assert.True(t, isIndex("12"))
	assert.False(t, isIndex("length"))
	assert.False(t, isIndex(""))
	assert.False(t, isIndex("__proto__"))
}

// foreignRef is a Ref from some other driver.
type foreignRef struct{ Ref }
