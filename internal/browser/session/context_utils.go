// internal/browser/session/context_utils.go
package session

import (
	"context"
)

// CombineContext returns a context derived from primary (so it keeps primary's
// values, such as the chromedp target) that is also canceled when secondary
// is done. The CDP driver uses it to run per-call operations against the
// long-lived browser context while honoring the caller's deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(primary)
	stop := context.AfterFunc(secondary, func() {
		cancel(context.Cause(secondary))
	})
	return combined, func() {
		stop()
		cancel(context.Canceled)
	}
}
