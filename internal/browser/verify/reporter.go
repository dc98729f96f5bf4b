// internal/browser/verify/reporter.go
package verify

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/errdefs"
)

// Reporter receives Assert-mode failures.
type Reporter interface {
	Report(err *errdefs.VerificationError)
}

// Collector logs every failure at error level and keeps it, so a runner can
// list all of them at the end instead of stopping at the first.
type Collector struct {
	logger *zap.Logger

	mu       sync.Mutex
	failures []*errdefs.VerificationError
}

// NewCollector returns a Collector logging through logger.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{logger: logger.Named("verify")}
}

func (c *Collector) Report(err *errdefs.VerificationError) {
	c.logger.Error("Verification failed.",
		zap.String("handle", err.Handle),
		zap.String("locator", err.Locator),
		zap.String("condition", err.Condition),
		zap.Duration("elapsed", err.Elapsed),
		zap.String("observed", err.Observed),
		zap.Error(err.Cause))

	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
}

// Failures returns the failures reported so far.
func (c *Collector) Failures() []*errdefs.VerificationError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*errdefs.VerificationError(nil), c.failures...)
}

// Err joins every reported failure, or returns nil when there were none.
func (c *Collector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs := make([]error, len(c.failures))
	for i, f := range c.failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
