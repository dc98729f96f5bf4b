// internal/browser/verify/verify.go
// Package verify provides time-bounded predicates over element handles. In
// Assert mode a failed predicate is reported and returned; in Wait mode it is
// only returned, which makes the same predicates usable as preconditions.
package verify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/errdefs"
	"github.com/xkilldash9x/tether/internal/locator"
	"github.com/xkilldash9x/tether/internal/poll"
)

// Mode selects what happens when a predicate does not hold in time.
type Mode int

const (
	// Assert reports the failure through the Reporter and returns it.
	Assert Mode = iota
	// Wait returns the failure without reporting it.
	Wait
)

func (m Mode) String() string {
	if m == Wait {
		return "wait"
	}
	return "assert"
}

// Subject is what a verification inspects. element.Handle implements it.
type Subject interface {
	Name() string
	Locator() locator.Locator
	Logger() *zap.Logger
	// Reporter may return nil, in which case failures are only logged.
	Reporter() Reporter
	Poller(op string, timeout time.Duration) poll.Poller
	// Inspect runs fn against the current match with a single lookup attempt.
	Inspect(ctx context.Context, fn func(ctx context.Context, ref session.Ref) error) error
	// Count returns the number of current matches without waiting.
	Count(ctx context.Context) (int, error)
}

// Verification is a single pending check against a subject.
type Verification struct {
	subject  Subject
	mode     Mode
	timeout  time.Duration
	reporter Reporter
}

// New starts a verification of subject bounded by timeout.
func New(subject Subject, mode Mode, timeout time.Duration) *Verification {
	return &Verification{subject: subject, mode: mode, timeout: timeout}
}

// WithReporter overrides the subject's reporter for this verification.
func (v *Verification) WithReporter(r Reporter) *Verification {
	v.reporter = r
	return v
}

func (v *Verification) Mode() Mode             { return v.mode }
func (v *Verification) Timeout() time.Duration { return v.timeout }

func (v *Verification) report(verr *errdefs.VerificationError) {
	r := v.reporter
	if r == nil {
		r = v.subject.Reporter()
	}
	if r == nil {
		r = NewCollector(v.subject.Logger())
	}
	r.Report(verr)
}

// probe evaluates the predicate once. observed is the value it looked at,
// kept for the failure message.
type probe func(ctx context.Context) (ok bool, observed string, err error)

func (v *Verification) check(ctx context.Context, condition string, fn probe) error {
	var observed string
	p := v.subject.Poller("verify "+condition, v.timeout)
	clock := p.Clock
	if clock == nil {
		clock = poll.RealClock
	}
	start := clock.Now()
	err := poll.Condition(ctx, p, func(ctx context.Context) (bool, error) {
		ok, obs, err := fn(ctx)
		if obs != "" || err == nil {
			observed = obs
		}
		return ok, err
	})
	if err == nil {
		v.subject.Logger().Debug("Verification passed.", zap.String("condition", condition))
		return nil
	}

	verr := &errdefs.VerificationError{
		Handle:    v.subject.Name(),
		Locator:   v.subject.Locator().String(),
		Condition: condition,
		Elapsed:   clock.Now().Sub(start),
		Observed:  observed,
		Cause:     err,
	}
	var te *errdefs.TimeoutError
	if errors.As(err, &te) {
		verr.Elapsed = te.Elapsed
		if te.Last != nil {
			verr.Cause = te.Last
		}
	}
	if v.mode == Assert {
		v.report(verr)
	}
	return verr
}

// inspect reads a value from the current match.
func inspect[T any](ctx context.Context, s Subject, fn func(ctx context.Context, ref session.Ref) (T, error)) (T, error) {
	var out T
	err := s.Inspect(ctx, func(ctx context.Context, ref session.Ref) error {
		v, err := fn(ctx, ref)
		out = v
		return err
	})
	return out, err
}

func displayed(ctx context.Context, ref session.Ref) (bool, error) { return ref.Displayed(ctx) }
func enabled(ctx context.Context, ref session.Ref) (bool, error)   { return ref.Enabled(ctx) }
func selected(ctx context.Context, ref session.Ref) (bool, error)  { return ref.Selected(ctx) }
func text(ctx context.Context, ref session.Ref) (string, error)    { return ref.Text(ctx) }

// flag builds a probe over a boolean property. want is the value that passes.
func (v *Verification) flag(read func(context.Context, session.Ref) (bool, error), want bool) probe {
	return func(ctx context.Context) (bool, string, error) {
		got, err := inspect(ctx, v.subject, read)
		if err != nil {
			return false, "", err
		}
		return got == want, strconv.FormatBool(got), nil
	}
}

// Visible waits for the element to be displayed.
func (v *Verification) Visible(ctx context.Context) error {
	return v.check(ctx, "visible", v.flag(displayed, true))
}

// NotVisible waits until no match is displayed. A missing element is not visible.
func (v *Verification) NotVisible(ctx context.Context) error {
	return v.check(ctx, "not visible", func(ctx context.Context) (bool, string, error) {
		n, err := v.subject.Count(ctx)
		if err != nil {
			return false, "", err
		}
		if n == 0 {
			return true, "absent", nil
		}
		shown, err := inspect(ctx, v.subject, displayed)
		if errdefs.IsRecoverable(err) {
			return true, "absent", nil
		}
		if err != nil {
			return false, "", err
		}
		return !shown, strconv.FormatBool(shown), nil
	})
}

// Present waits for at least one match.
func (v *Verification) Present(ctx context.Context) error {
	return v.check(ctx, "present", v.count(func(n int) bool { return n > 0 }))
}

// NotPresent waits until there are no matches.
func (v *Verification) NotPresent(ctx context.Context) error {
	return v.check(ctx, "not present", v.count(func(n int) bool { return n == 0 }))
}

func (v *Verification) count(pass func(n int) bool) probe {
	return func(ctx context.Context) (bool, string, error) {
		n, err := v.subject.Count(ctx)
		if err != nil {
			return false, "", err
		}
		return pass(n), fmt.Sprintf("%d matches", n), nil
	}
}

func (v *Verification) Enabled(ctx context.Context) error {
	return v.check(ctx, "enabled", v.flag(enabled, true))
}

func (v *Verification) NotEnabled(ctx context.Context) error {
	return v.check(ctx, "not enabled", v.flag(enabled, false))
}

func (v *Verification) Selected(ctx context.Context) error {
	return v.check(ctx, "selected", v.flag(selected, true))
}

func (v *Verification) NotSelected(ctx context.Context) error {
	return v.check(ctx, "not selected", v.flag(selected, false))
}

func (v *Verification) textProbe(match func(string) bool) probe {
	return func(ctx context.Context) (bool, string, error) {
		got, err := inspect(ctx, v.subject, text)
		if err != nil {
			return false, "", err
		}
		return match(got), got, nil
	}
}

// TextEquals waits for the element text, trimmed, to equal want.
func (v *Verification) TextEquals(ctx context.Context, want string) error {
	return v.check(ctx, fmt.Sprintf("text %q", want), v.textProbe(func(got string) bool {
		return strings.TrimSpace(got) == want
	}))
}

// TextContains waits for the element text to contain sub.
func (v *Verification) TextContains(ctx context.Context, sub string) error {
	return v.check(ctx, fmt.Sprintf("text containing %q", sub), v.textProbe(func(got string) bool {
		return strings.Contains(got, sub)
	}))
}

// TextMatches waits for the element text to match re.
func (v *Verification) TextMatches(ctx context.Context, re *regexp.Regexp) error {
	return v.check(ctx, fmt.Sprintf("text matching /%s/", re), v.textProbe(re.MatchString))
}

func (v *Verification) attrProbe(name string, match func(string) bool) probe {
	return func(ctx context.Context) (bool, string, error) {
		type attr struct {
			v  string
			ok bool
		}
		got, err := inspect(ctx, v.subject, func(ctx context.Context, ref session.Ref) (attr, error) {
			val, ok, err := ref.Attribute(ctx, name)
			return attr{val, ok}, err
		})
		if err != nil {
			return false, "", err
		}
		if !got.ok {
			return false, "<missing>", nil
		}
		return match(got.v), got.v, nil
	}
}

// AttributeEquals waits for attribute name to equal want.
func (v *Verification) AttributeEquals(ctx context.Context, name, want string) error {
	return v.check(ctx, fmt.Sprintf("attribute %s=%q", name, want), v.attrProbe(name, func(got string) bool {
		return got == want
	}))
}

// AttributeContains waits for attribute name to contain sub.
func (v *Verification) AttributeContains(ctx context.Context, name, sub string) error {
	return v.check(ctx, fmt.Sprintf("attribute %s containing %q", name, sub), v.attrProbe(name, func(got string) bool {
		return strings.Contains(got, sub)
	}))
}

// CSSEquals waits for the computed CSS property to equal want.
func (v *Verification) CSSEquals(ctx context.Context, property, want string) error {
	return v.check(ctx, fmt.Sprintf("css %s=%q", property, want), func(ctx context.Context) (bool, string, error) {
		got, err := inspect(ctx, v.subject, func(ctx context.Context, ref session.Ref) (string, error) {
			return ref.CSSValue(ctx, property)
		})
		if err != nil {
			return false, "", err
		}
		return got == want, got, nil
	})
}
