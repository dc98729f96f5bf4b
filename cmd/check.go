// File: cmd/check.go
package cmd

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser"
	"github.com/xkilldash9x/tether/internal/browser/element"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/browser/verify"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/errdefs"
	"github.com/xkilldash9x/tether/internal/locator"
	"github.com/xkilldash9x/tether/internal/observability"
)

// browserDriver is a session.Driver that can also load a page.
type browserDriver interface {
	session.Driver
	Navigate(ctx context.Context, url string) error
}

// connector opens a tab in the configured browser. The returned func releases it.
type connector func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (browserDriver, func(), error)

// defaultConnector opens a tab in the remote browser at cfg.Browser().RemoteURL.
// The release func shuts the manager down, closing the tab with it.
func defaultConnector(ctx context.Context, cfg config.Interface, logger *zap.Logger) (browserDriver, func(), error) {
	m := browser.NewManager(ctx, cfg.Browser(), logger)
	tab, err := m.NewTab(ctx)
	if err != nil {
		_ = m.ShutdownWithGrace()
		return nil, nil, err
	}
	return tab, func() {
		if err := m.ShutdownWithGrace(); err != nil {
			logger.Warn("Browser manager did not shut down cleanly.", zap.Error(err))
		}
	}, nil
}

// condition is a parsed --verify expression.
type condition struct {
	name string
	run  func(ctx context.Context, v *verify.Verification) error
}

// parseCondition turns a --verify expression into a condition.
func parseCondition(expr string) (condition, error) {
	expr = strings.TrimSpace(expr)
	simple := map[string]func(*verify.Verification, context.Context) error{
		"visible":      (*verify.Verification).Visible,
		"not-visible":  (*verify.Verification).NotVisible,
		"present":      (*verify.Verification).Present,
		"not-present":  (*verify.Verification).NotPresent,
		"enabled":      (*verify.Verification).Enabled,
		"not-enabled":  (*verify.Verification).NotEnabled,
		"disabled":     (*verify.Verification).NotEnabled,
		"selected":     (*verify.Verification).Selected,
		"not-selected": (*verify.Verification).NotSelected,
	}
	if fn, ok := simple[strings.ToLower(expr)]; ok {
		return condition{
			name: strings.ToLower(expr),
			run:  func(ctx context.Context, v *verify.Verification) error { return fn(v, ctx) },
		}, nil
	}

	key, arg, found := strings.Cut(expr, "=")
	if !found {
		return condition{}, errdefs.NewUsageError("check", fmt.Sprintf("unknown verification %q", expr))
	}
	switch strings.ToLower(key) {
	case "text":
		return condition{name: fmt.Sprintf("text equals %q", arg), run: func(ctx context.Context, v *verify.Verification) error {
			return v.TextEquals(ctx, arg)
		}}, nil
	case "contains":
		return condition{name: fmt.Sprintf("text contains %q", arg), run: func(ctx context.Context, v *verify.Verification) error {
			return v.TextContains(ctx, arg)
		}}, nil
	case "matches":
		re, err := regexp.Compile(arg)
		if err != nil {
			return condition{}, errdefs.NewUsageError("check", fmt.Sprintf("invalid pattern %q: %v", arg, err))
		}
		return condition{name: fmt.Sprintf("text matches %q", arg), run: func(ctx context.Context, v *verify.Verification) error {
			return v.TextMatches(ctx, re)
		}}, nil
	}

	// attr:NAME=VALUE
	if name, ok := strings.CutPrefix(key, "attr:"); ok && name != "" {
		return condition{name: fmt.Sprintf("attribute %s equals %q", name, arg), run: func(ctx context.Context, v *verify.Verification) error {
			return v.AttributeEquals(ctx, name, arg)
		}}, nil
	}
	return condition{}, errdefs.NewUsageError("check", fmt.Sprintf("unknown verification %q", expr))
}

type checkOptions struct {
	url          string
	by           string
	pattern      string
	params       []string
	frameBy      string
	framePattern string
	verify       string
	timeout      time.Duration
	highlight    bool
}

func newCheckCmd(connect connector) *cobra.Command {
	opts := &checkOptions{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Wait for an element on a page to satisfy a condition",
		Long: `Connects to the configured browser, loads --url and waits until the element
found by --by/--pattern satisfies --verify. Supported conditions: visible,
not-visible, present, not-present, enabled, not-enabled, selected,
not-selected, text=VALUE, contains=VALUE, matches=REGEXP, attr:NAME=VALUE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("timeout") {
				opts.timeout = -1
			}
			return runCheck(cmd, opts, connect)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "", "page to load (required)")
	flags.StringVar(&opts.by, "by", "id", "locator strategy: id, class, xpath, css, name, link-text, partial-link-text, tag")
	flags.StringVar(&opts.pattern, "pattern", "", "locator pattern, may contain {0}, {1}... placeholders (required)")
	flags.StringArrayVar(&opts.params, "param", nil, "value substituted into the next placeholder (repeatable)")
	flags.StringVar(&opts.frameBy, "frame-by", "", "locator strategy of the frame that holds the element")
	flags.StringVar(&opts.framePattern, "frame-pattern", "", "locator pattern of the frame that holds the element")
	flags.StringVar(&opts.verify, "verify", "visible", "condition to wait for")
	flags.DurationVar(&opts.timeout, "timeout", 0, "how long to wait (default from element.timeout)")
	flags.BoolVar(&opts.highlight, "highlight", false, "outline the element after a successful check")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("pattern")
	cmd.MarkFlagsRequiredTogether("frame-by", "frame-pattern")

	return cmd
}

// buildLocator parses a strategy name and applies params to pattern.
func buildLocator(by, pattern string, params []string) (locator.Locator, error) {
	strategy, err := locator.ParseStrategy(by)
	if err != nil {
		return locator.Locator{}, errdefs.NewUsageError("check", err.Error())
	}
	loc := locator.New(strategy, pattern)
	if len(params) == 0 {
		return loc, nil
	}
	return loc.WithParams(params...)
}

func runCheck(cmd *cobra.Command, opts *checkOptions, connect connector) error {
	ctx := cmd.Context()
	cfg, err := configFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger().Named("check")

	// Everything that can be rejected up front is, before a browser is touched.
	loc, err := buildLocator(opts.by, opts.pattern, opts.params)
	if err != nil {
		return err
	}
	var frameLoc locator.Locator
	if opts.frameBy != "" {
		if frameLoc, err = buildLocator(opts.frameBy, opts.framePattern, nil); err != nil {
			return err
		}
	}
	cond, err := parseCondition(opts.verify)
	if err != nil {
		return err
	}
	timeout := opts.timeout
	if timeout < 0 {
		timeout = cfg.Element().Timeout
	}

	driver, release, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	navCtx, cancel := context.WithTimeout(ctx, cfg.Browser().NavigationTimeout)
	err = driver.Navigate(navCtx, opts.url)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", opts.url, err)
	}

	sess := session.New(driver, logger)
	handleOpts := []element.Option{
		element.WithTimeout(timeout),
		element.WithInterval(cfg.Element().PollInterval),
		element.WithLogger(logger),
	}
	if frameLoc.Searchable() {
		frame := element.New(sess, frameLoc, append(handleOpts, element.WithName("frame"))...)
		handleOpts = append(handleOpts, element.WithFrame(frame))
	}
	h := element.New(sess, loc, append(handleOpts, element.WithName("target"))...)

	logger.Info("Running check.",
		zap.String("url", opts.url),
		zap.Stringer("locator", loc),
		zap.String("condition", cond.name),
		zap.Duration("timeout", timeout),
	)

	out := cmd.OutOrStdout()
	start := time.Now()
	if err := cond.run(ctx, h.WaitUntilWithin(timeout)); err != nil {
		fmt.Fprintf(out, "FAIL %s %s\n", loc, cond.name)
		return err
	}
	fmt.Fprintf(out, "PASS %s %s (%s)\n", loc, cond.name, time.Since(start).Round(time.Millisecond))

	if opts.highlight {
		ec := cfg.Element()
		if err := h.Highlight(ctx, ec.HighlightDuration, ec.HighlightColor); err != nil {
			logger.Warn("Could not highlight element.", zap.Error(err))
		}
	}
	return nil
}
