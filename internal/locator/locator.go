// internal/locator/locator.go
// Package locator describes how to find elements within a search root.
// A Locator is immutable: parameter substitution always yields a new value,
// so a locator shared by several handles can never be changed under them.
package locator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xkilldash9x/tether/internal/errdefs"
)

// Strategy is the closed set of ways an element can be searched for.
type Strategy int

const (
	strategyNone Strategy = iota
	ID
	ClassName
	XPath
	CSS
	Name
	LinkText
	PartialLinkText
	TagName
)

var strategyNames = map[Strategy]string{
	ID:              "ID",
	ClassName:       "ClassName",
	XPath:           "XPath",
	CSS:             "CssSelector",
	Name:            "Name",
	LinkText:        "LinkText",
	PartialLinkText: "PartialLinkText",
	TagName:         "TagName",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return "None"
}

// Valid reports whether s is one of the defined strategies.
func (s Strategy) Valid() bool {
	_, ok := strategyNames[s]
	return ok
}

// ParseStrategy maps a strategy name to its enum value. Matching is
// case-insensitive and ignores '-' and '_' so "link-text" and "LinkText" agree.
func ParseStrategy(name string) (Strategy, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(name))
	switch norm {
	case "id":
		return ID, nil
	case "class", "classname":
		return ClassName, nil
	case "xpath":
		return XPath, nil
	case "css", "cssselector", "selector":
		return CSS, nil
	case "name":
		return Name, nil
	case "linktext", "link":
		return LinkText, nil
	case "partiallinktext", "partiallink":
		return PartialLinkText, nil
	case "tag", "tagname":
		return TagName, nil
	}
	return strategyNone, fmt.Errorf("unknown locator strategy %q", name)
}

// Locator pairs a search strategy with a pattern.
type Locator struct {
	strategy Strategy
	pattern  string
}

// New builds a Locator. It panics on an undefined strategy since that can only
// be a programming error in a page-object declaration.
func New(s Strategy, pattern string) Locator {
	if !s.Valid() {
		panic(fmt.Sprintf("locator: invalid strategy %d", int(s)))
	}
	return Locator{strategy: s, pattern: pattern}
}

func ByID(id string) Locator { return New(ID, id) }
func ByClassName(class string) Locator { return New(ClassName, class) }
func ByXPath(expr string) Locator { return New(XPath, expr) }
func ByCSS(selector string) Locator { return New(CSS, selector) }
func ByName(name string) Locator { return New(Name, name) }
func ByLinkText(text string) Locator { return New(LinkText, text) }
func ByPartialLinkText(text string) Locator { return New(PartialLinkText, text) }
func ByTagName(tag string) Locator { return New(TagName, tag) }

// Strategy returns the search strategy.
func (l Locator) Strategy() Strategy { return l.strategy }

// Pattern returns the raw pattern, placeholders included.
func (l Locator) Pattern() string { return l.pattern }

// Searchable reports whether the locator was built from a strategy/pattern pair.
// The zero Locator is not searchable.
func (l Locator) Searchable() bool { return l.strategy.Valid() }

func (l Locator) String() string {
	if !l.Searchable() {
		return "By.None"
	}
	return fmt.Sprintf("By.%s: %s", l.strategy, l.pattern)
}

// WithParam replaces every "{0}" in the pattern with value.
func (l Locator) WithParam(value string) (Locator, error) {
	if !l.Searchable() {
		return Locator{}, errdefs.NewUsageError("WithParam", "locator was not constructed from a strategy and pattern")
	}
	return Locator{strategy: l.strategy, pattern: strings.ReplaceAll(l.pattern, "{0}", value)}, nil
}

// WithParams replaces every "{i}" in the pattern with values[i].
// Placeholders without a matching value are left as literal text and extra
// values are ignored.
func (l Locator) WithParams(values ...string) (Locator, error) {
	if !l.Searchable() {
		return Locator{}, errdefs.NewUsageError("WithParams", "locator was not constructed from a strategy and pattern")
	}
	if len(values) == 0 {
		return l, nil
	}
	// Single pass, so a value that itself looks like "{1}" is never re-substituted.
	pattern := placeholderRe.ReplaceAllStringFunc(l.pattern, func(tok string) string {
		i, err := strconv.Atoi(tok[1 : len(tok)-1])
		if err != nil || i >= len(values) {
			return tok
		}
		return values[i]
	})
	return Locator{strategy: l.strategy, pattern: pattern}, nil
}

var placeholderRe = regexp.MustCompile(`\{(?:0|[1-9][0-9]*)\}`)

// Placeholders returns the distinct placeholder indices in the pattern, ascending.
func (l Locator) Placeholders() []int {
	seen := make(map[int]struct{})
	for _, tok := range placeholderRe.FindAllString(l.pattern, -1) {
		if i, err := strconv.Atoi(tok[1 : len(tok)-1]); err == nil {
			seen[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
