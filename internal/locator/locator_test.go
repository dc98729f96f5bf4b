// internal/locator/locator_test.go
package locator

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/xkilldash9x/tether/internal/errdefs"
)

var allStrategies = []Strategy{ID, ClassName, XPath, CSS, Name, LinkText, PartialLinkText, TagName}

func TestWithParam(t *testing.T) {
	base := ByXPath(`//a[text()='{0}' or @title='{0}']`)

	got, err := base.WithParam("Sign in")
	require.NoError(t, err)

	assert.Equal(t, XPath, got.Strategy())
	assert.Equal(t, `//a[text()='Sign in' or @title='Sign in']`, got.Pattern())
	// The receiver must be left untouched.
	assert.Equal(t, `//a[text()='{0}' or @title='{0}']`, base.Pattern())
}

func TestWithParams(t *testing.T) {
	testCases := []struct {
		name    string
		pattern string
		values  []string
		want    string
	}{
		{
			name:    "positional",
			pattern: `//div[contains(text(),'{0}') and contains(@class,'{1}')]`,
			values:  []string{"textOfElement", "classOfElement"},
			want:    `//div[contains(text(),'textOfElement') and contains(@class,'classOfElement')]`,
		},
		{
			name:    "unmatched index stays literal",
			pattern: "row-{0}-{2}",
			values:  []string{"a", "b"},
			want:    "row-a-{2}",
		},
		{
			name:    "extra values ignored",
			pattern: "row-{0}",
			values:  []string{"a", "b", "c"},
			want:    "row-a",
		},
		{
			name:    "value resembling a token is not substituted again",
			pattern: "{0}-{1}",
			values:  []string{"{1}", "x"},
			want:    "{1}-x",
		},
		{
			name:    "leading zero is not a placeholder",
			pattern: "{00}-{0}",
			values:  []string{"z"},
			want:    "{00}-z",
		},
		{
			name:    "no values",
			pattern: "menu-{0}",
			values:  nil,
			want:    "menu-{0}",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ByCSS(tc.pattern).WithParams(tc.values...)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got.Pattern()); diff != "" {
				t.Errorf("pattern mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, CSS, got.Strategy())
		})
	}
}

func TestWithParams_Unsearchable(t *testing.T) {
	var zero Locator

	_, err := zero.WithParam("x")
	var usage *errdefs.UsageError
	require.True(t, errors.As(err, &usage))
	assert.Equal(t, "WithParam", usage.Op)

	_, err = zero.WithParams("x", "y")
	require.True(t, errors.As(err, &usage))
	assert.False(t, errdefs.IsRecoverable(err))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []int{0, 1, 3}, ByXPath("{3}/{0}/{1}/{0}").Placeholders())
	assert.Empty(t, ByID("plain").Placeholders())
}

func TestString(t *testing.T) {
	assert.Equal(t, "By.ID: login-btn", ByID("login-btn").String())
	assert.Equal(t, "By.CssSelector: div > a", ByCSS("div > a").String())
	assert.Equal(t, "By.None", Locator{}.String())
}

func TestNew_InvalidStrategyPanics(t *testing.T) {
	assert.Panics(t, func() { New(Strategy(99), "x") })
	assert.Panics(t, func() { New(strategyNone, "x") })
}

func TestParseStrategy(t *testing.T) {
	testCases := map[string]Strategy{
		"id":                ID,
		"ClassName":         ClassName,
		"xpath":             XPath,
		"css":               CSS,
		"CssSelector":       CSS,
		"name":              Name,
		"link-text":         LinkText,
		"partial_link_text": PartialLinkText,
		"TAG":               TagName,
	}
	for in, want := range testCases {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStrategy("shadow")
	assert.Error(t, err)
}

// Substitution preserves the strategy, removes every matched token and is
// idempotent when re-applied with the same values.
func TestWithParams_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		strategy := rapid.SampledFrom(allStrategies).Draw(rt, "strategy")
		values := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9 ._-]{0,8}`), 0, 4).Draw(rt, "values")

		parts := rapid.SliceOfN(rapid.StringMatching(`[a-z/@=\[\]' ]{0,6}`), 1, 6).Draw(rt, "parts")
		var b strings.Builder
		for i, p := range parts {
			b.WriteString(p)
			if i < len(parts)-1 {
				idx := rapid.IntRange(0, 5).Draw(rt, "idx")
				b.WriteString("{" + strconv.Itoa(idx) + "}")
			}
		}
		l := New(strategy, b.String())

		once, err := l.WithParams(values...)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if once.Strategy() != strategy {
			rt.Fatalf("strategy changed: %v -> %v", strategy, once.Strategy())
		}
		for i := range values {
			if strings.Contains(once.Pattern(), "{"+strconv.Itoa(i)+"}") {
				rt.Fatalf("token {%d} survived substitution in %q", i, once.Pattern())
			}
		}

		twice, err := once.WithParams(values...)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		if twice != once {
			rt.Fatalf("substitution not idempotent: %q vs %q", once.Pattern(), twice.Pattern())
		}
	})
}

func FuzzWithParams(f *testing.F) {
	f.Add([]byte("//div[@id='{0}']{1}"))
	f.Add([]byte{0x01, 0x02, 0x7b, 0x30, 0x7d})

	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		pattern, err := c.GetString()
		if err != nil {
			return
		}
		n, err := c.GetInt()
		if err != nil {
			return
		}
		count := n % 5
		if count < 0 {
			count = -count
		}
		values := make([]string, count)
		for i := range values {
			if values[i], err = c.GetString(); err != nil {
				return
			}
		}

		got, err := ByXPath(pattern).WithParams(values...)
		if err != nil {
			t.Fatalf("WithParams failed on searchable locator: %v", err)
		}
		if got.Strategy() != XPath {
			t.Fatalf("strategy changed to %v", got.Strategy())
		}
	})
}
