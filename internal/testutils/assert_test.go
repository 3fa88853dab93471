package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recorder captures Errorf calls so asserter failures can be inspected
type recorder struct {
	msgs []string
}

func (r *recorder) Errorf(format string, args ...interface{}) {
	r.msgs = append(r.msgs, fmt.Sprintf(format, args...))
}

func TestJSONAsserter_Defaults(t *testing.T) {
	opts := NewJSONAsserter(t).Options()
	assert.True(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.AllowPresencePlaceholder)
	assert.Empty(t, opts.IgnoredFields)
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []JSONOption
		ok       bool
	}{
		{
			name:     "equal documents",
			actual:   `{"uuid":"180f","primary":true}`,
			expected: `{"primary":true,"uuid":"180f"}`,
			ok:       true,
		},
		{
			name:     "extra keys ignored",
			actual:   `{"uuid":"180f","primary":true,"name":"Battery Service"}`,
			expected: `{"uuid":"180f"}`,
			ok:       true,
		},
		{
			name:     "extra keys reported when strict",
			actual:   `{"uuid":"180f","name":"Battery Service"}`,
			expected: `{"uuid":"180f"}`,
			opts:     []JSONOption{WithIgnoreExtraKeys(false)},
			ok:       false,
		},
		{
			name:     "presence placeholder",
			actual:   `{"uuid":"180f","at":"2026-01-01T00:00:00Z"}`,
			expected: `{"uuid":"180f","at":"<<PRESENCE>>"}`,
			ok:       true,
		},
		{
			name:     "presence placeholder needs the key",
			actual:   `{"uuid":"180f"}`,
			expected: `{"uuid":"180f","at":"<<PRESENCE>>"}`,
			ok:       false,
		},
		{
			name:     "ignored fields at any depth",
			actual:   `{"services":[{"uuid":"180f","handle":12}],"handle":1}`,
			expected: `{"services":[{"uuid":"180f","handle":99}],"handle":2}`,
			opts:     []JSONOption{WithIgnoredFields("handle")},
			ok:       true,
		},
		{
			name:     "root arrays",
			actual:   `[{"uuid":"180f"},{"uuid":"180a"}]`,
			expected: `[{"uuid":"180f"},{"uuid":"180a"}]`,
			ok:       true,
		},
		{
			name:     "value mismatch",
			actual:   `{"uuid":"180a"}`,
			expected: `{"uuid":"180f"}`,
			ok:       false,
		},
		{
			name:     "invalid actual",
			actual:   `{`,
			expected: `{}`,
			ok:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			ok := NewJSONAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Empty(t, rec.msgs)
			} else {
				assert.Len(t, rec.msgs, 1)
				assert.Contains(t, rec.msgs[0], "JSON assertion failed")
			}
		})
	}
}

func TestTextAsserter(t *testing.T) {
	t.Run("trailing blanks and surrounding space are ignored by default", func(t *testing.T) {
		rec := &recorder{}
		ok := NewTextAsserter(rec).Assert("\nAdvertising... OK   \nRegistering... OK\n\n", "Advertising... OK\nRegistering... OK")
		assert.True(t, ok)
		assert.Empty(t, rec.msgs)
	})

	t.Run("progress redraws are collapsed", func(t *testing.T) {
		rec := &recorder{}
		ok := NewTextAsserter(rec).Assert("Waiting\r\033[K\nDone", "Waiting\nDone")
		assert.True(t, ok)
	})

	t.Run("empty lines", func(t *testing.T) {
		rec := &recorder{}
		ta := NewTextAsserter(rec).WithOptions(WithIgnoreEmptyLines(true))
		assert.True(t, ta.Assert("a\n\nb", "a\nb"))
		assert.False(t, NewTextAsserter(rec).Assert("a\n\nb", "a\nb"))
	})

	t.Run("mismatch produces a unified diff", func(t *testing.T) {
		rec := &recorder{}
		ok := NewTextAsserter(rec).Assert("state: running", "state: stopped")
		assert.False(t, ok)
		assert.Len(t, rec.msgs, 1)
		assert.Contains(t, rec.msgs[0], "--- expected")
		assert.Contains(t, rec.msgs[0], "-state: stopped")
		assert.Contains(t, rec.msgs[0], "+state: running")
	})

	t.Run("colored diff marks blanks", func(t *testing.T) {
		diff := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("a b", "a c")
		assert.Contains(t, diff, "a·b")
		assert.Contains(t, diff, "\x1b[")
	})

	t.Run("strict whitespace", func(t *testing.T) {
		ta := NewTextAsserter(&recorder{}).WithOptions(WithTrimSpace(false), WithIgnoreTrailingWhitespace(false))
		assert.NotEmpty(t, ta.Diff("ok  ", "ok"))
	})
}
