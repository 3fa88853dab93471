package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blip"
	"github.com/srg/blip/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const incrementScript = `
function transform(payload)
    local out = {}
    for i = 1, #payload do
        out[i] = string.char((payload:byte(i) + 1) % 256)
    end
    return table.concat(out)
end
`

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestTransformApply(t *testing.T) {
	tr, err := NewTransform(incrementScript, "increment.lua", quietLogger())
	require.NoError(t, err)
	defer tr.Close()

	out, err := tr.Apply([]byte{0x00, 0x10, 0xff})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x11, 0x00}, out)
	assert.Equal(t, "lua:increment.lua", tr.Name())
}

func TestTransformIsBinarySafe(t *testing.T) {
	tr, err := NewTransform(`function transform(p) return p .. "\0" end`, "nul", quietLogger())
	require.NoError(t, err)
	defer tr.Close()

	out, err := tr.Apply([]byte{0x00, 0x41})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x41, 0x00}, out)
}

func TestTransformSeesTickCounter(t *testing.T) {
	tr, err := NewTransform(`function transform(p) print("tick", tick) return tostring(tick) end`, "ticks", quietLogger())
	require.NoError(t, err)
	defer tr.Close()

	for _, want := range []string{"1", "2", "3"} {
		out, err := tr.Apply(nil)
		require.NoError(t, err)
		assert.Equal(t, want, string(out))
	}
}

func TestTransformErrors(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		loadErr error
		runErr  error
	}{
		{name: "empty script", script: "   ", loadErr: ErrAPI},
		{name: "syntax error", script: "function transform(p) return p", loadErr: ErrSyntax},
		{name: "top-level runtime error", script: `error("boom")`, loadErr: ErrRuntime},
		{name: "missing function", script: "x = 1", loadErr: ErrAPI},
		{name: "runtime error in transform", script: `function transform(p) error("bad payload") end`, runErr: ErrRuntime},
		{name: "non-string result", script: `function transform(p) return {} end`, runErr: ErrAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTransform(tt.script, tt.name, quietLogger())
			if tt.loadErr != nil {
				assert.ErrorIs(t, err, tt.loadErr)
				assert.Nil(t, tr)
				return
			}
			require.NoError(t, err)
			defer tr.Close()

			_, err = tr.Apply([]byte{0x01})
			assert.ErrorIs(t, err, tt.runErr)
		})
	}
}

func TestSyntaxErrorCarriesLine(t *testing.T) {
	_, err := NewTransform("x = 1\nfunction transform(p)\n  return p +\nend", "broken.lua", quietLogger())

	var luaErr *LuaError
	require.ErrorAs(t, err, &luaErr)
	assert.Equal(t, "syntax", luaErr.Type)
	assert.Equal(t, 4, luaErr.Line)
	assert.Contains(t, luaErr.Error(), "Lua syntax error (in broken.lua, line 4)")
}

func TestLoadTransformFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inc.lua")
	require.NoError(t, os.WriteFile(path, []byte(incrementScript), 0o644))

	tr, err := LoadTransform(path, quietLogger())
	require.NoError(t, err)
	defer tr.Close()

	out, err := tr.Apply([]byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, out)

	_, err = LoadTransform(filepath.Join(t.TempDir(), "missing.lua"), quietLogger())
	assert.Error(t, err)
}

func TestClosedTransform(t *testing.T) {
	tr, err := NewTransform(incrementScript, "inc", quietLogger())
	require.NoError(t, err)
	tr.Close()
	tr.Close()

	_, err = tr.Apply([]byte{0x01})
	assert.ErrorIs(t, err, ErrAPI)
}

func TestDefaultScriptDecrements(t *testing.T) {
	tr, err := NewTransform(blip.DefaultTransformScript, "default", testutils.NewTestLogger(t))
	require.NoError(t, err)
	defer tr.Close()

	payload := []byte{0x10, 0x01, 0x01, 0x10}
	for i := 0; i < 20; i++ {
		payload, err = tr.Apply(payload)
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, payload)
}

func TestShippedExampleMatchesEmbedded(t *testing.T) {
	root, err := testutils.ProjectRoot()
	require.NoError(t, err)

	tr, err := LoadTransform(filepath.Join(root, "examples", "transform.lua"), quietLogger())
	require.NoError(t, err)
	defer tr.Close()

	out, err := tr.Apply([]byte{0x10, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0f, 0x00}, out)
}
