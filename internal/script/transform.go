// Package script runs Lua tick transforms.
//
// A transform script defines a global function that receives the current relay payload as a
// (binary) string and returns the next one:
//
//	function transform(payload)
//	    local out = {}
//	    for i = 1, #payload do
//	        out[i] = string.char((payload:byte(i) + 1) % 256)
//	    end
//	    return table.concat(out)
//	end
//
// The global "tick" holds the number of the current call, starting at 1. print() goes to the
// logger at debug level.
package script

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
)

// FunctionName is the Lua global a transform script must define
const FunctionName = "transform"

// Transform applies a Lua function to the relay payload
type Transform struct {
	mu     sync.Mutex
	state  *lua.State
	source string
	ticks  int64
	logger *logrus.Logger
}

// LoadTransform reads a transform script from a file
func LoadTransform(path string, logger *logrus.Logger) (*Transform, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transform script %s: %w", path, err)
	}
	return NewTransform(string(content), path, logger)
}

// NewTransform compiles and runs script, then checks that it defines the transform function
func NewTransform(script, source string, logger *logrus.Logger) (*Transform, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if strings.TrimSpace(script) == "" {
		return nil, &LuaError{Type: "api", Message: "empty script", Source: source}
	}

	t := &Transform{
		state:  lua.NewState(),
		source: source,
		logger: logger,
	}
	t.state.OpenLibs()
	t.registerPrint()

	if status := t.state.LoadString(script); status != 0 {
		msg := "unknown Lua error"
		if t.state.GetTop() > 0 && t.state.IsString(-1) {
			msg = t.state.ToString(-1)
		}
		t.state.Pop(1)
		t.state.Close()
		return nil, parseLuaMessage("syntax", source, msg, nil)
	}
	if err := t.state.Call(0, 0); err != nil {
		t.state.Close()
		return nil, parseLuaMessage("runtime", source, err.Error(), err)
	}

	t.state.GetGlobal(FunctionName)
	isFn := t.state.IsFunction(-1)
	t.state.Pop(1)
	if !isFn {
		t.state.Close()
		return nil, &LuaError{Type: "api", Message: fmt.Sprintf("script does not define function %q", FunctionName), Source: source}
	}

	logger.WithField("script", source).Debug("Lua transform loaded")
	return t, nil
}

func (t *Transform) registerPrint() {
	t.state.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			switch {
			case L.IsNil(i):
				parts = append(parts, "nil")
			case L.IsBoolean(i):
				parts = append(parts, fmt.Sprintf("%t", L.ToBoolean(i)))
			case L.IsString(i):
				parts = append(parts, L.ToString(i))
			default:
				parts = append(parts, L.Typename(int(L.Type(i))))
			}
		}
		t.logger.WithField("script", t.source).Debug(strings.Join(parts, "\t"))
		return 0
	})
	t.state.SetGlobal("print")
}

// Name implements relay.Transform
func (t *Transform) Name() string {
	return "lua:" + t.source
}

// Apply implements relay.Transform
func (t *Transform) Apply(payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		return nil, &LuaError{Type: "api", Message: "transform is closed", Source: t.source}
	}
	L := t.state

	t.ticks++
	L.PushInteger(t.ticks)
	L.SetGlobal("tick")

	L.GetGlobal(FunctionName)
	L.PushString(string(payload))
	if err := L.Call(1, 1); err != nil {
		return nil, parseLuaMessage("runtime", t.source, err.Error(), err)
	}
	defer L.Pop(1)

	if !L.IsString(-1) {
		return nil, &LuaError{
			Type:    "api",
			Message: fmt.Sprintf("%s must return a string, got %s", FunctionName, L.Typename(int(L.Type(-1)))),
			Source:  t.source,
		}
	}
	return []byte(L.ToString(-1)), nil
}

// Close releases the Lua state. Safe to call more than once.
func (t *Transform) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != nil {
		t.state.Close()
		t.state = nil
	}
}
