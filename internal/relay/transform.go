package relay

import (
	"fmt"
	"strings"
)

// Transform derives the next relay payload from the current one on every tick
type Transform interface {
	Name() string
	Apply(payload []byte) ([]byte, error)
}

// Decrement subtracts one from every byte, saturating at 0x00
type Decrement struct{}

// Name implements Transform
func (Decrement) Name() string { return "decrement" }

// Apply implements Transform
func (Decrement) Apply(payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	for i, b := range payload {
		if b > 0 {
			b--
		}
		out[i] = b
	}
	return out, nil
}

// Identity forwards the payload unchanged
type Identity struct{}

// Name implements Transform
func (Identity) Name() string { return "identity" }

// Apply implements Transform
func (Identity) Apply(payload []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}

// TransformFunc adapts a plain function to the Transform interface
type TransformFunc struct {
	Label string
	Fn    func([]byte) ([]byte, error)
}

// Name implements Transform
func (f TransformFunc) Name() string { return f.Label }

// Apply implements Transform
func (f TransformFunc) Apply(payload []byte) ([]byte, error) {
	return f.Fn(payload)
}

// BuiltinTransform returns the built-in transform with the given name
func BuiltinTransform(name string) (Transform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "decrement":
		return Decrement{}, nil
	case "identity":
		return Identity{}, nil
	default:
		return nil, fmt.Errorf("unknown transform %q (supported: decrement, identity)", name)
	}
}
