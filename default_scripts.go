package blip

import _ "embed"

// DefaultTransformScript is the Lua transform used when --transform lua is given without a script file
//
//go:embed examples/transform.lua
var DefaultTransformScript string
