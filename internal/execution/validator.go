package execution

import (
	"fmt"
	"regexp"
	"strings"

	"codebox/internal/execerr"
)

var identifier = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// names an input may not take: keywords, standard globals, and the bindings
// the runtime injects itself
var forbiddenNames = toSet(
	// keywords and literals
	"break", "case", "catch", "class", "const", "continue", "debugger", "default",
	"delete", "do", "else", "enum", "export", "extends", "false", "finally", "for",
	"function", "if", "import", "in", "instanceof", "new", "null", "return", "super",
	"switch", "this", "throw", "true", "try", "typeof", "var", "void", "while", "with",
	"yield", "let", "static", "implements", "interface", "package", "private",
	"protected", "public", "await", "async", "arguments", "eval", "undefined", "NaN",
	"Infinity",
	// standard globals
	"Object", "Function", "Array", "Number", "Boolean", "String", "Symbol", "BigInt",
	"Date", "RegExp", "Error", "TypeError", "RangeError", "SyntaxError",
	"ReferenceError", "EvalError", "URIError", "AggregateError", "Math", "JSON",
	"Reflect", "Proxy", "Promise", "Map", "Set", "WeakMap", "WeakSet", "WeakRef",
	"ArrayBuffer", "DataView", "Int8Array", "Uint8Array", "Uint8ClampedArray",
	"Int16Array", "Uint16Array", "Int32Array", "Uint32Array", "Float32Array",
	"Float64Array", "BigInt64Array", "BigUint64Array", "globalThis", "isNaN",
	"isFinite", "parseInt", "parseFloat", "encodeURI", "encodeURIComponent",
	"decodeURI", "decodeURIComponent", "escape", "unescape",
	// injected
	"print", "console", "inputs", "result", "codebox",
)

func toSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Validator rejects requests that must not reach a backend. It has no side
// effects and does not parse the snippet.
type Validator struct {
	MaxSnippetBytes int
	MaxInputs       int
}

// Validate returns a *execerr.ValidationError describing the first problem
// found, or nil.
func (v Validator) Validate(req Request) error {
	if strings.TrimSpace(req.Code) == "" {
		return &execerr.ValidationError{Field: "code", Reason: "must not be empty"}
	}
	if v.MaxSnippetBytes > 0 && len(req.Code) > v.MaxSnippetBytes {
		return &execerr.ValidationError{
			Field:  "code",
			Reason: fmt.Sprintf("is %d bytes, limit is %d", len(req.Code), v.MaxSnippetBytes),
		}
	}
	if v.MaxInputs > 0 && len(req.Inputs) > v.MaxInputs {
		return &execerr.ValidationError{
			Field:  "inputs",
			Reason: fmt.Sprintf("has %d entries, limit is %d", len(req.Inputs), v.MaxInputs),
		}
	}
	for name := range req.Inputs {
		if !identifier.MatchString(name) {
			return &execerr.ValidationError{Field: "inputs", Reason: fmt.Sprintf("%q is not a valid identifier", name)}
		}
		if _, taken := forbiddenNames[name]; taken {
			return &execerr.ValidationError{Field: "inputs", Reason: fmt.Sprintf("%q is a reserved name", name)}
		}
	}
	return nil
}
