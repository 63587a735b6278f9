package hostapi

import (
	"strings"

	"github.com/dop251/goja"

	"codebox/internal/result"
)

// FormatArgs renders call arguments the way print and console.log show
// them: strings verbatim, everything else as compact JSON, joined by spaces.
func FormatArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = FormatValue(arg)
	}
	return strings.Join(parts, " ")
}

// FormatValue renders a single value for display.
func FormatValue(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if _, ok := v.(*goja.Object); !ok {
		if _, sym := v.(*goja.Symbol); !sym {
			return v.String()
		}
	}

	val, _ := result.Extract(v)
	if val.Kind == result.KindFallback || val.Kind == result.KindString {
		return val.Str
	}
	return val.String()
}
