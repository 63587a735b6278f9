package result

import (
	"fmt"
	"math/big"

	"github.com/dop251/goja"
)

const (
	// maxDepth bounds how deep containers are walked.
	maxDepth = 32
	// maxItems bounds the entries copied out of one container.
	maxItems = 10000
)

// Extract converts a runtime value into a Value. The second return reports
// whether any part of it had to be rendered as fallback text.
//
// Extract may invoke getters and toString methods defined by the snippet, so
// it must run on the goroutine that owns the runtime while the watchdog is
// still armed.
func Extract(v goja.Value) (out Value, degraded bool) {
	defer func() {
		if r := recover(); r != nil {
			// Uncatchable runtime errors raised while walking must reach the caller.
			switch r.(type) {
			case *goja.InterruptedError, *goja.StackOverflowError:
				panic(r)
			}
			out, degraded = Fallback("[Unserializable]"), true
		}
	}()

	x := &extractor{seen: make(map[*goja.Object]struct{})}
	out = x.value(v, 0)
	return out, x.degraded
}

type extractor struct {
	seen     map[*goja.Object]struct{}
	degraded bool
}

func (x *extractor) fallback(text string) Value {
	x.degraded = true
	return Fallback(text)
}

func (x *extractor) value(v goja.Value, depth int) Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return Null()
	}

	switch t := v.(type) {
	case *goja.Symbol:
		return x.fallback("Symbol(" + t.String() + ")")
	case *goja.Object:
		return x.object(t, depth)
	}

	switch e := v.Export().(type) {
	case bool:
		return Bool(e)
	case int64:
		return Int(e)
	case float64:
		f := Float(e)
		if f.Kind == KindFallback {
			x.degraded = true
		}
		return f
	case string:
		return String(e)
	case *big.Int:
		return x.fallback(e.String() + "n")
	default:
		return x.fallback(fmt.Sprint(e))
	}
}

func (x *extractor) object(obj *goja.Object, depth int) Value {
	if _, ok := goja.AssertFunction(obj); ok {
		name := obj.Get("name")
		if name == nil || name.String() == "" {
			return x.fallback("[Function (anonymous)]")
		}
		return x.fallback("[Function: " + name.String() + "]")
	}

	class := obj.ClassName()
	switch class {
	case "Object":
		// Map, Set, WeakMap, WeakSet, Promise and typed arrays all report
		// class Object; their prototypes carry a toStringTag.
		if tag := obj.GetSymbol(goja.SymToStringTag); tag != nil && !goja.IsUndefined(tag) {
			return x.fallback("[object " + tag.String() + "]")
		}
	case "Array":
	case "Date":
		if iso, ok := goja.AssertFunction(obj.Get("toISOString")); ok {
			if s, err := iso(obj); err == nil {
				return x.fallback(s.String())
			}
		}
		return x.fallback("Invalid Date")
	default:
		// RegExp, Error, iterators and host objects
		return x.fallback(obj.String())
	}

	if _, cyclic := x.seen[obj]; cyclic {
		return x.fallback("[Circular]")
	}
	if depth >= maxDepth {
		if class == "Array" {
			return x.fallback("[Array]")
		}
		return x.fallback("[Object]")
	}
	x.seen[obj] = struct{}{}
	defer delete(x.seen, obj)

	if class == "Array" {
		return x.array(obj, depth)
	}

	keys := obj.Keys()
	fields := make([]Field, 0, min(len(keys), maxItems))
	for i, k := range keys {
		if i == maxItems {
			fields = append(fields, F("...", x.fallback(fmt.Sprintf("%d more keys", len(keys)-maxItems))))
			break
		}
		fields = append(fields, F(k, x.value(obj.Get(k), depth+1)))
	}
	return Map(fields...)
}

func (x *extractor) array(obj *goja.Object, depth int) Value {
	length := obj.Get("length").ToInteger()
	n := length
	if n > maxItems {
		n = maxItems
	}
	items := make([]Value, 0, n+1)
	for i := int64(0); i < n; i++ {
		items = append(items, x.value(obj.Get(fmt.Sprint(i)), depth+1))
	}
	if length > n {
		items = append(items, x.fallback(fmt.Sprintf("... %d more items", length-n)))
	}
	return List(items...)
}
