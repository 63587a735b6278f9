// Package hostapi exposes host facilities to snippets under the codebox
// global. Every facility is a capability: only the ones granted to a run are
// usable, the rest throw a TypeError when touched.
package hostapi

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"codebox/internal/execerr"
	"codebox/internal/sandbox"
	"codebox/internal/storage"
)

// Namespace is the global name the host API is bound to.
const Namespace = "codebox"

// Context holds the execution context for Host APIs.
type Context struct {
	Ctx          context.Context
	DB           *storage.DB
	Logger       zerolog.Logger
	ExecutionID  string
	Capabilities sandbox.Capabilities
}

type registrar func(vm *goja.Runtime, hctx *Context) (*goja.Object, error)

var registrars = map[sandbox.Capability]registrar{
	sandbox.CapFS:   newFS,
	sandbox.CapHTTP: newHTTP,
	sandbox.CapKV:   newKV,
	sandbox.CapLog:  newLog,
}

// Register binds the codebox global into vm. The binding and its members are
// read-only.
func Register(vm *goja.Runtime, hctx *Context) error {
	if hctx.Ctx == nil {
		hctx.Ctx = context.Background()
	}
	box := vm.NewObject()

	for _, capability := range sandbox.KnownCapabilities {
		name := string(capability)
		if !hctx.Capabilities.Has(capability) {
			denied := vm.ToValue(func(goja.FunctionCall) goja.Value {
				panic(vm.NewTypeError((&execerr.CapabilityDeniedError{Capability: name}).Error()))
			})
			if err := box.DefineAccessorProperty(name, denied, nil, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
				return fmt.Errorf("bind %s.%s: %w", Namespace, name, err)
			}
			continue
		}

		obj, err := registrars[capability](vm, hctx)
		if err != nil {
			return fmt.Errorf("bind %s.%s: %w", Namespace, name, err)
		}
		if err := box.DefineDataProperty(name, obj, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return fmt.Errorf("bind %s.%s: %w", Namespace, name, err)
		}
	}

	granted := make([]any, 0, len(hctx.Capabilities.Allowed))
	for _, c := range hctx.Capabilities.Allowed {
		granted = append(granted, string(c))
	}
	if err := box.DefineDataProperty("capabilities", vm.NewArray(granted...), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}
	if err := box.DefineDataProperty("execution_id", vm.ToValue(hctx.ExecutionID), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}

	return vm.GlobalObject().DefineDataProperty(Namespace, box, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

// readOnly defines fn as a non-writable method of obj.
func readOnly(vm *goja.Runtime, obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) {
	_ = obj.DefineDataProperty(name, vm.ToValue(fn), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func throw(vm *goja.Runtime, format string, args ...any) {
	panic(vm.NewTypeError(fmt.Sprintf(format, args...)))
}

func requireArgs(vm *goja.Runtime, call goja.FunctionCall, n int, what string) {
	if len(call.Arguments) < n {
		throw(vm, "%s required", what)
	}
}

func parseJSON(vm *goja.Runtime, text string) (goja.Value, error) {
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), vm.ToValue(text))
}

func stringifyJSON(vm *goja.Runtime, v goja.Value) (string, error) {
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return "", fmt.Errorf("JSON.stringify unavailable")
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil {
		return "", err
	}
	if goja.IsUndefined(out) {
		return "", fmt.Errorf("value is not JSON serializable")
	}
	return out.String(), nil
}
