package hostapi

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"codebox/internal/storage"
)

// KVPrefix namespaces snippet keys in the shared store.
const KVPrefix = "snippet:"

// newKV builds codebox.kv. Values round-trip through JSON.
func newKV(vm *goja.Runtime, hctx *Context) (*goja.Object, error) {
	kvObj := vm.NewObject()
	db := hctx.DB
	maxKeys := hctx.Capabilities.MaxKVKeys

	store := func() *storage.DB {
		if db == nil {
			throw(vm, "kv store unavailable")
		}
		return db
	}

	readOnly(vm, kvObj, "get", func(call goja.FunctionCall) goja.Value {
		requireArgs(vm, call, 1, "key is")
		raw, err := store().KVGet(KVPrefix + call.Arguments[0].String())
		if errors.Is(err, storage.ErrNotFound) {
			return goja.Null()
		}
		if err != nil {
			throw(vm, "kv get failed: %v", err)
		}
		v, err := parseJSON(vm, raw)
		if err != nil {
			// written by something other than a snippet
			return vm.ToValue(raw)
		}
		return v
	})

	readOnly(vm, kvObj, "set", func(call goja.FunctionCall) goja.Value {
		requireArgs(vm, call, 2, "key and value are")
		raw, err := stringifyJSON(vm, call.Arguments[1])
		if err != nil {
			throw(vm, "kv set: %v", err)
		}

		var ttl time.Duration
		if opts := call.Argument(2); !goja.IsUndefined(opts) && !goja.IsNull(opts) {
			if ms := opts.ToObject(vm).Get("ttl"); ms != nil && !goja.IsUndefined(ms) {
				ttl = time.Duration(ms.ToInteger()) * time.Millisecond
			}
		}

		err = store().KVSetLimited(KVPrefix, KVPrefix+call.Arguments[0].String(), raw, ttl, maxKeys)
		if errors.Is(err, storage.ErrQuotaExceeded) {
			throw(vm, "kv quota of %d keys exceeded", maxKeys)
		}
		if err != nil {
			throw(vm, "kv set failed: %v", err)
		}
		return goja.Undefined()
	})

	readOnly(vm, kvObj, "delete", func(call goja.FunctionCall) goja.Value {
		requireArgs(vm, call, 1, "key is")
		err := store().KVDelete(KVPrefix + call.Arguments[0].String())
		if errors.Is(err, storage.ErrNotFound) {
			return vm.ToValue(false)
		}
		if err != nil {
			throw(vm, "kv delete failed: %v", err)
		}
		return vm.ToValue(true)
	})

	readOnly(vm, kvObj, "keys", func(call goja.FunctionCall) goja.Value {
		prefix := KVPrefix
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			prefix += arg.String()
		}
		entries, err := store().KVList(prefix)
		if err != nil {
			throw(vm, "kv list failed: %v", err)
		}
		names := make([]string, 0, len(entries))
		for k := range entries {
			names = append(names, strings.TrimPrefix(k, KVPrefix))
		}
		sort.Strings(names)
		keys := make([]any, len(names))
		for i, n := range names {
			keys[i] = n
		}
		return vm.NewArray(keys...)
	})

	return kvObj, nil
}
