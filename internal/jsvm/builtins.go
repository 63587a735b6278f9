package jsvm

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dop251/goja"

	"codebox/internal/capture"
	"codebox/internal/jsvm/hostapi"
)

const (
	snippetName   = "snippet.js"
	bootstrapName = "codebox:inputs"
	probeName     = "codebox:result"
)

// inputsBootstrap evaluates to a function that binds the decoded inputs as
// deep-frozen, non-writable globals.
var inputsBootstrap = goja.MustCompile(bootstrapName, `(function (global, raw) {
	function freeze(v) {
		if (v !== null && typeof v === 'object' && !Object.isFrozen(v)) {
			Object.freeze(v);
			Object.getOwnPropertyNames(v).forEach(function (k) { freeze(v[k]); });
		}
		return v;
	}
	var inputs = freeze(JSON.parse(raw));
	Object.defineProperty(global, 'inputs', {value: inputs});
	Object.keys(inputs).forEach(function (k) {
		Object.defineProperty(global, k, {value: inputs[k], enumerable: true});
	});
})`, false)

// resultProbe reads the result binding whether it was declared with
// let/const/var or assigned as an implicit global.
var resultProbe = goja.MustCompile(probeName, `typeof result === 'undefined' ? undefined : result`, false)

// installOutput binds print and console to the run's capture session. A
// write over budget interrupts the runtime with the write error.
func installOutput(vm *goja.Runtime, session *capture.Session) error {
	writer := func(w io.Writer) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if _, err := io.WriteString(w, hostapi.FormatArgs(call.Arguments)+"\n"); err != nil {
				vm.Interrupt(err)
			}
			return goja.Undefined()
		}
	}
	stdout := writer(session.Stdout())
	stderr := writer(session.Stderr())

	console := vm.NewObject()
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"log":   stdout,
		"info":  stdout,
		"debug": stdout,
		"warn":  stderr,
		"error": stderr,
	} {
		if err := console.Set(name, fn); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}
	return vm.Set("print", stdout)
}

// bindInputs exposes inputs to the snippet as individual globals and as the
// frozen inputs object.
func bindInputs(vm *goja.Runtime, inputs map[string]any) error {
	if inputs == nil {
		inputs = map[string]any{}
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}

	fnVal, err := vm.RunProgram(inputsBootstrap)
	if err != nil {
		return err
	}
	bind, ok := goja.AssertFunction(fnVal)
	if !ok {
		return fmt.Errorf("inputs bootstrap is not callable")
	}
	_, err = bind(goja.Undefined(), vm.GlobalObject(), vm.ToValue(string(raw)))
	return err
}
