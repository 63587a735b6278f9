package hostapi

import (
	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// maxLogMessage caps one codebox.log line in the host log.
const maxLogMessage = 4096

// newLog builds codebox.log, which writes to the host's structured log
// rather than the run's captured output.
func newLog(vm *goja.Runtime, hctx *Context) (*goja.Object, error) {
	logObj := vm.NewObject()
	logger := hctx.Logger.With().
		Str("component", "snippet").
		Str("exec_id", hctx.ExecutionID).
		Logger()

	levels := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
	}
	for name, level := range levels {
		level := level
		readOnly(vm, logObj, name, func(call goja.FunctionCall) goja.Value {
			msg := FormatArgs(call.Arguments)
			if len(msg) > maxLogMessage {
				msg = msg[:maxLogMessage] + "...(truncated)"
			}
			logger.WithLevel(level).Msg(msg)
			return goja.Undefined()
		})
	}
	return logObj, nil
}
