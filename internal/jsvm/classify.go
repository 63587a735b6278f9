package jsvm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/dustin/go-humanize"

	"codebox/internal/execerr"
	"codebox/internal/sandbox"
)

// Classify maps an error raised by the runtime into a Fault.
func Classify(err error, limits sandbox.Limits) *execerr.Fault {
	var (
		interrupted *goja.InterruptedError
		overflow    *goja.StackOverflowError
		exception   *goja.Exception
	)

	switch {
	case errors.As(err, &interrupted):
		cause, _ := interrupted.Value().(error)
		if fault := interruptFault(cause, limits); fault != nil {
			return fault
		}
		return execerr.NewInternal(err)
	case errors.As(err, &overflow):
		return execerr.NewResourceExceeded(execerr.ErrStackLimit, fmt.Sprintf("depth %d", limits.MaxCallStack))
	case errors.As(err, &exception):
		return execerr.NewException(exceptionMessage(exception), snippetTrace(exception))
	}
	return execerr.NewInternal(err)
}

// interruptFault maps an interrupt cause to its fault, or nil when the cause
// is not one of the limit sentinels.
func interruptFault(cause error, limits sandbox.Limits) *execerr.Fault {
	switch {
	case errors.Is(cause, execerr.ErrTimeout), errors.Is(cause, execerr.ErrCancelled):
		return execerr.NewTimeout(cause, limits.TimeLimit)
	case errors.Is(cause, execerr.ErrOutputLimit):
		return execerr.NewResourceExceeded(cause, "limit "+humanize.IBytes(uint64(limits.MaxOutputBytes)))
	case errors.Is(cause, execerr.ErrMemoryLimit):
		return execerr.NewResourceExceeded(cause, "limit "+humanize.IBytes(uint64(limits.MemoryLimit)))
	}
	return nil
}

// exceptionMessage renders the thrown value. A toString that itself throws
// falls back to a fixed text.
func exceptionMessage(ex *goja.Exception) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			switch r.(type) {
			case *goja.InterruptedError, *goja.StackOverflowError:
				panic(r)
			}
			msg = "Uncaught exception"
		}
	}()

	v := ex.Value()
	if v == nil || goja.IsUndefined(v) {
		return "Uncaught undefined"
	}
	return v.String()
}

// snippetTrace keeps only the snippet's own frames.
func snippetTrace(ex *goja.Exception) string {
	var buf bytes.Buffer
	for _, frame := range ex.Stack() {
		if frame.SrcName() != snippetName {
			continue
		}
		pos := frame.Position()
		fmt.Fprintf(&buf, "    at %s (%s:%d:%d)\n", frame.FuncName(), snippetName, pos.Line, pos.Column)
	}
	return buf.String()
}
