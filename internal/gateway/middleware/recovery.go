package middleware

import (
	"net/http"
	"runtime/debug"

	"codebox/internal/gateway/handlers"
	"codebox/pkg/logger"
)

// Recovery turns a handler panic into a 500 with the standard error envelope.
// Snippet panics never get here; executors recover those into faults.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error().
				Interface("panic", rec).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("exec_id", w.Header().Get(handlers.HeaderExecutionID)).
				Bytes("stack", debug.Stack()).
				Msg("handler panic recovered")

			handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
		}()

		next.ServeHTTP(w, r)
	})
}
