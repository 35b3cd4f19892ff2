package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/tunehub/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope. http.ErrAbortHandler
// is re-raised so net/http can drop the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if err, ok := rv.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rv)
			}
			slog.Error("panic recovered",
				"error", rv,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
			)
			if rec, ok := w.(*statusRecorder); ok && rec.wroteHeader {
				// Too late for an envelope; the client sees a truncated body.
				return
			}
			response.Internal(w, "An unexpected error occurred")
		}()
		next.ServeHTTP(w, r)
	})
}
