package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/rhuss/drivercore/pkg/api"
)

// Recovery returns middleware that converts handler panics into internal
// error responses. The server keeps serving after a recovered panic.
func Recovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic in handler",
					"path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				WriteError(w, api.NewError(api.KindInternal, "", fmt.Sprintf("internal server error: %v", rec)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
