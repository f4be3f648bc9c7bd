package middleware

import (
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// quietPaths are polled by load balancers and scrapers; successful hits are
// logged at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// RequestLogger writes an access log line per API call and puts a
// request-scoped logger in the context. The line carries the matched route
// and, when the call names or creates a deployment, its ID.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			var deploymentID string
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
				deploymentID = rctx.URLParam("id")
			}
			if loc := ww.Header().Get("Location"); deploymentID == "" && loc != "" {
				deploymentID = path.Base(loc)
			}

			ev := reqLogger.Info()
			switch {
			case ww.status >= http.StatusInternalServerError:
				ev = reqLogger.Error()
			case ww.status >= http.StatusBadRequest:
				ev = reqLogger.Warn()
			case quietPaths[r.URL.Path]:
				ev = reqLogger.Debug()
			}
			if deploymentID != "" {
				ev = ev.Str("deployment_id", deploymentID)
			}
			ev.Str("method", r.Method).
				Str("route", route).
				Str("remote", r.RemoteAddr).
				Int("status", ww.status).
				Int("bytes", ww.bytes).
				Dur("took", time.Since(start)).
				Msg("api call")
		})
	}
}
