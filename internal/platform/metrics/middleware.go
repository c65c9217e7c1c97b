package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests no chi route matched, so scanners probing
// random paths share one series.
const unmatchedRoute = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware counts requests and error responses per chi route
// pattern, which keeps playlist polls, segment fetches and control calls
// apart without a series per camera. Mount it with chi's Use so the route
// context is populated.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := routePattern(r)
			m.IncRequests(route)
			switch {
			case rec.status >= 500:
				m.IncErrors(route, "5xx")
			case rec.status >= 400:
				m.IncErrors(route, "4xx")
			}
		})
	}
}

// routePattern reads the pattern chi matched. It is only complete after the
// router has handled the request.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatchedRoute
}
