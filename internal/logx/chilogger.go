package logx

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestLogger logs one line per request, at a level chosen by status
// class. It must run after middleware.RequestID; the request id is also
// stored for FromCtx.
func RequestLogger(name string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t1 := time.Now()
			requestID := middleware.GetReqID(r.Context())
			r = r.WithContext(WithRequest(r.Context(), requestID))

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				logger := FromCtx(r.Context()).With().Str("component", name).Logger()

				var ev *zerolog.Event
				switch {
				case status >= 500:
					ev = logger.Error()
				case status >= 400:
					ev = logger.Warn()
				case isHealthCheck(r.Method, r.URL.Path):
					ev = logger.Debug()
				default:
					ev = logger.Info()
				}
				ev.Str("type", "http_request").
					Str("http_method", r.Method).
					Str("http_path", r.URL.Path).
					Str("http_proto", r.Proto).
					Str("remote_addr", r.RemoteAddr).
					Int("http_status_code", status).
					Str("http_status_text", statusLabel(status)).
					Int("response_bytes", ww.BytesWritten()).
					Dur("latency", time.Since(t1)).
					Str("user_agent", r.UserAgent()).
					Msgf("HTTP request completed: %s", r.URL.Path)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

func isHealthCheck(method string, path string) bool {
	return method == http.MethodGet && (path == "/health" || path == "/metrics")
}

func statusLabel(status int) string {
	switch {
	case status >= 100 && status < 300:
		return fmt.Sprintf("%d OK", status)
	case status >= 300 && status < 400:
		return fmt.Sprintf("%d Redirect", status)
	case status >= 400 && status < 500:
		return fmt.Sprintf("%d Client Error", status)
	case status >= 500:
		return fmt.Sprintf("%d Server Error", status)
	default:
		return fmt.Sprintf("%d Unknown", status)
	}
}
