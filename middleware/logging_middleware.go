package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LoggingMiddleware logs one line per round trip with status and latency.
func LoggingMiddleware(log zerolog.Logger) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.RoundTrip(req)
			var ev *zerolog.Event
			if err != nil {
				ev = log.Warn().Err(err)
			} else {
				ev = log.Debug().Int("status", resp.StatusCode)
			}
			ev.Str("method", req.Method).
				Str("url", req.URL.String()).
				Dur("duration", time.Since(start)).
				Msg("round trip")
			return resp, err
		})
	}
}
