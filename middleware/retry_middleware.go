package middleware

import (
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// RetryMiddleware retries idempotent requests that failed before any response
// arrived because the upstream refused or timed out the connection. Backoff
// doubles from baseDelay.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log zerolog.Logger) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := next.RoundTrip(req)
			if !idempotent(req) || (req.Body != nil && req.Body != http.NoBody && req.GetBody == nil) {
				return resp, err
			}
			for i := 0; i < maxRetries && err != nil && retryable(err); i++ {
				log.Debug().Err(err).Int("attempt", i+1).Str("url", req.URL.String()).Msg("retrying upstream")
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-req.Context().Done():
					return nil, req.Context().Err()
				}
				retry := req.Clone(req.Context())
				if req.GetBody != nil {
					if retry.Body, err = req.GetBody(); err != nil {
						return nil, err
					}
				}
				resp, err = next.RoundTrip(retry)
			}
			return resp, err
		})
	}
}

func idempotent(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func retryable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
