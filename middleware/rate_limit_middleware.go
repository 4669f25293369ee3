package middleware

import (
	"errors"
	"net/http"

	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件，超出时直接返回 ErrRateLimited
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next.RoundTrip(req)
		})
	}
}
