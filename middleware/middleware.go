// Package middleware wraps http.RoundTripper with cross-cutting behavior.
//
// The same chain type is used on both ends of the overlay: the interception
// transport wraps admitted requests, and the edge wraps its upstream client.
package middleware

import "net/http"

// RoundTripperFunc adapts a function into an http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

type Middleware func(next http.RoundTripper) http.RoundTripper

// Chain 将多个中间件组合成一个中间件
// Chain(A, B, C)(rt) → A(B(C(rt)))：A 最先看到请求，最后看到响应
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
