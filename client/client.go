// Package client plugs the interceptor into net/http.
//
// Transport is an http.RoundTripper. Requests whose target is registered are
// run as overlay sessions; everything else goes to the base transport. Each
// intercepted request gets its own event loop as the caller context, so the
// response body can apply back-pressure without ever blocking the overlay loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mini-overlay/eventloop"
	"mini-overlay/middleware"
	"mini-overlay/session"
	"mini-overlay/traffic"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Transport routes registered destinations over the overlay.
type Transport struct {
	interceptor *session.Interceptor
	base        http.RoundTripper
	rt          http.RoundTripper
	log         zerolog.Logger
}

// Option configures a Transport.
type Option func(*config)

type config struct {
	base        http.RoundTripper
	middlewares []middleware.Middleware
	log         zerolog.Logger
}

// WithBase sets the transport used for requests that are not intercepted.
// It defaults to http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(c *config) { c.base = rt }
}

// WithMiddleware wraps every request, intercepted or not.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *config) { c.middlewares = append(c.middlewares, mws...) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.log = l }
}

func NewTransport(ic *session.Interceptor, opts ...Option) *Transport {
	cfg := config{base: http.DefaultTransport, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	t := &Transport{
		interceptor: ic,
		base:        cfg.base,
		log:         cfg.log,
	}
	t.rt = middleware.Chain(cfg.middlewares...)(middleware.RoundTripperFunc(t.roundTrip))
	return t
}

// NewClient returns an http.Client using a new Transport. Redirects reported
// by the overlay are followed by the client like any other 3xx.
func NewClient(ic *session.Interceptor, opts ...Option) *http.Client {
	return &http.Client{Transport: NewTransport(ic, opts...)}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(r)
}

func (t *Transport) roundTrip(r *http.Request) (*http.Response, error) {
	if r.URL == nil {
		return nil, errors.New("client: nil request URL")
	}
	req, direct, err := traffic.FromHTTP(r)
	if err != nil {
		return nil, err
	}
	if !t.interceptor.CanIntercept(req) {
		return t.base.RoundTrip(direct)
	}

	ex := newExchange(r, t.interceptor)
	h, err := t.interceptor.Begin(req, ex, ex.loop)
	if err != nil {
		ex.loop.Stop()
		if errors.Is(err, session.ErrNotIntercepted) {
			return t.base.RoundTrip(direct)
		}
		return nil, err
	}
	ex.bind(h)
	t.log.Debug().Str("request_id", req.ID).Uint64("handle", uint64(h)).Str("url", req.URL.String()).Msg("request intercepted")

	ctx := r.Context()
	stop := context.AfterFunc(ctx, func() {
		ex.pw.CloseWithError(ctx.Err())
		ex.loop.Post(func() { ex.DidFail(ctx.Err()) })
	})
	ex.setStop(stop)

	res := <-ex.ready
	return res.resp, res.err
}

type result struct {
	resp *http.Response
	err  error
}

// exchange is the notify.Client of one intercepted request. Its event methods
// all run on its own loop.
type exchange struct {
	req   *http.Request
	ic    *session.Interceptor
	loop  *eventloop.Loop
	ready chan result

	pr *io.PipeReader
	pw *io.PipeWriter

	delivered bool // loop only
	done      bool // loop only

	mu       sync.Mutex
	handle   session.Handle
	bound    bool
	released bool
	stopCtx  func() bool
}

func newExchange(r *http.Request, ic *session.Interceptor) *exchange {
	pr, pw := io.Pipe()
	return &exchange{
		req:   r,
		ic:    ic,
		loop:  eventloop.New(),
		ready: make(chan result, 1),
		pr:    pr,
		pw:    pw,
	}
}

func (e *exchange) bind(h session.Handle) {
	e.mu.Lock()
	e.handle, e.bound = h, true
	released := e.released
	e.mu.Unlock()
	if released {
		e.ic.Cancel(h)
	}
}

func (e *exchange) setStop(stop func() bool) {
	e.mu.Lock()
	released := e.released
	e.stopCtx = stop
	e.mu.Unlock()
	if released {
		stop()
	}
}

// release cancels the session and stops the loop, once.
func (e *exchange) release() {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.released = true
	h, bound, stop := e.handle, e.bound, e.stopCtx
	e.mu.Unlock()

	if bound {
		e.ic.Cancel(h)
	}
	if stop != nil {
		stop()
	}
	e.loop.Stop()
}

func (e *exchange) deliver(res result) {
	if e.delivered {
		return
	}
	e.delivered = true
	e.ready <- res
}

func (e *exchange) response(resp *traffic.Response, body io.ReadCloser) *http.Response {
	out := &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          body,
		ContentLength: -1,
		Request:       e.req,
	}
	if cl, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && cl >= 0 {
		out.ContentLength = cl
	}
	return out
}

func (e *exchange) WasRedirected(_ *traffic.Request, resp *traffic.Response) {
	if e.done {
		return
	}
	e.done = true
	e.pw.Close()
	e.deliver(result{resp: e.response(resp, http.NoBody)})
	e.release()
}

func (e *exchange) DidReceiveResponse(resp *traffic.Response) {
	if e.done {
		return
	}
	e.deliver(result{resp: e.response(resp, &body{pr: e.pr, ex: e})})
}

func (e *exchange) DidLoad(data []byte) {
	if e.done {
		return
	}
	// Blocks this request's loop until the reader catches up or closes the body.
	e.pw.Write(data)
}

func (e *exchange) DidFinishLoading() {
	if e.done {
		return
	}
	e.done = true
	e.pw.Close()
	e.release()
}

func (e *exchange) DidFail(err error) {
	if e.done {
		return
	}
	e.done = true
	e.pw.CloseWithError(err)
	e.deliver(result{err: err})
	e.release()
}

// body is the response body of an intercepted request. Closing it early
// cancels the session.
type body struct {
	pr   *io.PipeReader
	ex   *exchange
	once sync.Once
}

func (b *body) Read(p []byte) (int, error) {
	return b.pr.Read(p)
}

func (b *body) Close() error {
	b.once.Do(func() {
		b.pr.Close()
		b.ex.release()
	})
	return nil
}
