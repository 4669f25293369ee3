// Package session runs intercepted requests over the overlay.
//
// An Interceptor owns the live-session set. Admission, session creation and
// the transport request are all marshaled onto the event loop, and transport
// callbacks arrive on that same loop, so session state is single-writer and
// unlocked. Caller-facing events leave the loop through a notify.Notifier.
//
// A session leaves the live set only once the caller has called Cancel and the
// transport has delivered its terminal event. Callers must therefore Cancel
// every handle they get from Begin, including ones that completed normally.
package session

import (
	"errors"
	"mini-overlay/eventloop"
	"mini-overlay/intercept"
	"mini-overlay/metrics"
	"mini-overlay/notify"
	"mini-overlay/traffic"
	"mini-overlay/transport"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrNotIntercepted is returned by Begin when the target is not registered.
// The caller should hand the request to its normal network stack.
var ErrNotIntercepted = errors.New("session: request not intercepted")

// Interceptor is the entry point used by the HTTP stack integration.
type Interceptor struct {
	registry *intercept.Registry
	loop     *eventloop.Loop
	next     atomic.Uint64

	live map[Handle]*Session // loop goroutine only

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Option configures an Interceptor.
type Option func(*Interceptor)

func WithLogger(l zerolog.Logger) Option {
	return func(i *Interceptor) { i.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Interceptor) { i.metrics = m }
}

// New creates an Interceptor admitting requests against reg. Transport
// bindings used by reg's entries must run on loop.
func New(reg *intercept.Registry, loop *eventloop.Loop, opts ...Option) *Interceptor {
	i := &Interceptor{
		registry: reg,
		loop:     loop,
		live:     make(map[Handle]*Session),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CanIntercept reports whether req's normalized target is registered.
func (i *Interceptor) CanIntercept(req *traffic.Request) bool {
	key, err := intercept.KeyFromURL(req.URL)
	if err != nil {
		return false
	}
	_, ok := i.registry.Lookup(key)
	return ok
}

// Begin starts intercepting req. Events are delivered to client through
// binding. The registry is consulted again on the loop; if the entry vanished
// in between, client receives DidFail instead.
func (i *Interceptor) Begin(req *traffic.Request, client notify.Client, binding notify.Binding) (Handle, error) {
	key, err := intercept.KeyFromURL(req.URL)
	if err != nil {
		return 0, ErrNotIntercepted
	}
	if _, ok := i.registry.Lookup(key); !ok {
		return 0, ErrNotIntercepted
	}

	h := Handle(i.next.Add(1))
	n := notify.New(client, binding)
	if !i.loop.Post(func() { i.start(h, key, req, n) }) {
		return 0, eventloop.ErrStopped
	}
	return h, nil
}

// Cancel records that the caller no longer wants events for h. The transport
// request is left to run out; the session is dropped at its terminal event,
// or now if that already happened. Unknown handles are ignored.
func (i *Interceptor) Cancel(h Handle) {
	i.loop.Post(func() {
		s, ok := i.live[h]
		if !ok {
			return
		}
		if !s.stopRequested {
			s.stopRequested = true
			s.log.Debug().Stringer("state", s.state).Msg("session stop requested")
		}
		i.sweep()
	})
}

// Live returns the size of the live-session set. It must not be called from
// the loop goroutine.
func (i *Interceptor) Live() int {
	var n int
	if err := i.loop.Do(func() { n = len(i.live) }); err != nil {
		return 0
	}
	return n
}

// StateOf returns the state of a live session. It must not be called from
// the loop goroutine.
func (i *Interceptor) StateOf(h Handle) (State, bool) {
	var (
		st State
		ok bool
	)
	i.loop.Do(func() {
		var s *Session
		if s, ok = i.live[h]; ok {
			st = s.state
		}
	})
	return st, ok
}

func (i *Interceptor) start(h Handle, key intercept.Key, req *traffic.Request, n *notify.Notifier) {
	s := &Session{
		handle:   h,
		req:      req,
		key:      key,
		notifier: n,
		log: i.log.With().
			Uint64("handle", uint64(h)).
			Str("request_id", req.ID).
			Stringer("key", key).
			Logger(),
	}
	i.live[h] = s
	i.metrics.SetLiveSessions(len(i.live))

	entry, ok := i.registry.Lookup(key)
	if !ok || entry.Binding == nil {
		s.log.Debug().Msg("intercept entry gone before start")
		i.fail(s, transport.NewError(transport.EHOSTUNREACH))
		return
	}
	s.entry = entry
	s.log = s.log.With().Str("service", entry.ServiceName).Logger()

	s.transition(Started)
	i.metrics.SessionStarted()
	id, err := entry.Binding.OpenRequest(s.transportRequest(), i.onHeaders, i.onBody, uint64(h))
	if err != nil {
		s.log.Warn().Err(err).Msg("open overlay request failed")
		var te *transport.Error
		if !errors.As(err, &te) {
			err = transport.NewError(transport.CodeOf(err))
		}
		i.fail(s, err)
		return
	}
	s.requestID = id
	s.log.Debug().Uint64("transport_request", uint64(id)).Str("method", req.Method).Msg("session started")
}

func (i *Interceptor) onHeaders(_ transport.RequestID, ctx uint64, status int, header http.Header) {
	s, ok := i.live[Handle(ctx)]
	if !ok {
		return
	}
	if status <= 0 {
		i.fail(s, transport.NewError(status))
		return
	}
	if header == nil {
		header = make(http.Header)
	}
	resp := &traffic.Response{StatusCode: status, Header: header, URL: s.req.URL}

	if target, ok := redirectTarget(s.req.URL, status, header); ok {
		if !s.transition(Redirected) {
			return
		}
		s.redirected = true
		next := redirectRequest(s.req, status, target)
		s.log.Debug().Int("status", status).Stringer("location", target).Msg("session redirected")
		i.metrics.SessionCompleted("redirected")
		if n := s.notifying(); n != nil {
			n.WasRedirected(next, resp)
		}
		return
	}

	if !s.transition(HeadersReceived) {
		return
	}
	if n := s.notifying(); n != nil {
		n.DidReceiveResponse(resp)
	}
}

func (i *Interceptor) onBody(_ transport.RequestID, ctx uint64, data []byte, length int) {
	s, ok := i.live[Handle(ctx)]
	if !ok {
		return
	}

	switch {
	case s.redirected:
		// The caller already has its outcome; record the terminal event silently.
		switch {
		case length == transport.EOF:
			if s.transition(Finished) {
				s.finished = true
			}
		case length < 0:
			if s.transition(Failed) {
				s.finished = true
				s.log.Debug().Err(transport.NewError(length)).Msg("redirected session failed")
			}
		}
	case length == transport.EOF:
		if s.transition(Finished) {
			s.finished = true
			s.log.Debug().Msg("session finished")
			i.metrics.SessionCompleted("finished")
			if n := s.notifying(); n != nil {
				n.DidFinishLoading()
			}
		}
	case length < 0:
		i.fail(s, transport.NewError(length))
		return
	default:
		if length > len(data) {
			length = len(data)
		}
		if s.transition(BodyStreaming) {
			if n := s.notifying(); n != nil {
				n.DidLoad(data[:length])
			}
		}
	}
	i.sweep()
}

// fail moves s to Failed, reports err once and sweeps.
func (i *Interceptor) fail(s *Session, err error) {
	if !s.transition(Failed) {
		return
	}
	s.finished = true
	s.log.Debug().Err(err).Msg("session failed")
	i.metrics.SessionCompleted("failed")
	if n := s.notifying(); n != nil {
		n.DidFail(err)
	}
	i.sweep()
}

// sweep drops every session whose caller stopped and whose transport finished.
func (i *Interceptor) sweep() {
	for h, s := range i.live {
		if s.stopRequested && s.finished {
			delete(i.live, h)
			s.log.Debug().Stringer("state", s.state).Msg("session released")
		}
	}
	i.metrics.SetLiveSessions(len(i.live))
}
