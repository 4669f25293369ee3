package transport

import (
	"context"
	"errors"
	"mini-overlay/codec"
	"mini-overlay/eventloop"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// ErrQuiesced is returned by OpenRequest after the binding stopped accepting work.
var ErrQuiesced = errors.New("transport: binding quiesced")

// Dialer opens an overlay connection that will carry streams for service.
type Dialer func(ctx context.Context, service string) (net.Conn, error)

// BindingOptions tunes a Binding.
type BindingOptions struct {
	Codec        codec.CodecType
	IdleTimeout  time.Duration // keep-alive budget of an unused connection; 0 closes at once
	DialTimeout  time.Duration
	Heartbeat    time.Duration
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Binding is the overlay client bound to one intercepted destination.
//
// It owns at most one ClientTransport and reuses it across requests. The
// connection is dialed lazily and asynchronously: requests opened while it is
// being dialed are queued and flushed once it is up. After the last stream ends
// the connection is kept for IdleTimeout and then closed.
//
// All methods except Quiesce and Close must be called on the loop goroutine.
type Binding struct {
	service string
	loop    *eventloop.Loop
	dial    Dialer
	opts    BindingOptions
	log     zerolog.Logger

	ct        *ClientTransport
	dialing   bool
	queued    []queuedRequest
	quiesced  bool
	closed    bool
	nextID    RequestID
	idleTimer *time.Timer
	idleGen   uint64
}

type queuedRequest struct {
	req *Request
	st  *stream
}

// NewBinding creates a binding for service. No connection is opened yet.
func NewBinding(service string, loop *eventloop.Loop, dial Dialer, opts BindingOptions) *Binding {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Binding{
		service: service,
		loop:    loop,
		dial:    dial,
		opts:    opts,
		log:     opts.Logger.With().Str("service", service).Logger(),
	}
}

// Service returns the overlay service name.
func (b *Binding) Service() string {
	return b.service
}

// OpenRequest starts req on the overlay. Callbacks fire later on the loop,
// never from inside OpenRequest. ctx is handed back to every callback.
func (b *Binding) OpenRequest(req *Request, onHeaders HeadersFunc, onBody BodyFunc, ctx uint64) (RequestID, error) {
	if b.quiesced {
		return 0, ErrQuiesced
	}
	b.nextID++
	st := &stream{id: b.nextID, ctx: ctx, onHeaders: onHeaders, onBody: onBody}
	b.stopIdle()

	if b.ct != nil {
		if err := b.ct.Send(req, st); err != nil {
			b.log.Warn().Err(err).Msg("send on overlay connection failed")
			b.ct.Close()
			return 0, NewError(CodeOf(err))
		}
		return st.id, nil
	}

	b.queued = append(b.queued, queuedRequest{req: req, st: st})
	if !b.dialing {
		b.startDial()
	}
	return st.id, nil
}

// Quiesce stops the binding from accepting new requests. In-flight requests
// continue; the connection closes once they are done. Safe from any goroutine.
func (b *Binding) Quiesce() {
	b.loop.Post(func() {
		if b.quiesced {
			return
		}
		b.quiesced = true
		b.log.Debug().Msg("binding quiesced")
		b.maybeIdle()
	})
}

// Close quiesces the binding and drops its connection now. Open streams end
// with ESHUTDOWN, including requests still waiting for the dial. Safe from any
// goroutine.
func (b *Binding) Close() {
	b.loop.Post(func() {
		if b.closed {
			return
		}
		b.quiesced, b.closed = true, true
		b.stopIdle()
		queued := b.queued
		b.queued = nil
		for _, q := range queued {
			q.st.onHeaders(q.st.id, q.st.ctx, ESHUTDOWN, nil)
		}
		if b.ct != nil {
			b.closeTransport("binding closed")
		}
	})
}

func (b *Binding) startDial() {
	b.dialing = true
	b.log.Debug().Msg("dialing overlay")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.DialTimeout)
		conn, err := b.dial(ctx, b.service)
		cancel()
		if !b.loop.Post(func() { b.onDialed(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (b *Binding) onDialed(conn net.Conn, err error) {
	b.dialing = false
	queued := b.queued
	b.queued = nil

	if b.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		code := CodeOf(err)
		b.log.Warn().Err(err).Int("queued", len(queued)).Msg("overlay dial failed")
		for _, q := range queued {
			q.st.onHeaders(q.st.id, q.st.ctx, code, nil)
		}
		return
	}

	ct := NewClientTransport(conn, b.service, b.loop, TransportOptions{
		Codec:        b.opts.Codec,
		Heartbeat:    b.opts.Heartbeat,
		WriteTimeout: b.opts.WriteTimeout,
		Logger:       b.opts.Logger,
	})
	ct.onIdle = b.maybeIdle
	ct.onClosed = b.onTransportClosed
	b.ct = ct

	for i, q := range queued {
		if err := ct.Send(q.req, q.st); err != nil {
			code := CodeOf(err)
			for _, rest := range queued[i:] {
				rest.st.onHeaders(rest.st.id, rest.st.ctx, code, nil)
			}
			ct.Close()
			return
		}
	}
	b.maybeIdle()
}

func (b *Binding) onTransportClosed(ct *ClientTransport, err error) {
	if b.ct == ct {
		b.ct = nil
		b.stopIdle()
		b.log.Debug().Err(err).Msg("overlay connection closed")
	}
}

// maybeIdle arms the keep-alive timer once the connection has no streams,
// or closes it right away when the binding is quiesced.
func (b *Binding) maybeIdle() {
	if b.ct == nil || b.ct.Inflight() > 0 || b.dialing {
		return
	}
	if b.quiesced || b.opts.IdleTimeout <= 0 {
		b.closeTransport("idle")
		return
	}
	b.stopIdle()
	gen := b.idleGen
	b.idleTimer = time.AfterFunc(b.opts.IdleTimeout, func() {
		b.loop.Post(func() { b.idleExpired(gen) })
	})
}

func (b *Binding) idleExpired(gen uint64) {
	if gen != b.idleGen || b.ct == nil || b.ct.Inflight() > 0 {
		return
	}
	b.closeTransport("keep-alive budget spent")
}

func (b *Binding) closeTransport(reason string) {
	ct := b.ct
	b.ct = nil
	b.stopIdle()
	b.log.Debug().Str("reason", reason).Msg("closing overlay connection")
	ct.Close()
}

func (b *Binding) stopIdle() {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
	b.idleGen++
}
