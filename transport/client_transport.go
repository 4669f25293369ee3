// Package transport implements the client side of the overlay transport.
//
// ClientTransport multiplexes many HTTP exchanges over one overlay connection.
// Each request gets a sequence ID; a background reader (recvLoop) decodes frames
// and posts them onto the event loop, where they are routed to the stream's
// callbacks. Everything except raw socket I/O runs on the loop goroutine, so
// stream state needs no lock. Frames leave through a per-connection writer
// goroutine: the loop only queues them and never blocks on the socket.
//
//	loop ──Send(seq=1)──┐
//	loop ──Send(seq=2)──┼──→ single overlay conn ──→ Edge
//	                    │
//	recvLoop: ←── head(seq=2) ──Post──→ loop: streams[2].onHeaders(...)
//	          ←── data(seq=2) ──Post──→ loop: streams[2].onBody(chunk, n)
//	          ←── end(seq=2)  ──Post──→ loop: streams[2].onBody(nil, EOF)
package transport

import (
	"fmt"
	"mini-overlay/codec"
	"mini-overlay/eventloop"
	"mini-overlay/message"
	"mini-overlay/protocol"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RequestID identifies a request opened through a Binding.
type RequestID uint64

// HeadersFunc receives the response status. A status <= 0 is a transport error
// code and is the last callback for the request.
type HeadersFunc func(id RequestID, ctx uint64, status int, header http.Header)

// BodyFunc receives body events. length is the byte count of data, EOF at the
// end of the stream, or another negative error code. EOF and errors are the last
// callback for the request.
//
// Every request that was opened successfully gets exactly one terminal
// callback: a non-positive status, EOF or an error code. Connection loss,
// write timeouts and Close all end open streams with an error code, so a
// data chunk is never the last event a caller sees.
type BodyFunc func(id RequestID, ctx uint64, data []byte, length int)

// Request is what the overlay edge needs to replay an HTTP request.
type Request struct {
	Method string
	Path   string // path plus query
	Host   string
	Header http.Header
	Body   []byte
}

type stream struct {
	id        RequestID
	ctx       uint64
	onHeaders HeadersFunc
	onBody    BodyFunc
	gotHead   bool
}

// TransportOptions tunes a ClientTransport.
type TransportOptions struct {
	Codec        codec.CodecType
	Heartbeat    time.Duration // 0 disables heartbeats
	WriteTimeout time.Duration // per frame; 0 means no write deadline
	Logger       zerolog.Logger
}

type frame struct {
	mt   protocol.MsgType
	seq  uint32
	body []byte
}

// ClientTransport manages a single multiplexed overlay connection.
type ClientTransport struct {
	conn    net.Conn
	service string
	loop    *eventloop.Loop
	opts    TransportOptions
	log     zerolog.Logger

	// Owned by the loop goroutine.
	seq      uint32
	streams  map[uint32]*stream
	failed   bool
	onIdle   func()
	onClosed func(*ClientTransport, error)

	// Outgoing frames, drained by writeLoop in order.
	outMu     sync.Mutex
	out       []frame
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewClientTransport wraps an established overlay connection bound to service.
// It starts the reader and, if configured, the heartbeat goroutine.
func NewClientTransport(conn net.Conn, service string, loop *eventloop.Loop, opts TransportOptions) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		service: service,
		loop:    loop,
		opts:    opts,
		log:     opts.Logger.With().Str("service", service).Str("edge", conn.RemoteAddr().String()).Logger(),
		streams: make(map[uint32]*stream),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	go t.writeLoop()
	if opts.Heartbeat > 0 {
		go t.heartbeatLoop(opts.Heartbeat)
	}
	return t
}

// Send queues the request frame for st. Must run on the loop; it never
// blocks on the connection. On error the stream was not registered and no
// callback will fire for it. A failed write ends the stream through its
// callbacks instead.
func (t *ClientTransport) Send(req *Request, st *stream) error {
	if t.failed {
		return NewError(ENOTCONN)
	}

	t.seq++
	seq := t.seq

	env := message.Envelope{
		Service: t.service,
		Method:  req.Method,
		Path:    req.Path,
		Host:    req.Host,
		Header:  req.Header,
		Payload: req.Body,
	}
	body, err := codec.GetCodec(t.opts.Codec).Encode(&env)
	if err != nil {
		return err
	}
	if uint64(len(body)) > uint64(protocol.MaxBodyLen) {
		return fmt.Errorf("transport: request frame too large: %d bytes", len(body))
	}

	// Register before writing so a fast response cannot miss its stream.
	t.streams[seq] = st
	t.enqueue(frame{mt: protocol.MsgTypeRequest, seq: seq, body: body})
	return nil
}

// Inflight returns the number of open streams. Must run on the loop.
func (t *ClientTransport) Inflight() int {
	return len(t.streams)
}

// Close shuts the connection. Open streams are failed by the reader once it
// observes the closed connection.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *ClientTransport) enqueue(f frame) {
	t.outMu.Lock()
	t.out = append(t.out, f)
	t.outMu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// writeLoop is the only writer of the connection. A write error or timeout
// fails the transport; the loop hears about it through fail.
func (t *ClientTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case <-t.wake:
		}
		t.outMu.Lock()
		batch := t.out
		t.out = nil
		t.outMu.Unlock()

		for _, f := range batch {
			if t.opts.WriteTimeout > 0 {
				_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			}
			err := protocol.Encode(t.conn, &protocol.Header{
				CodecType: byte(t.opts.Codec),
				MsgType:   f.mt,
				Seq:       f.seq,
			}, f.body)
			if err != nil {
				t.log.Warn().Err(err).Stringer("type", f.mt).Uint32("seq", f.seq).Msg("overlay write failed")
				// Post before closing so the write error, not the reader's, reaches the streams.
				t.loop.Post(func() { t.fail(err) })
				t.Close()
				return
			}
		}
	}
}

// recvLoop is the only reader of the connection. Frames are decoded here and
// handed to the loop; a read error fails every open stream.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.loop.Post(func() { t.fail(err) })
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		var env message.Envelope
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &env); err != nil {
			t.log.Warn().Err(err).Uint32("seq", header.Seq).Msg("undecodable frame")
			seq := header.Seq
			t.loop.Post(func() { t.terminateSeq(seq, EPROTO) })
			continue
		}
		mt, seq := header.MsgType, header.Seq
		t.loop.Post(func() { t.dispatch(mt, seq, &env) })
	}
}

func (t *ClientTransport) dispatch(mt protocol.MsgType, seq uint32, env *message.Envelope) {
	st, ok := t.streams[seq]
	if !ok {
		t.log.Debug().Uint32("seq", seq).Stringer("type", mt).Msg("frame for unknown stream dropped")
		return
	}

	switch mt {
	case protocol.MsgTypeHead:
		if st.gotHead || env.Status <= 0 {
			t.terminate(seq, st, EPROTO)
			return
		}
		st.gotHead = true
		st.onHeaders(st.id, st.ctx, env.Status, http.Header(env.Header))
	case protocol.MsgTypeData:
		if !st.gotHead {
			t.terminate(seq, st, EPROTO)
			return
		}
		st.onBody(st.id, st.ctx, env.Payload, len(env.Payload))
	case protocol.MsgTypeEnd:
		if !st.gotHead {
			t.terminate(seq, st, EPROTO)
			return
		}
		t.terminate(seq, st, EOF)
	case protocol.MsgTypeError:
		code := env.Code
		if code >= 0 {
			code = EPROTO
		}
		t.terminate(seq, st, code)
	default:
		t.terminate(seq, st, EPROTO)
	}
}

func (t *ClientTransport) terminateSeq(seq uint32, code int) {
	if st, ok := t.streams[seq]; ok {
		t.terminate(seq, st, code)
	}
}

// terminate delivers the final callback of a stream. Before the head it goes
// to onHeaders as a non-positive status, afterwards to onBody.
func (t *ClientTransport) terminate(seq uint32, st *stream, code int) {
	delete(t.streams, seq)
	if st.gotHead {
		st.onBody(st.id, st.ctx, nil, code)
	} else {
		st.onHeaders(st.id, st.ctx, code, nil)
	}
	if len(t.streams) == 0 && t.onIdle != nil && !t.failed {
		t.onIdle()
	}
}

func (t *ClientTransport) fail(err error) {
	if t.failed {
		return
	}
	t.failed = true
	t.Close()

	code := CodeOf(err)
	if len(t.streams) > 0 {
		t.log.Warn().Err(err).Int("streams", len(t.streams)).Msg("overlay connection lost")
	}
	for seq, st := range t.streams {
		t.terminate(seq, st, code)
	}
	if t.onClosed != nil {
		t.onClosed(t, err)
	}
}

// heartbeatLoop sends periodic heartbeat frames so idle overlay connections
// are not reaped by middleboxes while they wait for reuse.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.outMu.Lock()
			busy := len(t.out) > 0
			t.outMu.Unlock()
			if !busy {
				t.enqueue(frame{mt: protocol.MsgTypeHeartbeat})
			}
		}
	}
}
