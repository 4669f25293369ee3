package transport

import (
	"mini-overlay/codec"
	"mini-overlay/message"
	"mini-overlay/protocol"
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeEdge speaks the overlay frame protocol; handle runs once per request frame.
type fakeEdge struct {
	ln      net.Listener
	accepts atomic.Int32
	handle  func(w *edgeStream, req *message.Envelope)

	mu     sync.Mutex
	conns  []net.Conn
	closed chan struct{} // receives one value per connection the client closes
}

type edgeStream struct {
	conn net.Conn
	mu   *sync.Mutex
	seq  uint32
}

func newFakeEdge(t *testing.T, handle func(w *edgeStream, req *message.Envelope)) *fakeEdge {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	e := &fakeEdge{ln: ln, handle: handle, closed: make(chan struct{}, 16)}
	go e.serve()
	t.Cleanup(e.Close)
	return e
}

func (e *fakeEdge) Addr() string { return e.ln.Addr().String() }

func (e *fakeEdge) Close() {
	e.ln.Close()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		c.Close()
	}
}

// dropConns kills every accepted connection from the edge side.
func (e *fakeEdge) dropConns() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		c.Close()
	}
	e.conns = nil
}

func (e *fakeEdge) serve() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.accepts.Add(1)
		e.mu.Lock()
		e.conns = append(e.conns, conn)
		e.mu.Unlock()
		go e.handleConn(conn)
	}
}

func (e *fakeEdge) handleConn(conn net.Conn) {
	writeMu := &sync.Mutex{}
	for {
		h, body, err := protocol.Decode(conn)
		if err != nil {
			e.closed <- struct{}{}
			return
		}
		if h.MsgType != protocol.MsgTypeRequest {
			continue
		}
		var env message.Envelope
		if err := codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, &env); err != nil {
			continue
		}
		go e.handle(&edgeStream{conn: conn, mu: writeMu, seq: h.Seq}, &env)
	}
}

func (s *edgeStream) send(mt protocol.MsgType, env *message.Envelope) {
	body, _ := codec.GetCodec(codec.CodecTypeBinary).Encode(env)
	s.mu.Lock()
	defer s.mu.Unlock()
	protocol.Encode(s.conn, &protocol.Header{CodecType: protocol.CodecTypeBinary, MsgType: mt, Seq: s.seq}, body)
}

func (s *edgeStream) head(status int, header map[string][]string) {
	s.send(protocol.MsgTypeHead, &message.Envelope{Status: status, Header: header})
}

func (s *edgeStream) data(p string) {
	s.send(protocol.MsgTypeData, &message.Envelope{Payload: []byte(p)})
}

func (s *edgeStream) end() {
	s.send(protocol.MsgTypeEnd, &message.Envelope{})
}

func (s *edgeStream) fail(code int) {
	s.send(protocol.MsgTypeError, &message.Envelope{Code: code, Error: ErrorText(code)})
}
