// Package server implements the overlay edge: it accepts overlay connections,
// replays each request stream against the upstream HTTP service it hosts, and
// streams the response back as head, data and end frames.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request frame: go handleStream (parallel processing)
//	    → Codec.Decode → upstream RoundTrip (middleware chain) → Head → Data* → End | Error
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mini-overlay/codec"
	"mini-overlay/message"
	"mini-overlay/metrics"
	"mini-overlay/middleware"
	"mini-overlay/protocol"
	"mini-overlay/registry"
	"mini-overlay/transport"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnknownService is reported for streams naming a service this edge does not host.
var ErrUnknownService = errors.New("server: service not hosted")

// Options tunes a Server.
type Options struct {
	ChunkSize       int           // max body bytes per Data frame
	UpstreamTimeout time.Duration // 0 means no overall deadline
	LeaseTTL        int64         // seconds; registry lease of each hosted service
	Weight          int
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

// Server is the overlay edge.
type Server struct {
	opts Options
	log  zerolog.Logger

	mu       sync.RWMutex
	services map[string]*url.URL // hosted service → upstream base URL

	middlewares []middleware.Middleware
	upstream    *http.Client

	listener      net.Listener
	wg            sync.WaitGroup // in-flight streams, for graceful shutdown
	shutdown      atomic.Bool
	conns         sync.Map // net.Conn → struct{}
	registry      registry.Registry
	advertiseAddr string
}

// NewServer creates an edge hosting no services yet.
func NewServer(opts Options) *Server {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 32 << 10
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10
	}
	return &Server{
		opts:     opts,
		log:      opts.Logger,
		services: make(map[string]*url.URL),
	}
}

// Host serves overlay service name by proxying to the upstream base URL.
func (svr *Server) Host(name, upstream string) error {
	u, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("server: upstream for %s: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server: upstream for %s must be absolute, got %q", name, upstream)
	}
	svr.mu.Lock()
	svr.services[name] = u
	svr.mu.Unlock()
	return nil
}

// Use registers an upstream middleware. Middlewares are applied in the order
// they are added and must be registered before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. If reg is not nil,
// every hosted service is registered at advertiseAddr, which must be routable
// for clients (":8080" is not).
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener. An empty advertiseAddr
// registers the listener's own address.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	svr.listener = listener
	svr.mu.Unlock()

	// Build the upstream chain once at startup (not per-stream).
	svr.upstream = &http.Client{
		Transport: middleware.Chain(svr.middlewares...)(http.DefaultTransport),
		Timeout:   svr.opts.UpstreamTimeout,
		// Redirects are the client's business: forward them as-is.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	if reg != nil {
		svr.mu.Lock()
		svr.registry = reg
		svr.advertiseAddr = advertiseAddr
		svr.mu.Unlock()
		for _, name := range svr.hosted() {
			err := reg.Register(name, registry.ServiceInstance{Addr: advertiseAddr, Weight: svr.opts.Weight}, svr.opts.LeaseTTL)
			if err != nil {
				return fmt.Errorf("server: register %s: %w", name, err)
			}
			svr.log.Info().Str("service", name).Str("addr", advertiseAddr).Msg("edge registered")
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address once Serve has started.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) hosted() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	names := make([]string, 0, len(svr.services))
	for name := range svr.services {
		names = append(names, name)
	}
	return names
}

func (svr *Server) upstreamFor(name string) (*url.URL, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	u, ok := svr.services[name]
	return u, ok
}

// handleConn reads frames sequentially and runs each stream in its own
// goroutine. A per-connection write mutex keeps frames from interleaving.
func (svr *Server) handleConn(conn net.Conn) {
	svr.conns.Store(conn, struct{}{})
	defer func() {
		svr.conns.Delete(conn)
		conn.Close()
	}()

	log := svr.log.With().Str("peer", conn.RemoteAddr().String()).Logger()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !svr.shutdown.Load() {
				log.Debug().Err(err).Msg("overlay connection closed")
			}
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeRequest:
			svr.wg.Add(1)
			go svr.handleStream(header, body, conn, writeMu, log)
		default:
			log.Warn().Stringer("type", header.MsgType).Msg("unexpected frame from client")
		}
	}
}

type streamWriter struct {
	conn  net.Conn
	mu    *sync.Mutex
	seq   uint32
	codec codec.Codec
}

func (w *streamWriter) send(mt protocol.MsgType, env *message.Envelope) error {
	body, err := w.codec.Encode(env)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.Encode(w.conn, &protocol.Header{
		CodecType: byte(w.codec.Type()),
		MsgType:   mt,
		Seq:       w.seq, // same seq as the request: this is how multiplexing works
	}, body)
}

func (w *streamWriter) fail(code int) error {
	return w.send(protocol.MsgTypeError, &message.Envelope{Code: code, Error: transport.ErrorText(code)})
}

// handleStream replays one request upstream and streams the response back.
func (svr *Server) handleStream(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex, log zerolog.Logger) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	w := &streamWriter{conn: conn, mu: writeMu, seq: header.Seq, codec: c}

	var req message.Envelope
	if err := c.Decode(body, &req); err != nil {
		log.Warn().Err(err).Uint32("seq", header.Seq).Msg("undecodable request")
		svr.opts.Metrics.EdgeStream("rejected")
		w.fail(transport.EPROTO)
		return
	}
	log = log.With().Str("service", req.Service).Uint32("seq", header.Seq).Logger()

	base, ok := svr.upstreamFor(req.Service)
	if !ok {
		log.Warn().Err(ErrUnknownService).Msg("stream rejected")
		svr.opts.Metrics.EdgeStream("rejected")
		w.fail(transport.ECONNREFUSED)
		return
	}

	upReq, err := upstreamRequest(base, &req)
	if err != nil {
		log.Warn().Err(err).Msg("bad request")
		svr.opts.Metrics.EdgeStream("rejected")
		w.fail(transport.EPROTO)
		return
	}

	resp, err := svr.upstream.Do(upReq)
	if err != nil {
		code := transport.CodeOf(err)
		log.Warn().Err(err).Int("code", code).Msg("upstream request failed")
		svr.opts.Metrics.EdgeStream("upstream_error")
		w.fail(code)
		return
	}
	defer resp.Body.Close()

	if err := w.send(protocol.MsgTypeHead, &message.Envelope{Status: resp.StatusCode, Header: resp.Header}); err != nil {
		return
	}

	buf := make([]byte, svr.opts.ChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := w.send(protocol.MsgTypeData, &message.Envelope{Payload: buf[:n]}); err != nil {
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			log.Warn().Err(rerr).Msg("upstream body failed")
			svr.opts.Metrics.EdgeStream("upstream_error")
			w.fail(transport.CodeOf(rerr))
			return
		}
	}
	w.send(protocol.MsgTypeEnd, &message.Envelope{})
	svr.opts.Metrics.EdgeStream("ok")
	log.Debug().Int("status", resp.StatusCode).Str("method", req.Method).Str("path", req.Path).Msg("stream served")
}

// upstreamRequest rebuilds the HTTP request against the upstream base URL.
// The caller's Host is kept in X-Forwarded-Host.
func upstreamRequest(base *url.URL, env *message.Envelope) (*http.Request, error) {
	path := env.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("request path %q is not origin-form", path)
	}
	target := strings.TrimSuffix(base.String(), "/") + path

	var body io.Reader = http.NoBody
	if len(env.Payload) > 0 {
		body = strings.NewReader(string(env.Payload))
	}
	method := env.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(context.Background(), method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range env.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Del("Connection")
	if env.Host != "" {
		req.Header.Set("X-Forwarded-Host", env.Host)
	}
	return req, nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister hosted services (clients stop dialing this edge)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight streams to finish (with timeout), then drop connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	reg, addr, listener := svr.registry, svr.advertiseAddr, svr.listener
	svr.mu.RUnlock()

	if reg != nil {
		for _, name := range svr.hosted() {
			if err := reg.Deregister(name, addr); err != nil {
				svr.log.Warn().Err(err).Str("service", name).Msg("deregister failed")
			}
		}
	}

	svr.shutdown.Store(true)
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing streams to finish")
	}
	svr.conns.Range(func(k, _ any) bool {
		k.(net.Conn).Close()
		return true
	})
	return err
}
