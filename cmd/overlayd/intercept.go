package main

import (
	"context"
	"errors"
	"io"
	"mini-overlay/client"
	"mini-overlay/codec"
	"mini-overlay/eventloop"
	"mini-overlay/intercept"
	"mini-overlay/loadbalance"
	"mini-overlay/metrics"
	"mini-overlay/middleware"
	"mini-overlay/session"
	"mini-overlay/topology"
	"mini-overlay/transport"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var interceptCmd = &cobra.Command{
	Use:   "intercept",
	Short: "Run a local forward proxy that moves registered hosts onto the overlay",
	Long: `Run a local HTTP forward proxy.

Requests whose scheme://host:port is published in the topology are carried over
the overlay to an edge hosting the service. Everything else is forwarded
directly. Point HTTP_PROXY at the listen address.`,
	Args: cobra.NoArgs,
	RunE: runIntercept,
}

func init() {
	rootCmd.AddCommand(interceptCmd)
}

func runIntercept(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	etcd, err := openEtcd()
	if err != nil {
		return err
	}
	defer etcd.Close()

	m := metrics.New()
	serveMetrics(ctx, m)

	loop := eventloop.New(eventloop.WithPanicHandler(func(r any) {
		log.Error().Interface("panic", r).Msg("event loop task panicked")
	}))
	defer loop.Stop()

	ic := cfg.Intercept
	reg := intercept.NewRegistry(intercept.WithLogger(log), intercept.WithMetrics(m))
	watcher := topology.NewWatcher(reg, func(service string, d topology.Decoded) intercept.Binding {
		bal, err := loadbalance.New(ic.Balancer, service)
		if err != nil {
			bal = &loadbalance.RoundRobinBalancer{}
		}
		return transport.NewBinding(service, loop, transport.EdgeDialer(etcd, bal), transport.BindingOptions{
			Codec:        codec.ParseCodecType(ic.Codec),
			IdleTimeout:  d.IdleTimeout,
			DialTimeout:  ic.DialTimeout,
			Heartbeat:    ic.Heartbeat,
			WriteTimeout: ic.WriteTimeout,
			Logger:       log,
		})
	}, topology.WithLogger(log), topology.WithMetrics(m), topology.WithIdleTimeout(ic.IdleTimeout))

	events, err := etcd.WatchServices(ctx)
	if err != nil {
		return err
	}
	go func() {
		if err := watcher.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("topology watch stopped")
		}
	}()

	mws := []middleware.Middleware{middleware.LoggingMiddleware(log)}
	if ic.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(ic.RateLimit, max(ic.Burst, 1)))
	}
	if ic.RequestTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(ic.RequestTimeout))
	}
	// Direct traffic must not loop back through HTTP_PROXY, which points at us.
	direct := http.DefaultTransport.(*http.Transport).Clone()
	direct.Proxy = nil
	rt := client.NewTransport(
		session.New(reg, loop, session.WithLogger(log), session.WithMetrics(m)),
		client.WithBase(direct),
		client.WithMiddleware(mws...),
		client.WithLogger(log),
	)

	srv := &http.Server{
		Addr:              ic.Listen,
		Handler:           &proxy{rt: rt},
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", ic.Listen).Msg("intercepting proxy listening")
	err = srv.ListenAndServe()
	closeBindings(reg)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// closeBindings drops every overlay connection once the proxy stopped serving.
// Streams still open end with ESHUTDOWN.
func closeBindings(reg *intercept.Registry) {
	for _, b := range reg.Reset() {
		if c, ok := b.(interface{ Close() }); ok {
			c.Close()
		} else {
			b.Quiesce()
		}
	}
}

// proxy is a plain-HTTP forward proxy over rt.
type proxy struct {
	rt http.RoundTripper
}

// Hop-by-hop headers are not forwarded.
var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT tunnels are not supported", http.StatusNotImplemented)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requests need an absolute URL", http.StatusBadRequest)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := p.rt.RoundTrip(out)
	if err != nil {
		status := http.StatusBadGateway
		var te *transport.Error
		if errors.As(err, &te) && te.Code == transport.ETIMEDOUT || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(flushWriter{w}, resp.Body)
}

// flushWriter flushes after every write so streamed bodies reach the client promptly.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
