package main

import (
	"errors"
	"io"
	"mini-overlay/intercept"
	"mini-overlay/middleware"
	"mini-overlay/topology"
	"mini-overlay/transport"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProxyForwardsAbsoluteRequests(t *testing.T) {
	var seen *http.Request
	rt := middleware.RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		seen = r
		return &http.Response{
			StatusCode: http.StatusAccepted,
			Header:     http.Header{"X-Up": {"1"}, "Connection": {"close"}},
			Body:       io.NopCloser(strings.NewReader("streamed")),
		}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://web.internal/a?b=1", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	w := httptest.NewRecorder()
	(&proxy{rt: rt}).ServeHTTP(w, req)

	if w.Code != http.StatusAccepted || w.Body.String() != "streamed" {
		t.Fatalf("code = %d body = %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Up") != "1" || w.Header().Get("Connection") != "" {
		t.Errorf("headers = %v", w.Header())
	}
	if seen.RequestURI != "" || seen.Header.Get("Proxy-Connection") != "" {
		t.Errorf("outgoing request not cleaned: %q %v", seen.RequestURI, seen.Header)
	}
}

func TestProxyMapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{transport.NewError(transport.EHOSTUNREACH), http.StatusBadGateway},
		{transport.NewError(transport.ETIMEDOUT), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, c := range cases {
		rt := middleware.RoundTripperFunc(func(*http.Request) (*http.Response, error) { return nil, c.err })
		w := httptest.NewRecorder()
		(&proxy{rt: rt}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://x/", nil))
		if w.Code != c.want {
			t.Errorf("%v: code = %d, want %d", c.err, w.Code, c.want)
		}
	}
}

func TestProxyRejectsConnectAndOriginForm(t *testing.T) {
	p := &proxy{rt: http.DefaultTransport}

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodConnect, "http://x:443", nil))
	if w.Code != http.StatusNotImplemented {
		t.Errorf("CONNECT code = %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/path", nil)
	r.URL.Scheme, r.URL.Host = "", ""
	w = httptest.NewRecorder()
	p.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("origin-form code = %d", w.Code)
	}
}

func TestClientConfigFromFlags(t *testing.T) {
	defer func() { publishURL, publishTunnel, publishHeaders = "", "", nil }()

	publishURL = "https://Billing.internal"
	publishHeaders = map[string]string{"X-Token": "t"}
	doc, err := clientConfig()
	if err != nil {
		t.Fatal(err)
	}
	d := topology.Decode(doc)
	if d.Shape != topology.DirectURL || d.Hostname != "billing.internal" || d.Port != 443 || d.Headers["X-Token"] != "t" {
		t.Fatalf("decoded %+v from %s", d, doc)
	}

	publishURL, publishTunnel = "", "db.internal:5432"
	if doc, err = clientConfig(); err != nil {
		t.Fatal(err)
	}
	if d := topology.Decode(doc); d.Shape != topology.Tunnel || d.Port != 5432 {
		t.Fatalf("decoded %+v from %s", d, doc)
	}

	publishTunnel = "db.internal:0"
	if _, err := clientConfig(); err == nil {
		t.Error("port 0 should be rejected")
	}
}

type shutdownBinding struct {
	closed, quiesced int
}

func (b *shutdownBinding) OpenRequest(*transport.Request, transport.HeadersFunc, transport.BodyFunc, uint64) (transport.RequestID, error) {
	return 0, transport.ErrQuiesced
}

func (b *shutdownBinding) Quiesce() { b.quiesced++ }

type closingBinding struct {
	shutdownBinding
}

func (b *closingBinding) Close() { b.closed++ }

// 退出时关闭所有 binding，没有 Close 的退化为 Quiesce
func TestCloseBindingsOnShutdown(t *testing.T) {
	reg := intercept.NewRegistry()
	closing, plain := &closingBinding{}, &shutdownBinding{}
	for _, s := range []string{"http://a.internal", "https://a.internal"} {
		k, _ := intercept.ParseKey(s)
		reg.Upsert(k, &intercept.Entry{ServiceName: "a", Binding: closing})
	}
	k, _ := intercept.ParseKey("http://b.internal")
	reg.Upsert(k, &intercept.Entry{ServiceName: "b", Binding: plain})

	closeBindings(reg)

	if closing.closed != 1 || closing.quiesced != 0 {
		t.Errorf("closing binding: closed=%d quiesced=%d", closing.closed, closing.quiesced)
	}
	if plain.quiesced != 1 {
		t.Errorf("plain binding quiesced %d times", plain.quiesced)
	}
	if reg.Len() != 0 {
		t.Errorf("registry still holds %d entries", reg.Len())
	}
}
