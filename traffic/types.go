// Package traffic defines the neutral request/response descriptors exchanged
// between the HTTP stack, the interceptor and its clients.
package traffic

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Request is a caller's request descriptor.
type Request struct {
	ID     string      // unique per descriptor, survives redirects only via Clone
	Method string      // HTTP method
	URL    *url.URL    // absolute target
	Header http.Header // request header
	Body   []byte      // request body, fully buffered
}

// Response is a response descriptor. There is no protocol version: the
// overlay does not carry one.
type Response struct {
	StatusCode int
	Header     http.Header
	URL        *url.URL // URL of the request that produced it
}

// NewRequest builds a descriptor for rawURL with a fresh ID.
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("traffic: parse url: %w", err)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		ID:     uuid.NewString(),
		Method: method,
		URL:    u,
		Header: make(http.Header),
		Body:   body,
	}, nil
}

// FromHTTP buffers r's body and converts it into a descriptor. Requests
// received by a proxy carry the target in RequestURI form; r.URL.Host and r.Host
// are both consulted so that either form works.
//
// r itself is never modified. Its body is consumed and closed, so the
// returned *http.Request, a shallow copy replaying the buffered body, is what
// must be sent if the request is forwarded elsewhere.
func FromHTTP(r *http.Request) (*Request, *http.Request, error) {
	replay := r
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("traffic: read body: %w", err)
		}
		body = b
		replay = r.WithContext(r.Context())
		replay.Body = io.NopCloser(bytes.NewReader(b))
		replay.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	}

	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		ID:     uuid.NewString(),
		Method: method,
		URL:    &u,
		Header: r.Header.Clone(),
		Body:   body,
	}, replay, nil
}

// Clone deep-copies the descriptor and gives the copy a new ID.
func (r *Request) Clone() *Request {
	c := &Request{
		ID:     uuid.NewString(),
		Method: r.Method,
		Header: r.Header.Clone(),
	}
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return c
}
