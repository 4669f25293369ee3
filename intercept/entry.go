package intercept

import (
	"mini-overlay/transport"
	"net/http"
	"time"
)

// Binding is the overlay client an entry opens requests on.
// *transport.Binding implements it.
type Binding interface {
	// OpenRequest runs on the event loop; callbacks fire later on the same loop.
	// A request opened without error always ends in exactly one terminal
	// callback (a status <= 0, EOF or an error code on the body).
	OpenRequest(req *transport.Request, onHeaders transport.HeadersFunc, onBody transport.BodyFunc, ctx uint64) (transport.RequestID, error)
	// Quiesce stops new requests; in-flight ones continue. Safe from any goroutine.
	Quiesce()
}

// Entry binds one Key to an overlay service. StaticHeaders and IdleTimeout
// are read-only after construction and may be shared freely.
type Entry struct {
	ServiceName   string
	Key           Key
	StaticHeaders map[string]string
	IdleTimeout   time.Duration
	Binding       Binding
}

// ApplyHeaders sets the entry's static headers on h, replacing caller values.
func (e *Entry) ApplyHeaders(h http.Header) {
	for k, v := range e.StaticHeaders {
		h.Set(k, v)
	}
}
