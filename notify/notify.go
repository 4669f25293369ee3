// Package notify replays session events onto the caller's execution context.
//
// Events are produced on the event loop. A Notifier turns each one into a
// closure and enqueues it on the caller's Binding; the loop never waits for the
// caller. One Binding per caller keeps per-session order equal to generation
// order.
package notify

import (
	"mini-overlay/traffic"
)

// Client receives the caller-facing events of one intercepted request.
// Exactly one of DidFinishLoading or DidFail ends a non-redirected request;
// a redirected request ends with WasRedirected.
type Client interface {
	WasRedirected(req *traffic.Request, resp *traffic.Response)
	DidReceiveResponse(resp *traffic.Response)
	DidLoad(data []byte)
	DidFinishLoading()
	DidFail(err error)
}

// Binding is the caller's execution context. Enqueue must not block and must
// run closures in submission order. It reports false if fn was dropped.
type Binding interface {
	Enqueue(fn func()) bool
}

// Notifier delivers events for one session.
type Notifier struct {
	client  Client
	binding Binding
}

func New(client Client, binding Binding) *Notifier {
	return &Notifier{client: client, binding: binding}
}

func (n *Notifier) WasRedirected(req *traffic.Request, resp *traffic.Response) bool {
	return n.binding.Enqueue(func() { n.client.WasRedirected(req, resp) })
}

func (n *Notifier) DidReceiveResponse(resp *traffic.Response) bool {
	return n.binding.Enqueue(func() { n.client.DidReceiveResponse(resp) })
}

// DidLoad copies data, since transport buffers are not retained past the callback.
func (n *Notifier) DidLoad(data []byte) bool {
	chunk := append([]byte(nil), data...)
	return n.binding.Enqueue(func() { n.client.DidLoad(chunk) })
}

func (n *Notifier) DidFinishLoading() bool {
	return n.binding.Enqueue(n.client.DidFinishLoading)
}

func (n *Notifier) DidFail(err error) bool {
	return n.binding.Enqueue(func() { n.client.DidFail(err) })
}

// Func adapts a plain function into a Binding that runs fn inline. It is only
// correct for callers that are themselves single-threaded consumers.
type Func func(fn func())

func (f Func) Enqueue(fn func()) bool {
	f(fn)
	return true
}
