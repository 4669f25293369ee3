package session

import (
	"mini-overlay/intercept"
	"mini-overlay/notify"
	"mini-overlay/traffic"
	"mini-overlay/transport"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

// Handle identifies a session in the live set. Transport callbacks carry the
// handle, never a pointer, so a late callback for a dropped session is a no-op.
type Handle uint64

// Session is the state of one intercepted request. Only the loop goroutine
// touches it.
type Session struct {
	handle    Handle
	req       *traffic.Request
	key       intercept.Key
	entry     *intercept.Entry
	notifier  *notify.Notifier
	state     State
	requestID transport.RequestID

	redirected    bool // body events only wait for the terminal one
	stopRequested bool // the caller is done with the session
	finished      bool // the transport delivered its terminal event

	log zerolog.Logger
}

func (s *Session) transition(next State) bool {
	if !s.state.CanTransition(next) {
		s.log.Warn().Stringer("from", s.state).Stringer("to", next).Msg("unexpected session transition ignored")
		return false
	}
	s.log.Debug().Stringer("from", s.state).Stringer("to", next).Msg("session transition")
	s.state = next
	return true
}

// notifying returns the notifier, or nil once the caller asked to stop.
func (s *Session) notifying() *notify.Notifier {
	if s.stopRequested {
		return nil
	}
	return s.notifier
}

// transportRequest builds what the edge needs to replay the request. The
// entry's static headers override caller headers of the same name.
func (s *Session) transportRequest() *transport.Request {
	header := s.req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	s.entry.ApplyHeaders(header)
	return &transport.Request{
		Method: s.req.Method,
		Path:   s.req.URL.RequestURI(),
		Host:   s.req.URL.Host,
		Header: header,
		Body:   s.req.Body,
	}
}

// redirectTarget returns the absolute URL a 3xx response points at.
// 304 and 305 are not redirects to follow; a missing or relative-only
// Location falls back to normal header handling.
func redirectTarget(base *url.URL, status int, header http.Header) (*url.URL, bool) {
	if status < 300 || status > 308 || status == http.StatusNotModified || status == http.StatusUseProxy {
		return nil, false
	}
	loc := header.Get("Location")
	if loc == "" {
		return nil, false
	}
	target, err := base.Parse(loc)
	if err != nil || !target.IsAbs() || target.Host == "" {
		return nil, false
	}
	return target, true
}

// redirectRequest synthesizes the follow-up request. It keeps headers and
// body for every code; 303 only switches the method to GET.
func redirectRequest(orig *traffic.Request, status int, target *url.URL) *traffic.Request {
	next := orig.Clone()
	next.URL = target
	if status == http.StatusSeeOther {
		next.Method = http.MethodGet
	}
	return next
}
