// Package message defines the envelope exchanged on overlay streams.
//
// Envelope is the body of every non-heartbeat frame. The frame's MsgType tells
// which fields are meaningful:
//
//   - Request: Service, Method, Path, Host, Header and Payload (request body).
//   - Head:    Status and Header.
//   - Data:    Payload (one body chunk).
//   - End:     nothing.
//   - Error:   Code (negative transport error code) and Error text.
package message

// Envelope carries the data for one frame of an overlay stream.
type Envelope struct {
	Service string              // Overlay service the stream is bound to
	Method  string              // HTTP method of the request
	Path    string              // Request URI: path plus query
	Host    string              // Original Host the caller addressed
	Status  int                 // Response status code
	Code    int                 // Transport error code, negative, only on Error frames
	Header  map[string][]string // Request or response header
	Payload []byte              // Request body or one response body chunk
	Error   string              // Human readable error text, only on Error frames
}
