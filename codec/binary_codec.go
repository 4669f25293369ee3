package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"mini-overlay/message"
	"sort"
)

var (
	errNotEnvelope = errors.New("BinaryCodec: v must be *message.Envelope")
	errShortBuffer = errors.New("BinaryCodec: short buffer")
	errTooLong     = errors.New("BinaryCodec: field too long")
)

// BinaryCodec encodes an Envelope as length-prefixed fields in a fixed order:
//
//	Service, Method, Path, Host   uint16 len + bytes each
//	Status, Code                  int32 each
//	Header                        uint16 count, then per key: uint16 len + key,
//	                              uint16 value count, uint16 len + value each
//	Payload                       uint32 len + bytes
//	Error                         uint16 len + bytes
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return nil, errNotEnvelope
	}
	if len(msg.Header) > math.MaxUint16 || uint64(len(msg.Payload)) > math.MaxUint32 {
		return nil, errTooLong
	}

	w := &writer{buf: make([]byte, 0, 64+len(msg.Payload))}
	w.str(msg.Service)
	w.str(msg.Method)
	w.str(msg.Path)
	w.str(msg.Host)
	w.i32(msg.Status)
	w.i32(msg.Code)

	// Sorted keys keep the encoding deterministic.
	keys := make([]string, 0, len(msg.Header))
	for k := range msg.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.u16(len(keys))
	for _, k := range keys {
		vals := msg.Header[k]
		w.str(k)
		w.u16(len(vals))
		for _, val := range vals {
			w.str(val)
		}
	}

	w.u32(len(msg.Payload))
	w.buf = append(w.buf, msg.Payload...)
	w.str(msg.Error)
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return errNotEnvelope
	}

	r := &reader{buf: data}
	msg.Service = r.str()
	msg.Method = r.str()
	msg.Path = r.str()
	msg.Host = r.str()
	msg.Status = r.i32()
	msg.Code = r.i32()

	if n := r.u16(); n > 0 {
		msg.Header = make(map[string][]string, n)
		for i := 0; i < n && r.err == nil; i++ {
			k := r.str()
			cnt := r.u16()
			vals := make([]string, 0, cnt)
			for j := 0; j < cnt && r.err == nil; j++ {
				vals = append(vals, r.str())
			}
			msg.Header[k] = vals
		}
	}

	if n := r.u32(); n > 0 {
		msg.Payload = append([]byte(nil), r.bytes(n)...)
	}
	msg.Error = r.str()
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) u16(n int) {
	if n > math.MaxUint16 {
		w.err = errTooLong
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
}

func (w *writer) u32(n int) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(n))
}

func (w *writer) i32(n int) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(int32(n)))
}

func (w *writer) str(s string) {
	w.u16(len(s))
	w.buf = append(w.buf, s...)
}

// reader records the first short read and returns zero values afterwards.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16() int {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b))
}

func (r *reader) u32() int {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint32(b))
}

func (r *reader) i32() int {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return int(int32(binary.BigEndian.Uint32(b)))
}

func (r *reader) str() string {
	return string(r.bytes(r.u16()))
}
