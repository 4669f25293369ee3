package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec uses encoding/json. Useful when debugging an overlay connection
// with a packet capture, at the cost of base64 payloads.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode rejects unknown fields and trailing data: a peer speaking another
// envelope schema is a protocol error, not a half-filled envelope.
func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("codec: json: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("codec: json: trailing data after envelope")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
