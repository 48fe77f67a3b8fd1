package reqsink

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// PayloadCodec is a plain encode/decode pair for message bodies.
// Implementations must be safe for concurrent use.
type PayloadCodec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// GobCodec is the default PayloadCodec: payloads only ever travel between
// Go peers in a typical deployment, which is exactly gob's sweet spot.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// JSONCodec is offered for payloads a non-Go peer sharing the broker needs
// to introspect; encoding/json is stdlib here on purpose since the point
// is to avoid a Go-specific wire format, not to avoid a dependency.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// DefaultCodec is used when a Client/ServerProxy is constructed without an
// explicit WithClientCodec/WithServerCodec option.
var DefaultCodec PayloadCodec = GobCodec{}
