// Package codec holds the wire encodings a socket connection can negotiate.
package codec

import "io"

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

// Codec pairs a Marshaler and Unmarshaler with the websocket subprotocol that selects it.
type Codec interface {
	Marshaler
	Unmarshaler
	Name() string
	// Binary reports whether frames go out as binary rather than text messages.
	Binary() bool
}

// Subprotocols lists the names accepted during the websocket handshake, most preferred first.
var Subprotocols = []string{CBORName, JSONName}

// ForSubprotocol returns the codec for a negotiated subprotocol.
// An empty or unknown name falls back to JSON.
func ForSubprotocol(name string) Codec {
	if name == CBORName {
		return NewCBOR()
	}
	return NewJSON()
}
