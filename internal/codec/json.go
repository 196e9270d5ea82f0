package codec

import (
	"io"

	"github.com/goccy/go-json"
)

const JSONName = "json"

type jsonCodec struct{}

func NewJSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) Name() string { return JSONName }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

func (jsonCodec) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}
