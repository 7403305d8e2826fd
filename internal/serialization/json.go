package serialization

import (
	"encoding/json"
	"io"
)

type jsonStream struct {
	dec *json.Decoder
	enc *json.Encoder
}

func (j *jsonStream) Decode(v any) error { return j.dec.Decode(v) }

func (j *jsonStream) Encode(v any) error { return j.enc.Encode(v) }

func newJSONDecoder(r io.Reader) Decoder {
	return &jsonStream{dec: json.NewDecoder(r)}
}

// newJSONEncoder leaves HTML characters unescaped so snapshots stay readable.
func newJSONEncoder(w io.Writer) Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &jsonStream{enc: enc}
}
