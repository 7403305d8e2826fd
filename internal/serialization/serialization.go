// Package serialization provides the pluggable encoders used to persist cache
// contents.
package serialization

import (
	"bytes"
	"fmt"
	"io"
)

const (
	// JSONType represents the serialization type for JSON format.
	JSONType = "json"

	// GobType represents the serialization type for Gob format.
	GobType = "gob"
)

// Decoder decodes a single value from an underlying stream.
type Decoder interface {
	Decode(v any) error
}

// Encoder encodes a single value to an underlying stream.
type Encoder interface {
	Encode(v any) error
}

// Codec pairs encoder and decoder constructors for one format.
type Codec struct {
	Type    string
	Encoder func(io.Writer) Encoder
	Decoder func(io.Reader) Decoder
}

// JSON is the default codec.
var JSON = Codec{Type: JSONType, Encoder: newJSONEncoder, Decoder: newJSONDecoder}

// Gob is the compact binary codec.
var Gob = Codec{Type: GobType, Encoder: newGobEncoder, Decoder: newGobDecoder}

// ByName resolves a codec from its configured name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", JSONType:
		return JSON, nil
	case GobType:
		return Gob, nil
	default:
		return Codec{}, fmt.Errorf("unsupported serialization type: %s", name)
	}
}

// Marshal encodes v into a byte slice.
func (c Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v.
func (c Codec) Unmarshal(data []byte, v any) error {
	return c.Decoder(bytes.NewReader(data)).Decode(v)
}
