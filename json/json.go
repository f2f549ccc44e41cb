// Package json wraps jsoniter in the stdlib-compatible configuration and
// applies `default` struct tags before every encode and decode, so wire
// structs carry their defaults without per-call boilerplate.
package json

import (
	"io"

	"github.com/creasty/defaults"
	jsoniter "github.com/json-iterator/go"
)

var api = jsoniter.ConfigCompatibleWithStandardLibrary

type Encoder struct {
	*jsoniter.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{Encoder: api.NewEncoder(w)}
}

// Encode fills v's default-tagged fields, then encodes it.
func (e *Encoder) Encode(v any) error {
	if err := defaults.Set(v); err != nil {
		return err
	}
	return e.Encoder.Encode(v)
}

type Decoder struct {
	*jsoniter.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{Decoder: api.NewDecoder(r)}
}

// Decode fills v's default-tagged fields first; fields present in the
// input then overwrite them, so explicit zero values survive.
func (d *Decoder) Decode(v any) error {
	if err := defaults.Set(v); err != nil {
		return err
	}
	return d.Decoder.Decode(v)
}

func Marshal(v any) ([]byte, error) {
	if err := defaults.Set(v); err != nil {
		return nil, err
	}
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	if err := defaults.Set(v); err != nil {
		return err
	}
	return api.Unmarshal(data, v)
}
