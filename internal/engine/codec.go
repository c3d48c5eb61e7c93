package engine

import (
	"encoding/json"
	"fmt"
)

// Codec converts states and triggers to and from the strings stored in the
// event log. Decoding failures during replay are treated as corrupt records.
type Codec[S, T comparable] interface {
	EncodeState(s S) string
	DecodeState(v string) (S, error)
	EncodeTrigger(t T) string
	DecodeTrigger(v string) (T, error)
}

type stringCodec[S ~string, T ~string] struct{}

// StringCodec returns the codec for string-kinded states and triggers.
func StringCodec[S ~string, T ~string]() Codec[S, T] {
	return stringCodec[S, T]{}
}

func (stringCodec[S, T]) EncodeState(s S) string            { return string(s) }
func (stringCodec[S, T]) DecodeState(v string) (S, error)   { return S(v), nil }
func (stringCodec[S, T]) EncodeTrigger(t T) string          { return string(t) }
func (stringCodec[S, T]) DecodeTrigger(v string) (T, error) { return T(v), nil }

// JSONCodec encodes states and triggers with encoding/json. It suits integer
// enums and small structs.
type JSONCodec[S, T comparable] struct{}

func (JSONCodec[S, T]) EncodeState(s S) string { return encodeJSON(s) }

func (JSONCodec[S, T]) DecodeState(v string) (S, error) {
	var s S
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return s, fmt.Errorf("decode state %q: %w", v, err)
	}
	return s, nil
}

func (JSONCodec[S, T]) EncodeTrigger(t T) string { return encodeJSON(t) }

func (JSONCodec[S, T]) DecodeTrigger(v string) (T, error) {
	var t T
	if err := json.Unmarshal([]byte(v), &t); err != nil {
		return t, fmt.Errorf("decode trigger %q: %w", v, err)
	}
	return t, nil
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
