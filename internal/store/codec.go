package store

import (
	"bytes"
	"encoding/gob"
	"time"
)

func init() {
	// Concrete types that may travel inside `any` payloads (instance
	// inputs, step outputs) need to be known to gob.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register(map[string]string{})
	gob.Register(time.Time{})
}

// EncodeAny serializes an arbitrary value using encoding/gob. Callers
// must ensure that values are gob-encodable (see the init registrations).
// It is shared with the ledger package, which stores opaque step outputs
// the same way.
func EncodeAny(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	// Encode as interface{} so we can decode into interface{} later.
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAny is the inverse of EncodeAny.
func DecodeAny(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// EncodeAs serializes a concrete value of type T.
func EncodeAs[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAs deserializes data produced by EncodeAs.
func DecodeAs[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}
