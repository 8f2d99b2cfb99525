package opswarm

import (
	"encoding/json"
	"fmt"
)

// Codec turns values into record field payloads and back. Payloads are
// JSON values, so they travel inside a single wire line.
type Codec[V any] interface {
	Marshal(value V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec uses encoding/json. It suits structs and maps.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Marshal(value V) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var value V
	err := json.Unmarshal(data, &value)
	return value, err
}

// StringCodec stores strings as JSON strings.
type StringCodec struct{}

func (StringCodec) Marshal(value string) ([]byte, error) {
	return json.Marshal(value)
}

func (StringCodec) Unmarshal(data []byte) (string, error) {
	var value string
	err := json.Unmarshal(data, &value)
	return value, err
}

// BytesCodec stores raw bytes as base64 JSON strings.
type BytesCodec struct{}

func (BytesCodec) Marshal(value []byte) ([]byte, error) {
	return json.Marshal(value)
}

func (BytesCodec) Unmarshal(data []byte) ([]byte, error) {
	var value []byte
	err := json.Unmarshal(data, &value)
	return value, err
}

// Field decodes one record field with codec.
// It returns ErrNotFound if the field was never set.
func Field[V any](r Record, name string, codec Codec[V]) (V, error) {
	var zero V
	raw, ok := r.Raw(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	value, err := codec.Unmarshal(raw)
	if err != nil {
		return zero, fmt.Errorf("%w: field %s: %v", ErrInvalidInput, name, err)
	}
	return value, nil
}

// SetField encodes value with codec and assigns it to one record field.
func SetField[V any](r Record, name string, value V, codec Codec[V]) (Op, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return Op{}, fmt.Errorf("%w: field %s: %v", ErrInvalidInput, name, err)
	}
	return r.SetRaw(name, json.RawMessage(data))
}
