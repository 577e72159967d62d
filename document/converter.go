package document

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/alimasry/docloader/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Converter maps between store snapshots and application values.
type Converter[T any] interface {
	FromWire(snap store.Snapshot) (T, error)
	ToWire(v T) (map[string]any, error)
}

// ConverterFunc adapts a pair of functions to a Converter.
type ConverterFunc[T any] struct {
	From func(store.Snapshot) (T, error)
	To   func(T) (map[string]any, error)
}

func (c ConverterFunc[T]) FromWire(snap store.Snapshot) (T, error) { return c.From(snap) }

func (c ConverterFunc[T]) ToWire(v T) (map[string]any, error) { return c.To(v) }

// JSONConverter converts through the JSON encoding of T, so struct json
// tags decide the field names.
type JSONConverter[T any] struct{}

func (JSONConverter[T]) FromWire(snap store.Snapshot) (T, error) {
	var v T
	raw, err := json.Marshal(snap.Data)
	if err != nil {
		return v, fmt.Errorf("encode %s: %w", snap.Ref, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", snap.Ref, err)
	}
	return v, nil
}

func (JSONConverter[T]) ToWire(v T) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return data, nil
}
