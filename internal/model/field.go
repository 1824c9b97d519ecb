package model

import (
	"bytes"
	"encoding/json"
)

// Field is a patch slot with three states: unset, set to a value, or set to
// absent (nil).
type Field[T any] struct {
	set   bool
	value *T
}

func Set[T any](v T) Field[T] {
	return Field[T]{set: true, value: &v}
}

func Clear[T any]() Field[T] {
	return Field[T]{set: true}
}

func (f Field[T]) IsSet() bool {
	return f.set
}

// IsZero lets encoding/json omit unset fields with omitzero.
func (f Field[T]) IsZero() bool {
	return !f.set
}

func (f Field[T]) Get() (*T, bool) {
	return f.value, f.set
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	f.value = &v
	return nil
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.value)
}
