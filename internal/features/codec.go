package features

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Decode parses stored document bytes for kind. Unknown keys are ignored and
// missing collections are filled in, so documents written by older releases
// keep working. Empty input yields an empty, normalized document.
func Decode(kind Kind, raw []byte) (Document, error) {
	doc, err := newDocument(kind)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, doc); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", kind, err)
		}
	}
	doc.normalize()
	return doc, nil
}

// DecodeStrict validates client-supplied content against the declared shape
// of kind. The payload must be a single JSON object whose typed parts carry
// no unknown keys. Free-form maps (calendar events, budget entries and the
// like) accept any JSON value.
func DecodeStrict(kind Kind, raw []byte) (Document, error) {
	doc, err := newDocument(kind)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: %s content must be a JSON object", ErrInvalidShape, kind)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("%w: %s content: %v", ErrInvalidShape, kind, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: %s content has trailing data", ErrInvalidShape, kind)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func Encode(doc Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidShape)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s document: %w", doc.Kind(), err)
	}
	return payload, nil
}

func as[T Document](doc Document) (T, error) {
	typed, ok := doc.(T)
	if !ok {
		var zero T
		kind := Kind("nil")
		if doc != nil {
			kind = doc.Kind()
		}
		return zero, fmt.Errorf("%w: %s", ErrWrongKind, kind)
	}
	return typed, nil
}

func isContainer(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	return (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed)
}
