package domain

import (
	"bytes"
	"encoding/json"
	"errors"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Object is a JSON object that keeps its key order. Values stay in their
// literal form, so numbers are never re-encoded.
type Object = orderedmap.OrderedMap[string, json.RawMessage]

// NewObject creates an empty Object.
func NewObject() *Object {
	return orderedmap.New[string, json.RawMessage]()
}

// DecodeObject parses raw as a JSON object. ok is false when raw is valid
// JSON of another kind.
func DecodeObject(raw json.RawMessage) (obj *Object, ok bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, false, errors.New("invalid JSON")
		}
		return nil, false, nil
	}
	if !json.Valid(trimmed) {
		return nil, false, errors.New("invalid JSON object")
	}

	obj = NewObject()
	if err := obj.UnmarshalJSON(trimmed); err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// MarshalObject encodes obj in key order. HTML characters are written as
// is; extracted pages routinely carry markup in their cells.
func MarshalObject(obj *Object) ([]byte, error) {
	data, err := obj.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return unescapeHTML(data), nil
}

// unescapeHTML turns the <, > and & escapes the encoder
// emits back into their characters. Other escapes are copied untouched.
func unescapeHTML(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\u00`)) {
		return data
	}

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '\\' || i+1 >= len(data) {
			out = append(out, c)
			continue
		}
		if data[i+1] == 'u' && i+6 <= len(data) {
			switch string(data[i+2 : i+6]) {
			case "003c":
				out = append(out, '<')
				i += 5
				continue
			case "003e":
				out = append(out, '>')
				i += 5
				continue
			case "0026":
				out = append(out, '&')
				i += 5
				continue
			}
		}
		out = append(out, c, data[i+1])
		i++
	}
	return out
}
