// Package normalize turns raw PMS payloads into rows ready for the store.
// Every function here is pure: the same input always yields the same output.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/datatypes"
)

// Canonical re-encodes a JSON document with object keys sorted, so documents
// that differ only in key order or whitespace become byte-identical.
func Canonical(raw []byte) (datatypes.JSON, error) {
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return encode(v)
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

func encode(v any) (datatypes.JSON, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return datatypes.JSON(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Int64 reads an integer id from a decoded object. Vendor ids arrive as
// numbers or numeric strings.
func Int64(obj map[string]any, key string) (int64, bool) {
	switch v := obj[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, n != 0
		}
		if f, err := v.Float64(); err == nil && f == float64(int64(f)) {
			return int64(f), f != 0
		}
	case float64:
		if v == float64(int64(v)) {
			return int64(v), v != 0
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, n != 0
		}
	}
	return 0, false
}

// truthy follows the vendor's loose booleans: 1/0, true/false, "1"/"0".
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case float64:
		return t != 0
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		return s != "" && s != "0" && s != "false"
	}
	return false
}

// object decodes one raw record into a map, or reports it malformed.
func object(raw json.RawMessage) (map[string]any, bool) {
	v, err := decode(raw)
	if err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}
