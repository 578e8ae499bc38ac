// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// maxSafeInteger is the largest integer representable exactly in a
// 64-bit float (2^53 − 1). Matrix canonical JSON restricts all numbers
// to [−(2^53−1), 2^53−1] so every consumer, including JavaScript
// clients, reads the same value.
const maxSafeInteger = 1<<53 - 1

// Marshal encodes v into Matrix canonical JSON. Structs and types
// implementing json.Marshaler or encoding.TextMarshaler are first
// encoded with encoding/json, then re-emitted in canonical form.
// Returns an error for non-integer numbers or integers outside the
// safe range.
func Marshal(v any) ([]byte, error) {
	parsed, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, parsed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromJSON parses JSON text into a mutable object form: a
// map[string]any with nested maps, slices, strings, bools, and
// json.Number values. The top-level value must be a JSON object.
func FromJSON(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var v any
	if err := decoder.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicaljson: %w", err)
	}
	// Reject trailing garbage after the first value.
	if decoder.More() {
		return nil, fmt.Errorf("canonicaljson: trailing data after JSON value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("canonicaljson: top-level value is %T, want object", v)
	}
	return obj, nil
}

// normalize converts v into the parsed form (maps, slices, strings,
// bools, json.Number, nil) by round-tripping through encoding/json
// when v is not already parsed. This is what makes struct values and
// TextMarshaler identifier types encodable.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, json.Number, map[string]any, []any:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicaljson: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var parsed any
	if err := decoder.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("canonicaljson: %w", err)
	}
	return parsed, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, value)
	case json.Number:
		return writeNumber(buf, value)
	case map[string]any:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, value[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, element := range value {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, element); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Nested values that did not come from a JSON parse (a caller
		// built the object by hand, e.g. an int64 depth or a ref type).
		// Round-trip through encoding/json; the result is always one of
		// the parsed kinds above, so this recurses at most once.
		parsed, err := normalize(v)
		if err != nil {
			return err
		}
		return writeCanonical(buf, parsed)
	}
	return nil
}

// writeNumber validates the canonical integer constraint: no floats,
// no exponents, magnitude within the safe range.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return fmt.Errorf("canonicaljson: non-integer number %q", s)
	}
	i, err := n.Int64()
	if err != nil {
		return fmt.Errorf("canonicaljson: number %q out of range: %w", s, err)
	}
	if i > maxSafeInteger || i < -maxSafeInteger {
		return fmt.Errorf("canonicaljson: integer %d outside ±(2^53−1)", i)
	}
	buf.WriteString(s)
	return nil
}

// writeString emits a JSON string with minimal escaping: quote,
// backslash, and control characters only. UTF-8 passes through
// verbatim (no \u escapes for printable characters, no HTML escaping).
func writeString(buf *bytes.Buffer, s string) error {
	const hex = "0123456789abcdef"
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hex[byte(r)>>4])
				buf.WriteByte(hex[byte(r)&0xF])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

// Number wraps an int64 as a json.Number for insertion into a parsed
// object (e.g. setting origin_server_ts or depth).
func Number(i int64) json.Number {
	return json.Number(fmt.Sprintf("%d", i))
}

// IntValue reads an integer field from a parsed object. Returns
// (0, false) when absent or not an integer.
func IntValue(obj map[string]any, key string) (int64, bool) {
	n, ok := obj[key].(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil || i > maxSafeInteger || i < -maxSafeInteger {
		return 0, false
	}
	return i, true
}
