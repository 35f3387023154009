// Copyright 2016-2017 Vector Creations Ltd
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package canonicaljson implements the deterministic JSON encoding Matrix
// uses for hashing and signing: UTF-8, no insignificant whitespace, and
// object keys sorted lexicographically by their Unicode code points.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal encodes a JSON-serialisable value directly into canonical form.
func Marshal(value interface{}) ([]byte, error) {
	input, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return CanonicalJSON(input)
}

// CanonicalJSON re-encodes an arbitrary JSON document into its canonical
// form. It returns an error if the input is not valid JSON.
func CanonicalJSON(input []byte) ([]byte, error) {
	var value interface{}
	if err := json.Unmarshal(input, &value); err != nil {
		return nil, fmt.Errorf("canonicaljson: invalid JSON: %w", err)
	}
	return SortJSON(input, nil)
}

// AssumeValid re-encodes a JSON document known to already be valid. It
// panics if that assumption turns out to be false, which should only happen
// if the caller violated the contract.
func AssumeValid(input []byte) []byte {
	output, err := SortJSON(input, nil)
	if err != nil {
		panic(fmt.Errorf("canonicaljson: input assumed valid was not: %w", err))
	}
	return output
}

// SortJSON reorders the keys of every object in a JSON document into
// ascending lexicographic order and removes insignificant whitespace,
// appending the result to target.
func SortJSON(input, target []byte) ([]byte, error) {
	var value interface{}
	if err := json.Unmarshal(input, &value); err != nil {
		return nil, err
	}
	return sortJSONValue(value, target)
}

// Compact strips insignificant whitespace from a JSON document without
// reordering any keys. It is cheaper than SortJSON when the input is already
// known to have sorted keys (for example, output that Marshal itself wrote).
func Compact(input []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, input); err != nil {
		return nil, err
	}
	return compactUnicodeEscapes(buf.Bytes())
}

func sortJSONValue(value interface{}, target []byte) ([]byte, error) {
	switch v := value.(type) {
	case map[string]interface{}:
		return sortJSONObject(v, target)
	case []interface{}:
		return sortJSONArray(v, target)
	default:
		return appendCompactValue(value, target)
	}
}

func sortJSONArray(array []interface{}, target []byte) ([]byte, error) {
	var err error
	target = append(target, '[')
	for i, value := range array {
		if i != 0 {
			target = append(target, ',')
		}
		if target, err = sortJSONValue(value, target); err != nil {
			return nil, err
		}
	}
	target = append(target, ']')
	return target, nil
}

func sortJSONObject(object map[string]interface{}, target []byte) ([]byte, error) {
	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var err error
	target = append(target, '{')
	for i, key := range keys {
		if i != 0 {
			target = append(target, ',')
		}
		var keyJSON []byte
		if keyJSON, err = json.Marshal(key); err != nil {
			return nil, err
		}
		target = append(target, keyJSON...)
		target = append(target, ':')
		if target, err = sortJSONValue(object[key], target); err != nil {
			return nil, err
		}
	}
	target = append(target, '}')
	return target, nil
}

func appendCompactValue(value interface{}, target []byte) ([]byte, error) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	valueJSON, err = compactUnicodeEscapes(valueJSON)
	if err != nil {
		return nil, err
	}
	return append(target, valueJSON...), nil
}

// compactUnicodeEscapes rewrites the unicode escapes Go's encoder is
// conservative about (anything it thinks might be interpreted as HTML, plus
// non-ASCII runes) back into their raw UTF-8 form, since the spec requires
// the canonical encoding to use literal UTF-8 rather than \uXXXX escapes for
// anything other than control characters and the characters JSON mandates
// escaping.
func compactUnicodeEscapes(input []byte) ([]byte, error) {
	var output bytes.Buffer
	output.Grow(len(input))
	for i := 0; i < len(input); i++ {
		c := input[i]
		if c != '\\' {
			output.WriteByte(c)
			continue
		}
		if i+1 >= len(input) {
			return nil, fmt.Errorf("canonicaljson: unexpected trailing backslash")
		}
		switch input[i+1] {
		case 'u':
			if i+6 > len(input) {
				return nil, fmt.Errorf("canonicaljson: truncated unicode escape")
			}
			r, ok := readHexDigits(input[i+2 : i+6])
			if !ok {
				return nil, fmt.Errorf("canonicaljson: invalid unicode escape %q", input[i:i+6])
			}
			if r < 0x20 {
				// Control characters must remain escaped.
				output.Write(input[i : i+6])
			} else if r >= 0xD800 && r <= 0xDBFF && i+12 <= len(input) && input[i+6] == '\\' && input[i+7] == 'u' {
				// Surrogate pair: decode both halves together.
				r2, ok2 := readHexDigits(input[i+8 : i+12])
				if !ok2 {
					return nil, fmt.Errorf("canonicaljson: invalid unicode escape %q", input[i+6:i+12])
				}
				combined := (((r - 0xD800) << 10) | (r2 - 0xDC00)) + 0x10000
				output.WriteRune(combined)
				i += 6
			} else {
				output.WriteRune(r)
			}
			i += 5
		default:
			output.WriteByte('\\')
			output.WriteByte(input[i+1])
			i++
		}
	}
	return output.Bytes(), nil
}

func readHexDigits(data []byte) (rune, bool) {
	var r rune
	for _, c := range data {
		r <<= 4
		switch {
		case c >= '0' && c <= '9':
			r |= rune(c - '0')
		case c >= 'a' && c <= 'f':
			r |= rune(c-'a') + 10
		case c >= 'A' && c <= 'F':
			r |= rune(c-'A') + 10
		default:
			return 0, false
		}
	}
	return r, true
}
