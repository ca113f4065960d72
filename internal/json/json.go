// Copyright 2025 The Wireline Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package json provides internal JSON utilities.

package json

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
)

func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// StrictUnmarshal unmarshals a wireline envelope body into v with
// strict validation rules:
//   - rejects duplicate keys, whether repeated exactly or differing only
//     in case (e.g. "route" and "Route"), at any nesting depth
//   - requires JSON field names at the top level to match the
//     destination struct's json tags exactly, case-sensitive
//   - rejects fields not present on the destination struct
//
// Go's encoding/json matches field names case-insensitively by
// default, which would let a body carry both a legitimate field and a
// same-name-different-case shadow of it; the decoder picks whichever
// ends up last in the object, so a client controls which value wins.
// StrictUnmarshal closes that off before the body reaches application
// handlers.
func StrictUnmarshal(data []byte, v any) error {
	if err := scanObjectKeys(data, topLevelFields(v)); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	return nil
}

// container is one entry in scanObjectKeys's stack: either a JSON
// object, which tracks key-case bookkeeping and alternates between
// expecting a key and expecting that key's value, or a JSON array,
// which has no keys at all and so never contributes one.
type container struct {
	isObject        bool
	lowerToOriginal map[string]string // object only
	expectKey       bool              // object only
	top             bool              // object only: is this data's outermost value
}

// scanObjectKeys makes a single streaming pass over data with
// json.Decoder.Token, rather than repeatedly re-decoding data into
// map[string]json.RawMessage at each level. It raises an error the
// moment it sees a key that collides case-insensitively with one
// already seen in the same object (at any depth), or, for a key in
// data's outermost object, one that collides case-insensitively with a
// name in expectedTop without matching it exactly. Values living
// directly inside a JSON array are never mistaken for keys, even when
// the array itself sits inside an object.
func scanObjectKeys(data []byte, expectedTop map[string]bool) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	var stack []*container

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return nil // malformed JSON surfaces from the real Decode call below
		}

		switch d := tok.(type) {
		case json.Delim:
			switch d {
			case '{':
				stack = append(stack, &container{
					isObject:        true,
					lowerToOriginal: make(map[string]string),
					expectKey:       true,
					top:             len(stack) == 0,
				})
			case '[':
				stack = append(stack, &container{isObject: false})
			case '}', ']':
				stack = stack[:len(stack)-1]
				markValueConsumed(stack)
			}
		case string:
			if top := currentObjectAwaitingKey(stack); top != nil {
				if err := admitKey(top, d, expectedTop); err != nil {
					return err
				}
				continue
			}
			markValueConsumed(stack)
		default:
			// number, bool, or nil scalar value.
			markValueConsumed(stack)
		}
	}
}

// currentObjectAwaitingKey returns the innermost container if it is an
// object currently expecting a key, or nil if the next token is a
// value (because the innermost container is an array, or is an object
// that just consumed a key and is now awaiting that key's value).
func currentObjectAwaitingKey(stack []*container) *container {
	if len(stack) == 0 {
		return nil
	}
	top := stack[len(stack)-1]
	if top.isObject && top.expectKey {
		return top
	}
	return nil
}

// admitKey records key as seen within scope, erroring if it collides
// case-insensitively with an already-seen key in the same object, or
// (when scope is the outermost object) with a name in expectedTop
// without matching it exactly.
func admitKey(scope *container, key string, expectedTop map[string]bool) error {
	lower := strings.ToLower(key)
	if original, ok := scope.lowerToOriginal[lower]; ok {
		if original == key {
			return fmt.Errorf("duplicate key: %q", key)
		}
		return fmt.Errorf("duplicate key with different case: %q and %q", original, key)
	}
	scope.lowerToOriginal[lower] = key
	scope.expectKey = false

	if !scope.top || len(expectedTop) == 0 || expectedTop[key] {
		return nil
	}
	for name := range expectedTop {
		if strings.ToLower(name) == lower {
			return fmt.Errorf("field name case mismatch: got %q, expected %q", key, name)
		}
	}
	// No case-insensitive match either: an unrecognized field, which
	// DisallowUnknownFields rejects once the real decode runs.
	return nil
}

// markValueConsumed records that a value (a scalar token, or the
// just-closed nested object/array) was just read as the value half of
// the innermost open object's current key, if the innermost open
// container is in fact an object. An array never needs this: it has no
// keys to rearm.
func markValueConsumed(stack []*container) {
	if len(stack) == 0 {
		return
	}
	if top := stack[len(stack)-1]; top.isObject {
		top.expectKey = true
	}
}

// topLevelFields returns the set of json-tag field names declared on
// v's underlying struct type, used to catch a case-mismatched field
// name in data's outermost object before DisallowUnknownFields would
// reject it outright as merely unknown.
func topLevelFields(v any) map[string]bool {
	fields := make(map[string]bool)

	t := reflect.TypeOf(v)
	if t == nil {
		return fields
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fields
	}

	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.Index(tag, ","); idx != -1 {
			tag = tag[:idx]
		}
		if tag != "" {
			fields[tag] = true
		}
	}
	return fields
}
