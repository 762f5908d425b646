// Copyright 2025 Tom Barlow
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

// Package canonical produces a stable, byte-identical JSON encoding of
// arbitrary JSON-equivalent values and the content hashes derived from
// it. Object keys are sorted lexicographically, there is no insignificant
// whitespace, and numeric formatting is stable — the same value always
// serializes to the same bytes regardless of map insertion order,
// platform, or prior marshaling history.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Marshal returns the canonical JSON encoding of v.
//
// v must be built from the types encoding/json produces when unmarshaling
// into interface{} (map[string]interface{}, []interface{}, string,
// float64, bool, nil) or from Go structs with json tags; both round-trip
// through the same normalization step so the result is canonical either
// way.
func Marshal(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through encoding/json so that Go structs,
// maps, and already-decoded interface{} trees all land on the same
// representation before canonical encoding.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	return decoded, nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return encodeNumber(buf, val)
	case string:
		encodeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// encodeNumber re-renders a json.Number in a stable form: integers have no
// decimal point or exponent, and floats are rendered via encoding/json's
// shortest round-trip representation (no trailing zeros; very large or
// very small magnitudes use exponent form such as 1e+21 or 1e-7).
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		fmt.Fprintf(buf, "%d", i)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical: invalid number %q: %w", n.String(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: non-finite number %q not representable in JSON", n.String())
	}
	out, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf.Write(out)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	out, _ := json.Marshal(s)
	buf.Write(out)
}

// SHA256Hex returns the full lowercase hex SHA-256 digest of v's
// canonical JSON encoding.
func SHA256Hex(v any) (string, error) {
	enc, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(enc)
	return fmt.Sprintf("%x", sum), nil
}

// ShortHash returns the 16-hex-character prefix of SHA256Hex(v), the form
// used for checkpoint content hashes and golden step hashes.
func ShortHash(v any) (string, error) {
	full, err := SHA256Hex(v)
	if err != nil {
		return "", err
	}
	return full[:16], nil
}
