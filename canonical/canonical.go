// Package canonical produces a deterministic JSON encoding of arbitrary
// values: object keys sorted, no insignificant whitespace, numbers
// formatted consistently. The Artifact Cache, the predicate evaluator, and
// the receipt writer all hash this encoding rather than a plain
// json.Marshal output, so semantically identical values always hash the
// same way regardless of map iteration order.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	// Round-trip through json.Marshal/Unmarshal first so struct values with
	// json tags are normalized into map[string]interface{}/[]interface{}/
	// plain scalars before canonicalization.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshaling input: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical: normalizing input: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 digest of v's canonical encoding, hex-encoded.
func Hash(v interface{}) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, val)
	case float64:
		return encodeNumber(buf, val)
	case []interface{}:
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
	case map[string]interface{}:
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
			if err := encodeString(buf, k); err != nil {
				return err
			}
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

func encodeString(buf *bytes.Buffer, s string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonical: encoding string: %w", err)
	}
	buf.Write(data)
	return nil
}

func encodeNumber(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		fmt.Fprintf(buf, "%d", int64(f))
		return nil
	}
	fmt.Fprintf(buf, "%g", f)
	return nil
}
