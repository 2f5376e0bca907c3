// Package runrecord builds the hashed, persistence-ready record of one
// computation run. Hashes are computed over canonical JSON, so logically
// identical envelopes hash identically regardless of key order.
package runrecord

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"unicode/utf16"

	"github.com/rotisserie/eris"
)

// Algorithm selects the hash function applied to canonical JSON.
type Algorithm string

// Supported hash algorithms.
const (
	AlgorithmDJB2   Algorithm = "djb2"
	AlgorithmSHA256 Algorithm = "sha256"
)

// ParseAlgorithm maps a config string to an Algorithm. Empty selects djb2.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", AlgorithmDJB2:
		return AlgorithmDJB2, nil
	case AlgorithmSHA256:
		return AlgorithmSHA256, nil
	default:
		return "", eris.Errorf("runrecord: unknown hash algorithm %q", s)
	}
}

// CanonicalJSON serializes v with every object's keys sorted. Arrays keep
// their element order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "runrecord: marshal value")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, eris.Wrap(err, "runrecord: decode value")
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case json.Number:
		buf.WriteString(t.String())
	case string:
		return writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return eris.Errorf("runrecord: unexpected %T in canonical form", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return eris.Wrap(err, "runrecord: encode string")
	}
	// Encode appends a newline
	buf.Truncate(buf.Len() - 1)
	return nil
}

// HashString applies the rolling multiply-by-33/XOR hash to s's UTF-16
// code units and renders the unsigned 32-bit result in hex. It is not
// cryptographic.
func HashString(s string) string {
	var h uint32 = 5381
	for _, c := range utf16.Encode([]rune(s)) {
		h = (h * 33) ^ uint32(c)
	}
	return strconv.FormatUint(uint64(h), 16)
}

// HashJSON hashes the canonical JSON of v with the djb2 rolling hash.
func HashJSON(v any) (string, error) {
	return Hash(AlgorithmDJB2, v)
}

// Hash hashes the canonical JSON of v with alg. SHA-256 output is the full
// lowercase hex digest.
func Hash(alg Algorithm, v any) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return hashBytes(alg, canon), nil
}

func hashBytes(alg Algorithm, canon []byte) string {
	if alg == AlgorithmSHA256 {
		sum := sha256.Sum256(canon)
		return hex.EncodeToString(sum[:])
	}
	return HashString(string(canon))
}
