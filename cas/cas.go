// Package cas provides content-addressing utilities: BLAKE3 content hashes
// and canonical JSON serialization.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// HashSize is the size in bytes of a ContentHash.
const HashSize = 32

// ContentHash is the BLAKE3 digest of a payload.
type ContentHash [HashSize]byte

// String returns the hex form of the hash.
func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h ContentHash) Short() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether h is the zero hash.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *ContentHash) UnmarshalText(text []byte) error {
	parsed, err := ParseContentHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseContentHash parses a hex encoded hash.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decoding content hash: %w", err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("content hash has %d bytes, want %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// Hash computes the BLAKE3 hash of data.
func Hash(data []byte) ContentHash {
	return ContentHash(blake3.Sum256(data))
}

// HashJSON hashes the canonical JSON form of v and returns both.
func HashJSON(v interface{}) (ContentHash, []byte, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return ContentHash{}, nil, err
	}
	return Hash(data), data, nil
}

// Hasher accumulates input for a single ContentHash.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a streaming BLAKE3 hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(HashSize, nil)}
}

// Write adds data to the hash.
func (h *Hasher) Write(data []byte) {
	h.h.Write(data)
}

// WriteString adds s followed by a separator byte.
func (h *Hasher) WriteString(s string) {
	h.h.Write([]byte(s))
	h.h.Write([]byte{0})
}

// WriteHash adds another hash.
func (h *Hasher) WriteHash(c ContentHash) {
	h.h.Write(c[:])
}

// Sum returns the final hash.
func (h *Hasher) Sum() ContentHash {
	var out ContentHash
	copy(out[:], h.h.Sum(nil))
	return out
}

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// CanonicalJSON converts a value to canonical JSON (stable key ordering,
// numbers preserved exactly).
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	return canonicalMarshal(obj)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return marshalSortedMap(val)
	case []interface{}:
		return marshalArray(val)
	default:
		return json.Marshal(v)
	}
}

func marshalSortedMap(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := canonicalMarshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	for i, v := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		valBytes, err := canonicalMarshal(v)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}

	buf.WriteByte(']')
	return buf.Bytes(), nil
}
