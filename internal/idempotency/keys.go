package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// DeriveKey hashes the trimmed parts into a stable key
func DeriveKey(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveTimeBucketedKey is DeriveKey with now truncated to window appended, so
// identical requests within one window collapse and requests in different
// windows stay distinct.
func DeriveTimeBucketedKey(window time.Duration, now time.Time, parts ...string) string {
	if window <= 0 {
		return DeriveKey(parts...)
	}
	bucket := now.UTC().Truncate(window).Unix()
	return DeriveKey(append(parts, strconv.FormatInt(bucket, 10))...)
}

// DeriveRequestKey derives a key from an HTTP request's method, path and body.
// JSON bodies are canonicalized so key order and whitespace do not matter.
func DeriveRequestKey(method, path string, body []byte) string {
	sum := sha256.Sum256(CanonicalJSON(body))
	return DeriveKey(strings.ToLower(method), path, hex.EncodeToString(sum[:]))
}

// CanonicalJSON re-encodes a JSON document with sorted object keys. Bodies that
// are not valid JSON are returned trimmed.
func CanonicalJSON(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return trimmed
	}

	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}
