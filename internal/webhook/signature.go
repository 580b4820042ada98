package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NormalizeSignature strips a sha256= or sha1= scheme prefix and lower-cases
// the hex digest
func NormalizeSignature(signature string) string {
	s := strings.TrimSpace(signature)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"sha256=", "sha1="} {
		if strings.HasPrefix(lower, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	return strings.ToLower(s)
}

// ComputeSignature returns the hex HMAC-SHA256 of payload under secret
func ComputeSignature(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the HMAC-SHA256 of payload in
// constant time
func VerifySignature(secret string, payload []byte, signature string) bool {
	if secret == "" {
		return false
	}
	got, err := hex.DecodeString(NormalizeSignature(signature))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// signatureHash identifies a signature in the replay cache without storing it
func signatureHash(signature string) string {
	sum := sha256.Sum256([]byte(NormalizeSignature(signature)))
	return hex.EncodeToString(sum[:])
}

// ParseTimestamp accepts Unix seconds or an ISO-8601 / RFC 3339 timestamp
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", value)
}
