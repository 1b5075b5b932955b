// Package sign computes and verifies the keyed digests that authorize a
// target URL, and encodes target URLs into proxy path segments.
//
// A digest is HMAC-SHA1 over the raw bytes of the target URL string. Both the
// digest and the URL are encoded with the same Encoding: lowercase hex, or
// URL-safe base64 with padding stripped.
package sign

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- HMAC-SHA1 is the wire format shared with existing clients
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Encoding selects how digests and URLs are written into a proxy path.
type Encoding int

const (
	// Base64 is URL-safe base64 without padding.
	Base64 Encoding = iota
	// Hex is lowercase hexadecimal.
	Hex
)

// hexDigestLen is the length of a hex encoded SHA-1 digest.
const hexDigestLen = sha1.Size * 2

var b64 = base64.RawURLEncoding.Strict()

func (e Encoding) String() string {
	switch e {
	case Base64:
		return "base64"
	case Hex:
		return "hex"
	}
	return "unknown"
}

// ParseEncoding maps a config value to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "base64", "b64":
		return Base64, nil
	case "hex":
		return Hex, nil
	}
	return 0, fmt.Errorf("unknown encoding %q", s)
}

// DetectEncoding picks the encoding of a supplied digest by its length.
// A 40-character digest is hex; anything else is treated as base64.
func DetectEncoding(digest string) Encoding {
	if len(digest) == hexDigestLen {
		return Hex
	}
	return Base64
}

// EncodeToString encodes b with e.
func (e Encoding) EncodeToString(b []byte) string {
	if e == Hex {
		return hex.EncodeToString(b)
	}
	return b64.EncodeToString(b)
}

// DecodeString decodes s with e. Invalid characters, odd-length hex and
// base64 with an impossible remainder length are errors.
func (e Encoding) DecodeString(s string) ([]byte, error) {
	if e == Hex {
		return hex.DecodeString(s)
	}
	return b64.DecodeString(s)
}

// Sum returns the raw HMAC-SHA1 of url keyed by key.
func Sum(key []byte, url string) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(url)) // #nosec G104 -- hash writes never fail
	return mac.Sum(nil)
}

// Sign returns the encoded digest of url.
func Sign(key []byte, url string, enc Encoding) string {
	return enc.EncodeToString(Sum(key, url))
}

// Verify recomputes the digest of url and compares it with supplied in
// constant time. A malformed supplied digest simply fails to match.
func Verify(key []byte, url, supplied string, enc Encoding) bool {
	expected := Sign(key, url, enc)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(supplied)) == 1
}

// EncodeURL encodes a target URL string for use as a path segment.
func EncodeURL(url string, enc Encoding) string {
	return enc.EncodeToString([]byte(url))
}

// DecodeURL is the inverse of EncodeURL.
func DecodeURL(encoded string, enc Encoding) (string, error) {
	b, err := enc.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode %s url: %w", enc, err)
	}
	return string(b), nil
}
