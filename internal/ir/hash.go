package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with previously persisted hashes.
const (
	DomainRecordETag = "recordcache/etag/v1"
	DomainRequest    = "recordcache/request/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ETag computes the content hash of a record's field values.
// It is used for change detection only, never for ordering versions.
func ETag(fields Object) (string, error) {
	canonical, err := MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("ETag: %w", err)
	}
	return hashWithDomain(DomainRecordETag, canonical), nil
}

// RequestHash identifies a request body by content, letting the draft queue
// detect a resubmission of an identical mutation.
func RequestHash(method, path string, body Value) (string, error) {
	obj := Object{
		"method": String(method),
		"path":   String(path),
		"body":   body,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("RequestHash: %w", err)
	}
	return hashWithDomain(DomainRequest, canonical), nil
}

// MustETag is like ETag but panics on error. Use only in tests or with
// values known to be finite.
func MustETag(fields Object) string {
	tag, err := ETag(fields)
	if err != nil {
		panic(err)
	}
	return tag
}
