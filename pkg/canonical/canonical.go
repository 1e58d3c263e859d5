// Package canonical provides the RFC 8785 (JCS) serialization and SHA-256
// addressing every hash in the kernel is computed over. The canonical form
// is versioned through the envelope_version tag; changing the rules here
// requires a new version tag, never an in-place edit.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
)

// SpecVersion identifies the canonicalization rules in force. Sealed
// envelopes record it so a future format change cannot silently alter
// stored hashes.
const SpecVersion = "1.0"

// supportedVersions bounds the envelope_version tags this build can
// canonicalize. A 2.x tag means rules this code does not implement.
var supportedVersions = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	parsed, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return parsed
}

// CheckVersion rejects envelope_version tags outside the supported
// canonicalization range.
func CheckVersion(tag string) error {
	v, err := semver.NewVersion(tag)
	if err != nil {
		return fmt.Errorf("canonicalize: envelope_version %q is not a version tag: %w", tag, err)
	}
	if !supportedVersions.Check(v) {
		return fmt.Errorf("canonicalize: envelope_version %s is outside the supported range (spec %s)", tag, SpecVersion)
	}
	return nil
}

// TimeFormat renders timestamps at fixed microsecond width so canonical
// bytes are identical regardless of trailing-zero trimming.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in the canonical UTC microsecond form.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimeFormat)
}

// Transform rewrites raw JSON into its RFC 8785 canonical form: keys
// sorted, no insignificant whitespace, shortest-form numbers.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// Marshal serializes v and canonicalizes the result. NaN and Infinity are
// rejected up front; they have no JSON representation and Go would
// otherwise fail deep inside the encoder with a less useful error.
func Marshal(v any) ([]byte, error) {
	if hasNaNOrInf(reflect.ValueOf(v)) {
		return nil, fmt.Errorf("canonicalize: value contains NaN or Infinity")
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal: %w", err)
	}
	return Transform(intermediate)
}

// Hash returns the SHA-256 hex digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and hashes the result.
func HashValue(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// HashJSON canonicalizes raw JSON bytes and hashes the result.
func HashJSON(raw []byte) (string, error) {
	b, err := Transform(raw)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

//nolint:gocognit // exhaustive kind switch
func hasNaNOrInf(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return math.IsNaN(f) || math.IsInf(f, 0)
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if hasNaNOrInf(v.MapIndex(key)) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if hasNaNOrInf(v.Index(i)) {
				return true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if hasNaNOrInf(v.Field(i)) {
				return true
			}
		}
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			return hasNaNOrInf(v.Elem())
		}
	}
	return false
}
