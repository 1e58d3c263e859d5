//go:build property
// +build property

package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/uaesivakumar/upr-authority/pkg/canonical"
)

// TestCanonicalDeterminism verifies hashing is a pure function of value.
// Property: HashValue(obj) == HashValue(obj) for any obj.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical hash is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			h1, err1 := canonical.HashValue(obj)
			h2, err2 := canonical.HashValue(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestTransformIdempotence verifies canonical form is a fixed point.
// Property: Transform(Transform(x)) == Transform(x).
func TestTransformIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("transform is idempotent", prop.ForAll(
		func(keys []string, nums []int) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(nums); i++ {
				if keys[i] != "" {
					obj[keys[i]] = nums[i]
				}
			}

			once, err := canonical.Marshal(obj)
			if err != nil {
				return true
			}
			twice, err := canonical.Transform(once)
			if err != nil {
				return false
			}
			return string(once) == string(twice)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}

// TestKeyOrderIrrelevance verifies insertion order never changes the hash.
func TestKeyOrderIrrelevance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash ignores map insertion order", prop.ForAll(
		func(a, b, c string) bool {
			m1 := map[string]any{"a": a, "b": b, "c": c}
			m2 := map[string]any{"c": c, "a": a, "b": b}

			h1, err1 := canonical.HashValue(m1)
			h2, err2 := canonical.HashValue(m2)
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
