//go:build property
// +build property

package governance_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/uaesivakumar/upr-authority/pkg/governance"
)

// TestShuffledOrderIsPermutation verifies every evaluator's queue order
// visits each scenario exactly once.
func TestShuffledOrderIsPermutation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("shuffle is a permutation of 0..n-1", prop.ForAll(
		func(evaluator, n int) bool {
			order := governance.ShuffledOrder(evaluator, n)
			if len(order) != n {
				return false
			}
			seen := make([]bool, n)
			for _, v := range order {
				if v < 0 || v >= n || seen[v] {
					return false
				}
				seen[v] = true
			}
			return true
		},
		gen.IntRange(0, 10000),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

// TestShuffledOrderDeterminism verifies the same evaluator always gets the
// same queue, independent of when or where the shuffle runs.
func TestShuffledOrderDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("shuffle is a pure function of evaluator and size", prop.ForAll(
		func(evaluator, n int) bool {
			a := governance.ShuffledOrder(evaluator, n)
			b := governance.ShuffledOrder(evaluator, n)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if a[i] != b[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10000),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

// TestSpearmanRhoBounded verifies rho never leaves [-1, 1].
func TestSpearmanRhoBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rho stays within [-1, 1]", prop.ForAll(
		func(xs []float64, ys []float64) bool {
			n := len(xs)
			if len(ys) < n {
				n = len(ys)
			}
			rho := governance.SpearmanRho(xs[:n], ys[:n])
			return rho >= -1.0000001 && rho <= 1.0000001
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
		gen.SliceOf(gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}
