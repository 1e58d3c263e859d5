package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpearmanRhoMonotone(t *testing.T) {
	xs := []float64{0.40, 0.55, 0.62, 0.71, 0.90}
	ys := []float64{1.2, 2.0, 2.1, 3.7, 4.9}
	assert.InDelta(t, 1.0, SpearmanRho(xs, ys), 1e-9)

	inverted := []float64{4.9, 3.7, 2.1, 2.0, 1.2}
	assert.InDelta(t, -1.0, SpearmanRho(xs, inverted), 1e-9)
}

func TestSpearmanRhoAveragesTies(t *testing.T) {
	xs := []float64{1, 2, 2, 3}
	ys := []float64{1, 2, 3, 4}
	// Ranks of xs are 1, 2.5, 2.5, 4 against 1, 2, 3, 4.
	assert.InDelta(t, 0.9487, SpearmanRho(xs, ys), 1e-4)
}

func TestSpearmanRhoDegenerate(t *testing.T) {
	assert.Zero(t, SpearmanRho(nil, nil))
	assert.Zero(t, SpearmanRho([]float64{1}, []float64{2}))
	assert.Zero(t, SpearmanRho([]float64{1, 2}, []float64{1, 2, 3}))
	// A constant series has no rank variance to correlate.
	assert.Zero(t, SpearmanRho([]float64{3, 3, 3}, []float64{1, 2, 3}))
}

func TestAverageRanks(t *testing.T) {
	assert.Equal(t, []float64{1, 2.5, 2.5, 4}, averageRanks([]float64{1, 2, 2, 3}))
	assert.Equal(t, []float64{3, 1, 2}, averageRanks([]float64{9, 2, 5}))
	assert.Equal(t, []float64{2, 2, 2}, averageRanks([]float64{7, 7, 7}))
}

func TestCohensDSeparatedGroups(t *testing.T) {
	golden := []float64{0.80, 0.90, 0.85, 0.95}
	kill := []float64{0.30, 0.40, 0.35, 0.25}
	assert.InDelta(t, 8.5206, cohensD(golden, kill), 1e-3)

	// Symmetric with flipped sign.
	assert.InDelta(t, -8.5206, cohensD(kill, golden), 1e-3)
}

func TestCohensDDegenerate(t *testing.T) {
	assert.Zero(t, cohensD([]float64{0.9}, []float64{0.2, 0.3}))
	assert.Zero(t, cohensD([]float64{0.9, 0.8}, []float64{0.2}))
	// Zero pooled variance yields no usable effect size.
	assert.Zero(t, cohensD([]float64{0.5, 0.5}, []float64{0.5, 0.5}))
}

func TestICC1PerfectAgreement(t *testing.T) {
	matrix := [][]float64{
		{0.40, 0.40},
		{0.60, 0.60},
		{0.85, 0.85},
	}
	assert.InDelta(t, 1.0, ICC1(matrix), 1e-9)
}

func TestICC1NoAgreement(t *testing.T) {
	// Raters disagree exactly as much as the targets differ.
	matrix := [][]float64{
		{1, 3},
		{3, 1},
		{2, 2},
	}
	assert.InDelta(t, -1.0, ICC1(matrix), 1e-9)
}

func TestICC1Degenerate(t *testing.T) {
	assert.Zero(t, ICC1(nil))
	assert.Zero(t, ICC1([][]float64{{1, 2}}))
	assert.Zero(t, ICC1([][]float64{{1}, {2}}))
	assert.Zero(t, ICC1([][]float64{{1, 2}, {3}}))
	// No variance anywhere leaves the ratio undefined.
	assert.Zero(t, ICC1([][]float64{{2, 2}, {2, 2}}))
}
