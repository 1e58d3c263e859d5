package governance

import (
	"math"
	"sort"
)

// SpearmanRho computes Spearman's rank correlation between two series of
// equal length, with tied values assigned their average rank. Degenerate
// inputs (length mismatch, fewer than two pairs, or a constant series)
// yield 0.
func SpearmanRho(xs, ys []float64) float64 {
	if len(xs) != len(ys) || len(xs) < 2 {
		return 0
	}
	return pearson(averageRanks(xs), averageRanks(ys))
}

// averageRanks maps each value to its 1-based rank, ties sharing the mean
// of the ranks they span.
func averageRanks(xs []float64) []float64 {
	n := len(xs)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && xs[idx[j+1]] == xs[idx[i]] {
			j++
		}
		// positions i..j hold equal values; all get the mean rank.
		mean := float64(i+j+2) / 2
		for k := i; k <= j; k++ {
			ranks[idx[k]] = mean
		}
		i = j + 1
	}
	return ranks
}

// pearson is the plain product-moment correlation. Zero variance on
// either side yields 0.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// ICC1 computes the one-way random-effects intraclass correlation
// ICC(1,1) over a targets-by-raters matrix: how much of the score
// variance is explained by the scenario rather than the evaluator.
// Ragged or degenerate matrices (under two targets, under two raters on
// any row, or no variance at all) yield 0.
func ICC1(matrix [][]float64) float64 {
	n := len(matrix)
	if n < 2 {
		return 0
	}
	k := len(matrix[0])
	if k < 2 {
		return 0
	}
	for _, row := range matrix {
		if len(row) != k {
			return 0
		}
	}

	var grand float64
	total := float64(n * k)
	for _, row := range matrix {
		for _, v := range row {
			grand += v
		}
	}
	grand /= total

	// Between-target and within-target sums of squares.
	var ssBetween, ssWithin float64
	for _, row := range matrix {
		var rowMean float64
		for _, v := range row {
			rowMean += v
		}
		rowMean /= float64(k)
		d := rowMean - grand
		ssBetween += float64(k) * d * d
		for _, v := range row {
			dv := v - rowMean
			ssWithin += dv * dv
		}
	}

	msBetween := ssBetween / float64(n-1)
	msWithin := ssWithin / float64(n*(k-1))
	denom := msBetween + float64(k-1)*msWithin
	if denom == 0 {
		return 0
	}
	return (msBetween - msWithin) / denom
}
