package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		val, lo, hi float64
		expected    float64
	}{
		{name: "within_range", val: 5.0, lo: 0.0, hi: 10.0, expected: 5.0},
		{name: "below_min", val: -1.0, lo: 0.0, hi: 10.0, expected: 0.0},
		{name: "above_max", val: 15.0, lo: 0.0, hi: 10.0, expected: 10.0},
		{name: "at_min", val: 0.0, lo: 0.0, hi: 10.0, expected: 0.0},
		{name: "at_max", val: 10.0, lo: 0.0, hi: 10.0, expected: 10.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Clamp(tt.val, tt.lo, tt.hi)
			assert.InDelta(t, tt.expected, got, 0.0001)
		})
	}
}

func TestPercentile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    []float64
		p        float64
		expected float64
	}{
		{name: "empty_returns_zero", input: nil, p: PercentileMedian, expected: 0},
		{name: "single_element", input: []float64{7.0}, p: PercentileMedian, expected: 7.0},
		{name: "median_odd", input: []float64{3.0, 1.0, 2.0}, p: PercentileMedian, expected: 2.0},
		{name: "median_even", input: []float64{1.0, 2.0, 3.0, 4.0}, p: PercentileMedian, expected: 2.5},
		{name: "p95_of_100", input: makeSequence(100), p: PercentileP95, expected: 95.05},
		{name: "p99_of_100", input: makeSequence(100), p: PercentileP99, expected: 99.01},
		{name: "p0_is_min", input: []float64{5.0, 1.0, 9.0}, p: 0, expected: 1.0},
		{name: "p100_is_max", input: []float64{5.0, 1.0, 9.0}, p: 1.0, expected: 9.0},
		{name: "unsorted_input", input: []float64{9.0, 1.0, 5.0, 3.0, 7.0}, p: PercentileMedian, expected: 5.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Percentile(tt.input, tt.p)
			assert.InDelta(t, tt.expected, got, 0.1)
		})
	}
}

func TestPercentileDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	input := []float64{9.0, 1.0, 5.0}
	_ = Percentile(input, PercentileMedian)

	assert.Equal(t, []float64{9.0, 1.0, 5.0}, input)
}

func TestMedian(t *testing.T) {
	t.Parallel()

	got := Median([]float64{3.0, 1.0, 2.0})
	assert.InDelta(t, 2.0, got, 0.0001)
}

func TestMean(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    []float64
		expected float64
	}{
		{name: "empty_returns_zero", input: nil, expected: 0},
		{name: "single_element", input: []float64{5.0}, expected: 5.0},
		{name: "known_mean", input: []float64{1.0, 2.0, 3.0, 4.0, 5.0}, expected: 3.0},
		{name: "negative_values", input: []float64{-2.0, -4.0}, expected: -3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Mean(tt.input)
			assert.InDelta(t, tt.expected, got, 0.0001)
		})
	}
}

func TestMinMax(t *testing.T) {
	t.Parallel()

	t.Run("empty_returns_zeros", func(t *testing.T) {
		t.Parallel()

		lo, hi := MinMax(nil)
		assert.InDelta(t, 0, lo, 0.0001)
		assert.InDelta(t, 0, hi, 0.0001)
	})

	t.Run("single_element", func(t *testing.T) {
		t.Parallel()

		lo, hi := MinMax([]float64{4.0})
		assert.InDelta(t, 4.0, lo, 0.0001)
		assert.InDelta(t, 4.0, hi, 0.0001)
	})

	t.Run("multiple_elements", func(t *testing.T) {
		t.Parallel()

		lo, hi := MinMax([]float64{3.0, 1.0, 9.0, 4.0})
		assert.InDelta(t, 1.0, lo, 0.0001)
		assert.InDelta(t, 9.0, hi, 0.0001)
	})
}

func TestMinMaxInt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, Min([]int{3, 1, 4, 1, 5}))
	assert.Equal(t, 5, Max([]int{3, 1, 4, 1, 5}))
	assert.Equal(t, 10, Sum([]int{1, 2, 3, 4}))
}

// makeSequence returns [1.0, 2.0, ..., n].
func makeSequence(n int) []float64 {
	result := make([]float64, n)

	for i := range result {
		result[i] = float64(i + 1)
	}

	return result
}
