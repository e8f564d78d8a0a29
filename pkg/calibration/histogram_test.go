package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaden/nomarr/pkg/types"
)

func TestSparseHistogramAccumulates(t *testing.T) {
	h := newSparseHist(0.01)
	for i := 0; i < 10; i++ {
		h.Add(0.25)
	}
	h.Add(0.75)
	h.Add(1.2)  // clamps to 1.0
	h.Add(-0.3) // clamps to 0.0

	hist := h.Histogram(nil)
	assert.EqualValues(t, 13, hist.N)
	assert.Equal(t, []float64{0, 0.25, 0.75, 1}, hist.Bins)
	assert.Equal(t, []int64{1, 10, 1, 1}, hist.Counts)
}

func TestSparseHistogramStaysSparse(t *testing.T) {
	h := newSparseHist(0.01)
	for i := 0; i < 100000; i++ {
		h.Add(float64(i%100) / 100)
	}
	hist := h.Histogram(nil)
	assert.LessOrEqual(t, len(hist.Bins), 101, "bin count is bounded by width, not samples")
	assert.EqualValues(t, 100000, hist.N)
}

func TestPercentileByCumulativeCount(t *testing.T) {
	// 100 samples spread uniformly over bins 0.00..0.99.
	h := newSparseHist(0.01)
	for i := 0; i < 100; i++ {
		h.Add(float64(i) / 100)
	}
	hist := h.Histogram(nil)

	assert.InDelta(t, 0.04, hist.Percentiles.P5, 0.011)
	assert.InDelta(t, 0.94, hist.Percentiles.P95, 0.011)
}

func TestPercentileSingleBin(t *testing.T) {
	h := newSparseHist(0.01)
	for i := 0; i < 50; i++ {
		h.Add(0.6)
	}
	hist := h.Histogram(nil)
	assert.Equal(t, 0.6, hist.Percentiles.P5)
	assert.Equal(t, 0.6, hist.Percentiles.P95)
}

func TestPercentileEmptyHistogram(t *testing.T) {
	assert.Zero(t, Percentile(types.Histogram{}, 0.05))
}

func TestDriftMetrics(t *testing.T) {
	prev := types.Histogram{
		Bins:        []float64{0.2, 0.5, 0.8},
		Counts:      []int64{10, 80, 10},
		N:           100,
		Percentiles: types.Percentiles{P5: 0.2, P95: 0.8},
	}
	cur := types.Histogram{
		Bins:        []float64{0.3, 0.5, 0.7},
		Counts:      []int64{10, 80, 10},
		N:           100,
		Percentiles: types.Percentiles{P5: 0.3, P95: 0.7},
	}

	apd, srd, jsd := Drift(prev, cur)
	assert.InDelta(t, 0.2, apd, 1e-9, "|0.3-0.2| + |0.7-0.8|")
	assert.InDelta(t, 0.2, srd, 1e-9, "support shrank from 0.6 to 0.4")
	assert.Greater(t, jsd, 0.0)
}

func TestDriftIdenticalHistograms(t *testing.T) {
	h := types.Histogram{
		Bins:        []float64{0.5},
		Counts:      []int64{10},
		N:           10,
		Percentiles: types.Percentiles{P5: 0.5, P95: 0.5},
	}
	apd, srd, jsd := Drift(h, h)
	assert.Zero(t, apd)
	assert.Zero(t, srd)
	assert.InDelta(t, 0, jsd, 1e-12)
}

func TestRenormalize(t *testing.T) {
	p := types.Percentiles{P5: 0.2, P95: 0.8}

	tests := []struct {
		name string
		raw  float64
		want float64
	}{
		{name: "below support clips to zero", raw: 0.1, want: 0},
		{name: "above support clips to one", raw: 0.9, want: 1},
		{name: "midpoint", raw: 0.5, want: 0.5},
		{name: "interior", raw: 0.35, want: 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, renormalize(tt.raw, p), 1e-9)
		})
	}

	// Degenerate support keeps the raw value.
	require.Equal(t, 0.42, renormalize(0.42, types.Percentiles{P5: 0.5, P95: 0.5}))
}

func TestTierTable(t *testing.T) {
	tests := []struct {
		value float64
		want  string
	}{
		{value: 0.1, want: ""},
		{value: 0.34, want: ""},
		{value: 0.35, want: TierPresent},
		{value: 0.64, want: TierPresent},
		{value: 0.65, want: TierStrong},
		{value: 0.84, want: TierStrong},
		{value: 0.85, want: TierDefining},
		{value: 1.0, want: TierDefining},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tierFor(tt.value), "value %v", tt.value)
	}
}
