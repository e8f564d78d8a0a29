package calibration

import (
	"math"
	"sort"

	"github.com/xiaden/nomarr/pkg/types"
)

// DefaultBinWidth is the stock histogram bin width over [0, 1].
const DefaultBinWidth = 0.01

// sparseHist accumulates prediction scores into fixed-width bins,
// keeping only non-empty ones. With the default width that is at most
// 101 bins regardless of sample count.
type sparseHist struct {
	binWidth float64
	counts   map[int]int64
	n        int64
}

func newSparseHist(binWidth float64) *sparseHist {
	if binWidth <= 0 {
		binWidth = DefaultBinWidth
	}
	return &sparseHist{binWidth: binWidth, counts: make(map[int]int64)}
}

// Add accumulates one score, clamped to [0, 1].
func (h *sparseHist) Add(x float64) {
	if math.IsNaN(x) {
		return
	}
	if x < 0 {
		x = 0
	}
	if x > 1 {
		x = 1
	}
	idx := int(math.Round(x / h.binWidth))
	h.counts[idx]++
	h.n++
}

// Histogram renders the sorted sparse form with percentiles filled in.
func (h *sparseHist) Histogram(percentiles []float64) types.Histogram {
	idxs := make([]int, 0, len(h.counts))
	for idx := range h.counts {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	out := types.Histogram{
		Bins:   make([]float64, len(idxs)),
		Counts: make([]int64, len(idxs)),
		N:      h.n,
	}
	for i, idx := range idxs {
		out.Bins[i] = roundBin(float64(idx) * h.binWidth)
		out.Counts[i] = h.counts[idx]
	}

	if len(percentiles) == 2 {
		out.Percentiles = types.Percentiles{
			P5:  Percentile(out, percentiles[0]),
			P95: Percentile(out, percentiles[1]),
		}
	} else {
		out.Percentiles = types.Percentiles{
			P5:  Percentile(out, 0.05),
			P95: Percentile(out, 0.95),
		}
	}
	return out
}

// Percentile computes the q-th percentile (q in (0,1)) by cumulative
// count over the sorted bins: the center of the first bin at or past
// the target rank.
func Percentile(h types.Histogram, q float64) float64 {
	if h.N == 0 || len(h.Bins) == 0 {
		return 0
	}
	rank := q * float64(h.N)
	var cum int64
	for i, count := range h.Counts {
		cum += count
		if float64(cum) >= rank {
			return h.Bins[i]
		}
	}
	return h.Bins[len(h.Bins)-1]
}

// roundBin snaps a bin center to a stable decimal representation so
// regenerated histograms serialize identically.
func roundBin(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
