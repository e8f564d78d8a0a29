package calibration

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/xiaden/nomarr/pkg/types"
)

// Drift computes the drift metrics between two calibration snapshots
// for the same label: absolute percentile drift, support-range drift,
// and the Jensen-Shannon divergence of the bin distributions.
func Drift(prev, cur types.Histogram) (apd, srd, jsd float64) {
	apd = math.Abs(cur.Percentiles.P5-prev.Percentiles.P5) +
		math.Abs(cur.Percentiles.P95-prev.Percentiles.P95)

	prevSpan := prev.Percentiles.P95 - prev.Percentiles.P5
	curSpan := cur.Percentiles.P95 - cur.Percentiles.P5
	srd = math.Abs(curSpan - prevSpan)

	jsd = jensenShannon(prev, cur)
	return apd, srd, jsd
}

// jensenShannon aligns the two sparse histograms on the union of their
// bins, normalizes to probability vectors, and hands off to gonum.
func jensenShannon(a, b types.Histogram) float64 {
	if a.N == 0 || b.N == 0 {
		return 0
	}

	union := make(map[float64]struct{}, len(a.Bins)+len(b.Bins))
	for _, bin := range a.Bins {
		union[bin] = struct{}{}
	}
	for _, bin := range b.Bins {
		union[bin] = struct{}{}
	}

	bins := make([]float64, 0, len(union))
	for bin := range union {
		bins = append(bins, bin)
	}
	sort.Float64s(bins)

	p := distribution(a, bins)
	q := distribution(b, bins)
	return stat.JensenShannon(p, q)
}

func distribution(h types.Histogram, bins []float64) []float64 {
	counts := make(map[float64]int64, len(h.Bins))
	for i, bin := range h.Bins {
		counts[bin] = h.Counts[i]
	}
	out := make([]float64, len(bins))
	for i, bin := range bins {
		out[i] = float64(counts[bin]) / float64(h.N)
	}
	return out
}
