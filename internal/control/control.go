// Package control implements the IQ controller (spec.md §4.3, C3): a pure
// function from a geometry result and the previous radii to a new,
// zero-sum, banded, clamped radius set.
//
// Grounded on the teacher's preference for small, pure, heavily-tested
// numeric cores (internal/lidar/l4perception/cluster.go's clustering math)
// and on gonum.org/v1/gonum/stat for the mean/stddev reductions, mirroring
// how the teacher pulls in gonum for its own analysis passes
// (internal/lidar/analysis_run_manager.go).
package control

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/kestrel-sim/foamrelax/internal/config"
	"github.com/kestrel-sim/foamrelax/internal/particles"
)

const (
	epsS  = 1e-9 // surface floor below which IQ is undefined
	epsZS = 1e-9 // zero-sum rescale trigger tolerance
)

// Update is the outcome of one controller invocation.
type Update struct {
	RNew []float64
	// IQ holds one entry per index; math.NaN() marks an excluded/undefined
	// cell (spec.md §4.3 step 1, and the all-bad-input "sentinel" case).
	IQ []float64
}

// Compute runs the full banded/zero-sum/clamped radius update described in
// spec.md §4.3. len(volume) == len(surface) == len(flags) == len(rPrev) is
// required; Compute does not validate this (the scheduler always calls it
// with arrays it built itself from a single geometry result).
func Compute(volume, surface []float64, flags []particles.CellStatus, rPrev []float64, cfg config.Config) Update {
	n := len(rPrev)
	iq := make([]float64, n)
	dV := make([]float64, n)
	included := make([]bool, n)

	anyBad := false
	maxV := 0.0
	for i := 0; i < n; i++ {
		if flags[i] != particles.StatusOK {
			anyBad = true
			iq[i] = math.NaN()
			continue
		}
		if volume[i] > maxV {
			maxV = volume[i]
		}
		if surface[i] <= epsS {
			iq[i] = math.NaN()
			continue
		}
		iq[i] = 36.0 * math.Pi * volume[i] * volume[i] / (surface[i] * surface[i] * surface[i])
		included[i] = true
	}

	meanV := includedMeanVolume(volume, included)

	for i := 0; i < n; i++ {
		if !included[i] {
			continue
		}
		switch {
		case iq[i] < cfg.IQMin:
			dV[i] = cfg.BetaGrow * volume[i]
		case iq[i] > cfg.IQMax:
			dV[i] = -cfg.BetaShrink * meanV
		default:
			dV[i] = 0
		}
	}

	rescaleZeroSum(dV)

	dr := make([]float64, n)
	for i := 0; i < n; i++ {
		if rPrev[i] > 0 {
			dr[i] = dV[i] / (4 * math.Pi * rPrev[i] * rPrev[i])
		}
	}

	if maxV > cfg.VDominance || anyBad {
		for i := range dr {
			dr[i] *= 0.25
		}
	}

	rNew := make([]float64, n)
	for i := 0; i < n; i++ {
		d := clamp(dr[i], -cfg.DrCap*rPrev[i], cfg.DrCap*rPrev[i])
		rNew[i] = clamp(rPrev[i]+d, cfg.RMin, cfg.RMax)
	}

	renormaliseIfDispersed(rNew, rPrev, cfg.DispersionMax)

	return Update{RNew: rNew, IQ: iq}
}

func includedMeanVolume(volume []float64, included []bool) float64 {
	var sum float64
	var count float64
	for i, ok := range included {
		if ok {
			sum += volume[i]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

// rescaleZeroSum implements spec.md §4.3 step 3: when both the grow and
// shrink pools are non-zero and imbalanced beyond epsZS, scale the shrink
// pool (the negative entries) to match the grow pool exactly.
func rescaleZeroSum(dV []float64) {
	var sPos, sNeg float64
	for _, v := range dV {
		if v > 0 {
			sPos += v
		} else if v < 0 {
			sNeg -= v
		}
	}
	if sPos == 0 || sNeg == 0 {
		return
	}
	if math.Abs(sPos-sNeg) <= epsZS {
		return
	}
	scale := sPos / sNeg
	for i, v := range dV {
		if v < 0 {
			dV[i] = v * scale
		}
	}
}

// renormaliseIfDispersed implements spec.md §4.3 step 5d: if the resulting
// radius set's coefficient of variation exceeds the threshold, rescale it
// multiplicatively so total radius mass matches the pre-update set.
func renormaliseIfDispersed(rNew, rPrev []float64, sigmaDisp float64) {
	if len(rNew) == 0 {
		return
	}
	mean := stat.Mean(rNew, nil)
	if mean == 0 {
		return
	}
	sd := stat.StdDev(rNew, nil)
	if sd/mean <= sigmaDisp {
		return
	}
	var sumNew, sumPrev float64
	for i := range rNew {
		sumNew += rNew[i]
		sumPrev += rPrev[i]
	}
	if sumNew == 0 {
		return
	}
	scale := sumPrev / sumNew
	for i := range rNew {
		rNew[i] *= scale
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
