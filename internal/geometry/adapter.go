// Package geometry wraps an unsafe periodic Laguerre-cell backend with
// input sanitisation, ownership copying, batching, and per-cell error
// containment, so a fragile or crash-prone backend can never propagate a
// failure into the scheduler.
//
// Grounded on the defensive-copy discipline in radar/serial.go and the
// per-item extraction guards in internal/lidar/parse/extract.go, and on
// _examples/original_source/src/geom_worker.py's own batching/ownership
// comments ("CRITICAL: Ensure input arrays are contiguous and owned").
package geometry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kestrel-sim/foamrelax/internal/particles"
	"github.com/kestrel-sim/foamrelax/internal/telemetry"
	"github.com/kestrel-sim/foamrelax/internal/timeutil"
)

// ErrInvalidInput is returned for structural call misuse: size mismatch,
// N==0, or N above the adapter's hard cap. These are caller bugs, not
// backend instability, so unlike everything else the adapter reports they
// are surfaced as a real error rather than encoded in flags.
var ErrInvalidInput = errors.New("geometry: invalid input")

const (
	// NMax is the hard cap on particle count per Compute call.
	NMax = 100_000

	epsCoord     = 1e-9
	epsJitter    = 1e-9
	defaultWMin  = 1e-6
	defaultWMax  = 1.0
	maxVolume    = 1.0
	maxSurface   = 6.0
	maxFaceCount = 100
)

// Adapter wraps a Backend with the sanitisation/batching/error-containment
// pipeline described in spec.md §4.1.
type Adapter struct {
	backend  Backend
	chunkMax int
	wMin     float64
	wMax     float64
	clock    timeutil.Clock
}

// NewAdapter constructs an Adapter. chunkMax must be positive; the
// scheduler is expected to have validated it at config time.
func NewAdapter(backend Backend, chunkMax int) *Adapter {
	return NewAdapterWithClock(backend, chunkMax, timeutil.RealClock{})
}

// NewAdapterWithClock is NewAdapter with an injectable Clock, so tests can
// verify ElapsedMS reporting without depending on wall-clock timing.
func NewAdapterWithClock(backend Backend, chunkMax int, clock timeutil.Clock) *Adapter {
	return &Adapter{
		backend:  backend,
		chunkMax: chunkMax,
		wMin:     defaultWMin,
		wMax:     defaultWMax,
		clock:    clock,
	}
}

// Compute runs the full sanitise/batch/invoke/extract/clamp pipeline and
// never panics or returns a partial result: on any structural input error
// it returns ErrInvalidInput; otherwise it always returns one flag per
// input index.
func (a *Adapter) Compute(points []particles.Vec3, weights []float64) (particles.Result, error) {
	n := len(points)
	if n == 0 || n != len(weights) {
		return particles.Result{}, fmt.Errorf("%w: len(points)=%d len(weights)=%d", ErrInvalidInput, n, len(weights))
	}
	if n > NMax {
		return particles.Result{}, fmt.Errorf("%w: N=%d exceeds hard cap %d", ErrInvalidInput, n, NMax)
	}

	// Ownership copy: the caller's buffers must not be touched again.
	pts := make([]particles.Vec3, n)
	copy(pts, points)
	w := make([]float64, n)
	copy(w, weights)

	a.sanitise(pts, w)

	res := particles.Result{
		Volume:  make([]float64, n),
		Surface: make([]float64, n),
		Faces:   make([]int, n),
		Flags:   make([]particles.CellStatus, n),
	}

	start := a.clock.Now()
	if n <= a.chunkMax {
		a.computeBatch(pts, w, allIndices(n), res)
	} else {
		for lo := 0; lo < n; lo += a.chunkMax {
			hi := lo + a.chunkMax
			if hi > n {
				hi = n
			}
			a.computeBatch(pts, w, rangeIndices(lo, hi), res)
		}
	}
	res.ElapsedMS = float64(a.clock.Since(start)) / float64(time.Millisecond)

	a.clampOutputs(res)
	return res, nil
}

// sanitise wraps positions into [0,1), clamps weights, and de-duplicates
// exact coincident points in place.
func (a *Adapter) sanitise(pts []particles.Vec3, w []float64) {
	for i := range pts {
		pts[i].X = clampUnit(particles.Wrap01(sanitiseCoord(pts[i].X)))
		pts[i].Y = clampUnit(particles.Wrap01(sanitiseCoord(pts[i].Y)))
		pts[i].Z = clampUnit(particles.Wrap01(sanitiseCoord(pts[i].Z)))

		if math.IsNaN(w[i]) || math.IsInf(w[i], 0) || w[i] <= 0 {
			w[i] = a.wMin
		}
		if w[i] < a.wMin {
			w[i] = a.wMin
		}
		if w[i] > a.wMax {
			w[i] = a.wMax
		}
	}
	deduplicate(pts)
}

// sanitiseCoord rejects non-finite coordinates before they ever reach
// Wrap01, which only guards against NaN: an Inf coordinate would spin
// Wrap01's fold loop forever, since Inf±1 == Inf. Mirrors the finiteness
// check the weight path applies two lines below.
func sanitiseCoord(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

// clampUnit clamps to [0, 1-eps] after wrapping, per spec.md §4.1 step 3.
func clampUnit(x float64) float64 {
	if x > 1-epsCoord {
		return 1 - epsCoord
	}
	if x < 0 {
		return 0
	}
	return x
}

// deduplicate breaks exact coincidences with a deterministic, index-keyed
// micro-jitter: for each point equal to an earlier one, the later index's
// X coordinate is nudged by a multiple of epsJitter. This is deterministic
// across runs and never drops a cell from control (spec.md §9 open
// question: jitter vs. flag-one-of-pair; jitter chosen to preserve every
// index for the zero-sum controller).
func deduplicate(pts []particles.Vec3) {
	seen := make(map[particles.Vec3]int, len(pts))
	for i, p := range pts {
		if _, ok := seen[p]; ok {
			pts[i].X = clampUnit(particles.Wrap01(p.X + epsJitter*float64(i+1)))
		}
		seen[pts[i]] = i
	}
}

// computeBatch invokes the backend for one batch's indices, passing the
// complete point/weight arrays so a globally-coupled periodic backend can
// see every point in the cloud — not just the batch under extraction — and
// writes results into res at each index. It never panics: a crash anywhere
// in Solve is contained and turned into an all-cells-failed batch result.
func (a *Adapter) computeBatch(pts []particles.Vec3, w []float64, indices []int, res particles.Result) {
	cells, err := a.safeSolve(pts, w, indices)
	if err != nil {
		telemetry.Logf("geometry: backend batch of %d cells failed: %v", len(indices), err)
		for _, idx := range indices {
			res.Flags[idx] = particles.StatusTriangulationFail
		}
		return
	}

	for i, cell := range cells {
		idx := indices[i]
		v, s, f, err := a.safeExtract(cell)
		if err != nil {
			res.Flags[idx] = particles.StatusExtractFail
			continue
		}
		res.Volume[idx] = v
		res.Surface[idx] = s
		res.Faces[idx] = f
		res.Flags[idx] = particles.StatusOK
	}
}

// safeSolve calls backend.Solve, converting any panic into an error so the
// caller can never crash (spec.md §4.1 step 6: "allowed to fail
// gracefully").
func (a *Adapter) safeSolve(pts []particles.Vec3, w []float64, indices []int) (cells []RawCell, err error) {
	defer func() {
		if r := recover(); r != nil {
			cells, err = nil, fmt.Errorf("backend panic: %v", r)
		}
	}()
	cells, err = a.backend.Solve(pts, w, indices)
	if err == nil && len(cells) != len(indices) {
		return nil, fmt.Errorf("backend returned %d cells for %d indices", len(cells), len(indices))
	}
	return cells, err
}

// allIndices returns [0, n).
func allIndices(n int) []int {
	return rangeIndices(0, n)
}

// rangeIndices returns [lo, hi).
func rangeIndices(lo, hi int) []int {
	indices := make([]int, hi-lo)
	for i := range indices {
		indices[i] = lo + i
	}
	return indices
}

// safeExtract calls backend.Extract, converting any panic into an error so
// a single bad cell never aborts the batch (spec.md §4.1 step 7).
func (a *Adapter) safeExtract(cell RawCell) (volume, surface float64, faces int, err error) {
	defer func() {
		if r := recover(); r != nil {
			volume, surface, faces, err = 0, 0, 0, fmt.Errorf("extract panic: %v", r)
		}
	}()
	return a.backend.Extract(cell)
}

// clampOutputs applies the output sanity clamps from spec.md §4.1 step 8.
func (a *Adapter) clampOutputs(res particles.Result) {
	for i := range res.Flags {
		if res.Flags[i] != particles.StatusOK {
			res.Volume[i] = 0
			res.Surface[i] = 0
			res.Faces[i] = 0
			continue
		}
		if math.IsNaN(res.Volume[i]) || math.IsInf(res.Volume[i], 0) ||
			math.IsNaN(res.Surface[i]) || math.IsInf(res.Surface[i], 0) {
			res.Flags[i] = particles.StatusBadVolume
			res.Volume[i] = 0
			res.Surface[i] = 0
			res.Faces[i] = 0
			continue
		}
		res.Volume[i] = clamp(res.Volume[i], 0, maxVolume)
		res.Surface[i] = clamp(res.Surface[i], 0, maxSurface)
		if res.Faces[i] < 0 {
			res.Faces[i] = 0
		} else if res.Faces[i] > maxFaceCount {
			res.Faces[i] = maxFaceCount
		}
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
