package geometry

import (
	"fmt"
	"math"

	"github.com/kestrel-sim/foamrelax/internal/particles"
)

// SphereApproxBackend is a lightweight, deterministic stand-in for a real
// periodic weighted Laguerre solver (e.g. Geogram), used in tests and as a
// default for embedders that have not wired a real backend. It reports
// each cell as a sphere of radius sqrt(weight), which trivially satisfies
// IQ == 1 and is useful for exercising the scheduler/controller wiring
// without a real geometry dependency. It never panics and never fails,
// so backend-failure paths are exercised via ChaosBackend instead.
type SphereApproxBackend struct{}

type sphereCell struct {
	radius float64
}

func (SphereApproxBackend) Solve(points []particles.Vec3, weights []float64, indices []int) ([]RawCell, error) {
	cells := make([]RawCell, len(indices))
	for i, idx := range indices {
		cells[i] = sphereCell{radius: math.Sqrt(weights[idx])}
	}
	return cells, nil
}

func (SphereApproxBackend) Extract(cell RawCell) (volume, surface float64, faces int, err error) {
	sc, ok := cell.(sphereCell)
	if !ok {
		return 0, 0, 0, fmt.Errorf("unexpected cell type %T", cell)
	}
	r := sc.radius
	volume = (4.0 / 3.0) * math.Pi * r * r * r
	surface = 4.0 * math.Pi * r * r
	faces = 1
	return volume, surface, faces, nil
}

// CountCoupledBackend is a reference backend whose cells depend on the size
// of the full periodic point cloud, not only on the cell's own weight —
// standing in for the genuine global coupling of a real periodic weighted
// Laguerre solver, where any point can bound any other cell's facets. It
// exists to exercise that the adapter passes every batch call the complete
// points/weights arrays: a batching bug that only forwards the current
// batch's slice changes what each cell sees for "the cloud" and would make
// this backend's output depend on chunk size.
type CountCoupledBackend struct{}

type countCoupledCell struct {
	radius    float64
	cloudSize int
}

func (CountCoupledBackend) Solve(points []particles.Vec3, weights []float64, indices []int) ([]RawCell, error) {
	n := len(points)
	cells := make([]RawCell, len(indices))
	for i, idx := range indices {
		cells[i] = countCoupledCell{radius: math.Sqrt(weights[idx]), cloudSize: n}
	}
	return cells, nil
}

func (CountCoupledBackend) Extract(cell RawCell) (volume, surface float64, faces int, err error) {
	cc, ok := cell.(countCoupledCell)
	if !ok {
		return 0, 0, 0, fmt.Errorf("unexpected cell type %T", cell)
	}
	r := cc.radius
	volume = (4.0/3.0)*math.Pi*r*r*r + 1e-6*float64(cc.cloudSize)
	surface = 4.0 * math.Pi * r * r
	faces = 1
	return volume, surface, faces, nil
}

// ChaosBackend wraps another Backend and deterministically injects
// failures — a panic on every Nth Solve call, an error on every Mth
// Extract call — to exercise the adapter's crash-containment paths without
// a real unstable backend. Grounded on the teacher's MockRadarPort /
// SyntheticGenerator style of scripted fakes for otherwise-unreliable
// hardware and services.
type ChaosBackend struct {
	Inner            Backend
	PanicEverySolve  int // 0 disables
	ErrorEveryExtract int // 0 disables

	solveCalls   int
	extractCalls int
}

func (c *ChaosBackend) Solve(points []particles.Vec3, weights []float64, indices []int) ([]RawCell, error) {
	c.solveCalls++
	if c.PanicEverySolve > 0 && c.solveCalls%c.PanicEverySolve == 0 {
		panic("chaos: simulated backend crash")
	}
	return c.Inner.Solve(points, weights, indices)
}

func (c *ChaosBackend) Extract(cell RawCell) (volume, surface float64, faces int, err error) {
	c.extractCalls++
	if c.ErrorEveryExtract > 0 && c.extractCalls%c.ErrorEveryExtract == 0 {
		return 0, 0, 0, fmt.Errorf("chaos: simulated extraction failure")
	}
	return c.Inner.Extract(cell)
}
