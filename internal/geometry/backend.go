package geometry

import "github.com/kestrel-sim/foamrelax/internal/particles"

// RawCell is an opaque handle a Backend hands back for one particle index.
// Its concrete type is backend-specific; the adapter never inspects it,
// only passes it to Extract.
type RawCell interface{}

// Backend computes periodic weighted Laguerre (power) cells. Periodicity is
// fixed at 1.0 in every axis. Because periodic power cells are globally
// coupled — any point in the cloud can bound any other cell's facets — the
// adapter always passes the complete point/weight arrays, batching only
// which indices to extract cells for on a given call, per spec.md §4.1 step
// 5 ("the backend is invoked independently per batch with all points
// visible"). A Backend is treated as untrusted: Solve and Extract may panic
// or return an error at any time, and the adapter is responsible for
// containing both (spec.md §4.1, §9 "exception-driven flow in the geometry
// backend").
//
// Implementations must not retain the points/weights/indices slices passed
// to Solve past the call — the adapter reuses its buffers across calls once
// batching begins.
type Backend interface {
	// Solve computes one raw cell handle per entry in indices, using points
	// and weights for the full periodic point cloud. len(cells) must equal
	// len(indices) on success, in the same order as indices.
	Solve(points []particles.Vec3, weights []float64, indices []int) (cells []RawCell, err error)

	// Extract pulls volume, surface area and face count from a single raw
	// cell produced by Solve.
	Extract(cell RawCell) (volume, surface float64, faces int, err error)
}
