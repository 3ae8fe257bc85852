// Package stepper defines the contract between the scheduler and whatever
// drives the actual particle dynamics (spec.md §4.5, C5). The scheduler
// never touches particle physics directly: it advances the stepper every
// tick, freezes it, reads a snapshot and resumes it at each cadence
// boundary, and applies radius updates when a geometry result arrives.
//
// Grounded on the teacher's ForegroundStage/TrackingStage interface style
// in internal/lidar/pipeline/tracking_pipeline.go, where each pipeline
// stage is an interface the runtime drives without knowing the concrete
// implementation.
package stepper

import "github.com/kestrel-sim/foamrelax/internal/particles"

// Stepper advances particle positions each tick and exposes the current
// positions/radii under an explicit freeze/resume discipline. The scheduler
// calls GetPositions01 and GetRadii between a Freeze and the matching Resume
// when it takes a snapshot; it also calls GetRadii once at construction and
// SetRadii when it applies an update, outside any Freeze/Resume pair.
type Stepper interface {
	// RelaxStep advances the dynamics by one tick. Called on every
	// scheduler tick, whether or not a geometry cycle is in flight.
	RelaxStep()

	// Freeze pauses dynamics so the scheduler can take a consistent
	// snapshot. Must not block indefinitely.
	Freeze()

	// Resume un-pauses dynamics after a snapshot.
	Resume()

	// GetPositions01 returns particle positions in [0,1)^3, periodic unit
	// cube coordinates. The returned slice is owned by the caller; the
	// stepper must not retain or mutate it afterward.
	GetPositions01() []particles.Vec3

	// GetRadii returns the current per-particle radii. Same ownership rule
	// as GetPositions01.
	GetRadii() []float64

	// SetRadii applies newly computed radii. len(radii) must equal the
	// stepper's particle count.
	SetRadii(radii []float64)
}
