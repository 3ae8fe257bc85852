package stepper

import (
	"math"
	"sync"

	"github.com/kestrel-sim/foamrelax/internal/particles"
)

// MockStepper is a deterministic reference implementation used in tests
// and by cmd/foamrelax when no real dynamics engine is wired. Each
// RelaxStep nudges every particle along a fixed per-index velocity and
// wraps into the unit cube, giving reproducible, non-degenerate motion
// without any external dependency.
//
// Grounded on the scripted-fake style of internal/lidar/monitor/mock_background.go.
type MockStepper struct {
	mu        sync.Mutex
	positions []particles.Vec3
	radii     []float64
	velocity  []particles.Vec3
	frozen    bool
}

// NewMockStepper builds a stepper for n particles seeded deterministically
// (no randomness, so tests are reproducible) with positions spread evenly
// along a fixed line through the origin, direction (0.618, 0.371, 0.839),
// and a small fixed per-index drift velocity.
func NewMockStepper(n int, initialRadius float64) *MockStepper {
	positions := make([]particles.Vec3, n)
	radii := make([]float64, n)
	velocity := make([]particles.Vec3, n)
	for i := 0; i < n; i++ {
		f := float64(i) / float64(n)
		positions[i] = particles.Vec3{
			X: math.Mod(f*0.618, 1.0),
			Y: math.Mod(f*0.371, 1.0),
			Z: math.Mod(f*0.839, 1.0),
		}
		radii[i] = initialRadius
		velocity[i] = particles.Vec3{
			X: 0.0003 * math.Sin(float64(i)+1),
			Y: 0.0003 * math.Cos(float64(i)+2),
			Z: 0.0003 * math.Sin(float64(i)*0.5+3),
		}
	}
	return &MockStepper{positions: positions, radii: radii, velocity: velocity}
}

func (m *MockStepper) RelaxStep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return
	}
	for i := range m.positions {
		m.positions[i].X = particles.Wrap01(m.positions[i].X + m.velocity[i].X)
		m.positions[i].Y = particles.Wrap01(m.positions[i].Y + m.velocity[i].Y)
		m.positions[i].Z = particles.Wrap01(m.positions[i].Z + m.velocity[i].Z)
	}
}

func (m *MockStepper) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

func (m *MockStepper) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = false
}

func (m *MockStepper) GetPositions01() []particles.Vec3 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]particles.Vec3, len(m.positions))
	copy(out, m.positions)
	return out
}

func (m *MockStepper) GetRadii() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.radii))
	copy(out, m.radii)
	return out
}

func (m *MockStepper) SetRadii(radii []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.radii, radii)
}
