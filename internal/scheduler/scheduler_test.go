package scheduler

import (
	"time"

	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-sim/foamrelax/internal/config"
	"github.com/kestrel-sim/foamrelax/internal/particles"
	"github.com/kestrel-sim/foamrelax/internal/stepper"
	"github.com/kestrel-sim/foamrelax/internal/worker"
)

// instantComputer resolves synchronously with a caller-supplied result
// factory, letting tests script exact geometry outcomes deterministically.
type instantComputer struct {
	build func(points []particles.Vec3, weights []float64) particles.Result
}

func (c instantComputer) Compute(points []particles.Vec3, weights []float64) (particles.Result, error) {
	return c.build(points, weights), nil
}

func allOKResult(n int, volume, surface float64) func([]particles.Vec3, []float64) particles.Result {
	return func(points []particles.Vec3, weights []float64) particles.Result {
		res := particles.Result{
			Volume:  make([]float64, n),
			Surface: make([]float64, n),
			Faces:   make([]int, n),
			Flags:   make([]particles.CellStatus, n),
		}
		for i := 0; i < n; i++ {
			res.Volume[i] = volume
			res.Surface[i] = surface
			res.Faces[i] = 4
			res.Flags[i] = particles.StatusOK
		}
		return res
	}
}

func allOKResultWithElapsed(n int, volume, surface, elapsedMS float64) func([]particles.Vec3, []float64) particles.Result {
	return func(points []particles.Vec3, weights []float64) particles.Result {
		res := allOKResult(n, volume, surface)(points, weights)
		res.ElapsedMS = elapsedMS
		return res
	}
}

func allEmptyResult(n int) func([]particles.Vec3, []float64) particles.Result {
	return func(points []particles.Vec3, weights []float64) particles.Result {
		res := particles.Result{
			Volume:  make([]float64, n),
			Surface: make([]float64, n),
			Faces:   make([]int, n),
			Flags:   make([]particles.CellStatus, n),
		}
		for i := range res.Flags {
			res.Flags[i] = particles.StatusEmpty
		}
		return res
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestScheduler(t *testing.T, n int, build func([]particles.Vec3, []float64) particles.Result) (*Scheduler, *worker.Worker, *stepper.MockStepper) {
	t.Helper()
	st := stepper.NewMockStepper(n, 0.02)
	w := worker.New(instantComputer{build: build})
	cfg := config.Default()
	cfg.N = n
	cfg.KInitial = 4
	cfg.AutoCadence = false
	sched, err := New(st, w, cfg)
	require.NoError(t, err, "New should accept a valid configuration")
	return sched, w, st
}

func TestSchedulerAllFlaggedResultSkipsCycle(t *testing.T) {
	n := 4
	sched, w, _ := newTestScheduler(t, n, allEmptyResult(n))
	defer w.Shutdown()

	rPrevBefore := append([]float64(nil), sched.prevRadii...)

	// Advance to the cadence boundary to submit, then keep ticking until
	// the result is consumed.
	for i := 0; i < 4; i++ {
		sched.Tick()
	}
	waitUntil(t, func() bool {
		sched.Tick()
		return !sched.pending
	})

	for i := range rPrevBefore {
		if sched.prevRadii[i] != rPrevBefore[i] {
			t.Errorf("index %d: radius changed on all-flagged result: %v -> %v", i, rPrevBefore[i], sched.prevRadii[i])
		}
	}
	snap := sched.Telemetry()
	if snap.FlagsNonzeroCount != n {
		t.Errorf("FlagsNonzeroCount = %d, want %d", snap.FlagsNonzeroCount, n)
	}
	if snap.Pending {
		t.Error("expected pending cleared after processing the result")
	}
}

func TestSchedulerSubmitsOnlyAtCadenceBoundary(t *testing.T) {
	n := 3
	sched, w, _ := newTestScheduler(t, n, allOKResult(n, 0.02, 1.0))
	defer w.Shutdown()

	// tickIndex is checked against k *before* the post-tick increment, so
	// the boundary (tickIndex==k) is only reached on the (k+1)th call.
	for i := 0; i < sched.k; i++ {
		sched.Tick()
		if sched.pending {
			t.Fatalf("tick %d: submitted before cadence boundary (k=%d)", i, sched.k)
		}
	}
	sched.Tick()
	waitUntil(t, func() bool { return sched.pending })
}

func TestSchedulerAdaptCadenceStretchesOnSlowGeometry(t *testing.T) {
	n := 3
	st := stepper.NewMockStepper(n, 0.02)
	w := worker.New(instantComputer{build: allOKResultWithElapsed(n, 0.02, 1.0, 30.0)})
	defer w.Shutdown()

	cfg := config.Default()
	cfg.N = n
	cfg.KInitial = 4
	cfg.AutoCadence = true
	sched, err := New(st, w, cfg)
	require.NoError(t, err, "New should accept a valid configuration")

	for i := 0; i < cfg.KInitial; i++ {
		sched.Tick()
	}
	sched.Tick() // crosses the cadence boundary and submits
	waitUntil(t, func() bool {
		sched.Tick()
		return !sched.pending
	})

	want := cfg.KInitial + cfg.CadenceStepUp
	require.EqualValues(t, want, sched.currentCadence(), "t_geom_ms > 2*target must stretch cadence by CadenceStepUp")
}

func TestSchedulerAdaptCadenceShrinksOnFastGeometry(t *testing.T) {
	n := 3
	st := stepper.NewMockStepper(n, 0.02)
	w := worker.New(instantComputer{build: allOKResultWithElapsed(n, 0.02, 1.0, 2.0)})
	defer w.Shutdown()

	cfg := config.Default()
	cfg.N = n
	cfg.KInitial = 20
	cfg.AutoCadence = true
	sched, err := New(st, w, cfg)
	require.NoError(t, err, "New should accept a valid configuration")

	for i := 0; i < cfg.KInitial; i++ {
		sched.Tick()
	}
	sched.Tick()
	waitUntil(t, func() bool {
		sched.Tick()
		return !sched.pending
	})

	want := cfg.KInitial - cfg.CadenceStepDown
	require.EqualValues(t, want, sched.currentCadence(), "t_geom_ms < target must shrink cadence by CadenceStepDown")
}

func TestSchedulerAdaptCadenceClampsAtKMax(t *testing.T) {
	n := 2
	st := stepper.NewMockStepper(n, 0.02)
	w := worker.New(instantComputer{build: allOKResultWithElapsed(n, 0.02, 1.0, 100.0)})
	defer w.Shutdown()

	cfg := config.Default()
	cfg.N = n
	cfg.KInitial = cfg.KMax - 2
	cfg.AutoCadence = true
	sched, err := New(st, w, cfg)
	require.NoError(t, err, "New should accept a valid configuration")

	for i := 0; i < cfg.KInitial; i++ {
		sched.Tick()
	}
	sched.Tick()
	waitUntil(t, func() bool {
		sched.Tick()
		return !sched.pending
	})

	require.EqualValues(t, cfg.KMax, sched.currentCadence(), "cadence must clamp at KMax rather than overshoot")
}

func TestSchedulerConfigRejectionIncrementsTelemetryCounter(t *testing.T) {
	n := 2
	sched, w, _ := newTestScheduler(t, n, allOKResult(n, 0.02, 1.0))
	defer w.Shutdown()

	badMin := 0.95
	badMax := 0.90 // inverted band, must be rejected
	err := sched.SetConfig(config.Partial{IQMin: &badMin, IQMax: &badMax})
	require.Error(t, err, "SetConfig must reject an inverted IQ band")

	sched.Tick()
	require.EqualValues(t, 1, sched.Telemetry().ConfigRejections)
}

func TestSchedulerConfigAcceptsValidPartial(t *testing.T) {
	n := 2
	sched, w, _ := newTestScheduler(t, n, allOKResult(n, 0.02, 1.0))
	defer w.Shutdown()

	newMin := 0.6
	if err := sched.SetConfig(config.Partial{IQMin: &newMin}); err != nil {
		t.Fatalf("expected valid partial to be accepted, got %v", err)
	}
	if sched.snapshotConfig().IQMin != 0.6 {
		t.Errorf("IQMin not applied: got %v", sched.snapshotConfig().IQMin)
	}
}

func TestSchedulerShutdownStopsAcceptingWork(t *testing.T) {
	n := 2
	sched, _, _ := newTestScheduler(t, n, allOKResult(n, 0.02, 1.0))
	sched.Shutdown()

	tickBefore := sched.tickIndex
	for i := 0; i < 10; i++ {
		sched.Tick()
	}
	if sched.tickIndex != tickBefore {
		t.Errorf("Tick advanced state after Shutdown: %d -> %d", tickBefore, sched.tickIndex)
	}
}

func TestSchedulerWorkerRecyclesAfterThreshold(t *testing.T) {
	n := 2
	sched, w, _ := newTestScheduler(t, n, allOKResult(n, 0.02, 1.0))
	defer w.Shutdown()
	sched.cfg.RecycleEvery = 2

	for cycle := 0; cycle < 2; cycle++ {
		for i := 0; i < int(sched.cfg.KInitial); i++ {
			sched.Tick()
		}
		waitUntil(t, func() bool {
			sched.Tick()
			return !sched.pending
		})
	}

	if sched.Telemetry().WorkerRecycleCount != 1 {
		t.Errorf("WorkerRecycleCount = %d, want 1", sched.Telemetry().WorkerRecycleCount)
	}
}
