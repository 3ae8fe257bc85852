// Package scheduler implements the FREEZE/MEASURE/ADJUST/RELAX cycle FSM
// (spec.md §4.4, C4): the single per-tick entry point that drives the
// dynamics stepper, owns the pending-request state against the geometry
// worker, invokes the IQ controller, adapts cadence, and publishes
// telemetry.
//
// Grounded on the teacher's pipeline runtime (internal/lidar/pipeline/runtime.go),
// which similarly drives a fixed per-frame sequence of stage calls behind
// one exported entry point, and on google/uuid for per-request correlation
// IDs the way internal/lidar/analysis_run_manager.go tags each run.
package scheduler

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/kestrel-sim/foamrelax/internal/config"
	"github.com/kestrel-sim/foamrelax/internal/control"
	"github.com/kestrel-sim/foamrelax/internal/particles"
	"github.com/kestrel-sim/foamrelax/internal/stepper"
	"github.com/kestrel-sim/foamrelax/internal/telemetry"
	"github.com/kestrel-sim/foamrelax/internal/worker"
)

// Scheduler drives tick() and owns the cycle state described in spec.md
// §3 "Cycle counters and telemetry" and "Pending-request state". It is not
// safe to call Tick concurrently with itself; SetConfig and Telemetry may be
// called from any goroutine. Shutdown sets an unsynchronised flag that Tick
// reads, so it must not run concurrently with Tick.
type Scheduler struct {
	step stepper.Stepper
	work *worker.Worker

	cfgMu sync.RWMutex
	cfg   config.Config
	k     int

	tickIndex   uint64
	pending     bool
	pendingTick uint64
	prevRadii   []float64

	resultsSeen        uint64
	workerRecycleCount uint64
	configRejections   uint64

	lastTGeomMS              float64
	lastIQMean, lastIQStdDev float64
	pctBelow, pctWithin, pctAbove float64
	flagsNonzeroCount        int
	lastRequestID            string

	telemetry *telemetry.Publisher

	shutdown bool
}

// New constructs a Scheduler over an already-running stepper and worker.
// cfg is validated per spec.md §7's "configuration error" taxonomy; an
// invalid cfg is fatal to construction, propagated to the embedder.
func New(step stepper.Stepper, work *worker.Worker, cfg config.Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	radii := step.GetRadii()
	if len(radii) != cfg.N {
		return nil, fmt.Errorf("scheduler: stepper reports %d particles, config N=%d", len(radii), cfg.N)
	}
	return &Scheduler{
		step:      step,
		work:      work,
		cfg:       cfg,
		k:         cfg.KInitial,
		prevRadii: append([]float64(nil), radii...),
		telemetry: &telemetry.Publisher{},
	}, nil
}

// Tick runs one iteration of the cycle FSM (spec.md §4.4). It never blocks
// on geometry.
func (s *Scheduler) Tick() {
	if s.shutdown {
		return
	}

	s.step.RelaxStep()

	cfg := s.snapshotConfig()
	k := s.currentCadence()

	if s.pending {
		if res, ok := s.work.TryPoll(); ok {
			s.adjust(res, cfg)
		}
	} else if s.tickIndex%uint64(k) == 0 && s.tickIndex > 0 {
		s.measure()
	}

	s.tickIndex++
	s.publishTelemetry(cfg)
}

// measure implements spec.md §4.4 step 3: freeze, snapshot, submit, resume.
func (s *Scheduler) measure() {
	s.step.Freeze()
	positions := s.step.GetPositions01()
	radii := s.step.GetRadii()
	weights := make([]float64, len(radii))
	for i, r := range radii {
		weights[i] = r * r
	}

	snap := particles.Snapshot{
		Tick:      s.tickIndex,
		RequestID: uuid.NewString(),
		Positions: positions,
		Weights:   weights,
		PrevRadii: append([]float64(nil), radii...),
	}

	if s.work.TrySubmit(snap) {
		s.pending = true
		s.pendingTick = s.tickIndex
		s.prevRadii = snap.PrevRadii
	}

	s.step.Resume()
}

// adjust implements spec.md §4.4 step 2: run the controller, write back
// radii, refresh cadence and telemetry state, and clear pending.
func (s *Scheduler) adjust(res particles.Result, cfg config.Config) {
	if res.Tick != s.pendingTick {
		// A result for a cycle we've moved past; spec.md §4.2 "Cancellation" —
		// discard and keep waiting is not applicable under the single-slot
		// protocol, but the guard costs nothing and documents the intent.
		s.pending = false
		return
	}

	upd := control.Compute(res.Volume, res.Surface, res.Flags, s.prevRadii, cfg)
	s.step.SetRadii(upd.RNew)

	s.lastTGeomMS = res.ElapsedMS
	s.lastIQMean, s.lastIQStdDev, s.pctBelow, s.pctWithin, s.pctAbove = summariseIQ(upd.IQ, cfg.IQMin, cfg.IQMax)
	s.flagsNonzeroCount = res.NonOKCount()
	s.lastRequestID = res.RequestID
	s.prevRadii = upd.RNew
	s.resultsSeen++

	telemetry.Logf("scheduler: request %s tick %d adjusted t_geom_ms=%.2f flags_nonzero=%d", res.RequestID, res.Tick, res.ElapsedMS, s.flagsNonzeroCount)

	s.adaptCadence(cfg)
	s.pending = false

	if cfg.RecycleEvery > 0 && s.resultsSeen%uint64(cfg.RecycleEvery) == 0 {
		s.work.Recycle()
		s.workerRecycleCount++
		telemetry.Logf("scheduler: recycled worker after %d results", s.resultsSeen)
	}
}

// adaptCadence implements spec.md §4.4's adaptive cadence rule.
func (s *Scheduler) adaptCadence(cfg config.Config) {
	if !cfg.AutoCadence {
		return
	}
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	switch {
	case s.lastTGeomMS > 2*cfg.TargetGeomMS && s.k < cfg.KMax:
		s.k += cfg.CadenceStepUp
		if s.k > cfg.KMax {
			s.k = cfg.KMax
		}
	case s.lastTGeomMS < cfg.TargetGeomMS && s.k > cfg.KMin:
		s.k -= cfg.CadenceStepDown
		if s.k < cfg.KMin {
			s.k = cfg.KMin
		}
	}
}

// summariseIQ computes mean/stddev over defined (non-NaN) IQ values via
// gonum/stat, and the below/within/above band distribution as fractions
// of the defined population (spec.md §4.6).
func summariseIQ(iq []float64, iqMin, iqMax float64) (mean, stddev, pctBelow, pctWithin, pctAbove float64) {
	defined := make([]float64, 0, len(iq))
	for _, v := range iq {
		if !math.IsNaN(v) {
			defined = append(defined, v)
		}
	}
	if len(defined) == 0 {
		return 0, 0, 0, 0, 0
	}
	mean = stat.Mean(defined, nil)
	if len(defined) > 1 {
		stddev = stat.StdDev(defined, nil)
	}
	var below, within, above int
	for _, v := range defined {
		switch {
		case v < iqMin:
			below++
		case v > iqMax:
			above++
		default:
			within++
		}
	}
	total := float64(len(defined))
	return mean, stddev, float64(below) / total, float64(within) / total, float64(above) / total
}

// SetConfig atomically validates and applies a partial live-config update
// (spec.md §6, §9 "Coupled UI-side live configuration"). Rejected updates
// leave the previous configuration intact and increment ConfigRejections.
func (s *Scheduler) SetConfig(p config.Partial) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	merged := p.Apply(s.cfg)
	if err := merged.Validate(); err != nil {
		s.configRejections++
		telemetry.Logf("scheduler: rejected config update: %v", err)
		return err
	}
	s.cfg = merged
	if p.K != nil {
		s.k = *p.K
	}
	return nil
}

func (s *Scheduler) snapshotConfig() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Scheduler) currentCadence() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.k
}

func (s *Scheduler) publishTelemetry(cfg config.Config) {
	s.telemetry.Publish(telemetry.Snapshot{
		TickIndex:          s.tickIndex,
		Cadence:            s.currentCadence(),
		Pending:            s.pending,
		TGeomMS:            s.lastTGeomMS,
		IQMean:             s.lastIQMean,
		IQStdDev:           s.lastIQStdDev,
		PctBelow:           s.pctBelow,
		PctWithin:          s.pctWithin,
		PctAbove:           s.pctAbove,
		FlagsNonzeroCount:  s.flagsNonzeroCount,
		ResultsSeen:        s.resultsSeen,
		WorkerRecycleCount: s.workerRecycleCount,
		ConfigRejections:   s.configRejectionsCount(),
		LastRequestID:      s.lastRequestID,
	})
}

func (s *Scheduler) configRejectionsCount() uint64 {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.configRejections
}

// Telemetry returns the most recently published snapshot.
func (s *Scheduler) Telemetry() telemetry.Snapshot {
	return s.telemetry.Latest()
}

// Shutdown stops the worker and prevents any further Tick from doing work.
// It is terminal: no subsequent Tick call is permitted (spec.md §4.4).
func (s *Scheduler) Shutdown() {
	if s.shutdown {
		return
	}
	s.shutdown = true
	s.work.Shutdown()
}
