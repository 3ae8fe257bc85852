// Package worker implements the single-in-flight asynchronous request
// protocol between the scheduler and the geometry adapter (spec.md §4.2,
// §5): a dedicated background task, blocked on a single-slot input channel
// when idle, that never lets the caller's tick() block.
//
// The background task itself is managed with golang.org/x/sync/errgroup so
// Shutdown can cooperatively join it. The "at most one request in flight"
// guarantee is enforced by TrySubmit's pending gate plus the size-1
// channels — the worker's loop is the only caller that ever reaches the
// backend, so there is never a concurrent duplicate call for a
// singleflight.Group to coalesce; wrapping the call in one would be
// decorative, not load-bearing.
package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-sim/foamrelax/internal/particles"
	"github.com/kestrel-sim/foamrelax/internal/telemetry"
)

// Computer is the subset of geometry.Adapter the worker depends on. An
// interface here keeps the worker testable without a real backend.
type Computer interface {
	Compute(points []particles.Vec3, weights []float64) (particles.Result, error)
}

// Worker is a single-producer/single-consumer, at-most-one-in-flight
// wrapper around a Computer. TrySubmit, TryPoll and Pending may be called
// concurrently with each other. Recycle and Shutdown replace or stop the
// background task without locking, so they must not overlap any other call;
// spec.md's concurrency model only ever has one caller (the scheduler's
// tick()).
type Worker struct {
	adapter Computer

	inCh  chan particles.Snapshot
	outCh chan particles.Result

	mu      sync.Mutex
	pending bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New starts a Worker's background task.
func New(adapter Computer) *Worker {
	w := &Worker{
		adapter: adapter,
		inCh:    make(chan particles.Snapshot, 1),
		outCh:   make(chan particles.Result, 1),
	}
	w.start()
	return w
}

func (w *Worker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	w.cancel = cancel
	w.group = g
	g.Go(func() error {
		w.loop(ctx)
		return nil
	})
}

// loop is the dedicated background task. It blocks on inCh when idle and
// on the backend call while busy; it never touches scheduler state.
func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.inCh:
			res := w.computeOne(snap)
			select {
			case w.outCh <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// computeOne calls the adapter directly; the worker's loop is the only
// caller, so there is nothing to coalesce. Worker-internal panics are
// caught here, so the scheduler always makes forward progress (spec.md
// §4.2 "Failure").
func (w *Worker) computeOne(snap particles.Snapshot) (result particles.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = allFailedResult(snap, fmt.Sprintf("panic: %v", r))
		}
	}()

	res, err := w.adapter.Compute(snap.Positions, snap.Weights)
	if err != nil {
		return allFailedResult(snap, err.Error())
	}
	res.RequestID = snap.RequestID
	res.Tick = snap.Tick
	return res
}

// allFailedResult builds a result with every cell flagged TRIANGULATION_FAIL,
// the worker's equivalent of the scheduler-visible "all triangulation
// failed" outcome described in spec.md §7. reason is logged here, not
// carried in the result itself.
func allFailedResult(snap particles.Snapshot, reason string) particles.Result {
	telemetry.Logf("worker: request %s tick %d failing all %d cells: %s", snap.RequestID, snap.Tick, snap.N(), reason)
	n := snap.N()
	res := particles.Result{
		RequestID: snap.RequestID,
		Tick:      snap.Tick,
		Volume:    make([]float64, n),
		Surface:   make([]float64, n),
		Faces:     make([]int, n),
		Flags:     make([]particles.CellStatus, n),
	}
	for i := range res.Flags {
		res.Flags[i] = particles.StatusTriangulationFail
	}
	return res
}

// TrySubmit accepts snap iff no request is currently in flight. It never
// blocks.
func (w *Worker) TrySubmit(snap particles.Snapshot) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending {
		return false
	}
	select {
	case w.inCh <- snap:
		w.pending = true
		return true
	default:
		return false
	}
}

// TryPoll returns a completed result if one is ready, else (zero, false).
// Consuming a result re-arms acceptance.
func (w *Worker) TryPoll() (particles.Result, bool) {
	select {
	case res := <-w.outCh:
		w.mu.Lock()
		w.pending = false
		w.mu.Unlock()
		return res, true
	default:
		return particles.Result{}, false
	}
}

// Pending reports whether a request is currently in flight.
func (w *Worker) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Recycle tears down and restarts the background task. The caller must
// ensure the worker is idle (spec.md §4.2 "Recycling must wait for the
// worker to be idle"); Recycle panics if called while a request is
// pending, since that would silently discard an in-flight result the
// scheduler is still expecting.
func (w *Worker) Recycle() {
	w.mu.Lock()
	if w.pending {
		w.mu.Unlock()
		panic("worker: Recycle called while a request is pending")
	}
	w.mu.Unlock()

	w.Shutdown()
	w.inCh = make(chan particles.Snapshot, 1)
	w.outCh = make(chan particles.Result, 1)
	w.start()
}

// Shutdown stops the background task and joins it. Any in-flight result is
// discarded. Shutdown does not close the input slot: a later TrySubmit can
// still be accepted, but no background task processes it.
func (w *Worker) Shutdown() {
	w.cancel()
	_ = w.group.Wait()
}
