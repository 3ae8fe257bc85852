// Command foamrelax drives the self-organising foam scheduler: a fixed-rate
// tick loop over a stepper/worker/scheduler triad, logging telemetry at a
// configurable interval until interrupted.
//
// Grounded on cmd/lidar/lidar.go's flag-driven CLI, ticker-based stats
// logging, and signal.NotifyContext shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-sim/foamrelax/internal/config"
	"github.com/kestrel-sim/foamrelax/internal/geometry"
	"github.com/kestrel-sim/foamrelax/internal/scheduler"
	"github.com/kestrel-sim/foamrelax/internal/stepper"
	"github.com/kestrel-sim/foamrelax/internal/version"
	"github.com/kestrel-sim/foamrelax/internal/worker"
)

var (
	particleCount = flag.Int("n", 200, "particle count")
	initialRadius = flag.Float64("initial-radius", 0.02, "initial per-particle radius")
	tickHz        = flag.Float64("tick-hz", 60.0, "scheduler tick rate in Hz")
	logInterval   = flag.Duration("log-interval", 2*time.Second, "telemetry logging interval")
	cadence       = flag.Int("k", 24, "initial cadence (ticks between geometry submissions)")
	autoCadence   = flag.Bool("auto-cadence", true, "enable adaptive cadence control")
	chunkMax      = flag.Int("chunk-max", 512, "geometry adapter batch size")
)

func main() {
	flag.Parse()
	log.Printf("foamrelax %s (build %s, sha %s)", version.Version, version.BuildTime, version.GitSHA)

	cfg := config.Default()
	cfg.N = *particleCount
	cfg.KInitial = *cadence
	cfg.AutoCadence = *autoCadence
	cfg.ChunkMax = *chunkMax
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	step := stepper.NewMockStepper(cfg.N, *initialRadius)
	adapter := geometry.NewAdapter(geometry.SphereApproxBackend{}, cfg.ChunkMax)
	w := worker.New(adapter)

	sched, err := scheduler.New(step, w, cfg)
	if err != nil {
		log.Fatalf("failed to construct scheduler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tickPeriod := time.Duration(float64(time.Second) / *tickHz)
	tickTicker := time.NewTicker(tickPeriod)
	defer tickTicker.Stop()
	logTicker := time.NewTicker(*logInterval)
	defer logTicker.Stop()

	log.Printf("foamrelax: N=%d k=%d auto_cadence=%v tick_hz=%.1f", cfg.N, cfg.KInitial, cfg.AutoCadence, *tickHz)

	for {
		select {
		case <-ctx.Done():
			log.Print("foamrelax: shutting down")
			sched.Shutdown()
			return
		case <-tickTicker.C:
			sched.Tick()
		case <-logTicker.C:
			logTelemetry(sched)
		}
	}
}

func logTelemetry(sched *scheduler.Scheduler) {
	snap := sched.Telemetry()
	log.Printf(
		"tick=%d k=%d pending=%v t_geom_ms=%.2f IQ_mean=%.4f IQ_stddev=%.4f below=%.1f%% within=%.1f%% above=%.1f%% flags_nonzero=%d results_seen=%d recycles=%d config_rejections=%d last_request=%s",
		snap.TickIndex, snap.Cadence, snap.Pending, snap.TGeomMS,
		snap.IQMean, snap.IQStdDev,
		snap.PctBelow*100, snap.PctWithin*100, snap.PctAbove*100,
		snap.FlagsNonzeroCount, snap.ResultsSeen, snap.WorkerRecycleCount, snap.ConfigRejections,
		snap.LastRequestID,
	)
}
