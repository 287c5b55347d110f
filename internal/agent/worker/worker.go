package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	"github.com/thorium-research/thorium/infrastructure/logging"
	"github.com/thorium-research/thorium/infrastructure/metrics"
	"github.com/thorium-research/thorium/internal/agent/argbuilder"
	"github.com/thorium-research/thorium/internal/jobqueue"
)

// JobQueue is the subset of *jobqueue.Queue the worker loop calls,
// narrowed for testing (spec §4.8's claim/heartbeat/complete primitives).
type JobQueue interface {
	Claim(ctx context.Context, group, pipeline string, stage int, image, node, worker string, n int, deadline time.Time) ([]jobqueue.Record, error)
	Heartbeat(ctx context.Context, id string, newDeadline time.Time) error
	Complete(ctx context.Context, id string, failed bool) error
}

// ImageLookup resolves the argv-building inputs for one (group, image)
// pair. The image's declared resource footprint is supplied once via
// Config.Declared at startup, since a worker targets a single image for
// its whole lifetime (spec §4's CLI flags select one image per worker).
type ImageLookup interface {
	GetImage(ctx context.Context, group, name string) (argbuilder.Image, error)
}

// Loop is one C10 worker: it claims jobs for a single (group, pipeline,
// stage, image) selector, spawns an agent per job, and streams its logs,
// until lifetime/limbo/halt_claiming tells it to stop (spec §4.10).
type Loop struct {
	cfg      Config
	version  string
	queue    JobQueue
	images   ImageLookup
	gate     ResourceGate
	updates  UpdateChecker
	shutdown ShutdownNotifier
	executor AgentExecutor
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// NewLoop constructs a worker loop. updates and shutdown may be nil to
// disable update checking and shutdown notification respectively.
func NewLoop(cfg Config, version string, queue JobQueue, images ImageLookup, gate ResourceGate, updates UpdateChecker, shutdown ShutdownNotifier, executor AgentExecutor, log *logging.Logger, m *metrics.Metrics) *Loop {
	if gate == nil {
		gate = NoGate()
	}
	return &Loop{
		cfg:      cfg,
		version:  version,
		queue:    queue,
		images:   images,
		gate:     gate,
		updates:  updates,
		shutdown: shutdown,
		executor: executor,
		log:      log,
		metrics:  m,
	}
}

// Run drives the claim loop until it decides to exit, then tells the API
// it is shutting down. It returns only on a fatal setup error or when ctx
// is cancelled; a normal lifetime/limbo exit returns nil.
func (w *Loop) Run(ctx context.Context) error {
	limbo := w.cfg.maxLimbo()
	limiter := rate.NewLimiter(rate.Limit(w.cfg.claimRate()), 1)
	start := time.Now()
	jobsClaimed := 0
	haltClaiming := false
	reason := "lifetime exceeded"

	for {
		if w.updates != nil {
			if latest, err := w.updates.LatestVersion(ctx); err != nil {
				w.log.WithError(err).Warn("update check failed")
			} else if latest != "" && latest != w.version {
				haltClaiming = true
				reason = "update available"
			}
		}

		if haltClaiming || w.lifetimeExceeded(start, jobsClaimed) {
			break
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		if saturated, err := w.gate.Saturated(ctx, w.cfg.Declared); err != nil {
			w.log.WithError(err).Warn("resource check failed")
		} else if saturated {
			if err := sleepCtx(ctx, w.cfg.pollInterval()); err != nil {
				return err
			}
			continue
		}

		records, err := w.claimOnce(ctx)
		if err != nil {
			w.log.WithError(err).Error("claim failed")
			if err := sleepCtx(ctx, w.cfg.pollInterval()); err != nil {
				return err
			}
			continue
		}

		if len(records) == 0 {
			limbo--
			if limbo <= 0 {
				reason = "limbo exhausted"
				break
			}
			if err := sleepCtx(ctx, w.cfg.pollInterval()); err != nil {
				return err
			}
			continue
		}

		limbo = w.cfg.maxLimbo()
		jobsClaimed++
		if w.metrics != nil {
			w.metrics.UpdateUptime(start)
		}

		if taskFailed := w.runJob(ctx, records[0]); taskFailed {
			reason = "task failure"
			break
		}
	}

	if w.shutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultAPITimeout)
		defer cancel()
		if err := w.shutdown.TellShutdown(shutdownCtx, w.cfg.Node, w.cfg.Worker, reason); err != nil {
			w.log.WithError(err).Warn("tell api shutdown failed")
		}
	}
	return nil
}

func (w *Loop) lifetimeExceeded(start time.Time, jobsClaimed int) bool {
	if w.cfg.MaxLifetime > 0 && time.Since(start) >= w.cfg.MaxLifetime {
		return true
	}
	if w.cfg.MaxLifetimeJobs > 0 && jobsClaimed >= w.cfg.MaxLifetimeJobs {
		return true
	}
	return false
}

func (w *Loop) claimOnce(ctx context.Context) ([]jobqueue.Record, error) {
	deadline := time.Now().Add(w.cfg.claimLease())
	return w.queue.Claim(ctx, w.cfg.Group, w.cfg.Pipeline, w.cfg.Stage, w.cfg.Image, w.cfg.Node, w.cfg.Worker, 1, deadline)
}

// runJob materializes, executes, and completes one claimed job, reporting
// whether the *task* failed (the agent process itself misbehaved) as
// opposed to the job failing cleanly (spec §4.10's "if task failed (not
// just job failed): break").
func (w *Loop) runJob(ctx context.Context, rec jobqueue.Record) (taskFailed bool) {
	img, err := w.images.GetImage(ctx, rec.Key.Group, rec.Key.Image)
	if err != nil {
		w.log.LogErrorWithStack(ctx, err, "resolve image failed", map[string]interface{}{"job": rec.ID})
		_ = w.queue.Complete(ctx, rec.ID, true)
		return false
	}

	job := rec.Job
	job.Windows = runtime.GOOS == "windows"

	argv, err := argbuilder.New(img, job).Build()
	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordArgvMaterializationFailure(rec.Key.Image, err.Error())
		}
		w.log.LogErrorWithStack(ctx, err, "materialize argv failed", map[string]interface{}{"job": rec.ID})
		_ = w.queue.Complete(ctx, rec.ID, true)
		return false
	}

	path := w.logPath(rec.ID)
	stopHeartbeat := w.startHeartbeat(ctx, rec.ID)
	result, execErr := w.executor.Execute(ctx, argv, path)
	stopHeartbeat()

	if execErr != nil {
		w.log.LogErrorWithStack(ctx, execErr, "agent execution failed", map[string]interface{}{"job": rec.ID})
		_ = w.queue.Complete(ctx, rec.ID, true)
		return true
	}

	_ = w.queue.Complete(ctx, rec.ID, result.JobFailed)
	return false
}

// startHeartbeat extends a claimed job's deadline on a ticker until the
// returned stop function is called, preventing ReclaimExpired from
// reassigning a job that is still legitimately running.
func (w *Loop) startHeartbeat(ctx context.Context, jobID string) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	interval := w.cfg.claimLease() / 2
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = w.queue.Heartbeat(ctx, jobID, time.Now().Add(w.cfg.claimLease()))
			}
		}
	}()
	return func() { close(done); <-exited }
}

func (w *Loop) logPath(jobID string) string {
	dir := w.cfg.LogDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, jobID+"-thorium.log")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
