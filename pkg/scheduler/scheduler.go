package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-boottest/pkg/executor"
	"github.com/dirkhh/adsb-boottest/pkg/store"
	"github.com/dirkhh/adsb-boottest/pkg/upload"
)

// archiveTimeout bounds the post-run artifact upload so a slow bucket
// cannot delay the next queued run indefinitely.
const archiveTimeout = 2 * time.Minute

// Config contains scheduler settings.
type Config struct {
	// PollInterval is how often the queue is checked when no insert
	// notification arrives.
	PollInterval time.Duration

	// Timeout is the hard wall-clock budget for a single run.
	Timeout time.Duration

	// ResultsDir is where per-run artifacts are written; empty disables
	// the run.json snapshot and archive upload.
	ResultsDir string
}

// Scheduler is the single serialized worker that drains the queue and
// drives runs through the rig. Exactly one run is in flight at any time
// because the rig has no safe parallel access.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error

	// Notify wakes the worker without waiting for the next poll tick.
	// Safe to call from any goroutine; never blocks.
	Notify()
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log      logrus.FieldLogger
	cfg      *Config
	store    store.Store
	exec     executor.Executor
	uploader upload.Uploader
	notify   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates the queue scheduler. uploader may be nil when
// artifact archiving is not configured.
func NewScheduler(
	log logrus.FieldLogger,
	cfg *Config,
	st store.Store,
	exec executor.Executor,
	uploader upload.Uploader,
) Scheduler {
	return &scheduler{
		log:      log.WithField("component", "scheduler"),
		cfg:      cfg,
		store:    st,
		exec:     exec,
		uploader: uploader,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start recovers any run left over from an unclean exit, then launches the
// worker goroutine: an immediate pass, then a pass per poll tick or insert
// notification.
func (s *scheduler) Start(ctx context.Context) error {
	// A row stuck in running means the previous process died mid-run.
	// The rig state is unknown, so the run cannot be resumed.
	recovered, err := s.store.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}

	if recovered > 0 {
		s.log.WithField("count", recovered).
			Warn("Marked interrupted runs as failed")
	}

	s.log.WithFields(logrus.Fields{
		"poll_interval": s.cfg.PollInterval.String(),
		"timeout":       s.cfg.Timeout.String(),
	}).Info("Starting scheduler")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.notify:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the worker goroutine to stop and waits for it.
func (s *scheduler) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}

// Notify wakes the worker without waiting for the next poll tick.
func (s *scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// runPass drains the queue, oldest first, until it is empty or the
// scheduler is shut down. A failing run never stops the pass.
func (s *scheduler) runPass(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		run, err := s.store.OldestQueued(ctx)
		if err != nil {
			s.log.WithError(err).Warn("Failed to query queue")

			return
		}

		if run == nil {
			return
		}

		s.execute(ctx, run)
	}
}

// execute drives one run through running to its terminal state.
func (s *scheduler) execute(ctx context.Context, run *store.TestRun) {
	startedAt := time.Now().UTC()

	if err := s.store.MarkRunning(ctx, run.ID, startedAt); err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).
			Warn("Failed to mark run running")

		return
	}

	runLog := s.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"image":   run.ImageVersion,
		"trigger": run.TriggeredBy,
	})

	runLog.Info("Run started")

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	result, execErr := s.exec.Run(runCtx, run.ImageURL, executor.RunContext{
		RunID:        run.ID,
		ImageVersion: run.ImageVersion,
		TriggeredBy:  run.TriggeredBy,
	})
	cancel()

	duration := time.Since(startedAt).Seconds()

	var (
		passed     bool
		errorStage string
	)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		errorStage = store.StageTimeout

		runLog.WithField("timeout", s.cfg.Timeout.String()).
			Warn("Run timed out")
	case ctx.Err() != nil:
		// Shutdown mid-run: the rig state is unknown, same as a crash.
		errorStage = store.StageInterrupted

		runLog.Warn("Run interrupted by shutdown")
	case execErr != nil:
		errorStage = store.StageExecutor

		runLog.WithError(execErr).Error("Executor error")
	case result.Success:
		passed = true
	default:
		errorStage = result.ErrorStage
	}

	// The terminal transition must land even when the loop context is
	// gone, otherwise the row would be stuck in running.
	completeCtx, completeCancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer completeCancel()

	if err := s.store.CompleteRun(
		completeCtx, run.ID, passed, duration, errorStage,
	); err != nil {
		runLog.WithError(err).Error("Failed to record run result")

		return
	}

	if passed {
		runLog.WithField("duration", duration).Info("Run passed")
	} else {
		runLog.WithFields(logrus.Fields{
			"duration":    duration,
			"error_stage": errorStage,
		}).Info("Run failed")
	}

	s.archiveRun(run.ID)
}

// archiveRun writes the run snapshot next to the console log and uploads
// the run directory when an uploader is configured. Archive failures are
// logged and ignored; the store row is the permanent record.
func (s *scheduler) archiveRun(runID string) {
	if s.cfg.ResultsDir == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.log.WithError(err).WithField("run_id", runID).
			Warn("Failed to load run for archiving")

		return
	}

	runDir := executor.RunDir(s.cfg.ResultsDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		s.log.WithError(err).WithField("run_id", runID).
			Warn("Failed to create run directory")

		return
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		s.log.WithError(err).WithField("run_id", runID).
			Warn("Failed to marshal run snapshot")

		return
	}

	snapshot := filepath.Join(runDir, "run.json")
	if err := os.WriteFile(snapshot, data, 0o644); err != nil {
		s.log.WithError(err).WithField("run_id", runID).
			Warn("Failed to write run snapshot")

		return
	}

	if s.uploader == nil {
		return
	}

	if err := s.uploader.UploadRunDir(ctx, runDir); err != nil {
		s.log.WithError(err).WithField("run_id", runID).
			Warn("Failed to archive run artifacts")
	}
}
