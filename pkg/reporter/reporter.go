// Package reporter polls the result store for runs that still need
// external notification and upserts one status block per release or pull
// request target. It shares nothing with the scheduler but the store, so
// reporting lag never blocks test execution.
package reporter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dirkhh/adsb-boottest/pkg/github"
	"github.com/dirkhh/adsb-boottest/pkg/store"
)

// defaultConcurrency is the number of targets posted in parallel per pass.
const defaultConcurrency = 2

// Config contains reporter settings.
type Config struct {
	// PollInterval is the reporting cycle period.
	PollInterval time.Duration

	// Concurrency limits parallel target posts per pass.
	Concurrency int
}

// Reporter is the background status reporting loop.
type Reporter interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Reporter = (*reporter)(nil)

type reporter struct {
	log         logrus.FieldLogger
	cfg         *Config
	store       store.Store
	gh          github.Client
	monitor     *CredentialMonitor
	concurrency int
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewReporter creates the status reporter.
func NewReporter(
	log logrus.FieldLogger,
	cfg *Config,
	st store.Store,
	gh github.Client,
	monitor *CredentialMonitor,
) Reporter {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &reporter{
		log:         log.WithField("component", "reporter"),
		cfg:         cfg,
		store:       st,
		gh:          gh,
		monitor:     monitor,
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Start validates the credential (fatal on failure), then launches the
// reporting loop and the periodic credential re-check.
func (r *reporter) Start(ctx context.Context) error {
	if err := r.monitor.Validate(ctx); err != nil {
		return fmt.Errorf("starting reporter: %w", err)
	}

	if err := r.monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting credential monitor: %w", err)
	}

	r.log.WithField("poll_interval", r.cfg.PollInterval.String()).
		Info("Starting reporter")

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.runPass(ctx)

		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runPass(ctx)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the reporter goroutine to stop and waits for it.
func (r *reporter) Stop() error {
	close(r.done)
	r.wg.Wait()

	if err := r.monitor.Stop(); err != nil {
		return fmt.Errorf("stopping credential monitor: %w", err)
	}

	r.log.Info("Reporter stopped")

	return nil
}

// target identifies one reporting group.
type target struct {
	eventType string
	releaseID *int64
	prNumber  *int
}

func (t *target) key() string {
	if t.releaseID != nil {
		return fmt.Sprintf("release-%d", *t.releaseID)
	}

	return fmt.Sprintf("pr-%d", *t.prNumber)
}

// runPass executes one reporting cycle: collect the distinct targets that
// have reportable runs, then post each target's block. Target workers
// never return an error; a failed target is marked in the store and
// retried on the next cycle, so one group can never block the others.
func (r *reporter) runPass(ctx context.Context) {
	runs, err := r.store.ListReportable(ctx)
	if err != nil {
		r.log.WithError(err).Warn("Failed to query reportable runs")

		return
	}

	if len(runs) == 0 {
		return
	}

	targets := collectTargets(runs)

	r.log.WithFields(logrus.Fields{
		"runs":    len(runs),
		"targets": len(targets),
	}).Info("Reporting pass started")

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, t := range targets {
		g.Go(func() error {
			r.reportTarget(gCtx, t)

			return nil
		})
	}

	_ = g.Wait()
}

// collectTargets returns the distinct targets in first-seen order.
func collectTargets(runs []store.TestRun) []*target {
	seen := make(map[string]struct{}, len(runs))

	var targets []*target

	for i := range runs {
		run := &runs[i]

		key := run.TargetKey()
		if key == "" {
			continue
		}

		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}

		targets = append(targets, &target{
			eventType: run.GithubEventType,
			releaseID: run.GithubReleaseID,
			prNumber:  run.GithubPRNumber,
		})
	}

	return targets
}

// reportTarget renders and posts the status block for one target, then
// marks the group's runs posted or failed. Rows are re-fetched here so the
// block reflects the latest known state at render time.
func (r *reporter) reportTarget(ctx context.Context, t *target) {
	tLog := r.log.WithField("target", t.key())

	runs, err := r.store.ListReportableForTarget(
		ctx, t.eventType, t.releaseID, t.prNumber,
	)
	if err != nil {
		tLog.WithError(err).Warn("Failed to re-query target runs")

		return
	}

	if len(runs) == 0 {
		// Everything was posted by an earlier pass.
		return
	}

	// Only terminal runs are settled by a successful post. Queued and
	// running rows stay pending so the next cycle re-renders the block
	// with their final state; the marker upsert keeps that idempotent.
	ids := make([]string, 0, len(runs))
	terminalIDs := make([]string, 0, len(runs))

	for i := range runs {
		ids = append(ids, runs[i].ID)

		if runs[i].Terminal() {
			terminalIDs = append(terminalIDs, runs[i].ID)
		}
	}

	block := RenderStatusBlock(runs, time.Now())

	var postErr error

	switch t.eventType {
	case store.EventRelease:
		postErr = r.postRelease(ctx, *t.releaseID, block)
	case store.EventPullRequest:
		postErr = r.postPullRequest(ctx, *t.prNumber, block)
	default:
		tLog.WithField("event_type", t.eventType).
			Warn("Unknown reporting target type")

		return
	}

	if postErr != nil {
		tLog.WithError(postErr).Warn("Failed to post status, will retry")

		if err := r.store.MarkReportFailed(ctx, ids); err != nil {
			tLog.WithError(err).Error("Failed to mark runs report-failed")
		}

		return
	}

	if err := r.store.MarkReported(
		ctx, terminalIDs, time.Now().UTC(),
	); err != nil {
		tLog.WithError(err).Error("Failed to mark runs reported")

		return
	}

	tLog.WithFields(logrus.Fields{
		"runs":    len(ids),
		"settled": len(terminalIDs),
	}).Info("Status posted")
}

// postRelease upserts the status block into the release body: any prior
// section from the marker on is discarded and the fresh block appended.
func (r *reporter) postRelease(
	ctx context.Context, releaseID int64, block string,
) error {
	release, err := r.gh.GetRelease(ctx, releaseID)
	if err != nil {
		return err
	}

	return r.gh.UpdateReleaseBody(
		ctx, releaseID, spliceBody(release.Body, block),
	)
}

// postPullRequest upserts the status block as a single marker comment:
// edited in place when it already exists, created otherwise.
func (r *reporter) postPullRequest(
	ctx context.Context, prNumber int, block string,
) error {
	comments, err := r.gh.ListIssueComments(ctx, prNumber)
	if err != nil {
		return err
	}

	for i := range comments {
		if strings.Contains(comments[i].Body, Marker) {
			return r.gh.UpdateIssueComment(ctx, comments[i].ID, block)
		}
	}

	_, err = r.gh.CreateIssueComment(ctx, prNumber, block)

	return err
}
