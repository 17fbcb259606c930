package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-boottest/pkg/config"
	"github.com/dirkhh/adsb-boottest/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }

func TestStore_CreateRun_Defaults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &store.TestRun{
		ImageURL:     "https://github.com/dirkhh/adsb-feeder-image/releases/download/v3.0.1/image.img.xz",
		ImageVersion: "v3.0.1",
	}

	require.NoError(t, s.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)
	assert.Equal(t, store.EventNone, got.GithubEventType)
	assert.Equal(t, store.ReportPending, got.GithubReportStatus)
	assert.Nil(t, got.StartedAt)
}

func TestStore_CreateRunDeduped_ReleaseDuplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	window := time.Hour

	first := &store.TestRun{
		ImageURL:        "https://github.com/dirkhh/adsb-feeder-image/releases/download/v3.0.1/image.img.xz",
		ImageVersion:    "v3.0.1",
		GithubEventType: store.EventRelease,
		GithubReleaseID: int64Ptr(4242),
	}

	prior, created, err := s.CreateRunDeduped(ctx, first, window)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, prior)

	// Same image and target within the window: suppressed, prior returned.
	dup := &store.TestRun{
		ImageURL:        first.ImageURL,
		ImageVersion:    "v3.0.1",
		GithubEventType: store.EventRelease,
		GithubReleaseID: int64Ptr(4242),
	}

	prior, created, err = s.CreateRunDeduped(ctx, dup, window)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, prior)
	assert.Equal(t, first.ID, prior.ID)

	count, err := s.CountByStatus(ctx, store.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStore_CreateRunDeduped_WindowExpired(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	window := time.Hour

	old := &store.TestRun{
		ImageURL:        "https://github.com/dirkhh/adsb-feeder-image/releases/download/v3.0.1/image.img.xz",
		ImageVersion:    "v3.0.1",
		GithubEventType: store.EventRelease,
		GithubReleaseID: int64Ptr(4242),
		CreatedAt:       time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, s.CreateRun(ctx, old))

	// The earlier run is outside the window, so this one is accepted.
	fresh := &store.TestRun{
		ImageURL:        old.ImageURL,
		ImageVersion:    "v3.0.1",
		GithubEventType: store.EventRelease,
		GithubReleaseID: int64Ptr(4242),
	}

	prior, created, err := s.CreateRunDeduped(ctx, fresh, window)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, prior)
}

func TestStore_CreateRunDeduped_DistinctTargets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	window := time.Hour

	imageURL := "https://github.com/dirkhh/adsb-feeder-image/releases/download/v3.0.1/image.img.xz"

	release := &store.TestRun{
		ImageURL:        imageURL,
		GithubEventType: store.EventRelease,
		GithubReleaseID: int64Ptr(1),
	}
	_, created, err := s.CreateRunDeduped(ctx, release, window)
	require.NoError(t, err)
	assert.True(t, created)

	// Same image tied to a different target is not a duplicate.
	pr := &store.TestRun{
		ImageURL:        imageURL,
		GithubEventType: store.EventPullRequest,
		GithubPRNumber:  intPtr(99),
	}
	_, created, err = s.CreateRunDeduped(ctx, pr, window)
	require.NoError(t, err)
	assert.True(t, created)

	prDup := &store.TestRun{
		ImageURL:        imageURL,
		GithubEventType: store.EventPullRequest,
		GithubPRNumber:  intPtr(99),
	}
	prior, created, err := s.CreateRunDeduped(ctx, prDup, window)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, prior)
	assert.Equal(t, pr.ID, prior.ID)
}

func TestStore_CreateRunDeduped_ConcurrentDeliveries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	imageURL := "https://github.com/dirkhh/adsb-feeder-image/releases/download/v3.0.1/image.img.xz"

	// GitHub is known to deliver the same webhook more than once, often
	// near-simultaneously. Exactly one row may win.
	const deliveries = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		errs    []error
	)

	for range deliveries {
		wg.Add(1)

		go func() {
			defer wg.Done()

			run := &store.TestRun{
				ImageURL:        imageURL,
				ImageVersion:    "v3.0.1",
				GithubEventType: store.EventRelease,
				GithubReleaseID: int64Ptr(4242),
			}

			_, created, err := s.CreateRunDeduped(ctx, run, time.Hour)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, err)

				return
			}

			if created {
				winners++
			}
		}()
	}

	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, winners)

	count, err := s.CountByStatus(ctx, store.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStore_CreateRunDeduped_ManualAlwaysAccepted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	imageURL := "https://github.com/dirkhh/adsb-feeder-image/releases/download/v3.0.1/image.img.xz"

	for range 3 {
		run := &store.TestRun{ImageURL: imageURL, TriggeredBy: "manual"}

		_, created, err := s.CreateRunDeduped(ctx, run, time.Hour)
		require.NoError(t, err)
		assert.True(t, created)
	}

	count, err := s.CountByStatus(ctx, store.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestStore_OldestQueued(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Empty queue returns nil without error.
	run, err := s.OldestQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, run)

	now := time.Now().UTC()

	second := &store.TestRun{
		ID:        "run-second",
		ImageURL:  "https://example.invalid/b",
		CreatedAt: now,
	}
	first := &store.TestRun{
		ID:        "run-first",
		ImageURL:  "https://example.invalid/a",
		CreatedAt: now.Add(-time.Minute),
	}

	require.NoError(t, s.CreateRun(ctx, second))
	require.NoError(t, s.CreateRun(ctx, first))

	run, err = s.OldestQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "run-first", run.ID)
}

func TestStore_RunLifecycleGuards(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &store.TestRun{ImageURL: "https://example.invalid/img"}
	require.NoError(t, s.CreateRun(ctx, run))

	// Completing a queued run is rejected.
	require.Error(t, s.CompleteRun(ctx, run.ID, true, 1.0, ""))

	startedAt := time.Now().UTC()
	require.NoError(t, s.MarkRunning(ctx, run.ID, startedAt))

	// A second MarkRunning must not double-fire.
	require.Error(t, s.MarkRunning(ctx, run.ID, startedAt))

	require.NoError(t, s.CompleteRun(ctx, run.ID, false, 42.5, "boot"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "boot", got.ErrorStage)
	assert.InDelta(t, 42.5, got.DurationSeconds, 0.001)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.Terminal())

	// Terminal states never regress.
	require.Error(t, s.CompleteRun(ctx, run.ID, true, 1.0, ""))
}

func TestStore_RecoverInterrupted(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	stuck := &store.TestRun{ImageURL: "https://example.invalid/a"}
	queued := &store.TestRun{ImageURL: "https://example.invalid/b"}

	require.NoError(t, s.CreateRun(ctx, stuck))
	require.NoError(t, s.CreateRun(ctx, queued))
	require.NoError(t, s.MarkRunning(ctx, stuck.ID, time.Now().UTC()))

	recovered, err := s.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	got, err := s.GetRun(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, store.StageInterrupted, got.ErrorStage)

	// The queued run is untouched.
	got, err = s.GetRun(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)

	// Second recovery pass finds nothing.
	recovered, err = s.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
}

func TestStore_ReportLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	releaseRun := &store.TestRun{
		ImageURL:        "https://example.invalid/a",
		GithubEventType: store.EventRelease,
		GithubReleaseID: int64Ptr(7),
	}
	prRun := &store.TestRun{
		ImageURL:        "https://example.invalid/b",
		GithubEventType: store.EventPullRequest,
		GithubPRNumber:  intPtr(12),
	}
	manualRun := &store.TestRun{ImageURL: "https://example.invalid/c"}

	require.NoError(t, s.CreateRun(ctx, releaseRun))
	require.NoError(t, s.CreateRun(ctx, prRun))
	require.NoError(t, s.CreateRun(ctx, manualRun))

	// Manual runs have no reporting target and never show up.
	runs, err := s.ListReportable(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	target, err := s.ListReportableForTarget(
		ctx, store.EventRelease, int64Ptr(7), nil,
	)
	require.NoError(t, err)
	require.Len(t, target, 1)
	assert.Equal(t, releaseRun.ID, target[0].ID)

	// A posted run drops out of the reportable set.
	require.NoError(t, s.MarkReported(
		ctx, []string{releaseRun.ID}, time.Now().UTC(),
	))

	runs, err = s.ListReportable(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, prRun.ID, runs[0].ID)

	// A failed report stays reportable for the next cycle.
	require.NoError(t, s.MarkReportFailed(ctx, []string{prRun.ID}))

	runs, err = s.ListReportable(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.ReportFailed, runs[0].GithubReportStatus)

	// Marking a posted run failed must not downgrade it.
	require.NoError(t, s.MarkReportFailed(ctx, []string{releaseRun.ID}))

	got, err := s.GetRun(ctx, releaseRun.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReportPosted, got.GithubReportStatus)
}

func TestStore_Ping(t *testing.T) {
	s := setupTestStore(t)

	require.NoError(t, s.Ping(context.Background()))
}
