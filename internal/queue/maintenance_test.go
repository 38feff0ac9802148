package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipseek/clipseek/internal/pipeline"
)

func TestReclaimStalledRequeues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Lease: time.Minute, MaxStalledRetries: 2})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("stalled"), pipeline.KindNormal)
	require.NoError(t, err)
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)

	// Lease still live: nothing to reclaim.
	n, err := f.queue.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.queue.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateWaiting, got.State)
	require.Equal(t, 1, got.StalledCount)

	// The reclaimed job is immediately claimable again.
	claimed, ok, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, 2, claimed.Attempt)
}

func TestReclaimStalledFailsPoisonJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Lease: time.Minute, MaxStalledRetries: 1})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("poison"), pipeline.KindNormal)
	require.NoError(t, err)

	// First stall: reclaimed. Second stall: failed permanently.
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	n, err := f.queue.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	n, err = f.queue.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateFailed, got.State)
	require.NotNil(t, got.Error)
	require.Contains(t, got.Error.Message, "lease expired")
}

// A stalled job whose expired claim was its last allowed attempt fails
// permanently instead of requeueing; its attempt count never passes the cap.
func TestReclaimStalledHonorsAttemptCap(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Lease: time.Minute, MaxAttempts: 2, MaxStalledRetries: 5})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("last attempt"), pipeline.KindNormal)
	require.NoError(t, err)

	// Attempt 1 stalls and is reclaimed.
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	n, err := f.queue.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Attempt 2 is the last; when it stalls the job must not requeue.
	claimed, ok, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, claimed.Attempt)
	f.clock.Advance(2 * time.Minute)
	n, err = f.queue.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateFailed, got.State)
	require.Equal(t, 2, got.Attempt)
	require.NotNil(t, got.Error)
	require.Contains(t, got.Error.Message, "final attempt")

	// Nothing left to claim.
	_, ok, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReclaimLeavesRenewedLeasesAlone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Lease: time.Minute, MaxStalledRetries: 2})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("long running"), pipeline.KindNormal)
	require.NoError(t, err)
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)

	f.clock.Advance(45 * time.Second)
	require.NoError(t, f.queue.Renew(ctx, job.ID))
	f.clock.Advance(45 * time.Second)

	n, err := f.queue.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateActive, got.State)
}

func TestSweepDeletesAndArchivesExpiredTerminalJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{
		Retention: RetentionConfig{
			CompletedMaxCount: 100,
			CompletedMaxAge:   time.Hour,
			FailedMaxCount:    100,
			FailedMaxAge:      time.Hour,
		},
	})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("old news"), pipeline.KindNormal)
	require.NoError(t, err)
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, job.ID, []pipeline.ResultItem{{ID: "v1"}}))

	// Inside retention: untouched.
	require.NoError(t, f.queue.Sweep(ctx))
	_, err = f.queue.Get(ctx, job.ID)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.queue.Sweep(ctx))

	_, err = f.queue.Get(ctx, job.ID)
	require.ErrorIs(t, err, pipeline.ErrJobNotFound)

	archived := f.archiver.archived()
	require.Len(t, archived, 1)
	require.Equal(t, job.ID, archived[0].ID)
	require.Equal(t, pipeline.StateCompleted, archived[0].State)
}

func TestSweepEnforcesCountBound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{
		Retention: RetentionConfig{
			CompletedMaxCount: 2,
			CompletedMaxAge:   24 * time.Hour,
			FailedMaxCount:    100,
			FailedMaxAge:      24 * time.Hour,
		},
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		job, err := f.queue.Enqueue(ctx, testKey("bulk"), pipeline.KindNormal)
		require.NoError(t, err)
		_, _, err = f.queue.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, f.queue.Complete(ctx, job.ID, []pipeline.ResultItem{{ID: "v"}}))
		ids = append(ids, job.ID)
		f.clock.Advance(time.Minute)
	}

	require.NoError(t, f.queue.Sweep(ctx))

	// The two oldest records are gone, the two newest remain.
	for _, id := range ids[:2] {
		_, err := f.queue.Get(ctx, id)
		require.ErrorIs(t, err, pipeline.ErrJobNotFound)
	}
	for _, id := range ids[2:] {
		_, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
	}
	require.Len(t, f.archiver.archived(), 2)
}

func TestCancelledJobsShareCompletedRetention(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{
		Retention: RetentionConfig{
			CompletedMaxCount: 100,
			CompletedMaxAge:   time.Hour,
			FailedMaxCount:    100,
			FailedMaxAge:      24 * time.Hour,
		},
	})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("cancelled"), pipeline.KindNormal)
	require.NoError(t, err)
	cancelled, err := f.queue.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.queue.Sweep(ctx))

	_, err = f.queue.Get(ctx, job.ID)
	require.ErrorIs(t, err, pipeline.ErrJobNotFound)
}
