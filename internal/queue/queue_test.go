package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipseek/clipseek/internal/backoff"
	"github.com/clipseek/clipseek/internal/pipeline"
	"github.com/clipseek/clipseek/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type recordingArchiver struct {
	mu   sync.Mutex
	jobs []pipeline.Job
}

func (a *recordingArchiver) ArchiveJob(_ context.Context, job pipeline.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job)
	return nil
}

func (a *recordingArchiver) archived() []pipeline.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]pipeline.Job, len(a.jobs))
	copy(out, a.jobs)
	return out
}

type fixture struct {
	queue    *Queue
	clock    *fakeClock
	archiver *recordingArchiver
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	clock := newFakeClock()
	archiver := &recordingArchiver{}
	q := New(memory.New(clock), clock, &seqIDGen{}, archiver, cfg, nil)
	return fixture{queue: q, clock: clock, archiver: archiver}
}

func testKey(query string) pipeline.SearchKey {
	return pipeline.NewSearchKey("douyin", query, "7d")
}

func TestEnqueueAndClaim(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("claim me"), pipeline.KindNormal)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateWaiting, job.State)
	require.Zero(t, job.Attempt)

	claimed, ok, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, pipeline.StateActive, claimed.State)
	require.Equal(t, 1, claimed.Attempt)
	require.NotNil(t, claimed.StartedAt)

	_, ok, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimPrefersHighPriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	normal, err := f.queue.Enqueue(ctx, testKey("normal"), pipeline.KindNormal)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	refresh, err := f.queue.Enqueue(ctx, testKey("refresh"), pipeline.KindRecrawl)
	require.NoError(t, err)

	// The recrawl job was enqueued later but wins on priority class.
	claimed, ok, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, refresh.ID, claimed.ID)

	claimed, ok, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, normal.ID, claimed.ID)
}

func TestClaimIsFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.queue.Enqueue(ctx, testKey("first"), pipeline.KindNormal)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.queue.Enqueue(ctx, testKey("second"), pipeline.KindNormal)
	require.NoError(t, err)

	claimed, _, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)
	claimed, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, claimed.ID)
}

func TestCompleteWithResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("complete"), pipeline.KindNormal)
	require.NoError(t, err)
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)

	items := []pipeline.ResultItem{{ID: "v1", Title: "hit"}}
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, job.ID, items))

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateCompleted, got.State)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, items, got.Result)
	require.Nil(t, got.Error)
	require.NotNil(t, got.FinishedAt)
}

func TestCompleteEmptyPayloadNotesNoResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("nothing found"), pipeline.KindNormal)
	require.NoError(t, err)
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, f.queue.Complete(ctx, job.ID, nil))

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateCompleted, got.State)
	require.NotNil(t, got.Error)
	require.Equal(t, pipeline.CodeNoResults, got.Error.Code)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("final"), pipeline.KindNormal)
	require.NoError(t, err)
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(ctx, job.ID, []pipeline.ResultItem{{ID: "v1"}}))

	// Later transitions bounce off.
	require.NoError(t, f.queue.Complete(ctx, job.ID, nil))
	retried, err := f.queue.Fail(ctx, job.ID, pipeline.NewError(pipeline.CodeNetworkError, "late"))
	require.NoError(t, err)
	require.False(t, retried)
	cancelled, err := f.queue.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, cancelled)
	require.NoError(t, f.queue.ReportProgress(ctx, job.ID, 5))

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateCompleted, got.State)
	require.Equal(t, []pipeline.ResultItem{{ID: "v1"}}, got.Result)
	require.Equal(t, 100, got.Progress)
}

func TestRetryableFailureRequeuesWithDelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{
		MaxAttempts: 3,
		Retry:       backoff.Policy{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second, MaxAttempts: 3},
	})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("flaky"), pipeline.KindNormal)
	require.NoError(t, err)
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)

	retried, err := f.queue.Fail(ctx, job.ID, pipeline.NewError(pipeline.CodeNetworkError, "connection reset"))
	require.NoError(t, err)
	require.True(t, retried)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateWaiting, got.State)
	require.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.Error)

	// Not claimable until the backoff elapses.
	_, ok, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	f.clock.Advance(2 * time.Second)
	claimed, ok, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, 2, claimed.Attempt)
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("forbidden"), pipeline.KindNormal)
	require.NoError(t, err)
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)

	cause := pipeline.NewError(pipeline.CodeAuthError, "credentials rejected")
	retried, err := f.queue.Fail(ctx, job.ID, cause)
	require.NoError(t, err)
	require.False(t, retried)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateFailed, got.State)
	require.Equal(t, cause, got.Error)
}

func TestAttemptCapEndsRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{
		MaxAttempts: 2,
		Retry:       backoff.Policy{Initial: time.Second, Multiplier: 2, Max: 10 * time.Second, MaxAttempts: 2},
	})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("keeps failing"), pipeline.KindNormal)
	require.NoError(t, err)

	cause := pipeline.NewError(pipeline.CodeNetworkError, "timeout")

	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)
	retried, err := f.queue.Fail(ctx, job.ID, cause)
	require.NoError(t, err)
	require.True(t, retried)

	f.clock.Advance(15 * time.Second)
	claimed, ok, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, claimed.Attempt)

	// The second attempt exhausts the cap even though the error is transient.
	retried, err = f.queue.Fail(ctx, job.ID, cause)
	require.NoError(t, err)
	require.False(t, retried)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateFailed, got.State)
	require.Equal(t, cause, got.Error)
}

func TestCancelWaitingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("never mind"), pipeline.KindNormal)
	require.NoError(t, err)

	cancelled, err := f.queue.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateCancelled, got.State)

	_, ok, err := f.queue.Claim(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancelActiveJobRefused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	job, err := f.queue.Enqueue(ctx, testKey("too late"), pipeline.KindNormal)
	require.NoError(t, err)
	_, _, err = f.queue.Claim(ctx)
	require.NoError(t, err)

	cancelled, err := f.queue.Cancel(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestSupersedeWaiting(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	key := testKey("stale fetch")

	job, err := f.queue.Enqueue(ctx, key, pipeline.KindNormal)
	require.NoError(t, err)

	found, ok, err := f.queue.FindWaitingByKey(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, found.ID)

	superseded, err := f.queue.SupersedeWaiting(ctx, key)
	require.NoError(t, err)
	require.True(t, superseded)

	got, err := f.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StateCancelled, got.State)
	require.NotNil(t, got.Error)
	require.Contains(t, got.Error.Message, "superseded")

	// The marker is gone with the job.
	_, ok, err = f.queue.FindWaitingByKey(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	superseded, err = f.queue.SupersedeWaiting(ctx, key)
	require.NoError(t, err)
	require.False(t, superseded)
}

func TestPositionReflectsWaitingOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.queue.Enqueue(ctx, testKey("ahead"), pipeline.KindNormal)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.queue.Enqueue(ctx, testKey("behind"), pipeline.KindNormal)
	require.NoError(t, err)

	pos, ok, err := f.queue.Position(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), pos)

	pos, ok, err = f.queue.Position(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), pos)
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	_, err := f.queue.Get(context.Background(), "nope")
	require.ErrorIs(t, err, pipeline.ErrJobNotFound)
}
