package queue

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task_queue.json")
	q, err := Load(path, testLogger())
	require.NoError(t, err)
	return q, path
}

func illust(id int64) *pixiv.Illust {
	return &pixiv.Illust{ID: id, Title: "t", Visible: true, User: pixiv.User{ID: 1}}
}

func TestEnqueueMergeSemantics(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()

	assert.True(t, q.Enqueue(illust(1), true, false), "first enqueue inserts")
	assert.False(t, q.Enqueue(illust(1), false, true), "pending stays pending")

	item := q.Get(1)
	require.NotNil(t, item)
	assert.True(t, item.Bookmarked)
	assert.True(t, item.FollowingAuthor, "provenance widens")

	// A running item is never reset by re-observation.
	claimed := q.ClaimNext(now)
	require.NotNil(t, claimed)
	assert.False(t, q.Enqueue(illust(1), true, false))
	assert.Equal(t, StatusRunning, q.Get(1).Status)

	// done resets to pending on re-observation.
	q.Complete(1, nil, now)
	assert.Equal(t, StatusDone, q.Get(1).Status)
	assert.True(t, q.Enqueue(illust(1), true, false))
	assert.Equal(t, StatusPending, q.Get(1).Status)
	assert.Equal(t, 0, q.Get(1).RetryCount)
}

func TestEnqueuePreservesFailedRetryAccounting(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()

	require.True(t, q.Enqueue(illust(1), true, false))
	require.NotNil(t, q.ClaimNext(now))
	q.Complete(1, &pixiv.APIError{StatusCode: 503, URL: "u"}, now)

	item := q.Get(1)
	require.Equal(t, StatusFailed, item.Status)
	require.Equal(t, 1, item.RetryCount)
	wantRetryAt := item.NextRetryAt

	// The work stays listed, so every later round re-observes it. The
	// backoff schedule must survive that.
	assert.False(t, q.Enqueue(illust(1), false, true))
	item = q.Get(1)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Equal(t, wantRetryAt, item.NextRetryAt)
	assert.True(t, item.FollowingAuthor, "provenance still widens")
	require.NotNil(t, item.LastError)

	// The cap can actually trigger across re-observations.
	for i := 1; i < MaxRetries(pixiv.CategoryRateLimit); i++ {
		now = now.Add(2 * time.Hour)
		assert.False(t, q.Enqueue(illust(1), true, false))
		require.NotNil(t, q.ClaimNext(now), "attempt %d", i)
		q.Complete(1, &pixiv.APIError{StatusCode: 503, URL: "u"}, now)
	}
	now = now.Add(2 * time.Hour)
	require.NotNil(t, q.ClaimNext(now))
	q.Complete(1, &pixiv.APIError{StatusCode: 503, URL: "u"}, now)
	assert.Equal(t, StatusPermanentFailed, q.Get(1).Status)
}

func TestClaimOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()

	// Enqueued in this order: following-first, then bookmark.
	require.True(t, q.Enqueue(illust(10), false, true))
	time.Sleep(2 * time.Millisecond)
	require.True(t, q.Enqueue(illust(20), true, false))
	time.Sleep(2 * time.Millisecond)
	require.True(t, q.Enqueue(illust(30), true, false))

	// Bookmark provenance wins over FIFO across sources.
	first := q.ClaimNext(now)
	require.NotNil(t, first)
	assert.Equal(t, int64(20), first.IllustID)

	second := q.ClaimNext(now)
	require.NotNil(t, second)
	assert.Equal(t, int64(30), second.IllustID)

	third := q.ClaimNext(now)
	require.NotNil(t, third)
	assert.Equal(t, int64(10), third.IllustID)

	assert.Nil(t, q.ClaimNext(now), "everything is running")
}

func TestCompleteBackoffSchedule(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()

	require.True(t, q.Enqueue(illust(1), true, false))
	require.NotNil(t, q.ClaimNext(now))

	q.Complete(1, &pixiv.APIError{StatusCode: 429, URL: "u"}, now)

	item := q.Get(1)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	require.NotNil(t, item.LastError)
	assert.Equal(t, pixiv.CategoryRateLimit, item.LastError.Category)
	assert.Equal(t, 429, item.LastError.HTTPStatus)
	assert.Equal(t, now.Add(300*time.Second), item.NextRetryAt)

	// Not eligible before next_retry_at.
	assert.Nil(t, q.ClaimNext(now.Add(299*time.Second)))
	claimed := q.ClaimNext(now.Add(301 * time.Second))
	require.NotNil(t, claimed)
	assert.Equal(t, int64(1), claimed.IllustID)

	// Second failure doubles the delay.
	later := now.Add(301 * time.Second)
	q.Complete(1, &pixiv.APIError{StatusCode: 503, URL: "u"}, later)
	assert.Equal(t, later.Add(600*time.Second), q.Get(1).NextRetryAt)
}

func TestBackoffTable(t *testing.T) {
	cases := []struct {
		category pixiv.Category
		retry    int
		want     time.Duration
	}{
		{pixiv.CategoryRateLimit, 1, 300 * time.Second},
		{pixiv.CategoryRateLimit, 2, 600 * time.Second},
		{pixiv.CategoryRateLimit, 5, 3600 * time.Second},
		{pixiv.CategoryRateLimit, 8, 3600 * time.Second},
		{pixiv.CategoryNetwork, 1, 30 * time.Second},
		{pixiv.CategoryNetwork, 4, 240 * time.Second},
		{pixiv.CategoryNetwork, 10, 1800 * time.Second},
		{pixiv.CategoryUnknown, 1, 60 * time.Second},
		{pixiv.CategoryUnknown, 6, 1200 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Backoff(tc.category, tc.retry),
			"%s retry %d", tc.category, tc.retry)
	}

	assert.Equal(t, 8, MaxRetries(pixiv.CategoryRateLimit))
	assert.Equal(t, 10, MaxRetries(pixiv.CategoryNetwork))
	assert.Equal(t, 6, MaxRetries(pixiv.CategoryUnknown))
}

func TestInvalidParksAfterThreeRounds(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()
	notFound := &pixiv.APIError{StatusCode: 404, URL: "u"}

	require.True(t, q.Enqueue(illust(1), true, false))
	for round := 1; round <= 2; round++ {
		q.BeginRound("round-" + strconv.Itoa(round))
		require.NotNil(t, q.ClaimNext(now))
		q.Complete(1, notFound, now)
		item := q.Get(1)
		assert.Equal(t, StatusFailed, item.Status)
		assert.Equal(t, round, item.FailedRounds)
		assert.Nil(t, q.ClaimNext(now), "one invalid attempt per round")
	}

	q.BeginRound("round-3")
	require.NotNil(t, q.ClaimNext(now))
	q.Complete(1, notFound, now)
	assert.Equal(t, StatusPermanentFailed, q.Get(1).Status)
	q.BeginRound("round-4")
	assert.Nil(t, q.ClaimNext(now), "parked items are never claimed")
}

func TestAuthFailureReleasesWithoutRetryAccounting(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()

	require.True(t, q.Enqueue(illust(1), true, false))
	require.NotNil(t, q.ClaimNext(now))
	q.Complete(1, &pixiv.AuthError{}, now)

	item := q.Get(1)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	require.NotNil(t, item.LastError)
	assert.Equal(t, pixiv.CategoryAuth, item.LastError.Category)
}

func TestRetryCapParksItem(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()
	boom := &pixiv.APIError{StatusCode: 500, URL: "u"}

	require.True(t, q.Enqueue(illust(1), true, false))
	for i := 0; i < MaxRetries(pixiv.CategoryRateLimit); i++ {
		now = now.Add(2 * time.Hour)
		require.NotNil(t, q.ClaimNext(now), "attempt %d", i)
		q.Complete(1, boom, now)
	}
	assert.Equal(t, StatusFailed, q.Get(1).Status)

	now = now.Add(2 * time.Hour)
	require.NotNil(t, q.ClaimNext(now))
	q.Complete(1, boom, now)
	assert.Equal(t, StatusPermanentFailed, q.Get(1).Status)
}

func TestFlushAndReloadRecoversRunning(t *testing.T) {
	q, path := newTestQueue(t)
	now := time.Now()

	require.True(t, q.Enqueue(illust(1), true, false))
	require.True(t, q.Enqueue(illust(2), false, true))
	require.NotNil(t, q.ClaimNext(now))
	require.NoError(t, q.Flush())

	// Simulated crash: reload from disk.
	reloaded, err := Load(path, testLogger())
	require.NoError(t, err)

	counts := reloaded.Snapshot()
	assert.Equal(t, 2, counts.Pending, "running item reverts to pending on load")
	assert.Equal(t, 0, counts.Running)

	item := reloaded.Get(1)
	require.NotNil(t, item)
	assert.Equal(t, "t", item.Illust.Title)
}

func TestPurgeDone(t *testing.T) {
	q, _ := newTestQueue(t)
	now := time.Now()

	require.True(t, q.Enqueue(illust(1), true, false))
	require.NotNil(t, q.ClaimNext(now))
	q.Complete(1, nil, now)

	assert.Equal(t, 0, q.PurgeDone(now.Add(-time.Hour)))
	assert.Equal(t, 1, q.PurgeDone(now.Add(time.Hour)))
	assert.Nil(t, q.Get(1))
}

func TestFlushSkipsWhenClean(t *testing.T) {
	q, path := newTestQueue(t)
	require.NoError(t, q.Flush())

	_, err := Load(path, testLogger())
	require.NoError(t, err, "flushing an untouched queue writes nothing harmful")
}

func TestPacerHighSpeedWindow(t *testing.T) {
	p := NewPacer(3, 200*time.Millisecond, 0)
	p.StartRound()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "high-speed claims are immediate")

	require.NoError(t, p.Wait(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond, "slow tier enforces the interval")
}

func TestPacerCancellable(t *testing.T) {
	p := NewPacer(0, time.Hour, 0)
	p.StartRound()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Wait(ctx), "first token is available immediately")
	assert.Error(t, p.Wait(ctx), "second wait is cut short by the context")
}
