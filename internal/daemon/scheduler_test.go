package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixiv-backup/pixiv-backup/internal/config"
	"github.com/pixiv-backup/pixiv-backup/internal/fetch"
	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
	"github.com/pixiv-backup/pixiv-backup/internal/queue"
	"github.com/pixiv-backup/pixiv-backup/internal/scan"
	"github.com/pixiv-backup/pixiv-backup/internal/status"
)

type fakeSession struct{ err error }

func (f *fakeSession) EnsureFresh(context.Context) error { return f.err }

type fakeScanner struct {
	res     *scan.Result
	err     error
	enqueue []int64
	queue   *queue.Queue

	userID       int64
	restrict     string
	maxDownloads int
}

func (f *fakeScanner) Scan(context.Context, config.Mode) (*scan.Result, error) {
	for _, id := range f.enqueue {
		f.queue.Enqueue(&pixiv.Illust{ID: id, Title: "t", Visible: true, User: pixiv.User{ID: 1}}, true, false)
	}
	return f.res, f.err
}

func (f *fakeScanner) Reconfigure(userID int64, restrict string, maxDownloads int) {
	f.userID = userID
	f.restrict = restrict
	f.maxDownloads = maxDownloads
}

type fakeFetcher struct {
	// errs maps illust ids to forced failures.
	errs  map[int64]error
	calls []int64

	timeout       time.Duration
	artifactPause time.Duration
}

func (f *fakeFetcher) Download(_ context.Context, item *queue.Item) (*fetch.Outcome, error) {
	f.calls = append(f.calls, item.IllustID)
	if err, ok := f.errs[item.IllustID]; ok {
		return nil, err
	}
	return &fetch.Outcome{Files: 1, Bytes: 10}, nil
}

func (f *fakeFetcher) Reconfigure(timeout, artifactPause time.Duration) {
	f.timeout = timeout
	f.artifactPause = artifactPause
}

type fakeMeta struct{}

func (fakeMeta) CountTotal() (int64, error)            { return 5, nil }
func (fakeMeta) CountDownloaded() (int64, error)       { return 3, nil }
func (fakeMeta) PurgeHistory(time.Time) (int64, error) { return 0, nil }

type noopPacer struct{ highSpeed int }

func (*noopPacer) StartRound()                {}
func (*noopPacer) Wait(context.Context) error { return nil }
func (p *noopPacer) Reconfigure(highSpeed int, _, _ time.Duration) {
	p.highSpeed = highSpeed
}

type fixture struct {
	sched   *Scheduler
	queue   *queue.Queue
	fetcher *fakeFetcher
	scanner *fakeScanner
	pacer   *noopPacer
	pub     *status.Publisher
	dir     string
}

func newFixture(t *testing.T, scanRes *scan.Result, scanErr error, enqueue []int64, fetchErrs map[int64]error) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	q, err := queue.Load(filepath.Join(dir, "task_queue.json"), logger)
	require.NoError(t, err)

	cfg := config.New()
	cfg.UserID = 1
	cfg.RefreshToken = "r"
	cfg.OutputDir = dir
	cfg.MaxDownloads = 10

	fetcher := &fakeFetcher{errs: fetchErrs}
	scanner := &fakeScanner{res: scanRes, err: scanErr, enqueue: enqueue, queue: q}
	pacer := &noopPacer{}
	pub := status.NewPublisher(filepath.Join(dir, "status.json"))

	sched := New(Params{
		Config:         cfg,
		Session:        &fakeSession{},
		Scanner:        scanner,
		Fetcher:        fetcher,
		Queue:          q,
		Meta:           fakeMeta{},
		Pacer:          pacer,
		Publisher:      pub,
		SentinelPath:   filepath.Join(dir, "force_run.flag"),
		LastRunPath:    filepath.Join(dir, "last_run.txt"),
		RunHistoryPath: filepath.Join(dir, "run_history.json"),
		Logger:         logger,
		Action:         logger,
	})
	return &fixture{sched: sched, queue: q, fetcher: fetcher, scanner: scanner, pacer: pacer, pub: pub, dir: dir}
}

func TestRoundDrainsQueueAndRecordsRun(t *testing.T) {
	f := newFixture(t,
		&scan.Result{Enqueued: 3}, nil,
		[]int64{1, 2, 3}, nil)

	outcome := f.sched.runRound(context.Background())

	assert.Equal(t, 3, outcome.success)
	assert.Equal(t, 0, outcome.failed)
	assert.Equal(t, []int64{1, 2, 3}, f.fetcher.calls)
	assert.Equal(t, 3, f.queue.Snapshot().Done)

	last, err := status.ReadLastRun(filepath.Join(f.dir, "last_run.txt"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), last, time.Minute)

	history, err := status.ReadRunHistory(filepath.Join(f.dir, "run_history.json"))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Success)
	assert.NotEmpty(t, history[0].RoundID)
}

func TestRateLimitEndsRound(t *testing.T) {
	f := newFixture(t,
		&scan.Result{Enqueued: 3}, nil,
		[]int64{1, 2, 3},
		map[int64]error{2: &pixiv.APIError{StatusCode: 429, URL: "u"}})

	outcome := f.sched.runRound(context.Background())

	assert.True(t, outcome.rateLimited)
	assert.Equal(t, 1, outcome.success)
	assert.Equal(t, []int64{1, 2}, f.fetcher.calls, "round ends at the throttled item")

	item := f.queue.Get(2)
	require.NotNil(t, item)
	assert.Equal(t, queue.StatusFailed, item.Status)

	// Rate limit selects the error cooldown.
	d := f.sched.waitInterval(outcome)
	assert.Equal(t, f.sched.cfg.CooldownAfterError(), d)

	doc := f.pub.Snapshot()
	assert.True(t, doc.RateLimited)
	assert.Equal(t, "rate_limit", doc.CooldownReason)
}

func TestHitMaxSelectsLimitCooldown(t *testing.T) {
	f := newFixture(t, &scan.Result{Enqueued: 5, HitMax: true}, nil, []int64{1, 2, 3, 4, 5}, nil)
	f.sched.cfg.MaxDownloads = 2

	outcome := f.sched.runRound(context.Background())
	assert.Equal(t, 2, outcome.success)
	assert.True(t, outcome.hitMax)

	d := f.sched.waitInterval(outcome)
	assert.Equal(t, f.sched.cfg.CooldownAfterLimit(), d)
	assert.Equal(t, "limit", f.pub.Snapshot().CooldownReason)
}

func TestInvalidAndNetworkFailuresKeepDraining(t *testing.T) {
	f := newFixture(t,
		&scan.Result{Enqueued: 3}, nil,
		[]int64{1, 2, 3},
		map[int64]error{2: &pixiv.APIError{StatusCode: 404, URL: "u"}})

	outcome := f.sched.runRound(context.Background())
	assert.Equal(t, 2, outcome.success)
	assert.Equal(t, 1, outcome.failed)
	assert.Equal(t, []int64{1, 2, 3}, f.fetcher.calls, "invalid failures do not end the round")

	d := f.sched.waitInterval(outcome)
	assert.Equal(t, f.sched.cfg.SyncInterval(), d)
}

func TestConfigReloadReparameterizesComponents(t *testing.T) {
	f := newFixture(t, nil, nil, nil, nil)

	content := "enabled = true\n" +
		"user_id = 9\n" +
		"refresh_token = \"r2\"\n" +
		"output_dir = \"/elsewhere\"\n" +
		"restrict = \"private\"\n" +
		"max_downloads = 7\n" +
		"timeout = 45\n" +
		"high_speed_queue_size = 11\n" +
		"low_speed_interval_seconds = 2.5\n"
	path := filepath.Join(f.dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	f.sched.configPath = path

	f.sched.reloadConfig()

	assert.Equal(t, int64(9), f.scanner.userID)
	assert.Equal(t, "private", f.scanner.restrict)
	assert.Equal(t, 7, f.scanner.maxDownloads)
	assert.Equal(t, 45*time.Second, f.fetcher.timeout)
	assert.Equal(t, 2500*time.Millisecond, f.fetcher.artifactPause)
	assert.Equal(t, 11, f.pacer.highSpeed)
	assert.Equal(t, f.dir, f.sched.cfg.OutputDir, "output_dir stays pinned to the launch value")
	assert.Equal(t, 7, f.sched.cfg.MaxDownloads)
}

func TestConsecutiveFailuresForceCooldown(t *testing.T) {
	failAll := map[int64]error{}
	ids := []int64{1, 2, 3, 4, 5, 6}
	for _, id := range ids {
		failAll[id] = errors.New("boom")
	}
	f := newFixture(t, &scan.Result{Enqueued: len(ids)}, nil, ids, failAll)

	outcome := f.sched.runRound(context.Background())
	assert.True(t, outcome.errorStreak)
	assert.Len(t, f.fetcher.calls, maxFailureStreak, "the round stops at the streak limit")

	d := f.sched.waitInterval(outcome)
	assert.Equal(t, f.sched.cfg.CooldownAfterError(), d)
	assert.Equal(t, "error", f.pub.Snapshot().CooldownReason)
}

func TestFilesystemFailureIsRoundFatal(t *testing.T) {
	f := newFixture(t,
		&scan.Result{Enqueued: 3}, nil,
		[]int64{1, 2, 3},
		map[int64]error{2: &pixiv.FilesystemError{Err: errors.New("no space left on device")}})

	outcome := f.sched.runRound(context.Background())
	require.Error(t, outcome.fatal)
	assert.Equal(t, 1, outcome.success)
	assert.Equal(t, []int64{1, 2}, f.fetcher.calls, "the round stops at the filesystem failure")
	assert.Contains(t, f.pub.Snapshot().LastError, "no space left")

	d := f.sched.waitInterval(outcome)
	assert.Equal(t, f.sched.cfg.CooldownAfterError(), d)
}

func TestAuthFailureIsRoundFatal(t *testing.T) {
	f := newFixture(t, nil, nil, nil, nil)
	f.sched.session = &fakeSession{err: &pixiv.AuthError{}}

	outcome := f.sched.runRound(context.Background())
	require.Error(t, outcome.fatal)
	assert.Empty(t, f.fetcher.calls)
	assert.NotEmpty(t, f.pub.Snapshot().LastError)

	d := f.sched.waitInterval(outcome)
	assert.Equal(t, f.sched.cfg.CooldownAfterError(), d)
}

func TestWaitWakesOnForceTrigger(t *testing.T) {
	f := newFixture(t, nil, nil, nil, nil)
	sentinel := filepath.Join(f.dir, "force_run.flag")

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = Trigger(sentinel)
	}()

	start := time.Now()
	wake := f.sched.Wait(context.Background(), time.Hour)
	assert.Equal(t, WakeForce, wake)
	assert.Less(t, time.Since(start), 3*time.Second, "sentinel is noticed within the poll interval")

	consumed, err := ConsumeSentinel(sentinel)
	require.NoError(t, err)
	assert.False(t, consumed, "the wait consumed the sentinel")
}

func TestWaitWakesOnCancel(t *testing.T) {
	f := newFixture(t, nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	assert.Equal(t, WakeStop, f.sched.Wait(ctx, time.Hour))
}

func TestWaitReturnsOnElapsedTimer(t *testing.T) {
	f := newFixture(t, nil, nil, nil, nil)
	assert.Equal(t, WakeTimer, f.sched.Wait(context.Background(), 0))
}

func TestRunReleasesRunningAndPublishesStopped(t *testing.T) {
	f := newFixture(t, &scan.Result{Enqueued: 1}, nil, []int64{1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	doc, err := status.Read(filepath.Join(f.dir, "status.json"))
	require.NoError(t, err)
	assert.Equal(t, status.StateStopped, doc.State)
	assert.Equal(t, 0, f.queue.Snapshot().Running)
}

func TestRunOnceBudgetOverride(t *testing.T) {
	f := newFixture(t, &scan.Result{Enqueued: 5}, nil, []int64{1, 2, 3, 4, 5}, nil)

	doc, err := f.sched.RunOnce(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Success)
	assert.True(t, doc.HitMaxDownloads)
}

func TestStaleSentinelDiscardedOnStart(t *testing.T) {
	f := newFixture(t, &scan.Result{}, nil, nil, nil)
	sentinel := filepath.Join(f.dir, "force_run.flag")
	require.NoError(t, Trigger(sentinel))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	consumed, err := ConsumeSentinel(sentinel)
	require.NoError(t, err)
	assert.False(t, consumed, "stale sentinel was discarded at startup")

	cancel()
	require.NoError(t, <-done)
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pixiv-backup.pid")

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, 0, pid)

	require.NoError(t, WritePID(path))
	pid, err = ReadPID(path)
	require.NoError(t, err)
	assert.True(t, Alive(pid), "our own pid is alive")

	require.NoError(t, RemovePID(path))
	require.NoError(t, RemovePID(path), "removal is idempotent")
}
