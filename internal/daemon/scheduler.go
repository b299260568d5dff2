// Package daemon drives the backup rounds: scan, drain, publish, wait.
// One round at a time, one download at a time; the upstream rate-limit
// budget is the bottleneck, not local concurrency.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pixiv-backup/pixiv-backup/internal/config"
	"github.com/pixiv-backup/pixiv-backup/internal/fetch"
	"github.com/pixiv-backup/pixiv-backup/internal/logging"
	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
	"github.com/pixiv-backup/pixiv-backup/internal/queue"
	"github.com/pixiv-backup/pixiv-backup/internal/scan"
	"github.com/pixiv-backup/pixiv-backup/internal/status"
)

// Scheduler states.
type State string

// State values.
const (
	StateIdle       State = "idle"
	StateScanning   State = "scanning"
	StateDraining   State = "draining"
	StatePublishing State = "publishing"
	StateWaiting    State = "waiting"
	StateCooldown   State = "cooldown"
	StateStopped    State = "stopped"
)

// statusState folds internal states into the coarse states observers see.
func statusState(s State) string {
	switch s {
	case StateScanning, StateDraining, StatePublishing:
		return status.StateSyncing
	case StateCooldown:
		return status.StateCooldown
	case StateStopped:
		return status.StateStopped
	default:
		return status.StateIdle
	}
}

// Wake reasons returned by Wait.
type Wake int

// Wake values.
const (
	WakeTimer Wake = iota
	WakeForce
	WakeStop
)

const (
	// roundHardCap forces a cooldown when a single round runs away.
	roundHardCap = 6 * time.Hour
	// sentinelPollInterval bounds how stale a force-trigger can go
	// unnoticed during a wait.
	sentinelPollInterval = time.Second
	// statusPublishInterval is the periodic publication cadence during
	// active work.
	statusPublishInterval = 15 * time.Second

	donePurgeAge    = 7 * 24 * time.Hour
	historyPurgeAge = 30 * 24 * time.Hour
)

// RoundScanner is the scan pass of a round.
type RoundScanner interface {
	Scan(ctx context.Context, mode config.Mode) (*scan.Result, error)
	Reconfigure(userID int64, restrict string, maxDownloads int)
}

// Fetcher downloads one claimed item.
type Fetcher interface {
	Download(ctx context.Context, item *queue.Item) (*fetch.Outcome, error)
	Reconfigure(timeout, artifactPause time.Duration)
}

// AuthSession guarantees a usable token before a round begins.
type AuthSession interface {
	EnsureFresh(ctx context.Context) error
}

// Meta is the store surface the scheduler needs for totals and purging.
type Meta interface {
	CountTotal() (int64, error)
	CountDownloaded() (int64, error)
	PurgeHistory(olderThan time.Time) (int64, error)
}

// Pacer throttles drain claims.
type Pacer interface {
	StartRound()
	Wait(ctx context.Context) error
	Reconfigure(highSpeed int, lowSpeedInterval, jitterMax time.Duration)
}

// Params wires a Scheduler. Everything is explicit; there is no global
// state.
type Params struct {
	Config     *config.Config
	ConfigPath string

	Session   AuthSession
	Scanner   RoundScanner
	Fetcher   Fetcher
	Queue     *queue.Queue
	Meta      Meta
	Pacer     Pacer
	Publisher *status.Publisher

	SentinelPath   string
	LastRunPath    string
	RunHistoryPath string

	Logger *slog.Logger
	Action *slog.Logger
}

// Scheduler runs rounds until stopped.
type Scheduler struct {
	cfg        *config.Config
	configPath string

	session   AuthSession
	scanner   RoundScanner
	fetcher   Fetcher
	queue     *queue.Queue
	meta      Meta
	pacer     Pacer
	publisher *status.Publisher

	sentinelPath   string
	lastRunPath    string
	runHistoryPath string

	logger *slog.Logger
	action *slog.Logger

	state State
}

// New creates a Scheduler.
func New(p Params) *Scheduler {
	return &Scheduler{
		cfg:            p.Config,
		configPath:     p.ConfigPath,
		session:        p.Session,
		scanner:        p.Scanner,
		fetcher:        p.Fetcher,
		queue:          p.Queue,
		meta:           p.Meta,
		pacer:          p.Pacer,
		publisher:      p.Publisher,
		sentinelPath:   p.SentinelPath,
		lastRunPath:    p.LastRunPath,
		runHistoryPath: p.RunHistoryPath,
		logger:         p.Logger,
		action:         p.Action,
		state:          StateIdle,
	}
}

// setState publishes a state transition immediately.
func (s *Scheduler) setState(state State, message string) {
	s.state = state
	s.publisher.SetState(statusState(state), string(state), message)
	if err := s.publisher.Publish(); err != nil {
		s.logger.Warn("status publication failed", "error", err)
	}
}

// reloadConfig re-reads the configuration once per round. A broken file
// keeps the previous snapshot.
func (s *Scheduler) reloadConfig() {
	if s.configPath == "" {
		return
	}
	cfg, err := config.Load(s.configPath)
	if err != nil {
		s.logger.Warn("config reload failed, keeping previous snapshot", "error", err)
		return
	}
	if cfg.OutputDir != s.cfg.OutputDir {
		s.logger.Warn("output_dir changes require a restart, ignoring",
			"current", s.cfg.OutputDir, "requested", cfg.OutputDir)
		cfg.OutputDir = s.cfg.OutputDir
	}
	s.cfg = cfg

	// The components carry their own copies of the snapshot values.
	s.scanner.Reconfigure(cfg.UserID, string(cfg.Restrict), cfg.MaxDownloads)
	s.fetcher.Reconfigure(cfg.Timeout(), cfg.LowSpeedInterval())
	s.pacer.Reconfigure(cfg.HighSpeedQueueSize, cfg.LowSpeedInterval(), cfg.IntervalJitter())
}

// roundOutcome summarizes a round for wait-interval selection.
type roundOutcome struct {
	enqueued    int
	success     int
	skipped     int
	failed      int
	hitMax      bool
	rateLimited bool
	errorStreak bool
	fatal       error
}

// maxFailureStreak ends a round early when this many items fail in a
// row; the upstream or the link is unhealthy and a cooldown beats
// hammering through the rest of the queue.
const maxFailureStreak = 5

// Run executes rounds until ctx is cancelled, publishing status on a
// ticker alongside. On the way out the queue is flushed, running items
// released, and a final stopped snapshot written.
func (s *Scheduler) Run(ctx context.Context) error {
	// A sentinel left over from a previous process is stale; consume it
	// so only triggers observed while running cut waits short.
	if consumed, err := ConsumeSentinel(s.sentinelPath); err != nil {
		return err
	} else if consumed {
		s.logger.Info("discarded stale force-run sentinel")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.publisher.PublishEvery(gctx, statusPublishInterval)
	})
	g.Go(func() error {
		s.loop(gctx)
		return nil
	})
	err := g.Wait()

	s.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.reloadConfig()

		var wait time.Duration
		if !s.cfg.Enabled {
			s.logger.Info("backup disabled by configuration, sleeping")
			wait = s.cfg.SyncInterval()
		} else {
			outcome := s.runRound(ctx)
			wait = s.waitInterval(outcome)
		}
		if ctx.Err() != nil {
			return
		}

		if s.Wait(ctx, wait) == WakeStop {
			return
		}
	}
}

// waitInterval picks the next wait per the round outcome and records
// the reason in the status snapshot.
func (s *Scheduler) waitInterval(o roundOutcome) time.Duration {
	var (
		d      time.Duration
		reason string
	)
	switch {
	case o.rateLimited || o.errorStreak || o.fatal != nil:
		s.setState(StateCooldown, "cooling down after error")
		d, reason = s.cfg.CooldownAfterError(), "error"
		if o.rateLimited {
			reason = "rate_limit"
		}
	case o.hitMax:
		s.setState(StateCooldown, "cooling down after reaching download budget")
		d, reason = s.cfg.CooldownAfterLimit(), "limit"
	default:
		s.setState(StateWaiting, "waiting for next round")
		d, reason = s.cfg.SyncInterval(), "interval"
	}
	s.publisher.SetWait(reason, time.Now().Add(d), d)
	return d
}

// runRound performs one scan+drain+publish cycle.
func (s *Scheduler) runRound(ctx context.Context) roundOutcome {
	roundID := uuid.NewString()
	started := time.Now()
	outcome := roundOutcome{}

	rctx, cancel := context.WithTimeout(ctx, roundHardCap)
	defer cancel()

	s.publisher.BeginRound(roundID)
	s.queue.BeginRound(roundID)
	s.action.Info(logging.Event("round_start", "round_id", roundID))

	if err := s.session.EnsureFresh(rctx); err != nil {
		outcome.fatal = err
		s.publisher.SetLastError(err.Error())
		s.action.Error(logging.Event("round_fatal",
			"round_id", roundID, "category", string(pixiv.Classify(err)), "error", err.Error()))
		s.finishRound(roundID, started, &outcome)
		return outcome
	}

	s.setState(StateScanning, "scanning listing sources")
	res, err := s.scanner.Scan(rctx, s.cfg.Mode)
	if res != nil {
		outcome.enqueued = res.Enqueued
		outcome.hitMax = res.HitMax
		s.publisher.SetRoundOutcome(res.HitMax, false)
		// Works the scan walked past: already archived or limited.
		if skipped := res.Observed - res.Enqueued + res.Limited; skipped > 0 {
			outcome.skipped = skipped
			s.publisher.AddSkipped(skipped)
		}
	}
	if err != nil {
		switch pixiv.Classify(err) {
		case pixiv.CategoryAuth:
			outcome.fatal = err
			s.publisher.SetLastError(err.Error())
			s.finishRound(roundID, started, &outcome)
			return outcome
		case pixiv.CategoryRateLimit:
			outcome.rateLimited = true
			s.publisher.SetRoundOutcome(false, true)
		}
		s.publisher.SetLastError(err.Error())
		s.logger.Warn("scan pass failed, draining what was enqueued", "error", err)
	}

	s.setState(StateDraining, "downloading queued works")
	s.drain(rctx, &outcome)

	s.setState(StatePublishing, "publishing round results")
	s.finishRound(roundID, started, &outcome)
	return outcome
}

// drain claims and downloads items until the round budget is consumed,
// the queue has nothing eligible, or a round-fatal failure occurs.
func (s *Scheduler) drain(ctx context.Context, outcome *roundOutcome) {
	s.pacer.StartRound()
	budget := s.cfg.MaxDownloads
	streak := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if budget > 0 && outcome.success >= budget {
			outcome.hitMax = true
			s.publisher.SetRoundOutcome(true, false)
			return
		}

		item := s.queue.ClaimNext(time.Now())
		if item == nil {
			return
		}
		if err := s.pacer.Wait(ctx); err != nil {
			s.queue.ReleaseRunning()
			s.flushQueue()
			return
		}

		_, err := s.fetcher.Download(ctx, item)
		if err != nil && ctx.Err() != nil {
			// Stop requested mid-download: the item goes back to
			// pending, not into retry accounting.
			s.queue.ReleaseRunning()
			s.flushQueue()
			return
		}
		s.queue.Complete(item.IllustID, err, time.Now())
		s.flushQueue()

		if err == nil {
			streak = 0
			outcome.success++
			s.publisher.AddSuccess()
			s.publisher.SetQueue(s.queue.Snapshot())
			continue
		}

		outcome.failed++
		s.publisher.AddFailure(err.Error())
		s.publisher.SetQueue(s.queue.Snapshot())

		switch pixiv.Classify(err) {
		case pixiv.CategoryRateLimit:
			// The upstream asked for room; end the round.
			outcome.rateLimited = true
			s.publisher.SetRoundOutcome(false, true)
			return
		case pixiv.CategoryAuth, pixiv.CategoryFilesystem:
			outcome.fatal = err
			s.publisher.SetLastError(err.Error())
			return
		}

		streak++
		if streak >= maxFailureStreak {
			outcome.errorStreak = true
			s.publisher.SetLastError(err.Error())
			s.logger.Warn("ending round after consecutive failures", "streak", streak)
			return
		}
	}
}

func (s *Scheduler) flushQueue() {
	if err := s.queue.Flush(); err != nil {
		s.logger.Error("queue flush failed", "error", err)
	}
}

// finishRound purges aged records, refreshes counters, and appends the
// round to the history.
func (s *Scheduler) finishRound(roundID string, started time.Time, outcome *roundOutcome) {
	now := time.Now()

	if purged := s.queue.PurgeDone(now.Add(-donePurgeAge)); purged > 0 {
		s.logger.Info("purged completed queue items", "count", purged)
	}
	if purged, err := s.meta.PurgeHistory(now.Add(-historyPurgeAge)); err != nil {
		s.logger.Warn("history purge failed", "error", err)
	} else if purged > 0 {
		s.logger.Info("purged download history rows", "count", purged)
	}
	s.flushQueue()

	if total, err := s.meta.CountTotal(); err == nil {
		if downloaded, derr := s.meta.CountDownloaded(); derr == nil {
			s.publisher.SetTotals(total, downloaded)
		}
	}
	s.publisher.SetQueue(s.queue.Snapshot())

	if err := status.WriteLastRun(s.lastRunPath, now); err != nil {
		s.logger.Warn("failed to write last-run stamp", "error", err)
	}
	rec := status.RunRecord{
		RoundID:     roundID,
		StartedAt:   started,
		FinishedAt:  now,
		Enqueued:    outcome.enqueued,
		Success:     outcome.success,
		Skipped:     outcome.skipped,
		Failed:      outcome.failed,
		HitMax:      outcome.hitMax,
		RateLimited: outcome.rateLimited,
	}
	if outcome.fatal != nil {
		rec.LastError = outcome.fatal.Error()
	}
	if err := status.AppendRunHistory(s.runHistoryPath, rec); err != nil {
		s.logger.Warn("failed to append run history", "error", err)
	}

	s.action.Info(logging.Event("round_done",
		"round_id", roundID,
		"enqueued", outcome.enqueued, "success", outcome.success,
		"failed", outcome.failed, "hit_max", outcome.hitMax,
		"rate_limited", outcome.rateLimited,
		"duration", now.Sub(started).Round(time.Second)))
}

// Wait sleeps up to d, waking within one second of a force-trigger or
// cancellation. A consumed sentinel starts the next round immediately.
func (s *Scheduler) Wait(ctx context.Context, d time.Duration) Wake {
	if err := s.publisher.Publish(); err != nil {
		s.logger.Warn("status publication failed", "error", err)
	}

	deadline := time.Now().Add(d)
	ticker := time.NewTicker(sentinelPollInterval)
	defer ticker.Stop()

	for {
		if consumed, err := ConsumeSentinel(s.sentinelPath); err != nil {
			s.logger.Warn("sentinel check failed", "error", err)
		} else if consumed {
			s.action.Info(logging.Event("force_trigger_consumed"))
			return WakeForce
		}
		if !time.Now().Before(deadline) {
			return WakeTimer
		}
		select {
		case <-ctx.Done():
			return WakeStop
		case <-ticker.C:
		}
	}
}

// shutdown releases in-flight work and publishes the final snapshot.
func (s *Scheduler) shutdown() {
	if released := s.queue.ReleaseRunning(); released > 0 {
		s.logger.Info("released running items for the next start", "count", released)
	}
	s.flushQueue()
	s.state = StateStopped
	s.publisher.SetState(status.StateStopped, string(StateStopped), "daemon stopped")
	if err := s.publisher.Publish(); err != nil {
		s.logger.Warn("final status publication failed", "error", err)
	}
	s.action.Info(logging.Event("daemon_stopped"))
}

// RunOnce executes a single synchronous round with an optional download
// budget override. Used by the interactive run command.
func (s *Scheduler) RunOnce(ctx context.Context, budgetOverride int) (*status.Document, error) {
	if budgetOverride > 0 {
		override := *s.cfg
		override.MaxDownloads = budgetOverride
		s.cfg = &override
	}

	outcome := s.runRound(ctx)
	s.setState(StateIdle, "round finished")
	doc := s.publisher.Snapshot()
	return &doc, outcome.fatal
}
