// Package main implements the pixiv-backup command-line tool: a daemon
// that keeps a local archive of a pixiv account's bookmarks and followed
// authors, plus the control commands that drive it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/pixiv-backup/pixiv-backup/internal/config"
	"github.com/pixiv-backup/pixiv-backup/internal/daemon"
	"github.com/pixiv-backup/pixiv-backup/internal/fetch"
	"github.com/pixiv-backup/pixiv-backup/internal/logging"
	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
	"github.com/pixiv-backup/pixiv-backup/internal/queue"
	"github.com/pixiv-backup/pixiv-backup/internal/repair"
	"github.com/pixiv-backup/pixiv-backup/internal/scan"
	"github.com/pixiv-backup/pixiv-backup/internal/status"
	"github.com/pixiv-backup/pixiv-backup/internal/store"
)

const (
	defaultConfigPath = "/etc/pixiv-backup/config.toml"
	stopWaitTimeout   = 30 * time.Second
)

var (
	// Build information, set via build flags.
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags.
	configPath string
	logLevel   string
	daemonMode bool
	forceRun   bool

	logLines    int
	logNoFollow bool
	logFromFile bool
	logSyslog   bool

	repairCheck bool
	repairApply bool
)

var rootCmd = &cobra.Command{
	Use:   "pixiv-backup",
	Short: "Archive a pixiv account's bookmarks and followed authors",
	Long: `pixiv-backup keeps a local, incremental archive of the works a pixiv
account has bookmarked and of the authors it follows: original images,
ugoira archives, and per-work metadata documents.

It runs as a long-lived daemon that scans the account periodically,
respects upstream rate limits, and survives restarts without losing or
re-downloading work.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if daemonMode {
			return runDaemon()
		}
		return cmd.Help()
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch the backup daemon",
	Long: `Launch the backup daemon in the foreground. Use your init system for
supervision and backgrounding.

  # Start and begin a round immediately even if a cooldown would apply
  pixiv-backup start --force-run`,
	RunE: func(*cobra.Command, []string) error {
		if forceRun {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
				return errors.Wrap(err, "create data dir")
			}
			if err := daemon.Trigger(cfg.SentinelPath()); err != nil {
				return err
			}
		}
		return runDaemon()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop a running daemon and launch a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runStop(cmd, args); err != nil {
			return err
		}
		return runDaemon()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the daemon's runtime snapshot",
	RunE:  runStatus,
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Validate the configuration and upstream connectivity",
	Long: `Validate the configuration file, refresh the access token, and fetch
the configured user's profile to prove end-to-end connectivity.`,
	RunE: runTest,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running daemon to start a round now",
	Long: `Drop the force-run sentinel. A running daemon notices it within one
second and starts a new round, cutting any wait or cooldown short. No
daemon is started.`,
	RunE: func(*cobra.Command, []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
			return errors.Wrap(err, "create data dir")
		}
		if err := daemon.Trigger(cfg.SentinelPath()); err != nil {
			return err
		}
		fmt.Println("force-run sentinel dropped")
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <count>",
	Short: "Run a single synchronous round",
	Long: `Run one scan-and-download round in the foreground with an explicit
download budget, then exit. Useful for the initial backfill:

  pixiv-backup run 100`,
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Tail the audit log",
	Long: `Print the newest audit log lines and keep following the file.

  pixiv-backup log -n 50
  pixiv-backup log --no-follow
  pixiv-backup log --syslog`,
	RunE: runLog,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Diagnose and repair the on-disk state",
	Long: `Inspect the daemon's on-disk state for stale pid files, stuck queue
items, corrupt token caches, and leftover partial downloads.

  # Report only
  pixiv-backup repair --check

  # Fix what can be fixed safely
  pixiv-backup repair --apply`,
	RunE: runRepair,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("pixiv-backup %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&daemonMode, "daemon", false, "run the daemon (same as the start command)")

	startCmd.Flags().BoolVar(&forceRun, "force-run", false, "begin a round immediately after launch")

	logCmd.Flags().IntVarP(&logLines, "n", "n", 20, "number of lines to print initially")
	logCmd.Flags().BoolVar(&logNoFollow, "no-follow", false, "print and exit instead of following")
	logCmd.Flags().BoolVar(&logFromFile, "file", false, "read the per-day log file (default)")
	logCmd.Flags().BoolVar(&logSyslog, "syslog", false, "read the system journal instead of the log file")
	logCmd.MarkFlagsMutuallyExclusive("file", "syslog")

	repairCmd.Flags().BoolVar(&repairCheck, "check", false, "report problems without fixing them (default)")
	repairCmd.Flags().BoolVar(&repairApply, "apply", false, "fix the problems that can be fixed safely")
	repairCmd.MarkFlagsMutuallyExclusive("check", "apply")

	rootCmd.SilenceUsage = true
}

// app bundles the wired components of one process.
type app struct {
	cfg       *config.Config
	logWriter *logging.DailyWriter
	store     *store.Store
	queue     *queue.Queue
	cursors   *scan.Cursors
	session   *pixiv.Session
	client    *pixiv.Client
	publisher *status.Publisher
	sched     *daemon.Scheduler
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
	if err := a.logWriter.Close(); err != nil {
		slog.Warn("failed to close log writer", "error", err)
	}
}

// buildApp loads the configuration and wires every component.
func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.DataDir(), cfg.ImageDir(), cfg.MetadataDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "create "+dir)
		}
	}

	levelStr := cfg.Log.Level
	if logLevel != "" {
		levelStr = logLevel
	}
	level, err := logging.ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	logWriter, err := logging.Setup(cfg.LogDir(), level)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath(), slog.Default())
	if err != nil {
		return nil, err
	}
	q, err := queue.Load(cfg.QueuePath(), slog.Default())
	if err != nil {
		return nil, err
	}
	cursors, err := scan.LoadCursors(cfg.CursorPath())
	if err != nil {
		return nil, err
	}

	session := pixiv.NewSession(cfg.RefreshToken, cfg.TokenPath(), cfg.Timeout(), logging.Named("pixiv-backup.auth"))
	client := pixiv.NewClient(session)
	action := logging.Named(logging.ActionLogger)

	scanner := scan.New(scan.Params{
		API:          client,
		Meta:         st,
		Queue:        q,
		Cursors:      cursors,
		Logger:       slog.Default(),
		Action:       action,
		UserID:       cfg.UserID,
		Restrict:     string(cfg.Restrict),
		MaxDownloads: cfg.MaxDownloads,
	})
	fetcher := fetch.New(fetch.Params{
		HTTPClient:    &http.Client{Timeout: cfg.Timeout()},
		API:           client,
		Meta:          st,
		ImageDir:      cfg.ImageDir(),
		MetadataDir:   cfg.MetadataDir(),
		Logger:        slog.Default(),
		Action:        action,
		ArtifactPause: cfg.LowSpeedInterval(),
	})

	publisher := status.NewPublisher(cfg.StatusPath())
	pacer := queue.NewPacer(cfg.HighSpeedQueueSize, cfg.LowSpeedInterval(), cfg.IntervalJitter())

	sched := daemon.New(daemon.Params{
		Config:         cfg,
		ConfigPath:     configPath,
		Session:        session,
		Scanner:        scanner,
		Fetcher:        fetcher,
		Queue:          q,
		Meta:           st,
		Pacer:          pacer,
		Publisher:      publisher,
		SentinelPath:   cfg.SentinelPath(),
		LastRunPath:    cfg.LastRunPath(),
		RunHistoryPath: cfg.RunHistoryPath(),
		Logger:         slog.Default(),
		Action:         action,
	})

	return &app{
		cfg:       cfg,
		logWriter: logWriter,
		store:     st,
		queue:     q,
		cursors:   cursors,
		session:   session,
		client:    client,
		publisher: publisher,
		sched:     sched,
	}, nil
}

// runDaemon runs the scheduler in the foreground until a stop signal.
func runDaemon() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	pidPath := a.cfg.PIDPath()
	if pid, err := daemon.ReadPID(pidPath); err == nil && daemon.Alive(pid) {
		return errors.Newf("daemon already running (pid %d)", pid)
	}
	if err := daemon.WritePID(pidPath); err != nil {
		return err
	}
	defer func() {
		if err := daemon.RemovePID(pidPath); err != nil {
			slog.Warn("failed to remove pid file", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("daemon starting", "version", version, "output_dir", a.cfg.OutputDir)
	return a.sched.Run(ctx)
}

func runStop(*cobra.Command, []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	found, err := daemon.SignalStop(cfg.PIDPath())
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("no running daemon found")
		return nil
	}

	deadline := time.Now().Add(stopWaitTimeout)
	for time.Now().Before(deadline) {
		pid, err := daemon.ReadPID(cfg.PIDPath())
		if err != nil || !daemon.Alive(pid) {
			fmt.Println("daemon stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return errors.New("daemon did not stop within " + stopWaitTimeout.String())
}

func runStatus(*cobra.Command, []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	pid, _ := daemon.ReadPID(cfg.PIDPath())
	if daemon.Alive(pid) {
		fmt.Printf("daemon: running (pid %d)\n", pid)
	} else {
		fmt.Println("daemon: not running")
	}

	doc, err := status.Read(cfg.StatusPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("no status snapshot yet")
			return nil
		}
		return err
	}

	fmt.Printf("state: %s", doc.State)
	if doc.Phase != "" {
		fmt.Printf(" (%s)", doc.Phase)
	}
	fmt.Println()
	if doc.Message != "" {
		fmt.Printf("message: %s\n", doc.Message)
	}
	fmt.Printf("archive: %d of %d works downloaded\n", doc.DownloadedWorks, doc.TotalWorks)
	fmt.Printf("round: %d processed, %d ok, %d skipped, %d failed\n",
		doc.ProcessedTotal, doc.Success, doc.Skipped, doc.Failed)
	fmt.Printf("queue: %d pending, %d failed, %d done, %d parked\n",
		doc.Queue.Pending, doc.Queue.Failed, doc.Queue.Done, doc.Queue.PermanentFailed)
	if doc.HitMaxDownloads {
		fmt.Println("hit_max_downloads: true")
	}
	if doc.RateLimited {
		fmt.Println("rate_limited: true")
	}
	if doc.CooldownReason != "" && doc.NextRunAt != nil {
		fmt.Printf("next run: %s (%s)\n", doc.NextRunAt.Format(time.RFC3339), doc.CooldownReason)
	}
	if doc.LastError != "" {
		fmt.Printf("last error: %s\n", doc.LastError)
	}
	fmt.Printf("updated: %s\n", doc.UpdatedAt.Format(time.RFC3339))

	if last, err := status.ReadLastRun(cfg.LastRunPath()); err == nil && !last.IsZero() {
		fmt.Printf("last completed round: %s\n", last.Format(time.RFC3339))
	}
	return nil
}

func runTest(*cobra.Command, []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Println("configuration: ok")

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return errors.Wrap(err, "create data dir")
	}

	session := pixiv.NewSession(cfg.RefreshToken, cfg.TokenPath(), cfg.Timeout(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	client := pixiv.NewClient(session)

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Timeout())
	defer cancel()

	if err := session.EnsureFresh(ctx); err != nil {
		return errors.Wrap(err, "token refresh failed")
	}
	fmt.Println("token refresh: ok")

	detail, err := client.UserDetail(ctx, cfg.UserID)
	if err != nil {
		return errors.Wrap(err, "user lookup failed")
	}
	fmt.Printf("connectivity: ok (user %s @%s, following %d authors)\n",
		detail.User.Name, detail.User.Account, detail.Profile.TotalFollowUsers)
	return nil
}

func runOnce(_ *cobra.Command, args []string) error {
	count, err := strconv.Atoi(args[0])
	if err != nil || count <= 0 {
		return errors.New("count must be a positive integer")
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bar := pb.StartNew(count)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bar.SetCurrent(int64(a.publisher.Snapshot().ProcessedTotal))
			}
		}
	}()

	doc, runErr := a.sched.RunOnce(ctx, count)
	close(done)
	bar.SetCurrent(int64(doc.ProcessedTotal))
	bar.Finish()

	fmt.Printf("round finished: %d ok, %d failed, %d skipped\n", doc.Success, doc.Failed, doc.Skipped)
	if doc.RateLimited {
		fmt.Println("the upstream rate-limited this round; re-run later to continue")
	}
	return runErr
}

func runLog(*cobra.Command, []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	path := logging.CurrentPath(cfg.LogDir())
	if logSyslog {
		path = "/var/log/syslog"
	}
	return tailFile(path, logLines, !logNoFollow)
}

// tailFile prints the last n lines of path, then keeps printing appended
// data until interrupted.
func tailFile(path string, n int, follow bool) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the configured log dir
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "read log")
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	if !follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	offset := int64(len(data))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() < offset {
			// Rotated or truncated; start over from the top.
			offset = 0
		}
		if info.Size() == offset {
			continue
		}

		f, err := os.Open(path) // #nosec G304 - same path as above
		if err != nil {
			continue
		}
		if _, err := f.Seek(offset, io.SeekStart); err == nil {
			if appended, err := io.ReadAll(f); err == nil {
				fmt.Print(string(appended))
				offset += int64(len(appended))
			}
		}
		_ = f.Close()
	}
}

func runRepair(*cobra.Command, []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	report, err := repair.Run(cfg, repairApply, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		return err
	}
	if len(report.Findings) == 0 {
		fmt.Println("no problems found")
		return nil
	}
	for _, f := range report.Findings {
		marker := " "
		if f.Fixed {
			marker = "*"
		}
		fmt.Printf("%s %-22s %s\n", marker, f.Code, f.Detail)
	}
	if repairApply {
		fmt.Println("entries marked * were fixed")
	} else {
		fmt.Println("run with --apply to fix")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
