// Package repair diagnoses and fixes the daemon's on-disk state: stale
// pid files, orphaned queue items, corrupt token caches, and leftover
// partial downloads. It runs only while the daemon is stopped.
package repair

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pixiv-backup/pixiv-backup/internal/config"
	"github.com/pixiv-backup/pixiv-backup/internal/daemon"
	"github.com/pixiv-backup/pixiv-backup/internal/queue"
	"github.com/pixiv-backup/pixiv-backup/internal/store"
)

// historyPurgeAge bounds how long download history rows are kept.
const historyPurgeAge = 30 * 24 * time.Hour

// Finding is one detected problem.
type Finding struct {
	Code   string
	Detail string
	Fixed  bool
}

// Report lists what was found and, with apply, what was fixed.
type Report struct {
	Findings []Finding
}

func (r *Report) add(code, detail string, fixed bool) {
	r.Findings = append(r.Findings, Finding{Code: code, Detail: detail, Fixed: fixed})
}

// Run inspects the state under cfg.OutputDir. With apply=false it only
// reports; with apply=true it fixes what it safely can.
func Run(cfg *config.Config, apply bool, logger *slog.Logger) (*Report, error) {
	report := &Report{}

	if err := checkDaemonStopped(cfg, report); err != nil {
		return report, err
	}
	checkPIDFile(cfg, apply, report)
	if err := checkQueue(cfg, apply, logger, report); err != nil {
		return report, err
	}
	checkTokenCache(cfg, apply, report)
	checkPartialFiles(cfg, apply, report)
	if err := checkSchema(cfg, apply, logger, report); err != nil {
		return report, err
	}

	return report, nil
}

func checkDaemonStopped(cfg *config.Config, report *Report) error {
	pid, err := daemon.ReadPID(cfg.PIDPath())
	if err != nil {
		report.add("pidfile_unreadable", err.Error(), false)
		return nil
	}
	if daemon.Alive(pid) {
		return errors.Newf("daemon is running (pid %d), stop it before repairing", pid)
	}
	return nil
}

func checkPIDFile(cfg *config.Config, apply bool, report *Report) {
	pid, err := daemon.ReadPID(cfg.PIDPath())
	if err != nil || pid == 0 {
		return
	}
	// The liveness gate above passed, so this pid is dead.
	detail := "stale pid file for dead process " + strconv.Itoa(pid)
	if apply {
		if err := daemon.RemovePID(cfg.PIDPath()); err != nil {
			report.add("stale_pidfile", detail+": "+err.Error(), false)
			return
		}
	}
	report.add("stale_pidfile", detail, apply)
}

func checkQueue(cfg *config.Config, apply bool, logger *slog.Logger, report *Report) error {
	// Count stuck items in the raw document: queue.Load reverts them in
	// memory, which would hide the finding.
	stuck, err := countRunningInFile(cfg.QueuePath())
	if err != nil {
		report.add("queue_unreadable", err.Error(), false)
		return nil
	}
	if stuck == 0 {
		return nil
	}
	report.add("queue_running_items", strconv.Itoa(stuck)+" items stuck in running", apply)
	if !apply {
		return nil
	}

	q, err := queue.Load(cfg.QueuePath(), logger)
	if err != nil {
		report.add("queue_unreadable", err.Error(), false)
		return nil
	}
	// Load reverted the stuck items to pending; flushing makes that
	// recovery durable.
	if err := q.Flush(); err != nil {
		return errors.Wrap(err, "repair: flush queue")
	}
	return nil
}

func countRunningInFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var doc struct {
		Items []struct {
			Status string `json:"status"`
		} `json:"items"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, err
	}
	running := 0
	for _, item := range doc.Items {
		if item.Status == queue.StatusRunning {
			running++
		}
	}
	return running, nil
}

func checkTokenCache(cfg *config.Config, apply bool, report *Report) {
	data, err := os.ReadFile(cfg.TokenPath())
	if os.IsNotExist(err) {
		return
	}
	if err == nil && json.Valid(data) {
		return
	}
	detail := "token cache is not valid JSON"
	if err != nil {
		detail = "token cache unreadable: " + err.Error()
	}
	if apply {
		if rerr := os.Remove(cfg.TokenPath()); rerr != nil {
			report.add("token_cache_corrupt", detail+": "+rerr.Error(), false)
			return
		}
	}
	report.add("token_cache_corrupt", detail, apply)
}

func checkPartialFiles(cfg *config.Config, apply bool, report *Report) {
	_ = filepath.WalkDir(cfg.ImageDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".part") {
			return nil
		}
		detail := "leftover partial download " + path
		if apply {
			if rerr := os.Remove(path); rerr != nil {
				report.add("partial_file", detail+": "+rerr.Error(), false)
				return nil
			}
		}
		report.add("partial_file", detail, apply)
		return nil
	})
}

func checkSchema(cfg *config.Config, apply bool, logger *slog.Logger, report *Report) error {
	if _, err := os.Stat(cfg.DatabasePath()); os.IsNotExist(err) {
		report.add("database_missing", cfg.DatabasePath()+" does not exist yet", false)
		return nil
	}
	if !apply {
		return nil
	}
	// Opening migrates: missing columns are added non-destructively.
	s, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		report.add("database_unopenable", err.Error(), false)
		return nil
	}
	defer func() { _ = s.Close() }()

	if _, err := s.CountTotal(); err != nil {
		report.add("database_query_failed", err.Error(), false)
		return nil
	}
	report.add("database_migrated", "schema checked and migrated", true)

	if purged, err := s.PurgeHistory(time.Now().Add(-historyPurgeAge)); err == nil && purged > 0 {
		report.add("history_purged", strconv.FormatInt(purged, 10)+" old download history rows removed", true)
	}
	return nil
}
