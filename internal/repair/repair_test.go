package repair

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixiv-backup/pixiv-backup/internal/config"
	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
	"github.com/pixiv-backup/pixiv-backup/internal/queue"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.UserID = 1
	cfg.RefreshToken = "r"
	cfg.OutputDir = t.TempDir()
	require.NoError(t, os.MkdirAll(cfg.DataDir(), 0755))
	return cfg
}

func findingCodes(r *Report) []string {
	codes := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		codes = append(codes, f.Code)
	}
	return codes
}

func TestRepairCleanState(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	report, err := Run(cfg, false, logger)
	require.NoError(t, err)
	assert.Contains(t, findingCodes(report), "database_missing")
}

func TestRepairStalePIDFile(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A pid that cannot exist.
	require.NoError(t, os.WriteFile(cfg.PIDPath(), []byte("999999999\n"), 0644))

	report, err := Run(cfg, false, logger)
	require.NoError(t, err)
	assert.Contains(t, findingCodes(report), "stale_pidfile")

	report, err = Run(cfg, true, logger)
	require.NoError(t, err)
	assert.Contains(t, findingCodes(report), "stale_pidfile")

	_, statErr := os.Stat(cfg.PIDPath())
	assert.True(t, os.IsNotExist(statErr), "apply removed the stale pid file")
}

func TestRepairCorruptTokenCache(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	require.NoError(t, os.WriteFile(cfg.TokenPath(), []byte("{truncated"), 0600))

	report, err := Run(cfg, true, logger)
	require.NoError(t, err)
	assert.Contains(t, findingCodes(report), "token_cache_corrupt")

	_, statErr := os.Stat(cfg.TokenPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestRepairReleasesRunningItems(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	q, err := queue.Load(cfg.QueuePath(), logger)
	require.NoError(t, err)
	require.True(t, q.Enqueue(&pixiv.Illust{ID: 1, Title: "t", Visible: true, User: pixiv.User{ID: 1}}, true, false))
	require.NotNil(t, q.ClaimNext(time.Now()))
	require.NoError(t, q.Flush())

	report, err := Run(cfg, true, logger)
	require.NoError(t, err)
	assert.Contains(t, findingCodes(report), "queue_running_items")

	reloaded, err := queue.Load(cfg.QueuePath(), logger)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Snapshot().Pending)
	assert.Equal(t, 0, reloaded.Snapshot().Running)
}

func TestRepairRemovesPartialFiles(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := filepath.Join(cfg.ImageDir(), "55")
	require.NoError(t, os.MkdirAll(dir, 0755))
	part := filepath.Join(dir, "55.png.part")
	require.NoError(t, os.WriteFile(part, []byte("half"), 0644))
	final := filepath.Join(dir, "55.png")
	require.NoError(t, os.WriteFile(final, []byte("whole"), 0644))

	report, err := Run(cfg, true, logger)
	require.NoError(t, err)
	assert.Contains(t, findingCodes(report), "partial_file")

	_, statErr := os.Stat(part)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(final)
	assert.NoError(t, statErr, "finished files stay")
}
