// Package config loads the per-round configuration snapshot.
//
// The router's configuration store materializes a flat TOML file; the
// backup core re-reads it at every round boundary and treats the decoded
// struct as immutable for the duration of the round.
package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

const (
	defaultTimeoutSeconds       = 30
	defaultSyncIntervalMin      = 360
	defaultCooldownLimitMin     = 60
	defaultCooldownErrorMin     = 180
	defaultHighSpeedQueueSize   = 20
	defaultLowSpeedIntervalSecs = 1.5
	defaultIntervalJitterMS     = 500
)

// Mode selects which listing sources the scanner walks.
type Mode string

// Scan modes.
const (
	ModeBookmarks Mode = "bookmarks"
	ModeFollowing Mode = "following"
	ModeBoth      Mode = "both"
)

// Restrict selects the visibility class of listed works.
type Restrict string

// Restrict values.
const (
	RestrictPublic  Restrict = "public"
	RestrictPrivate Restrict = "private"
)

// Config is the immutable parameter set for one round.
type Config struct {
	Enabled      bool   `toml:"enabled"`
	UserID       int64  `toml:"user_id"`
	RefreshToken string `toml:"refresh_token"`
	OutputDir    string `toml:"output_dir"`

	Mode     Mode     `toml:"mode"`
	Restrict Restrict `toml:"restrict"`

	// MaxDownloads caps the number of successful downloads per round.
	// Zero means unlimited.
	MaxDownloads int `toml:"max_downloads"`

	TimeoutSeconds            int `toml:"timeout"`
	SyncIntervalMinutes       int `toml:"sync_interval_minutes"`
	CooldownAfterLimitMinutes int `toml:"cooldown_after_limit_minutes"`
	CooldownAfterErrorMinutes int `toml:"cooldown_after_error_minutes"`

	HighSpeedQueueSize      int     `toml:"high_speed_queue_size"`
	LowSpeedIntervalSeconds float64 `toml:"low_speed_interval_seconds"`
	IntervalJitterMS        int     `toml:"interval_jitter_ms"`

	Log LogConfig `toml:"log"`
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level string `toml:"level"`
}

// New creates a Config with default values.
func New() *Config {
	return &Config{
		Enabled:                   true,
		Mode:                      ModeBookmarks,
		Restrict:                  RestrictPublic,
		TimeoutSeconds:            defaultTimeoutSeconds,
		SyncIntervalMinutes:       defaultSyncIntervalMin,
		CooldownAfterLimitMinutes: defaultCooldownLimitMin,
		CooldownAfterErrorMinutes: defaultCooldownErrorMin,
		HighSpeedQueueSize:        defaultHighSpeedQueueSize,
		LowSpeedIntervalSeconds:   defaultLowSpeedIntervalSecs,
		IntervalJitterMS:          defaultIntervalJitterMS,
	}
}

// Load decodes path into a fresh Config snapshot and validates it.
func Load(path string) (*Config, error) {
	cfg := New()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "config.Load: "+path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		slog.Warn("ignoring unknown configuration keys", "keys", keys, "path", path)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.UserID <= 0 {
		return errors.New("user_id is not set")
	}
	if c.RefreshToken == "" {
		return errors.New("refresh_token is not set")
	}
	if c.OutputDir == "" {
		return errors.New("output_dir is not set")
	}
	if !filepath.IsAbs(c.OutputDir) {
		return errors.New("output_dir must be an absolute path")
	}

	switch c.Mode {
	case ModeBookmarks, ModeFollowing, ModeBoth:
	default:
		return errors.New("invalid mode: " + string(c.Mode))
	}

	switch c.Restrict {
	case RestrictPublic, RestrictPrivate:
	default:
		return errors.New("invalid restrict: " + string(c.Restrict))
	}

	if c.MaxDownloads < 0 {
		return errors.New("max_downloads must not be negative")
	}
	if c.MaxDownloads == 0 {
		slog.Info("max_downloads=0: per-round download count is unlimited")
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.SyncIntervalMinutes <= 0 {
		c.SyncIntervalMinutes = defaultSyncIntervalMin
	}
	if c.CooldownAfterLimitMinutes <= 0 {
		c.CooldownAfterLimitMinutes = defaultCooldownLimitMin
	}
	if c.CooldownAfterErrorMinutes <= 0 {
		c.CooldownAfterErrorMinutes = defaultCooldownErrorMin
	}
	if c.HighSpeedQueueSize < 0 {
		c.HighSpeedQueueSize = defaultHighSpeedQueueSize
	}
	if c.LowSpeedIntervalSeconds < 0 {
		c.LowSpeedIntervalSeconds = defaultLowSpeedIntervalSecs
	}
	if c.IntervalJitterMS < 0 {
		c.IntervalJitterMS = defaultIntervalJitterMS
	}

	return nil
}

// Timeout returns the per-request HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SyncInterval returns the normal wait between rounds.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMinutes) * time.Minute
}

// CooldownAfterLimit returns the wait after a round that hit max_downloads.
func (c *Config) CooldownAfterLimit() time.Duration {
	return time.Duration(c.CooldownAfterLimitMinutes) * time.Minute
}

// CooldownAfterError returns the wait after a rate-limited or failed round.
func (c *Config) CooldownAfterError() time.Duration {
	return time.Duration(c.CooldownAfterErrorMinutes) * time.Minute
}

// LowSpeedInterval returns the minimum inter-claim delay once the
// high-speed window is spent.
func (c *Config) LowSpeedInterval() time.Duration {
	return time.Duration(c.LowSpeedIntervalSeconds * float64(time.Second))
}

// IntervalJitter returns the maximum random addition to the inter-claim delay.
func (c *Config) IntervalJitter() time.Duration {
	return time.Duration(c.IntervalJitterMS) * time.Millisecond
}

// On-disk layout under OutputDir:
//
//	img/<illust_id>/...      downloaded artifacts
//	metadata/<illust_id>.json
//	data/                    queue, cursors, status, token, pid, logs

// ImageDir returns the image tree root.
func (c *Config) ImageDir() string { return filepath.Join(c.OutputDir, "img") }

// MetadataDir returns the per-work metadata directory.
func (c *Config) MetadataDir() string { return filepath.Join(c.OutputDir, "metadata") }

// DataDir returns the runtime state directory.
func (c *Config) DataDir() string { return filepath.Join(c.OutputDir, "data") }

// LogDir returns the audit log directory.
func (c *Config) LogDir() string { return filepath.Join(c.DataDir(), "logs") }

// DatabasePath returns the sqlite store path.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir(), "pixiv.db") }

// QueuePath returns the durable task queue document path.
func (c *Config) QueuePath() string { return filepath.Join(c.DataDir(), "task_queue.json") }

// CursorPath returns the scan cursor document path.
func (c *Config) CursorPath() string { return filepath.Join(c.DataDir(), "scan_cursor.json") }

// StatusPath returns the runtime status snapshot path.
func (c *Config) StatusPath() string { return filepath.Join(c.DataDir(), "status.json") }

// TokenPath returns the auth token cache path.
func (c *Config) TokenPath() string { return filepath.Join(c.DataDir(), "token.json") }

// SentinelPath returns the force-run sentinel path.
func (c *Config) SentinelPath() string { return filepath.Join(c.DataDir(), "force_run.flag") }

// PIDPath returns the daemon pidfile path.
func (c *Config) PIDPath() string { return filepath.Join(c.DataDir(), "pixiv-backup.pid") }

// LastRunPath returns the last completion timestamp path.
func (c *Config) LastRunPath() string { return filepath.Join(c.DataDir(), "last_run.txt") }

// RunHistoryPath returns the round history document path.
func (c *Config) RunHistoryPath() string { return filepath.Join(c.DataDir(), "run_history.json") }
