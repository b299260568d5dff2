// Package status publishes the runtime snapshot observers read:
// status.json, last_run.txt and the bounded run history. The snapshot
// file is the only fan-out channel; nothing reads the live queue.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pixiv-backup/pixiv-backup/internal/fsutil"
	"github.com/pixiv-backup/pixiv-backup/internal/queue"
)

// States visible in status.json.
const (
	StateIdle     = "idle"
	StateSyncing  = "syncing"
	StateCooldown = "cooldown"
	StateStopped  = "stopped"
)

// recentErrorCap bounds the error ring in the snapshot.
const recentErrorCap = 10

// Document is the status.json schema.
type Document struct {
	State   string `json:"state"`
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
	RoundID string `json:"round_id,omitempty"`

	ProcessedTotal  int  `json:"processed_total"`
	Success         int  `json:"success"`
	Skipped         int  `json:"skipped"`
	Failed          int  `json:"failed"`
	HitMaxDownloads bool `json:"hit_max_downloads"`
	RateLimited     bool `json:"rate_limited"`

	LastError    string   `json:"last_error,omitempty"`
	RecentErrors []string `json:"recent_errors,omitempty"`

	Queue queue.Counts `json:"queue"`

	CooldownReason  string     `json:"cooldown_reason,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	CooldownSeconds int        `json:"cooldown_seconds,omitempty"`

	TotalWorks      int64 `json:"total_works"`
	DownloadedWorks int64 `json:"downloaded_works"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher accumulates round progress and writes the snapshot
// atomically. Safe for use from the scheduler and the periodic ticker.
type Publisher struct {
	path string

	mu        sync.Mutex
	doc       Document
	lastWrite time.Time
}

// NewPublisher creates a Publisher writing to path.
func NewPublisher(path string) *Publisher {
	return &Publisher{path: path, doc: Document{State: StateIdle}}
}

// BeginRound resets per-round counters and stamps the round id.
func (p *Publisher) BeginRound(roundID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.RoundID = roundID
	p.doc.ProcessedTotal = 0
	p.doc.Success = 0
	p.doc.Skipped = 0
	p.doc.Failed = 0
	p.doc.HitMaxDownloads = false
	p.doc.RateLimited = false
	p.doc.LastError = ""
	p.doc.CooldownReason = ""
	p.doc.NextRunAt = nil
	p.doc.CooldownSeconds = 0
}

// SetState records the scheduler's externally visible state and phase.
func (p *Publisher) SetState(state, phase, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.State = state
	p.doc.Phase = phase
	p.doc.Message = message
}

// SetQueue records the queue tally.
func (p *Publisher) SetQueue(counts queue.Counts) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.Queue = counts
}

// SetTotals records the archive-wide counters.
func (p *Publisher) SetTotals(total, downloaded int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.TotalWorks = total
	p.doc.DownloadedWorks = downloaded
}

// AddSuccess counts one archived work.
func (p *Publisher) AddSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.ProcessedTotal++
	p.doc.Success++
}

// AddSkipped counts works a scan pass walked past without queueing,
// already archived or access limited.
func (p *Publisher) AddSkipped(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.ProcessedTotal += n
	p.doc.Skipped += n
}

// AddFailure counts one failed work and keeps its message in the bounded
// recent-error ring.
func (p *Publisher) AddFailure(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.ProcessedTotal++
	p.doc.Failed++
	p.doc.LastError = message
	p.doc.RecentErrors = append(p.doc.RecentErrors, message)
	if len(p.doc.RecentErrors) > recentErrorCap {
		p.doc.RecentErrors = p.doc.RecentErrors[len(p.doc.RecentErrors)-recentErrorCap:]
	}
}

// SetRoundOutcome records the round-level flags.
func (p *Publisher) SetRoundOutcome(hitMax, rateLimited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.HitMaxDownloads = p.doc.HitMaxDownloads || hitMax
	p.doc.RateLimited = p.doc.RateLimited || rateLimited
}

// SetLastError records a round-fatal error message.
func (p *Publisher) SetLastError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.LastError = message
}

// SetWait records the upcoming wait so observers can show a countdown.
func (p *Publisher) SetWait(reason string, until time.Time, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.CooldownReason = reason
	p.doc.NextRunAt = &until
	p.doc.CooldownSeconds = int(d / time.Second)
}

// Snapshot returns a copy of the current document.
func (p *Publisher) Snapshot() Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

// Publish writes the snapshot atomically. updated_at is strictly
// monotonic across publications even when the clock stalls.
func (p *Publisher) Publish() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !now.After(p.lastWrite) {
		now = p.lastWrite.Add(time.Millisecond)
	}
	p.lastWrite = now
	p.doc.UpdatedAt = now

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&p.doc); err != nil {
		return errors.Wrap(err, "status.Publish")
	}
	return errors.Wrap(fsutil.WriteFileAtomic(p.path, buf.Bytes(), 0644), "status.Publish")
}

// PublishEvery publishes on a ticker until ctx is done. A failed write
// is logged and retried on the next tick; the snapshot is an observer
// convenience and must never take the daemon down with it.
func (p *Publisher) PublishEvery(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := p.Publish(); err != nil {
				slog.Warn("final status publication failed", "error", err)
			}
			return nil
		case <-ticker.C:
			if err := p.Publish(); err != nil {
				slog.Warn("status publication failed", "error", err)
			}
		}
	}
}

// Read loads a previously published snapshot.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "status.Read")
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "status.Read: "+path)
	}
	return &doc, nil
}
