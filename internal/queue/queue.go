// Package queue is the durable download queue: a single JSON document
// holding every work awaiting download, with per-category retry backoff
// and two-tier claim pacing.
package queue

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pixiv-backup/pixiv-backup/internal/fsutil"
	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
)

// Item statuses.
const (
	StatusPending         = "pending"
	StatusRunning         = "running"
	StatusDone            = "done"
	StatusFailed          = "failed"
	StatusPermanentFailed = "permanent_failed"
)

// ItemError is the structured last failure of an item.
type ItemError struct {
	Category   pixiv.Category `json:"category"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Message    string         `json:"message"`
}

// Item is one queued work. The trimmed illust copy lets the downloader
// proceed without re-listing.
type Item struct {
	IllustID     int64      `json:"illust_id"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	FailedRounds int        `json:"failed_rounds"`
	LastError    *ItemError `json:"last_error,omitempty"`
	NextRetryAt  time.Time  `json:"next_retry_at,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// FailedRound stamps the round of the last invalid failure, so an
	// invalid work gets one attempt per round rather than burning its
	// failed_rounds allowance in a single drain.
	FailedRound string `json:"failed_round,omitempty"`

	Bookmarked      bool `json:"bookmarked"`
	FollowingAuthor bool `json:"following_author"`

	Illust pixiv.Illust `json:"illust"`
}

type document struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Items     []*Item   `json:"items"`
}

// Counts is a point-in-time tally per status.
type Counts struct {
	Pending         int `json:"pending"`
	Running         int `json:"running"`
	Done            int `json:"done"`
	Failed          int `json:"failed"`
	PermanentFailed int `json:"permanent_failed"`
}

// Queue is the single-writer durable queue. Mutations mark the in-memory
// state dirty; Flush batches them into one atomic file write.
type Queue struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	items map[int64]*Item
	dirty bool
	round string
}

// BeginRound marks the start of a drain round. Invalid failures recorded
// under the same round id stay ineligible until the next one.
func (q *Queue) BeginRound(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.round = id
}

// Load reads the queue document from path, creating an empty queue when
// the file does not exist. Items found in running state were orphaned by
// a previous crash and revert to pending.
func Load(path string, logger *slog.Logger) (*Queue, error) {
	q := &Queue{
		path:   path,
		logger: logger,
		items:  make(map[int64]*Item),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "queue.Load")
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "queue.Load: "+path)
	}
	for _, item := range doc.Items {
		if item.Status == StatusRunning {
			item.Status = StatusPending
			item.UpdatedAt = time.Now()
			q.dirty = true
			logger.Warn("released orphaned running item", "illust_id", item.IllustID)
		}
		q.items[item.IllustID] = item
	}
	return q, nil
}

// Enqueue inserts the work or refreshes an existing entry. Re-observation
// widens provenance and refreshes the embedded record but never touches
// retry accounting: listed works are re-observed every round, so resetting
// retry_count or failed_rounds here would defeat the category caps. Only a
// done entry reverts to pending, for re-download after a purge race.
func (q *Queue) Enqueue(il *pixiv.Illust, bookmarked, followingAuthor bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	existing, ok := q.items[il.ID]
	if !ok {
		q.items[il.ID] = &Item{
			IllustID:        il.ID,
			Status:          StatusPending,
			EnqueuedAt:      now,
			UpdatedAt:       now,
			Bookmarked:      bookmarked,
			FollowingAuthor: followingAuthor,
			Illust:          *il,
		}
		q.dirty = true
		return true
	}

	existing.Bookmarked = existing.Bookmarked || bookmarked
	existing.FollowingAuthor = existing.FollowingAuthor || followingAuthor
	existing.Illust = *il
	existing.UpdatedAt = now

	switch existing.Status {
	case StatusDone:
		existing.Status = StatusPending
		existing.RetryCount = 0
		existing.FailedRounds = 0
		existing.LastError = nil
		existing.NextRetryAt = time.Time{}
		q.dirty = true
		return true
	default:
		// pending, running, failed and permanent_failed keep their
		// state; failed keeps its backoff schedule.
		q.dirty = true
		return false
	}
}

// eligible reports whether the item may be claimed at now.
func (q *Queue) eligible(item *Item, now time.Time) bool {
	switch item.Status {
	case StatusPending:
		return true
	case StatusFailed:
		if item.NextRetryAt.After(now) {
			return false
		}
		// An invalid failure from this round waits for the next one.
		return q.round == "" || item.FailedRound != q.round
	default:
		return false
	}
}

// claimLess orders claim candidates: pending before failed, bookmark
// provenance before following, then FIFO.
func claimLess(a, b *Item) bool {
	if (a.Status == StatusPending) != (b.Status == StatusPending) {
		return a.Status == StatusPending
	}
	if a.Bookmarked != b.Bookmarked {
		return a.Bookmarked
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// ClaimNext transitions the best eligible item to running and returns a
// copy of it, or nil when nothing is claimable.
func (q *Queue) ClaimNext(now time.Time) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Item
	for _, item := range q.items {
		if !q.eligible(item, now) {
			continue
		}
		if best == nil || claimLess(item, best) {
			best = item
		}
	}
	if best == nil {
		return nil
	}

	best.Status = StatusRunning
	best.UpdatedAt = now
	q.dirty = true

	claimed := *best
	return &claimed
}

// Complete records the outcome of a claimed item. On failure the retry
// category decides the schedule: invalid parks the item after a few
// failed rounds, auth releases it untouched for the scheduler to handle,
// and the rest back off exponentially until their retry cap.
func (q *Queue) Complete(illustID int64, failure error, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[illustID]
	if !ok {
		q.logger.Warn("completion for unknown queue item", "illust_id", illustID)
		return
	}
	defer func() {
		item.UpdatedAt = now
		q.dirty = true
	}()

	if failure == nil {
		item.Status = StatusDone
		item.LastError = nil
		item.NextRetryAt = time.Time{}
		item.FailedRounds = 0
		return
	}

	category := pixiv.Classify(failure)
	itemErr := &ItemError{Category: category, Message: failure.Error()}
	var apiErr *pixiv.APIError
	if errors.As(failure, &apiErr) {
		itemErr.HTTPStatus = apiErr.StatusCode
	}
	item.LastError = itemErr

	switch category {
	case pixiv.CategoryAuth:
		// The scheduler owns auth recovery; no local retry accounting.
		item.Status = StatusPending
		return
	case pixiv.CategoryInvalid:
		item.FailedRounds++
		if item.FailedRounds >= invalidFailedRoundsLimit {
			item.Status = StatusPermanentFailed
			q.logger.Info("work parked as permanently failed",
				"illust_id", illustID, "failed_rounds", item.FailedRounds)
			return
		}
		item.Status = StatusFailed
		item.NextRetryAt = now
		item.FailedRound = q.round
		return
	}

	item.RetryCount++
	if item.RetryCount > MaxRetries(category) {
		item.Status = StatusPermanentFailed
		q.logger.Info("retry cap exceeded, work parked",
			"illust_id", illustID, "category", string(category), "retry_count", item.RetryCount)
		return
	}
	item.Status = StatusFailed
	item.NextRetryAt = now.Add(Backoff(category, item.RetryCount))
}

// ReleaseRunning reverts running items to pending. Used on graceful stop
// so an interrupted download is retried next round.
func (q *Queue) ReleaseRunning() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	released := 0
	for _, item := range q.items {
		if item.Status == StatusRunning {
			item.Status = StatusPending
			item.UpdatedAt = time.Now()
			released++
			q.dirty = true
		}
	}
	return released
}

// PurgeDone drops done items whose last update predates the cutoff.
func (q *Queue) PurgeDone(olderThan time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	purged := 0
	for id, item := range q.items {
		if item.Status == StatusDone && item.UpdatedAt.Before(olderThan) {
			delete(q.items, id)
			purged++
			q.dirty = true
		}
	}
	return purged
}

// Snapshot tallies items per status.
func (q *Queue) Snapshot() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Running++
		case StatusDone:
			c.Done++
		case StatusFailed:
			c.Failed++
		case StatusPermanentFailed:
			c.PermanentFailed++
		}
	}
	return c
}

// Get returns a copy of one item, or nil.
func (q *Queue) Get(illustID int64) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[illustID]
	if !ok {
		return nil
	}
	copied := *item
	return &copied
}

// Flush writes the queue document atomically when any mutation happened
// since the last flush. Callers batch several mutations per flush.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.dirty {
		return nil
	}

	doc := document{
		Version:   1,
		UpdatedAt: time.Now(),
		Items:     make([]*Item, 0, len(q.items)),
	}
	for _, item := range q.items {
		doc.Items = append(doc.Items, item)
	}
	sort.Slice(doc.Items, func(i, j int) bool {
		return doc.Items[i].EnqueuedAt.Before(doc.Items[j].EnqueuedAt)
	})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&doc); err != nil {
		return errors.Wrap(err, "queue.Flush")
	}
	if err := fsutil.WriteFileAtomic(q.path, buf.Bytes(), 0644); err != nil {
		return errors.Wrap(err, "queue.Flush")
	}
	q.dirty = false
	return nil
}
