// Package scan walks the upstream listing sources and feeds the download
// queue, keeping durable cursors so later rounds stop early.
package scan

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"github.com/pixiv-backup/pixiv-backup/internal/config"
	"github.com/pixiv-backup/pixiv-backup/internal/logging"
	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
	"github.com/pixiv-backup/pixiv-backup/internal/queue"
	"github.com/pixiv-backup/pixiv-backup/internal/store"
)

// ConsecutiveKnownStop ends an incremental bookmark scan after this many
// already-archived works in a row.
const ConsecutiveKnownStop = 50

// API is the subset of the upstream client the scanner needs.
type API interface {
	UserBookmarks(ctx context.Context, userID int64, restrict, nextURL string) (*pixiv.IllustPage, error)
	UserFollowing(ctx context.Context, userID int64, restrict, nextURL string) (*pixiv.FollowPage, error)
	UserIllusts(ctx context.Context, userID int64, nextURL string) (*pixiv.IllustPage, error)
}

// Meta is the metadata-store surface the scanner needs.
type Meta interface {
	SaveIllust(il *pixiv.Illust, prov store.Provenance) error
	GetIllust(illustID int64) (*store.IllustRecord, error)
	IsDownloaded(illustID int64) (bool, error)
	MarkLimited(illustID int64) error
	MaxBookmarkOrder() (int64, error)
	SetBookmarkOrder(illustID, order int64) error
}

// Result summarizes one scan pass.
type Result struct {
	Observed           int
	Enqueued           int
	Limited            int
	HitMax             bool
	IncrementalStopped bool
}

func (r *Result) merge(other *Result) {
	r.Observed += other.Observed
	r.Enqueued += other.Enqueued
	r.Limited += other.Limited
	r.HitMax = r.HitMax || other.HitMax
	r.IncrementalStopped = r.IncrementalStopped || other.IncrementalStopped
}

// Scanner walks the configured sources once per round.
type Scanner struct {
	api     API
	meta    Meta
	queue   *queue.Queue
	cursors *Cursors
	logger  *slog.Logger
	action  *slog.Logger

	userID       int64
	restrict     string
	maxDownloads int
}

// Params configures a Scanner.
type Params struct {
	API          API
	Meta         Meta
	Queue        *queue.Queue
	Cursors      *Cursors
	Logger       *slog.Logger
	Action       *slog.Logger
	UserID       int64
	Restrict     string
	MaxDownloads int
}

// New creates a Scanner.
func New(p Params) *Scanner {
	return &Scanner{
		api:          p.API,
		meta:         p.Meta,
		queue:        p.Queue,
		cursors:      p.Cursors,
		logger:       p.Logger,
		action:       p.Action,
		userID:       p.UserID,
		restrict:     p.Restrict,
		maxDownloads: p.MaxDownloads,
	}
}

// Reconfigure applies a fresh configuration snapshot. Called between
// rounds, never while a scan is in flight.
func (s *Scanner) Reconfigure(userID int64, restrict string, maxDownloads int) {
	s.userID = userID
	s.restrict = restrict
	s.maxDownloads = maxDownloads
}

// budgetExhausted reports whether the queue already holds the round's
// full download budget. A zero budget means unlimited.
func (s *Scanner) budgetExhausted() bool {
	if s.maxDownloads <= 0 {
		return false
	}
	return s.queue.Snapshot().Pending >= s.maxDownloads
}

// known reports whether the work needs no new queue item: it is archived
// already or sits terminal in the queue.
func (s *Scanner) known(illustID int64) (bool, error) {
	downloaded, err := s.meta.IsDownloaded(illustID)
	if err != nil {
		return false, err
	}
	if downloaded {
		return true, nil
	}
	if item := s.queue.Get(illustID); item != nil {
		switch item.Status {
		case queue.StatusDone, queue.StatusPermanentFailed:
			return true, nil
		}
	}
	return false, nil
}

// observe records one listed work and enqueues it when it still needs
// downloading and the budget allows. It returns whether the work was
// already known.
func (s *Scanner) observe(il *pixiv.Illust, prov store.Provenance, res *Result) (bool, error) {
	res.Observed++
	if err := s.meta.SaveIllust(il, prov); err != nil {
		return false, err
	}

	isKnown, err := s.known(il.ID)
	if err != nil {
		return false, err
	}
	if isKnown {
		return true, nil
	}

	if s.budgetExhausted() {
		res.HitMax = true
		return false, nil
	}
	if s.queue.Enqueue(il, prov.Bookmarked, prov.FollowingAuthor) {
		res.Enqueued++
	}
	return false, nil
}

// Scan runs the sources selected by mode and persists the cursors.
func (s *Scanner) Scan(ctx context.Context, mode config.Mode) (*Result, error) {
	res := &Result{}

	if mode == config.ModeBookmarks || mode == config.ModeBoth {
		r, err := s.ScanBookmarks(ctx)
		if r != nil {
			res.merge(r)
		}
		if err != nil {
			return res, err
		}
	}
	if mode == config.ModeFollowing || mode == config.ModeBoth {
		r, err := s.ScanFollowing(ctx)
		if r != nil {
			res.merge(r)
		}
		if err != nil {
			return res, err
		}
	}

	return res, errors.Wrap(s.cursors.Save(), "scan")
}

// ScanBookmarks walks the bookmark listing, newest-added first. The walk
// stops after ConsecutiveKnownStop already-known works unless this is a
// full scan, and stops paginating once the budget is filled.
func (s *Scanner) ScanBookmarks(ctx context.Context) (*Result, error) {
	res := &Result{}
	cur := s.cursors.Bookmarks
	full := cur == nil || cur.FullScan || cur.LatestSeenIllustID == 0

	s.action.Info(logging.Event("scan_bookmarks_start", "full_scan", full))

	var (
		walked           []int64
		newIDs           []int64
		newest           *pixiv.Illust
		consecutiveKnown int
		nextURL          string
		stopped          bool
	)

	for !stopped {
		page, err := s.api.UserBookmarks(ctx, s.userID, s.restrict, nextURL)
		if err != nil {
			return res, errors.Wrap(err, "scan bookmarks")
		}

		for i := range page.Illusts {
			il := &page.Illusts[i]
			if il.IsPlaceholder() {
				if il.ID != 0 {
					if err := s.meta.MarkLimited(il.ID); err != nil {
						return res, err
					}
					res.Limited++
				}
				continue
			}

			rec, err := s.meta.GetIllust(il.ID)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return res, err
			}
			isNew := rec == nil

			isKnown, err := s.observe(il, store.Provenance{Bookmarked: true}, res)
			if err != nil {
				return res, err
			}

			walked = append(walked, il.ID)
			if isNew {
				newIDs = append(newIDs, il.ID)
			}
			if newest == nil {
				newest = il
			}

			if isKnown {
				consecutiveKnown++
			} else {
				consecutiveKnown = 0
			}
			if !full && consecutiveKnown >= ConsecutiveKnownStop {
				res.IncrementalStopped = true
				stopped = true
				break
			}
		}

		if stopped || page.NextURL == "" {
			break
		}
		if res.HitMax {
			break
		}
		nextURL = page.NextURL
	}

	if err := s.assignBookmarkOrders(full, walked, newIDs); err != nil {
		return res, err
	}
	s.advanceBookmarksCursor(full, newest, res.IncrementalStopped)

	s.action.Info(logging.Event("scan_bookmarks_done",
		"observed", res.Observed, "enqueued", res.Enqueued,
		"limited", res.Limited, "hit_max", res.HitMax,
		"incremental_stopped", res.IncrementalStopped))
	return res, nil
}

// assignBookmarkOrders ranks observed works by bookmark recency. A full
// scan assigns authoritative values for every observed work; incremental
// scans only rank works never seen before, above the previous maximum.
func (s *Scanner) assignBookmarkOrders(full bool, walked, newIDs []int64) error {
	if full {
		total := int64(len(walked))
		for i, id := range walked {
			if err := s.meta.SetBookmarkOrder(id, total-1-int64(i)); err != nil {
				return err
			}
		}
		return nil
	}

	if len(newIDs) == 0 {
		return nil
	}
	maxOrder, err := s.meta.MaxBookmarkOrder()
	if err != nil {
		return err
	}
	for i, id := range newIDs {
		if err := s.meta.SetBookmarkOrder(id, maxOrder+int64(len(newIDs)-i)); err != nil {
			return err
		}
	}
	return nil
}

// advanceBookmarksCursor records the newest observed work. Outside a full
// scan the cursor never moves backwards.
func (s *Scanner) advanceBookmarksCursor(full bool, newest *pixiv.Illust, incrementalStopped bool) {
	if s.cursors.Bookmarks == nil {
		s.cursors.Bookmarks = &BookmarksCursor{}
	}
	cur := s.cursors.Bookmarks
	cur.FullScan = false
	cur.IncrementalStopped = incrementalStopped
	cur.UpdatedAt = time.Now()
	if newest == nil {
		return
	}
	if full || newest.ID > cur.LatestSeenIllustID {
		cur.LatestSeenIllustID = newest.ID
		cur.LatestSeenCreateDate = newest.CreateDate
	}
}

// ScanFollowing walks each followed author's work list with a per-author
// cursor.
func (s *Scanner) ScanFollowing(ctx context.Context) (*Result, error) {
	res := &Result{}
	s.action.Info(logging.Event("scan_following_start"))

	nextURL := ""
	for {
		page, err := s.api.UserFollowing(ctx, s.userID, s.restrict, nextURL)
		if err != nil {
			return res, errors.Wrap(err, "scan following")
		}

		for i := range page.UserPreviews {
			if err := s.scanAuthor(ctx, &page.UserPreviews[i].User, res); err != nil {
				return res, err
			}
			if res.HitMax {
				break
			}
		}

		if res.HitMax || page.NextURL == "" {
			break
		}
		nextURL = page.NextURL
	}

	s.action.Info(logging.Event("scan_following_done",
		"observed", res.Observed, "enqueued", res.Enqueued,
		"limited", res.Limited, "hit_max", res.HitMax))
	return res, nil
}

// olderOrEqual compares a work against a cursor position: both the id and
// the creation time must be at or behind the cursor.
func olderOrEqual(il *pixiv.Illust, cur AuthorCursor) bool {
	if il.ID > cur.LatestSeenIllustID {
		return false
	}
	curTime, err := time.Parse(time.RFC3339, cur.LatestSeenCreateDate)
	if err != nil {
		return true
	}
	return !il.CreateTime().After(curTime)
}

// scanAuthor walks one author's works, newest first, stopping at the
// author cursor. A page whose entries are not strictly newest-first voids
// the cursor: the next round walks the author in full.
func (s *Scanner) scanAuthor(ctx context.Context, author *pixiv.User, res *Result) error {
	key := strconv.FormatInt(author.ID, 10)
	cur, hasCursor := s.cursors.Following[key]

	var (
		newest  *pixiv.Illust
		anomaly bool
		nextURL string
		stopped bool
	)

	for !stopped {
		page, err := s.api.UserIllusts(ctx, author.ID, nextURL)
		if err != nil {
			return errors.Wrap(err, "scan author "+key)
		}

		var prev *pixiv.Illust
		for i := range page.Illusts {
			il := &page.Illusts[i]
			if il.IsPlaceholder() {
				if il.ID != 0 {
					if err := s.meta.MarkLimited(il.ID); err != nil {
						return err
					}
					res.Limited++
				}
				continue
			}

			if prev != nil && il.ID > prev.ID && !anomaly {
				anomaly = true
				s.action.Warn(logging.Event("following_ordering_anomaly",
					"author_id", author.ID, "older_id", prev.ID, "newer_id", il.ID))
			}
			prev = il
			if newest == nil {
				newest = il
			}

			if hasCursor && !anomaly && olderOrEqual(il, cur) {
				stopped = true
				break
			}

			if _, err := s.observe(il, store.Provenance{FollowingAuthor: true}, res); err != nil {
				return err
			}
			if res.HitMax {
				stopped = true
				break
			}
		}

		if stopped || page.NextURL == "" {
			break
		}
		nextURL = page.NextURL
	}

	if anomaly {
		delete(s.cursors.Following, key)
		return nil
	}
	if res.HitMax {
		// The budget cut this walk short, so works between the old
		// cursor and the newest one seen are not all enqueued yet.
		// Keeping the old cursor makes the next round re-walk them.
		return nil
	}
	if newest != nil && (!hasCursor || newest.ID > cur.LatestSeenIllustID) {
		s.cursors.Following[key] = AuthorCursor{
			LatestSeenIllustID:   newest.ID,
			LatestSeenCreateDate: newest.CreateDate,
			UpdatedAt:            time.Now(),
		}
	}
	return nil
}
