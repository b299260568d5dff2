// Package store keeps the durable per-work metadata in an embedded
// SQLite database: which works exist, which are already archived, and
// the per-file download history.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
)

// Store wraps the SQLite handle. All access goes through the methods
// below; the scheduler is the single writer.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and migrates the schema.
// Columns added by newer versions appear on pre-existing stores without
// touching existing rows.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "store.Open")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "store.Open: "+path)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&UserRecord{}, &IllustRecord{}, &DownloadRecord{}); err != nil {
		return nil, errors.Wrap(err, "store.Open: migrate")
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func nowStamp() string {
	return time.Now().Format(time.RFC3339)
}

func marshalList[T any](list []T) string {
	if len(list) == 0 {
		return "[]"
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Provenance says which listing source observed a work.
type Provenance struct {
	Bookmarked      bool
	FollowingAuthor bool
}

// SaveIllust upserts the work and its author from a listing page.
// Observation never regresses archive state: downloaded, download_time,
// bookmark_order and is_access_limited survive re-observation, and the
// provenance flags only ever widen.
func (s *Store) SaveIllust(il *pixiv.Illust, prov Provenance) error {
	now := nowStamp()

	if il.User.ID != 0 {
		user := UserRecord{
			UserID:          il.User.ID,
			Name:            il.User.Name,
			Account:         il.User.Account,
			ProfileImageURL: il.User.ProfileImageURLs.Medium,
			UpdatedAt:       now,
		}
		err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "account", "profile_image_url", "updated_at"}),
		}).Create(&user).Error
		if err != nil {
			return errors.Wrap(err, "store.SaveIllust: user")
		}
	}

	tags := make([]string, 0, len(il.Tags))
	for _, tag := range il.Tags {
		tags = append(tags, tag.Name)
	}

	rec := IllustRecord{
		IllustID:      il.ID,
		Title:         il.Title,
		Caption:       il.Caption,
		UserID:        il.User.ID,
		CreateDate:    il.CreateDate,
		PageCount:     il.PageCount,
		Width:         il.Width,
		Height:        il.Height,
		BookmarkCount: il.TotalBookmarks,
		ViewCount:     il.TotalView,
		SanityLevel:   il.SanityLevel,
		XRestrict:     il.XRestrict,
		Type:          il.Type,
		TagsJSON:      marshalList(tags),
		ToolsJSON:     marshalList(il.Tools),

		ImageURLSquareMedium: il.ImageURLs.SquareMedium,
		ImageURLMedium:       il.ImageURLs.Medium,
		ImageURLLarge:        il.ImageURLs.Large,
		OriginURL:            pixiv.ArtworkURL(il.ID),

		IsBookmarked:      prov.Bookmarked || il.IsBookmarked,
		IsFollowingAuthor: prov.FollowingAuthor,

		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "illust_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"title":                  rec.Title,
			"caption":                rec.Caption,
			"user_id":                rec.UserID,
			"create_date":            rec.CreateDate,
			"page_count":             rec.PageCount,
			"width":                  rec.Width,
			"height":                 rec.Height,
			"bookmark_count":         rec.BookmarkCount,
			"view_count":             rec.ViewCount,
			"sanity_level":           rec.SanityLevel,
			"x_restrict":             rec.XRestrict,
			"type":                   rec.Type,
			"tags_json":              rec.TagsJSON,
			"tools_json":             rec.ToolsJSON,
			"image_url_square_medium": rec.ImageURLSquareMedium,
			"image_url_medium":        rec.ImageURLMedium,
			"image_url_large":         rec.ImageURLLarge,
			"origin_url":              rec.OriginURL,
			"is_bookmarked":           gorm.Expr("is_bookmarked OR ?", rec.IsBookmarked),
			"is_following_author":     gorm.Expr("is_following_author OR ?", rec.IsFollowingAuthor),
			"updated_at":              now,
		}),
	}).Create(&rec).Error
	if err != nil {
		return errors.Wrap(err, "store.SaveIllust")
	}
	return nil
}

// GetIllust loads one record; gorm.ErrRecordNotFound when absent.
func (s *Store) GetIllust(illustID int64) (*IllustRecord, error) {
	var rec IllustRecord
	if err := s.db.First(&rec, "illust_id = ?", illustID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// IsDownloaded reports whether the work is fully archived.
func (s *Store) IsDownloaded(illustID int64) (bool, error) {
	var count int64
	err := s.db.Model(&IllustRecord{}).
		Where("illust_id = ? AND downloaded = ?", illustID, true).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "store.IsDownloaded")
	}
	return count > 0, nil
}

// IsAccessLimited reports whether the work was recorded as a placeholder.
func (s *Store) IsAccessLimited(illustID int64) (bool, error) {
	var count int64
	err := s.db.Model(&IllustRecord{}).
		Where("illust_id = ? AND is_access_limited = ?", illustID, true).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "store.IsAccessLimited")
	}
	return count > 0, nil
}

// DownloadedFile is one artifact successfully written to disk.
type DownloadedFile struct {
	LocalPath string
	ByteSize  int64
	SHA256    string
}

// MarkDownloaded flips the work to downloaded and appends one history
// row per artifact.
func (s *Store) MarkDownloaded(illustID int64, files []DownloadedFile) error {
	now := nowStamp()
	var total int64
	records := make([]DownloadRecord, 0, len(files))
	for _, f := range files {
		total += f.ByteSize
		records = append(records, DownloadRecord{
			IllustID:  illustID,
			LocalPath: f.LocalPath,
			ByteSize:  f.ByteSize,
			SHA256:    f.SHA256,
			Success:   true,
			Timestamp: now,
		})
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&IllustRecord{}).Where("illust_id = ?", illustID).
			Updates(map[string]interface{}{
				"downloaded":    true,
				"download_time": now,
				"file_size":     total,
				"updated_at":    now,
			}).Error
		if err != nil {
			return errors.Wrap(err, "store.MarkDownloaded")
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return errors.Wrap(err, "store.MarkDownloaded: history")
			}
		}
		return nil
	})
}

// MarkLimited records that the upstream only serves a placeholder for
// this work. The scanner skips limited works on later rounds.
func (s *Store) MarkLimited(illustID int64) error {
	now := nowStamp()
	rec := IllustRecord{
		IllustID:        illustID,
		IsAccessLimited: true,
		OriginURL:       pixiv.ArtworkURL(illustID),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "illust_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"is_access_limited": true,
			"updated_at":        now,
		}),
	}).Create(&rec).Error
	return errors.Wrap(err, "store.MarkLimited")
}

// RecordDownloadError appends a failed history row without touching the
// illust record.
func (s *Store) RecordDownloadError(illustID int64, message string) error {
	rec := DownloadRecord{
		IllustID:  illustID,
		Success:   false,
		Message:   message,
		Timestamp: nowStamp(),
	}
	return errors.Wrap(s.db.Create(&rec).Error, "store.RecordDownloadError")
}

// CountTotal returns the number of works the archive knows about.
func (s *Store) CountTotal() (int64, error) {
	var count int64
	err := s.db.Model(&IllustRecord{}).Count(&count).Error
	return count, errors.Wrap(err, "store.CountTotal")
}

// CountDownloaded returns the number of fully archived works.
func (s *Store) CountDownloaded() (int64, error) {
	var count int64
	err := s.db.Model(&IllustRecord{}).Where("downloaded = ?", true).Count(&count).Error
	return count, errors.Wrap(err, "store.CountDownloaded")
}

// RecentDownloads returns the newest successful history rows.
func (s *Store) RecentDownloads(limit int) ([]DownloadRecord, error) {
	var records []DownloadRecord
	err := s.db.Where("success = ?", true).
		Order("timestamp desc, id desc").Limit(limit).
		Find(&records).Error
	return records, errors.Wrap(err, "store.RecentDownloads")
}

// PurgeHistory drops history rows older than the cutoff and returns how
// many were removed.
func (s *Store) PurgeHistory(olderThan time.Time) (int64, error) {
	res := s.db.Where("timestamp < ?", olderThan.Format(time.RFC3339)).
		Delete(&DownloadRecord{})
	return res.RowsAffected, errors.Wrap(res.Error, "store.PurgeHistory")
}

// MaxBookmarkOrder returns the largest assigned bookmark_order, or -1
// when none has been assigned yet.
func (s *Store) MaxBookmarkOrder() (int64, error) {
	var max *int64
	err := s.db.Model(&IllustRecord{}).
		Select("MAX(bookmark_order)").Row().Scan(&max)
	if err != nil {
		return -1, errors.Wrap(err, "store.MaxBookmarkOrder")
	}
	if max == nil {
		return -1, nil
	}
	return *max, nil
}

// SetBookmarkOrder assigns the recency rank of a bookmarked work.
func (s *Store) SetBookmarkOrder(illustID, order int64) error {
	err := s.db.Model(&IllustRecord{}).Where("illust_id = ?", illustID).
		Updates(map[string]interface{}{
			"bookmark_order": order,
			"updated_at":     nowStamp(),
		}).Error
	return errors.Wrap(err, "store.SetBookmarkOrder")
}
