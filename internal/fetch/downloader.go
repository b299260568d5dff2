// Package fetch downloads the artifacts of a claimed queue item and
// writes the per-work metadata document. Every file lands via a .part
// temp file in its final directory, fsynced and renamed, so a crash
// never leaves a half-written file under a final name.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"gorm.io/gorm"

	"github.com/pixiv-backup/pixiv-backup/internal/fsutil"
	"github.com/pixiv-backup/pixiv-backup/internal/logging"
	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
	"github.com/pixiv-backup/pixiv-backup/internal/queue"
	"github.com/pixiv-backup/pixiv-backup/internal/store"
)

// minFreeBytes is the free-space floor below which downloads refuse to
// start.
const minFreeBytes = 500 << 20

// UgoiraAPI resolves the frame archive of animated works.
type UgoiraAPI interface {
	UgoiraMetadata(ctx context.Context, illustID int64) (*pixiv.UgoiraMetadata, error)
}

// Meta is the metadata-store surface the downloader needs.
type Meta interface {
	GetIllust(illustID int64) (*store.IllustRecord, error)
	MarkDownloaded(illustID int64, files []store.DownloadedFile) error
	RecordDownloadError(illustID int64, message string) error
}

// Outcome summarizes one successful download.
type Outcome struct {
	Files int
	Bytes int64
}

// Downloader fetches artifacts from the image host.
type Downloader struct {
	httpc    *http.Client
	api      UgoiraAPI
	meta     Meta
	imageDir string
	metaDir  string
	logger   *slog.Logger
	action   *slog.Logger

	// artifactPause is observed between artifacts of one work.
	artifactPause time.Duration

	// freeSpace is swappable for tests.
	freeSpace func(dir string) (uint64, error)
}

// Params configures a Downloader.
type Params struct {
	HTTPClient    *http.Client
	API           UgoiraAPI
	Meta          Meta
	ImageDir      string
	MetadataDir   string
	Logger        *slog.Logger
	Action        *slog.Logger
	ArtifactPause time.Duration
}

// New creates a Downloader.
func New(p Params) *Downloader {
	httpc := p.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Downloader{
		httpc:         httpc,
		api:           p.API,
		meta:          p.Meta,
		imageDir:      p.ImageDir,
		metaDir:       p.MetadataDir,
		logger:        p.Logger,
		action:        p.Action,
		artifactPause: p.ArtifactPause,
		freeSpace: func(dir string) (uint64, error) {
			usage, err := disk.Usage(dir)
			if err != nil {
				return 0, err
			}
			return usage.Free, nil
		},
	}
}

// Reconfigure applies a fresh configuration snapshot. Called between
// rounds, never while a download is in flight.
func (d *Downloader) Reconfigure(timeout, artifactPause time.Duration) {
	d.httpc.Timeout = timeout
	d.artifactPause = artifactPause
}

// artifact is one file to fetch.
type artifact struct {
	url      string
	filename string
}

// resolveArtifacts maps the embedded illust to its artifact list.
func (d *Downloader) resolveArtifacts(ctx context.Context, il *pixiv.Illust) ([]artifact, *pixiv.UgoiraMetadata, error) {
	id := strconv.FormatInt(il.ID, 10)

	if il.Type == pixiv.TypeUgoira {
		meta, err := d.api.UgoiraMetadata(ctx, il.ID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "resolve ugoira "+id)
		}
		zipURL := meta.ZipURL()
		if zipURL == "" {
			return nil, nil, &pixiv.APIError{StatusCode: 404, URL: pixiv.ArtworkURL(il.ID), Body: "ugoira metadata carried no archive URL"}
		}
		return []artifact{{url: zipURL, filename: id + ".zip"}}, meta, nil
	}

	if il.PageCount > 1 {
		arts := make([]artifact, 0, il.PageCount)
		for k := 0; k < il.PageCount; k++ {
			u := il.OriginalPageURL(k)
			if u == "" {
				return nil, nil, &pixiv.APIError{StatusCode: 404, URL: pixiv.ArtworkURL(il.ID), Body: "missing page URL " + strconv.Itoa(k)}
			}
			arts = append(arts, artifact{url: u, filename: id + ".p" + strconv.Itoa(k) + extOf(u)})
		}
		return arts, nil, nil
	}

	u := il.OriginalPageURL(0)
	if u == "" {
		return nil, nil, &pixiv.APIError{StatusCode: 404, URL: pixiv.ArtworkURL(il.ID), Body: "missing artifact URL"}
	}
	return []artifact{{url: u, filename: id + extOf(u)}}, nil, nil
}

func extOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".bin"
	}
	if ext := path.Ext(u.Path); ext != "" {
		return ext
	}
	return ".bin"
}

// Download fetches every artifact of the item, then writes the metadata
// document and records the outcome. A returned error carries the retry
// category through the classifier.
func (d *Downloader) Download(ctx context.Context, item *queue.Item) (*Outcome, error) {
	il := &item.Illust

	free, err := d.freeSpace(d.imageDir)
	if err == nil && free < minFreeBytes {
		err := &pixiv.FilesystemError{Err: errors.Newf("free space below floor: %d bytes", free)}
		d.recordFailure(il.ID, err)
		return nil, err
	}

	arts, ugoira, err := d.resolveArtifacts(ctx, il)
	if err != nil {
		d.recordFailure(il.ID, err)
		return nil, err
	}

	dir := filepath.Join(d.imageDir, strconv.FormatInt(il.ID, 10))
	if err := os.MkdirAll(dir, 0755); err != nil {
		err := &pixiv.FilesystemError{Err: err}
		d.recordFailure(il.ID, err)
		return nil, err
	}

	outcome := &Outcome{}
	files := make([]store.DownloadedFile, 0, len(arts))
	for i, art := range arts {
		if i > 0 && d.artifactPause > 0 {
			select {
			case <-time.After(d.artifactPause):
			case <-ctx.Done():
				d.recordFailure(il.ID, ctx.Err())
				return nil, ctx.Err()
			}
		}

		final := filepath.Join(dir, art.filename)
		size, sum, err := d.fetchArtifact(ctx, art.url, final)
		if err != nil {
			d.recordFailure(il.ID, err)
			return nil, err
		}
		outcome.Files++
		outcome.Bytes += size
		files = append(files, store.DownloadedFile{LocalPath: final, ByteSize: size, SHA256: sum})
	}

	if err := d.writeMetadata(item, ugoira); err != nil {
		d.recordFailure(il.ID, err)
		return nil, err
	}
	if err := d.meta.MarkDownloaded(il.ID, files); err != nil {
		return nil, err
	}

	d.action.Info(logging.Event("download_done",
		"illust_id", il.ID, "files", outcome.Files, "bytes", outcome.Bytes))
	return outcome, nil
}

func (d *Downloader) recordFailure(illustID int64, err error) {
	if rerr := d.meta.RecordDownloadError(illustID, err.Error()); rerr != nil {
		d.logger.Warn("failed to record download error", "illust_id", illustID, "error", rerr)
	}
	d.action.Warn(logging.Event("download_failed",
		"illust_id", illustID, "category", string(pixiv.Classify(err)), "error", err.Error()))
}

// fetchArtifact streams one URL into final via a .part temp file next to
// it. On any failure the temp file is removed.
func (d *Downloader) fetchArtifact(ctx context.Context, rawURL, final string) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", errors.Wrap(err, "fetch "+rawURL)
	}
	req.Header.Set("Referer", pixiv.ImageReferer)
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := d.httpc.Do(req)
	if err != nil {
		return 0, "", errors.Wrap(err, "fetch "+rawURL)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Warn("failed to close response body", "error", cerr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, "", &pixiv.APIError{StatusCode: resp.StatusCode, URL: rawURL, Body: string(bytes.TrimSpace(body))}
	}

	temp := final + ".part"
	f, err := os.OpenFile(temp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644) // #nosec G304 - path is derived from the configured image dir
	if err != nil {
		return 0, "", &pixiv.FilesystemError{Err: err}
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(temp)
		return 0, "", errors.Wrap(err, "stream "+rawURL)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(temp)
		return 0, "", &pixiv.FilesystemError{Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(temp)
		return 0, "", &pixiv.FilesystemError{Err: err}
	}
	if err := os.Rename(temp, final); err != nil {
		_ = os.Remove(temp)
		return 0, "", &pixiv.FilesystemError{Err: err}
	}
	if err := fsutil.DirSync(filepath.Dir(final)); err != nil {
		return 0, "", &pixiv.FilesystemError{Err: err}
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// metadataUser is the author block of the metadata document.
type metadataUser struct {
	UserID          int64  `json:"user_id"`
	Name            string `json:"name"`
	Account         string `json:"account"`
	ProfileImageURL string `json:"profile_image_url"`
}

// metadataImageURLs is the preview block of the metadata document.
type metadataImageURLs struct {
	Medium       string `json:"medium"`
	Large        string `json:"large"`
	SquareMedium string `json:"square_medium"`
}

// metadataDocument is the archival record written next to the images.
type metadataDocument struct {
	IllustID          int64                `json:"illust_id"`
	Title             string               `json:"title"`
	Caption           string               `json:"caption"`
	User              metadataUser         `json:"user"`
	CreateDate        string               `json:"create_date"`
	PageCount         int                  `json:"page_count"`
	Width             int                  `json:"width"`
	Height            int                  `json:"height"`
	BookmarkCount     int                  `json:"bookmark_count"`
	ViewCount         int                  `json:"view_count"`
	SanityLevel       int                  `json:"sanity_level"`
	XRestrict         int                  `json:"x_restrict"`
	Type              string               `json:"type"`
	Tags              []string             `json:"tags"`
	ImageURLs         metadataImageURLs    `json:"image_urls"`
	Tools             []string             `json:"tools"`
	DownloadTime      string               `json:"download_time"`
	OriginalURL       string               `json:"original_url"`
	IsBookmarked      bool                 `json:"is_bookmarked"`
	IsFollowingAuthor bool                 `json:"is_following_author"`
	BookmarkOrder     *int64               `json:"bookmark_order"`
	IsAccessLimited   bool                 `json:"is_access_limited"`
	UgoiraFrames      []pixiv.UgoiraFrame  `json:"ugoira_frames,omitempty"`
	UgoiraZipURL      string               `json:"ugoira_zip_url,omitempty"`
}

// writeMetadata renders the metadata document and writes it atomically
// to metadata/<illust_id>.json. Non-ASCII text is preserved as-is.
func (d *Downloader) writeMetadata(item *queue.Item, ugoira *pixiv.UgoiraMetadata) error {
	il := &item.Illust

	tags := make([]string, 0, len(il.Tags))
	for _, tag := range il.Tags {
		tags = append(tags, tag.Name)
	}
	tools := il.Tools
	if tools == nil {
		tools = []string{}
	}

	doc := metadataDocument{
		IllustID:      il.ID,
		Title:         il.Title,
		Caption:       il.Caption,
		User: metadataUser{
			UserID:          il.User.ID,
			Name:            il.User.Name,
			Account:         il.User.Account,
			ProfileImageURL: il.User.ProfileImageURLs.Medium,
		},
		CreateDate:    il.CreateDate,
		PageCount:     il.PageCount,
		Width:         il.Width,
		Height:        il.Height,
		BookmarkCount: il.TotalBookmarks,
		ViewCount:     il.TotalView,
		SanityLevel:   il.SanityLevel,
		XRestrict:     il.XRestrict,
		Type:          il.Type,
		Tags:          tags,
		ImageURLs: metadataImageURLs{
			Medium:       il.ImageURLs.Medium,
			Large:        il.ImageURLs.Large,
			SquareMedium: il.ImageURLs.SquareMedium,
		},
		Tools:             tools,
		DownloadTime:      time.Now().Format(time.RFC3339),
		OriginalURL:       pixiv.ArtworkURL(il.ID),
		IsBookmarked:      item.Bookmarked || il.IsBookmarked,
		IsFollowingAuthor: item.FollowingAuthor,
	}
	if ugoira != nil {
		doc.UgoiraFrames = ugoira.Frames
		doc.UgoiraZipURL = ugoira.ZipURL()
	}

	if rec, err := d.meta.GetIllust(il.ID); err == nil {
		doc.BookmarkOrder = rec.BookmarkOrder
		doc.IsAccessLimited = rec.IsAccessLimited
		doc.IsBookmarked = doc.IsBookmarked || rec.IsBookmarked
		doc.IsFollowingAuthor = doc.IsFollowingAuthor || rec.IsFollowingAuthor
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&doc); err != nil {
		return errors.Wrap(err, "encode metadata")
	}

	target := filepath.Join(d.metaDir, strconv.FormatInt(il.ID, 10)+".json")
	if err := fsutil.WriteFileAtomic(target, buf.Bytes(), 0644); err != nil {
		return &pixiv.FilesystemError{Err: err}
	}
	return nil
}
