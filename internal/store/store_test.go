package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "pixiv.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleIllust(id int64) *pixiv.Illust {
	return &pixiv.Illust{
		ID:         id,
		Title:      "作品",
		Type:       pixiv.TypeIllust,
		Caption:    "caption",
		User:       pixiv.User{ID: 42, Name: "author", Account: "acct"},
		Tags:       []pixiv.Tag{{Name: "オリジナル"}},
		CreateDate: "2026-08-01T12:00:00+09:00",
		PageCount:  1,
		Width:      1200,
		Height:     900,
		Visible:    true,
		ImageURLs:  pixiv.ImageURLs{Medium: "https://i.pximg.net/m.jpg"},
	}
}

func TestSaveIllustUpsertPreservesDownloaded(t *testing.T) {
	s := openTestStore(t)

	il := sampleIllust(100)
	require.NoError(t, s.SaveIllust(il, Provenance{Bookmarked: true}))

	downloaded, err := s.IsDownloaded(100)
	require.NoError(t, err)
	assert.False(t, downloaded)

	require.NoError(t, s.MarkDownloaded(100, []DownloadedFile{
		{LocalPath: "img/100/100.png", ByteSize: 2048},
	}))

	// Re-observation with a changed title must not regress the flag.
	il.Title = "作品(改)"
	require.NoError(t, s.SaveIllust(il, Provenance{FollowingAuthor: true}))

	rec, err := s.GetIllust(100)
	require.NoError(t, err)
	assert.True(t, rec.Downloaded)
	assert.Equal(t, "作品(改)", rec.Title)
	assert.Equal(t, int64(2048), rec.FileSize)

	// Provenance widens and never narrows.
	assert.True(t, rec.IsBookmarked)
	assert.True(t, rec.IsFollowingAuthor)
}

func TestBookmarkOrderAssignment(t *testing.T) {
	s := openTestStore(t)

	max, err := s.MaxBookmarkOrder()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), max, "empty store has no orders")

	for i, id := range []int64{1, 2, 3} {
		require.NoError(t, s.SaveIllust(sampleIllust(id), Provenance{Bookmarked: true}))
		require.NoError(t, s.SetBookmarkOrder(id, int64(4-i)))
	}

	max, err = s.MaxBookmarkOrder()
	require.NoError(t, err)
	assert.Equal(t, int64(4), max)

	rec, err := s.GetIllust(3)
	require.NoError(t, err)
	require.NotNil(t, rec.BookmarkOrder)
	assert.Equal(t, int64(2), *rec.BookmarkOrder)

	// Re-observation keeps the assigned order.
	require.NoError(t, s.SaveIllust(sampleIllust(3), Provenance{Bookmarked: true}))
	rec, err = s.GetIllust(3)
	require.NoError(t, err)
	require.NotNil(t, rec.BookmarkOrder)
	assert.Equal(t, int64(2), *rec.BookmarkOrder)
}

func TestMarkLimited(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.MarkLimited(777))

	limited, err := s.IsAccessLimited(777)
	require.NoError(t, err)
	assert.True(t, limited)

	downloaded, err := s.IsDownloaded(777)
	require.NoError(t, err)
	assert.False(t, downloaded)

	// Limiting a known work keeps its metadata.
	require.NoError(t, s.SaveIllust(sampleIllust(778), Provenance{Bookmarked: true}))
	require.NoError(t, s.MarkLimited(778))
	rec, err := s.GetIllust(778)
	require.NoError(t, err)
	assert.True(t, rec.IsAccessLimited)
	assert.Equal(t, "作品", rec.Title)
}

func TestCounts(t *testing.T) {
	s := openTestStore(t)

	for id := int64(1); id <= 5; id++ {
		require.NoError(t, s.SaveIllust(sampleIllust(id), Provenance{Bookmarked: true}))
	}
	require.NoError(t, s.MarkDownloaded(1, nil))
	require.NoError(t, s.MarkDownloaded(2, nil))

	total, err := s.CountTotal()
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	done, err := s.CountDownloaded()
	require.NoError(t, err)
	assert.Equal(t, int64(2), done)
}

func TestHistoryAndPurge(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveIllust(sampleIllust(9), Provenance{Bookmarked: true}))
	require.NoError(t, s.MarkDownloaded(9, []DownloadedFile{
		{LocalPath: "img/9/9.p0.png", ByteSize: 100},
		{LocalPath: "img/9/9.p1.png", ByteSize: 200},
	}))
	require.NoError(t, s.RecordDownloadError(10, "status 404"))

	recent, err := s.RecentDownloads(10)
	require.NoError(t, err)
	assert.Len(t, recent, 2, "failed rows are excluded")

	// Nothing is old enough to purge yet.
	n, err := s.PurgeHistory(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = s.PurgeHistory(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	recent, err = s.RecentDownloads(10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
