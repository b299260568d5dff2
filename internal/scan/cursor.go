package scan

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pixiv-backup/pixiv-backup/internal/fsutil"
)

// BookmarksCursor remembers how far the bookmark listing has been walked.
type BookmarksCursor struct {
	LatestSeenIllustID   int64     `json:"latest_seen_illust_id"`
	LatestSeenCreateDate string    `json:"latest_seen_create_date"`
	FullScan             bool      `json:"full_scan"`
	IncrementalStopped   bool      `json:"incremental_stopped"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// AuthorCursor remembers the newest observed work of one followed author.
type AuthorCursor struct {
	LatestSeenIllustID   int64     `json:"latest_seen_illust_id"`
	LatestSeenCreateDate string    `json:"latest_seen_create_date"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Cursors is the durable scan position file (scan_cursor.json).
type Cursors struct {
	Bookmarks *BookmarksCursor        `json:"bookmarks,omitempty"`
	Following map[string]AuthorCursor `json:"following,omitempty"`

	path string
}

// LoadCursors reads the cursor file, returning empty cursors when the
// file does not exist yet.
func LoadCursors(path string) (*Cursors, error) {
	c := &Cursors{path: path, Following: make(map[string]AuthorCursor)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan.LoadCursors")
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "scan.LoadCursors: "+path)
	}
	if c.Following == nil {
		c.Following = make(map[string]AuthorCursor)
	}
	return c, nil
}

// Save writes the cursor file atomically.
func (c *Cursors) Save() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "scan.Cursors.Save")
	}
	return errors.Wrap(fsutil.WriteFileAtomic(c.path, buf.Bytes(), 0644), "scan.Cursors.Save")
}

// RequestFullScan forces the next bookmark scan to walk the whole list.
func (c *Cursors) RequestFullScan() {
	if c.Bookmarks == nil {
		c.Bookmarks = &BookmarksCursor{}
	}
	c.Bookmarks.FullScan = true
}
