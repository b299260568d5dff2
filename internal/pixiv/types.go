// Package pixiv implements the authenticated upstream client: the OAuth
// session, the typed listing endpoints, and the pure error classifier.
package pixiv

import (
	"strconv"
	"time"
)

// Illust types reported by the upstream API.
const (
	TypeIllust = "illust"
	TypeManga  = "manga"
	TypeUgoira = "ugoira"
)

// User is the author record nested in every illust.
type User struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Account    string `json:"account"`
	IsFollowed bool   `json:"is_followed,omitempty"`

	ProfileImageURLs ProfileImageURLs `json:"profile_image_urls"`
}

// ProfileImageURLs carries the avatar variants.
type ProfileImageURLs struct {
	Medium string `json:"medium"`
}

// Tag is a single illust tag.
type Tag struct {
	Name           string `json:"name"`
	TranslatedName string `json:"translated_name,omitempty"`
}

// ImageURLs maps preview size names to URLs.
type ImageURLs struct {
	SquareMedium string `json:"square_medium,omitempty"`
	Medium       string `json:"medium,omitempty"`
	Large        string `json:"large,omitempty"`
	Original     string `json:"original,omitempty"`
}

// MetaSinglePage holds the original URL for single-page works.
type MetaSinglePage struct {
	OriginalImageURL string `json:"original_image_url,omitempty"`
}

// MetaPage is one page of a multi-page work.
type MetaPage struct {
	ImageURLs ImageURLs `json:"image_urls"`
}

// Illust is one upstream work. Optional fields keep their upstream JSON
// names so a trimmed copy can be embedded in queue items and metadata
// documents without translation.
type Illust struct {
	ID             int64          `json:"id"`
	Title          string         `json:"title"`
	Type           string         `json:"type"`
	ImageURLs      ImageURLs      `json:"image_urls"`
	Caption        string         `json:"caption"`
	Restrict       int            `json:"restrict"`
	User           User           `json:"user"`
	Tags           []Tag          `json:"tags"`
	Tools          []string       `json:"tools"`
	CreateDate     string         `json:"create_date"`
	PageCount      int            `json:"page_count"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	SanityLevel    int            `json:"sanity_level"`
	XRestrict      int            `json:"x_restrict"`
	MetaSinglePage MetaSinglePage `json:"meta_single_page"`
	MetaPages      []MetaPage     `json:"meta_pages,omitempty"`
	TotalView      int            `json:"total_view"`
	TotalBookmarks int            `json:"total_bookmarks"`
	IsBookmarked   bool           `json:"is_bookmarked"`
	Visible        bool           `json:"visible"`
	IsMuted        bool           `json:"is_muted"`
}

// CreateTime parses the work's creation timestamp. The upstream emits
// ISO-8601 with timezone; a zero time is returned for unparsable values.
func (i *Illust) CreateTime() time.Time {
	t, err := time.Parse(time.RFC3339, i.CreateDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsPlaceholder reports whether the record is the structurally-valid but
// content-less stub the upstream returns for restricted or removed works.
func (i *Illust) IsPlaceholder() bool {
	if i.ID == 0 {
		return true
	}
	if !i.Visible && i.Title == "" {
		return true
	}
	return i.User.ID == 0 && i.ImageURLs.Medium == "" && i.MetaSinglePage.OriginalImageURL == ""
}

// OriginalPageURL returns the best artifact URL for page k, following the
// original-then-large fallback the app client uses.
func (i *Illust) OriginalPageURL(k int) string {
	if len(i.MetaPages) > 0 {
		if k < 0 || k >= len(i.MetaPages) {
			return ""
		}
		urls := i.MetaPages[k].ImageURLs
		if urls.Original != "" {
			return urls.Original
		}
		return urls.Large
	}
	if k != 0 {
		return ""
	}
	if i.MetaSinglePage.OriginalImageURL != "" {
		return i.MetaSinglePage.OriginalImageURL
	}
	if i.ImageURLs.Original != "" {
		return i.ImageURLs.Original
	}
	return i.ImageURLs.Large
}

// IllustPage is one page of a work listing.
type IllustPage struct {
	Illusts []Illust `json:"illusts"`
	NextURL string   `json:"next_url"`
}

// UserPreview is one entry of the follow listing.
type UserPreview struct {
	User User `json:"user"`
}

// FollowPage is one page of the follow listing.
type FollowPage struct {
	UserPreviews []UserPreview `json:"user_previews"`
	NextURL      string        `json:"next_url"`
}

// UgoiraFrame is one frame of an animated work.
type UgoiraFrame struct {
	File  string `json:"file"`
	Delay int    `json:"delay"`
}

// UgoiraMetadata describes the archive of an animated work.
type UgoiraMetadata struct {
	ZipURLs struct {
		Original string `json:"original,omitempty"`
		Medium   string `json:"medium,omitempty"`
		Large    string `json:"large,omitempty"`
		Small    string `json:"small,omitempty"`
	} `json:"zip_urls"`
	Frames []UgoiraFrame `json:"frames"`
}

// ZipURL returns the best archive URL, preferring higher resolutions.
func (u *UgoiraMetadata) ZipURL() string {
	for _, v := range []string{u.ZipURLs.Original, u.ZipURLs.Medium, u.ZipURLs.Large, u.ZipURLs.Small} {
		if v != "" {
			return v
		}
	}
	return ""
}

// UserDetail is the response of the user detail endpoint.
type UserDetail struct {
	User    User `json:"user"`
	Profile struct {
		TotalFollowUsers int `json:"total_follow_users"`
	} `json:"profile"`
}

// ArtworkURL returns the public page URL for an illust id.
func ArtworkURL(illustID int64) string {
	return "https://www.pixiv.net/artworks/" + strconv.FormatInt(illustID, 10)
}
