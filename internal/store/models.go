package store

// UserRecord is an author observed through listings.
type UserRecord struct {
	UserID          int64  `gorm:"primaryKey;column:user_id"`
	Name            string `gorm:"column:name"`
	Account         string `gorm:"column:account"`
	ProfileImageURL string `gorm:"column:profile_image_url"`
	UpdatedAt       string `gorm:"column:updated_at"`
}

func (UserRecord) TableName() string { return "users" }

// IllustRecord is one work. Repeated observation upserts; downloaded is
// never regressed to false and bookmark_order is only overwritten by an
// explicit assignment.
type IllustRecord struct {
	IllustID      int64  `gorm:"primaryKey;column:illust_id"`
	Title         string `gorm:"column:title"`
	Caption       string `gorm:"column:caption"`
	UserID        int64  `gorm:"index;column:user_id"`
	CreateDate    string `gorm:"column:create_date"`
	PageCount     int    `gorm:"column:page_count"`
	Width         int    `gorm:"column:width"`
	Height        int    `gorm:"column:height"`
	BookmarkCount int    `gorm:"column:bookmark_count"`
	ViewCount     int    `gorm:"column:view_count"`
	SanityLevel   int    `gorm:"column:sanity_level"`
	XRestrict     int    `gorm:"column:x_restrict"`
	Type          string `gorm:"column:type"`
	TagsJSON      string `gorm:"column:tags_json"`
	ToolsJSON     string `gorm:"column:tools_json"`

	ImageURLSquareMedium string `gorm:"column:image_url_square_medium"`
	ImageURLMedium       string `gorm:"column:image_url_medium"`
	ImageURLLarge        string `gorm:"column:image_url_large"`
	OriginURL            string `gorm:"column:origin_url"`

	IsBookmarked      bool `gorm:"column:is_bookmarked"`
	IsFollowingAuthor bool `gorm:"column:is_following_author"`

	// BookmarkOrder is nullable: larger means bookmarked more recently.
	BookmarkOrder *int64 `gorm:"column:bookmark_order"`

	Downloaded      bool   `gorm:"index;column:downloaded"`
	DownloadTime    string `gorm:"column:download_time"`
	FileSize        int64  `gorm:"column:file_size"`
	IsAccessLimited bool   `gorm:"column:is_access_limited"`

	CreatedAt string `gorm:"column:created_at"`
	UpdatedAt string `gorm:"column:updated_at"`
}

func (IllustRecord) TableName() string { return "illusts" }

// DownloadRecord is the per-file outcome history.
type DownloadRecord struct {
	ID        uint   `gorm:"primaryKey"`
	IllustID  int64  `gorm:"index;column:illust_id"`
	LocalPath string `gorm:"column:local_path"`
	ByteSize  int64  `gorm:"column:byte_size"`
	SHA256    string `gorm:"column:sha256"`
	Success   bool   `gorm:"column:success"`
	Message   string `gorm:"column:message"`
	Timestamp string `gorm:"index;column:timestamp"`
}

func (DownloadRecord) TableName() string { return "download_history" }
