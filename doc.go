/*
Package pixivbackup is a daemon for keeping a local archive of a pixiv
account's bookmarks and followed authors.

pixiv-backup scans the account incrementally, downloads original images
and ugoira archives, and records per-work metadata, with features
including:
  - Incremental scans driven by persistent cursors
  - A durable task queue with categorized retry and backoff
  - Rate-limit-aware download pacing
  - Atomic status snapshots for external observers
  - A repair tool for on-disk state

The main packages are:

	github.com/pixiv-backup/pixiv-backup/internal/pixiv   - API session, token refresh, typed endpoints
	github.com/pixiv-backup/pixiv-backup/internal/scan    - Incremental listing walks and cursors
	github.com/pixiv-backup/pixiv-backup/internal/queue   - Durable task queue and claim pacing
	github.com/pixiv-backup/pixiv-backup/internal/fetch   - Artifact download and metadata documents
	github.com/pixiv-backup/pixiv-backup/internal/daemon  - Round scheduler, sentinel, pidfile
	github.com/pixiv-backup/pixiv-backup/cmd/pixiv-backup - Command-line interface
*/
package pixivbackup
