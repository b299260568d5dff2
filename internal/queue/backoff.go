package queue

import (
	"time"

	"github.com/pixiv-backup/pixiv-backup/internal/pixiv"
)

// invalidFailedRoundsLimit is how many consecutive rounds a gone-for-good
// work may fail before it is parked as permanent_failed.
const invalidFailedRoundsLimit = 3

type backoffPolicy struct {
	base       time.Duration
	cap        time.Duration
	maxRetries int
}

// Retry policies per failure category. Auth has no entry: an auth
// failure releases the item and bubbles up to the scheduler, which owns
// the one refresh-and-retry.
var backoffPolicies = map[pixiv.Category]backoffPolicy{
	pixiv.CategoryRateLimit:  {base: 300 * time.Second, cap: 3600 * time.Second, maxRetries: 8},
	pixiv.CategoryNetwork:    {base: 30 * time.Second, cap: 1800 * time.Second, maxRetries: 10},
	pixiv.CategoryFilesystem: {base: 60 * time.Second, cap: 1200 * time.Second, maxRetries: 6},
	pixiv.CategoryUnknown:    {base: 60 * time.Second, cap: 1200 * time.Second, maxRetries: 6},
}

// Backoff returns the delay before retry number retryCount (1-based) for
// the category. Doubles per retry, capped.
func Backoff(category pixiv.Category, retryCount int) time.Duration {
	policy, ok := backoffPolicies[category]
	if !ok {
		policy = backoffPolicies[pixiv.CategoryUnknown]
	}
	d := policy.base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= policy.cap {
			return policy.cap
		}
	}
	if d > policy.cap {
		return policy.cap
	}
	return d
}

// MaxRetries returns the retry cap for the category; exceeding it parks
// the item as permanent_failed.
func MaxRetries(category pixiv.Category) int {
	policy, ok := backoffPolicies[category]
	if !ok {
		policy = backoffPolicies[pixiv.CategoryUnknown]
	}
	return policy.maxRetries
}
