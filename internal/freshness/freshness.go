// Package freshness decides whether cached review or marketplace data for a
// product is still usable or must be regathered.
package freshness

import "time"

// Class selects which TTL applies to a freshness check.
type Class string

const (
	ClassReview      Class = "review"
	ClassMarketplace Class = "marketplace"
)

// Gate holds the per-class TTLs. Zero TTLs fall back to the defaults the
// service ships with.
type Gate struct {
	ReviewTTL      time.Duration
	MarketplaceTTL time.Duration
}

const (
	defaultReviewTTL      = 168 * time.Hour
	defaultMarketplaceTTL = 24 * time.Hour
)

// NewGate builds a gate, substituting defaults for non-positive TTLs.
func NewGate(reviewTTL, marketplaceTTL time.Duration) Gate {
	if reviewTTL <= 0 {
		reviewTTL = defaultReviewTTL
	}
	if marketplaceTTL <= 0 {
		marketplaceTTL = defaultMarketplaceTTL
	}
	return Gate{
		ReviewTTL:      reviewTTL,
		MarketplaceTTL: marketplaceTTL,
	}
}

// NeedsRefresh reports whether data last refreshed at lastRefreshAt is stale
// for the given class. A nil lastRefreshAt means never refreshed. A forced
// check always refreshes.
func (g Gate) NeedsRefresh(lastRefreshAt *time.Time, class Class, force bool, now time.Time) bool {
	if force {
		return true
	}
	if lastRefreshAt == nil {
		return true
	}
	return now.UTC().Sub(lastRefreshAt.UTC()) >= g.ttl(class)
}

// Age returns how old the cached data is, or zero when never refreshed.
func (g Gate) Age(lastRefreshAt *time.Time, now time.Time) time.Duration {
	if lastRefreshAt == nil {
		return 0
	}
	age := now.UTC().Sub(lastRefreshAt.UTC())
	if age < 0 {
		return 0
	}
	return age
}

func (g Gate) ttl(class Class) time.Duration {
	if class == ClassMarketplace {
		return g.MarketplaceTTL
	}
	return g.ReviewTTL
}
