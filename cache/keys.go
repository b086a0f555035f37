package cache

import (
	"fmt"
	"strings"
)

// Key families. Each builder produces a deterministic key from its inputs
// with explicit underscore delimiters; the family prefixes are distinct so
// substring invalidation on an entity id never crosses families by accident.
const (
	venueVibeChecksPrefix = "venue_vibe_checks"
	liveVibeChecksPrefix  = "live_vibe_checks"
	venueDetailsPrefix    = "venue_details"
	userRateLimitPrefix   = "user_rate_limit"
	promotionsPrefix      = "promotions"
	venueAnalyticsPrefix  = "venue_analytics"
)

// VenueVibeChecksKey caches the vibe-check list for one venue over a time
// window, e.g. "venue_vibe_checks_v42_4h".
func VenueVibeChecksKey(venueID, window string) string {
	return join(venueVibeChecksPrefix, venueID, window)
}

// LiveVibeChecksKey caches the cross-venue live feed for a window and page
// size, e.g. "live_vibe_checks_4h_50".
func LiveVibeChecksKey(window string, limit int) string {
	return join(liveVibeChecksPrefix, window, fmt.Sprintf("%d", limit))
}

// VenueDetailsKey caches a single venue's profile.
func VenueDetailsKey(venueID string) string {
	return join(venueDetailsPrefix, venueID)
}

// UserRateLimitKey caches a user's posting rate-limit state. Entries under
// this family should be written with WithTTL(RateLimitTTL).
func UserRateLimitKey(userID string) string {
	return join(userRateLimitPrefix, userID)
}

// PromotionsKey caches the active promotions for a venue.
func PromotionsKey(venueID string) string {
	return join(promotionsPrefix, venueID)
}

// VenueAnalyticsKey caches an aggregated analytics window for a venue,
// e.g. "venue_analytics_v42_7d".
func VenueAnalyticsKey(venueID, period string) string {
	return join(venueAnalyticsPrefix, venueID, period)
}

func join(parts ...string) string {
	return strings.Join(parts, "_")
}
