// Package service is the domain layer the UI talks to: read-through cached
// venue data, live vibe-check subscriptions, photo preloading, and posting
// rate limits.
package service

import (
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub000/realtime"
)

// VibeCheck is one user report of how busy a venue is right now.
type VibeCheck struct {
	ID           string    `json:"id"`
	VenueID      string    `json:"venue_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name,omitempty"`
	BusynessRate int       `json:"busyness_rating"` // 1..5
	Comment      string    `json:"comment,omitempty"`
	PhotoURL     string    `json:"photo_url,omitempty"`
	VenueName    string    `json:"venue_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Venue is a browsable venue profile.
type Venue struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Address     string   `json:"address,omitempty"`
	Latitude    float64  `json:"latitude,omitempty"`
	Longitude   float64  `json:"longitude,omitempty"`
	CoverURL    string   `json:"cover_url,omitempty"`
	PhotoURLs   []string `json:"photo_urls,omitempty"`
}

// Promotion is a venue's active offer.
type Promotion struct {
	ID        string    `json:"id"`
	VenueID   string    `json:"venue_id"`
	Title     string    `json:"title"`
	Details   string    `json:"details,omitempty"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	BannerURL string    `json:"banner_url,omitempty"`
}

// Analytics is an aggregated activity window for one venue.
type Analytics struct {
	VenueID         string  `json:"venue_id"`
	Period          string  `json:"period"`
	VibeCheckTotal  int     `json:"vibe_check_total"`
	AverageBusyness float64 `json:"average_busyness"`
	UniqueVisitors  int     `json:"unique_visitors"`
}

// RateLimit is a user's posting allowance snapshot.
type RateLimit struct {
	UserID    string    `json:"user_id"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Allowed reports whether the user may post another vibe check.
func (r RateLimit) Allowed() bool {
	return r.Remaining > 0
}

// vibeCheckFromRow maps a remote row onto the domain type, tolerating
// missing fields.
func vibeCheckFromRow(row realtime.Row) VibeCheck {
	vc := VibeCheck{
		ID:        row.ID(),
		VenueID:   row.VenueID(),
		UserID:    str(row, "user_id"),
		UserName:  str(row, "user_name"),
		Comment:   str(row, "comment"),
		PhotoURL:  str(row, "photo_url"),
		VenueName: str(row, "venue_name"),
	}
	if rating, ok := row["busyness_rating"].(float64); ok {
		vc.BusynessRate = int(rating)
	}
	if ts, ok := row["created_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			vc.CreatedAt = parsed
		}
	}
	return vc
}

func str(row realtime.Row, key string) string {
	v, _ := row[key].(string)
	return v
}
