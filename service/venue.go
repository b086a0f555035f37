package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub000/assetcache"
	"github.com/IdrisKulubi/m-buzzvar-sub000/cache"
	"github.com/IdrisKulubi/m-buzzvar-sub000/connectivity"
	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
	"github.com/IdrisKulubi/m-buzzvar-sub000/perf"
	"github.com/IdrisKulubi/m-buzzvar-sub000/realtime"
)

// DefaultRateLimitPerWindow is how many vibe checks a user may post per
// rate-limit window.
const DefaultRateLimitPerWindow = 3

// VenueService is the read path for venue data: tiered cache first, then
// the connectivity gate, then the remote source, populating the cache on
// the way back.
type VenueService struct {
	store    *cache.Store
	source   realtime.RemoteSource
	gate     *connectivity.Gate
	manager  *realtime.Manager
	assets   *assetcache.Cache
	recorder *perf.Recorder
	logger   *slog.Logger
}

// ServiceOption configures a VenueService.
type ServiceOption func(*VenueService)

func WithAssets(a *assetcache.Cache) ServiceOption  { return func(s *VenueService) { s.assets = a } }
func WithManager(m *realtime.Manager) ServiceOption { return func(s *VenueService) { s.manager = m } }
func WithGate(g *connectivity.Gate) ServiceOption   { return func(s *VenueService) { s.gate = g } }
func WithRecorder(r *perf.Recorder) ServiceOption   { return func(s *VenueService) { s.recorder = r } }
func WithLogger(l *slog.Logger) ServiceOption       { return func(s *VenueService) { s.logger = l } }

// NewVenueService wires the service over its collaborators.
func NewVenueService(store *cache.Store, source realtime.RemoteSource, opts ...ServiceOption) *VenueService {
	s := &VenueService{
		store:  store,
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetVenueVibeChecks returns the vibe checks for one venue over a time
// window like "4h" or "24h", read-through cached.
func (s *VenueService) GetVenueVibeChecks(ctx context.Context, venueID, window string) ([]VibeCheck, error) {
	if venueID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidKey, "service", "GetVenueVibeChecks", "venue id required")
	}

	key := cache.VenueVibeChecksKey(venueID, window)
	return readThrough(ctx, s, "venue_vibe_checks", key, 0, func(ctx context.Context) ([]VibeCheck, error) {
		rows, err := s.source.Query(ctx, "vibe_checks", map[string]any{
			"venue_id": venueID,
			"window":   window,
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "service", "GetVenueVibeChecks", "query venue "+venueID)
		}
		return vibeChecksFromRows(rows), nil
	})
}

// GetLiveVibeChecks returns the cross-venue live feed for a window and
// page size.
func (s *VenueService) GetLiveVibeChecks(ctx context.Context, window string, limit int) ([]VibeCheck, error) {
	if limit <= 0 {
		limit = 50
	}

	key := cache.LiveVibeChecksKey(window, limit)
	return readThrough(ctx, s, "live_vibe_checks", key, 0, func(ctx context.Context) ([]VibeCheck, error) {
		rows, err := s.source.Query(ctx, "vibe_checks", map[string]any{
			"window": window,
			"limit":  limit,
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "service", "GetLiveVibeChecks", "query live feed")
		}
		return vibeChecksFromRows(rows), nil
	})
}

// GetVenueDetails returns one venue's profile.
func (s *VenueService) GetVenueDetails(ctx context.Context, venueID string) (Venue, error) {
	if venueID == "" {
		return Venue{}, errors.WrapInvalid(errors.ErrInvalidKey, "service", "GetVenueDetails", "venue id required")
	}

	key := cache.VenueDetailsKey(venueID)
	return readThrough(ctx, s, "venue_details", key, 0, func(ctx context.Context) (Venue, error) {
		rows, err := s.source.Query(ctx, "venues", map[string]any{"id": venueID})
		if err != nil {
			return Venue{}, errors.WrapTransient(err, "service", "GetVenueDetails", "query venue "+venueID)
		}
		if len(rows) == 0 {
			return Venue{}, errors.WrapInvalid(errors.ErrKeyNotFound, "service", "GetVenueDetails", "venue "+venueID)
		}
		return venueFromRow(rows[0]), nil
	})
}

// GetVenuePromotions returns a venue's active promotions.
func (s *VenueService) GetVenuePromotions(ctx context.Context, venueID string) ([]Promotion, error) {
	if venueID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidKey, "service", "GetVenuePromotions", "venue id required")
	}

	key := cache.PromotionsKey(venueID)
	return readThrough(ctx, s, "promotions", key, 0, func(ctx context.Context) ([]Promotion, error) {
		rows, err := s.source.Query(ctx, "promotions", map[string]any{"venue_id": venueID, "active": true})
		if err != nil {
			return nil, errors.WrapTransient(err, "service", "GetVenuePromotions", "query venue "+venueID)
		}
		return promotionsFromRows(rows), nil
	})
}

// GetVenueAnalytics returns aggregated activity for a venue over a period
// like "7d" or "30d".
func (s *VenueService) GetVenueAnalytics(ctx context.Context, venueID, period string) (Analytics, error) {
	if venueID == "" {
		return Analytics{}, errors.WrapInvalid(errors.ErrInvalidKey, "service", "GetVenueAnalytics", "venue id required")
	}

	key := cache.VenueAnalyticsKey(venueID, period)
	return readThrough(ctx, s, "venue_analytics", key, 0, func(ctx context.Context) (Analytics, error) {
		rows, err := s.source.Query(ctx, "venue_analytics", map[string]any{"venue_id": venueID, "period": period})
		if err != nil {
			return Analytics{}, errors.WrapTransient(err, "service", "GetVenueAnalytics", "query venue "+venueID)
		}
		a := Analytics{VenueID: venueID, Period: period}
		if len(rows) > 0 {
			if total, ok := rows[0]["vibe_check_total"].(float64); ok {
				a.VibeCheckTotal = int(total)
			}
			if avg, ok := rows[0]["average_busyness"].(float64); ok {
				a.AverageBusyness = avg
			}
			if visitors, ok := rows[0]["unique_visitors"].(float64); ok {
				a.UniqueVisitors = int(visitors)
			}
		}
		return a, nil
	})
}

// CheckRateLimit returns the user's posting allowance. Entries live for 30
// seconds, far shorter than the default cache TTL, so allowance reflects
// recent posts quickly.
func (s *VenueService) CheckRateLimit(ctx context.Context, userID string) (RateLimit, error) {
	if userID == "" {
		return RateLimit{}, errors.WrapInvalid(errors.ErrInvalidKey, "service", "CheckRateLimit", "user id required")
	}

	key := cache.UserRateLimitKey(userID)
	return readThrough(ctx, s, "user_rate_limit", key, cache.RateLimitTTL, func(ctx context.Context) (RateLimit, error) {
		rows, err := s.source.Query(ctx, "rate_limits", map[string]any{"user_id": userID})
		if err != nil {
			return RateLimit{}, errors.WrapTransient(err, "service", "CheckRateLimit", "query user "+userID)
		}
		rl := RateLimit{UserID: userID, Remaining: DefaultRateLimitPerWindow}
		if len(rows) > 0 {
			if remaining, ok := rows[0]["remaining"].(float64); ok {
				rl.Remaining = int(remaining)
			}
			if resets, ok := rows[0]["resets_at"].(string); ok {
				if parsed, err := time.Parse(time.RFC3339, resets); err == nil {
					rl.ResetsAt = parsed
				}
			}
		}
		return rl, nil
	})
}

// SubscribeVibeChecks opens a live, batched subscription for a venue's vibe
// checks (or the global feed when venueID is empty). Updates arrive as
// domain types; the manager already invalidated the cache before dispatch.
func (s *VenueService) SubscribeVibeChecks(ctx context.Context, id, venueID string, onUpdate func([]VibeCheck), onError func(error)) error {
	if s.manager == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "service", "SubscribeVibeChecks", "no realtime manager configured")
	}

	deliver := func(rows []realtime.Row) {
		if onUpdate != nil {
			onUpdate(vibeChecksFromRows(rows))
		}
	}

	result := s.manager.Subscribe(ctx, id, realtime.Config{
		Topic:        "vibe_checks",
		Filter:       venueID,
		Table:        "vibe_checks",
		BatchUpdates: true,
		Callbacks: realtime.Callbacks{
			OnInsert: deliver,
			OnUpdate: deliver,
			OnDelete: func([]string) {
				if onUpdate != nil {
					onUpdate(nil)
				}
			},
			OnError: onError,
		},
	})
	return result.Err
}

// UnsubscribeVibeChecks tears down one live subscription.
func (s *VenueService) UnsubscribeVibeChecks(id string) {
	if s.manager != nil {
		s.manager.Unsubscribe(id)
	}
}

// PreloadVenuePhotos warms the asset cache for a venue: the cover image at
// high priority, gallery photos at normal.
func (s *VenueService) PreloadVenuePhotos(ctx context.Context, venue Venue) {
	if s.assets == nil {
		return
	}
	if venue.CoverURL != "" {
		s.assets.Preload(ctx, []string{venue.CoverURL}, assetcache.WithPriority(assetcache.PriorityHigh))
	}
	if len(venue.PhotoURLs) > 0 {
		s.assets.Preload(ctx, venue.PhotoURLs, assetcache.WithPriority(assetcache.PriorityNormal))
	}
}

// readThrough is the shared read path: cache hit, else gate check, else
// remote fetch and cache populate. ttl zero means the store default.
func readThrough[T any](ctx context.Context, s *VenueService, name, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	var zero T

	if value, ok := cache.Get[T](ctx, s.store, key); ok {
		return value, nil
	}

	if s.gate != nil && !s.gate.Online(ctx) {
		return zero, errors.WrapTransient(errors.ErrNoConnection, "service", name, "offline and not cached")
	}

	fetchTimed := func(ctx context.Context) (T, error) {
		if s.recorder == nil {
			return fetch(ctx)
		}
		return perf.TimeWithResult(ctx, s.recorder, name+"_fetch", fetch)
	}

	value, err := fetchTimed(ctx)
	if err != nil {
		return zero, err
	}

	var setOpts []cache.SetOption
	if ttl > 0 {
		setOpts = append(setOpts, cache.WithTTL(ttl))
	}
	if err := cache.Set(ctx, s.store, key, value, setOpts...); err != nil {
		s.logger.Warn("cache populate failed", "key", key, "error", err)
	}
	return value, nil
}

func vibeChecksFromRows(rows []realtime.Row) []VibeCheck {
	out := make([]VibeCheck, 0, len(rows))
	for _, row := range rows {
		out = append(out, vibeCheckFromRow(row))
	}
	return out
}

func venueFromRow(row realtime.Row) Venue {
	v := Venue{
		ID:          row.ID(),
		Name:        str(row, "name"),
		Description: str(row, "description"),
		Address:     str(row, "address"),
		CoverURL:    str(row, "cover_url"),
	}
	if lat, ok := row["latitude"].(float64); ok {
		v.Latitude = lat
	}
	if lon, ok := row["longitude"].(float64); ok {
		v.Longitude = lon
	}
	if photos, ok := row["photo_urls"].([]any); ok {
		for _, p := range photos {
			if url, ok := p.(string); ok {
				v.PhotoURLs = append(v.PhotoURLs, url)
			}
		}
	}
	return v
}

func promotionsFromRows(rows []realtime.Row) []Promotion {
	out := make([]Promotion, 0, len(rows))
	for _, row := range rows {
		p := Promotion{
			ID:        row.ID(),
			VenueID:   row.VenueID(),
			Title:     str(row, "title"),
			Details:   str(row, "details"),
			BannerURL: str(row, "banner_url"),
		}
		if ts, ok := row["starts_at"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				p.StartsAt = parsed
			}
		}
		if ts, ok := row["ends_at"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				p.EndsAt = parsed
			}
		}
		out = append(out, p)
	}
	return out
}
