package weather

import (
	"context"
	"time"
)

// DefaultForecastInterval is the default forecast refresh window used
// by the effective-temperature lookahead (spec step 8).
const DefaultForecastInterval = 120 * time.Minute

// Service combines a Client and a shared Cache so callers get
// cache-or-fetch semantics without juggling both themselves.
type Service struct {
	client *Client
	cache  *Cache
}

// NewService constructs a Service backed by a fresh Client and Cache.
func NewService() *Service {
	return &Service{client: NewClient(), cache: NewCache()}
}

// Client returns the underlying HTTP client, for callers (the gap
// filler) that need the raw History endpoint rather than
// cache-or-fetch semantics.
func (s *Service) Client() *Client {
	return s.client
}

// Observation returns the cached observation for (lat, lon) if it is
// younger than maxAge, otherwise fetches, caches, and returns a fresh
// one. maxAge is ordinarily the entity's poll interval.
func (s *Service) Observation(ctx context.Context, latitude, longitude float64, maxAge time.Duration) (Observation, error) {
	if obs, ok := s.cache.GetObservation(latitude, longitude, maxAge); ok {
		return obs, nil
	}

	obs, err := s.client.Observation(ctx, latitude, longitude)
	if err != nil {
		return Observation{}, err
	}
	s.cache.SetObservation(latitude, longitude, obs)
	return obs, nil
}

// Forecast returns the cached forecast for (lat, lon) if it is younger
// than DefaultForecastInterval, otherwise fetches, caches, and returns
// a fresh one covering hoursAhead hours.
func (s *Service) Forecast(ctx context.Context, latitude, longitude float64, hoursAhead int) ([]ForecastPoint, error) {
	if points, ok := s.cache.GetForecast(latitude, longitude, DefaultForecastInterval); ok {
		return points, nil
	}

	points, err := s.client.Forecast(ctx, latitude, longitude, hoursAhead)
	if err != nil {
		return nil, err
	}
	s.cache.SetForecast(latitude, longitude, points)
	return points, nil
}
