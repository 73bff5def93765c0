// Package redis keeps short-lived state shared between engine replicas:
// weather snapshots per region and the last known position of each drone.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"dronedispatch/internal/domain"
)

type cachedSnapshot struct {
	Region          string    `json:"region"`
	Safe            bool      `json:"safe"`
	Reasons         []string  `json:"reasons,omitempty"`
	TemperatureC    float64   `json:"temperature_c"`
	WindSpeedMPS    float64   `json:"wind_speed_mps"`
	VisibilityKm    float64   `json:"visibility_km"`
	PrecipitationMM float64   `json:"precipitation_mm"`
	FetchedAt       time.Time `json:"fetched_at"`
	ValidForSeconds float64   `json:"valid_for_seconds"`
}

// WeatherCache implements weather.Cache on top of Redis. Entries expire with
// the snapshot's validity window.
type WeatherCache struct {
	client goredis.Cmdable
}

func NewWeatherCache(client goredis.Cmdable) *WeatherCache {
	return &WeatherCache{client: client}
}

func (c *WeatherCache) Get(ctx context.Context, region string) (domain.WeatherSnapshot, bool, error) {
	raw, err := c.client.Get(ctx, weatherKey(region)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.WeatherSnapshot{}, false, nil
	}
	if err != nil {
		return domain.WeatherSnapshot{}, false, fmt.Errorf("get weather snapshot: %w", err)
	}
	var cs cachedSnapshot
	if err := json.Unmarshal(raw, &cs); err != nil {
		return domain.WeatherSnapshot{}, false, fmt.Errorf("unmarshal weather snapshot: %w", err)
	}
	return domain.WeatherSnapshot{
		Region:          cs.Region,
		Safe:            cs.Safe,
		Reasons:         cs.Reasons,
		TemperatureC:    cs.TemperatureC,
		WindSpeedMPS:    cs.WindSpeedMPS,
		VisibilityKm:    cs.VisibilityKm,
		PrecipitationMM: cs.PrecipitationMM,
		FetchedAt:       cs.FetchedAt,
		ValidFor:        time.Duration(cs.ValidForSeconds * float64(time.Second)),
	}, true, nil
}

func (c *WeatherCache) Put(ctx context.Context, snap domain.WeatherSnapshot) error {
	raw, err := json.Marshal(cachedSnapshot{
		Region:          snap.Region,
		Safe:            snap.Safe,
		Reasons:         snap.Reasons,
		TemperatureC:    snap.TemperatureC,
		WindSpeedMPS:    snap.WindSpeedMPS,
		VisibilityKm:    snap.VisibilityKm,
		PrecipitationMM: snap.PrecipitationMM,
		FetchedAt:       snap.FetchedAt,
		ValidForSeconds: snap.ValidFor.Seconds(),
	})
	if err != nil {
		return fmt.Errorf("marshal weather snapshot: %w", err)
	}
	ttl := snap.ValidFor
	if ttl <= 0 {
		ttl = time.Minute
	}
	return c.client.Set(ctx, weatherKey(snap.Region), raw, ttl).Err()
}

func weatherKey(region string) string {
	return fmt.Sprintf("weather:region:%s", region)
}
