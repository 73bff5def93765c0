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

type CachedDroneLocation struct {
	DroneID   string    `json:"drone_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Battery   float64   `json:"battery"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationCache holds the latest position of each drone for tracking views.
type LocationCache struct {
	client goredis.Cmdable
	ttl    time.Duration
}

func NewLocationCache(client goredis.Cmdable, ttl time.Duration) *LocationCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &LocationCache{client: client, ttl: ttl}
}

func (c *LocationCache) Put(ctx context.Context, d domain.Drone) error {
	raw, err := json.Marshal(CachedDroneLocation{
		DroneID:   d.ID,
		Lat:       d.Location.Lat,
		Lng:       d.Location.Lng,
		Battery:   d.Battery,
		State:     string(d.State),
		Timestamp: d.LastTelemetryAt,
	})
	if err != nil {
		return fmt.Errorf("marshal drone location: %w", err)
	}
	return c.client.Set(ctx, droneLocationKey(d.ID), raw, c.ttl).Err()
}

func (c *LocationCache) Get(ctx context.Context, droneID string) (*CachedDroneLocation, error) {
	raw, err := c.client.Get(ctx, droneLocationKey(droneID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get drone location: %w", err)
	}
	var loc CachedDroneLocation
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil, fmt.Errorf("unmarshal drone location: %w", err)
	}
	return &loc, nil
}

func droneLocationKey(droneID string) string {
	return fmt.Sprintf("drone:location:%s", droneID)
}
