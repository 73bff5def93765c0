// Package weather decides whether the sky over a region is safe to fly.
//
// The Gate fails closed: when no trustworthy snapshot can be produced the
// verdict is unsafe and the error is ErrWeatherProviderUnavailable.
package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"dronedispatch/internal/clock"
	"dronedispatch/internal/domain"
)

const (
	DefaultValidity      = 10 * time.Minute
	DefaultLookupTimeout = 3 * time.Second
)

type Config struct {
	Validity         time.Duration
	LookupTimeout    time.Duration
	Policy           Policy
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type Verdict struct {
	Safe     bool
	Snapshot *domain.WeatherSnapshot
}

type Gate struct {
	provider Provider
	cache    Cache
	clock    clock.Clock
	breaker  *Breaker
	cfg      Config
	logger   *slog.Logger
	group    singleflight.Group
}

func NewGate(provider Provider, cache Cache, clk clock.Clock, cfg Config, logger *slog.Logger) *Gate {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		provider: provider,
		cache:    cache,
		clock:    clk,
		breaker:  NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, clk),
		cfg:      cfg,
		logger:   logger.With("component", "weather"),
	}
}

// IsSafe reports whether region is flyable at the given instant. A cached
// snapshot still valid at that instant is reused without calling the provider.
func (g *Gate) IsSafe(ctx context.Context, region Region, at time.Time) (Verdict, error) {
	snap, ok, err := g.cache.Get(ctx, region.Key)
	if err != nil {
		g.logger.Warn("weather cache read failed", "region", region.Key, "error", err)
	} else if ok && snap.ValidAt(at) {
		return Verdict{Safe: snap.Safe, Snapshot: &snap}, nil
	}

	ch := g.group.DoChan(region.Key, func() (interface{}, error) {
		return g.refresh(region)
	})
	select {
	case <-ctx.Done():
		return Verdict{}, fmt.Errorf("region %s: %v: %w", region.Key, ctx.Err(), domain.ErrWeatherProviderUnavailable)
	case res := <-ch:
		if res.Err != nil {
			return Verdict{}, res.Err
		}
		fresh := res.Val.(domain.WeatherSnapshot)
		return Verdict{Safe: fresh.Safe, Snapshot: &fresh}, nil
	}
}

func (g *Gate) refresh(region Region) (domain.WeatherSnapshot, error) {
	if g.provider == nil {
		return domain.WeatherSnapshot{}, fmt.Errorf("region %s: no provider configured: %w", region.Key, domain.ErrWeatherProviderUnavailable)
	}
	if !g.breaker.Allow() {
		return domain.WeatherSnapshot{}, fmt.Errorf("region %s: %v: %w", region.Key, ErrCircuitOpen, domain.ErrWeatherProviderUnavailable)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.LookupTimeout)
	defer cancel()

	reading, err := g.provider.Current(ctx, region.Center)
	if err != nil {
		g.breaker.Failure()
		if errors.Is(err, context.DeadlineExceeded) {
			g.logger.Warn("weather lookup timed out", "region", region.Key, "timeout", g.cfg.LookupTimeout)
		} else {
			g.logger.Warn("weather lookup failed", "region", region.Key, "error", err)
		}
		return domain.WeatherSnapshot{}, fmt.Errorf("region %s: %v: %w", region.Key, err, domain.ErrWeatherProviderUnavailable)
	}
	g.breaker.Success()

	safe, reasons := g.cfg.Policy.Evaluate(reading)
	snap := domain.WeatherSnapshot{
		Region:          region.Key,
		Safe:            safe,
		Reasons:         reasons,
		TemperatureC:    reading.TemperatureC,
		WindSpeedMPS:    reading.WindSpeedMPS,
		VisibilityKm:    reading.VisibilityKm,
		PrecipitationMM: reading.PrecipitationMM,
		FetchedAt:       g.clock.Now(),
		ValidFor:        g.cfg.Validity,
	}
	if err := g.cache.Put(ctx, snap); err != nil {
		g.logger.Warn("weather cache write failed", "region", region.Key, "error", err)
	}
	if !safe {
		g.logger.Info("weather unsafe", "region", region.Key, "reasons", reasons)
	}
	return snap, nil
}
