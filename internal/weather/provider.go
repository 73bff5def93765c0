package weather

import (
	"context"
	"time"

	"dronedispatch/internal/domain"
)

// Reading is one observation returned by a weather provider.
type Reading struct {
	TemperatureC    float64
	WindSpeedMPS    float64
	VisibilityKm    float64
	PrecipitationMM float64
	ObservedAt      time.Time
}

type Provider interface {
	Current(ctx context.Context, at domain.Location) (Reading, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, at domain.Location) (Reading, error)

func (f ProviderFunc) Current(ctx context.Context, at domain.Location) (Reading, error) {
	return f(ctx, at)
}
