package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"dronedispatch/internal/domain"
)

const DefaultOpenMeteoURL = "https://api.open-meteo.com"

var ErrOpenMeteoRequest = errors.New("open-meteo request failed")

type openMeteoResponse struct {
	Current struct {
		Time          string  `json:"time"`
		Temperature   float64 `json:"temperature_2m"`
		WindSpeed     float64 `json:"wind_speed_10m"`
		Precipitation float64 `json:"precipitation"`
		Visibility    float64 `json:"visibility"`
	} `json:"current"`
}

// OpenMeteo reads current conditions from an Open-Meteo compatible API.
type OpenMeteo struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewOpenMeteo(baseURL string, timeout time.Duration) *OpenMeteo {
	if baseURL == "" {
		baseURL = DefaultOpenMeteoURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OpenMeteo{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (o *OpenMeteo) Current(ctx context.Context, at domain.Location) (Reading, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(at.Lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(at.Lng, 'f', 4, 64))
	q.Set("current", "temperature_2m,wind_speed_10m,precipitation,visibility")
	q.Set("wind_speed_unit", "ms")
	q.Set("timezone", "GMT")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrOpenMeteoRequest, err)
	}
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrOpenMeteoRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("%w: status %d", ErrOpenMeteoRequest, resp.StatusCode)
	}

	var body openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrOpenMeteoRequest, err)
	}

	observed, _ := time.Parse("2006-01-02T15:04", body.Current.Time)
	return Reading{
		TemperatureC:    body.Current.Temperature,
		WindSpeedMPS:    body.Current.WindSpeed,
		VisibilityKm:    body.Current.Visibility / 1000,
		PrecipitationMM: body.Current.Precipitation,
		ObservedAt:      observed.UTC(),
	}, nil
}
