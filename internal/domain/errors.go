package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalid      = errors.New("invalid")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	ErrWeatherProviderUnavailable = errors.New("weather provider unavailable")
	ErrWeatherUnsafe              = errors.New("weather unsafe for flight")
	ErrNoDroneAvailable           = errors.New("no drone available")
	ErrDroneAlreadyAssigned       = errors.New("drone already assigned")
	ErrInsufficientBattery        = errors.New("insufficient battery")
	ErrStaleTelemetry             = errors.New("stale telemetry")
	ErrTelemetryAnomaly           = errors.New("telemetry anomaly")
	ErrTelemetryTimeout           = errors.New("telemetry timeout")
	ErrRouteDeviation             = errors.New("route deviation")
	ErrInvalidConfirmationState   = errors.New("invalid confirmation state")
	ErrInvalidTransition          = errors.New("invalid transition")
)
