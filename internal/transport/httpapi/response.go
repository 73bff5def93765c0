package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"dronedispatch/internal/domain"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	message := "internal error"

	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
		code = "unauthorized"
		message = "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
		code = "forbidden"
		message = "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
		message = "not found"
	case errors.Is(err, domain.ErrInvalidConfirmationState):
		status = http.StatusConflict
		code = "invalid_confirmation_state"
		message = "assignment is not awaiting confirmation"
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_transition"
		message = err.Error()
	case errors.Is(err, domain.ErrDroneAlreadyAssigned):
		status = http.StatusConflict
		code = "drone_already_assigned"
		message = "drone already assigned"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "conflict"
		message = err.Error()
	case errors.Is(err, domain.ErrInvalid), errors.Is(err, domain.ErrTelemetryAnomaly):
		status = http.StatusUnprocessableEntity
		code = "invalid"
		message = err.Error()
	case errors.Is(err, domain.ErrWeatherProviderUnavailable):
		status = http.StatusServiceUnavailable
		code = "weather_unavailable"
		message = "weather provider unavailable"
	}
	respondJSON(w, status, errorResponse{Code: code, Message: message})
}
