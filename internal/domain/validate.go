package domain

import (
	"fmt"
	"math"
)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func ValidateLocation(loc Location) error {
	if !finite(loc.Lat) || !finite(loc.Lng) {
		return fmt.Errorf("coordinates must be finite")
	}
	if loc.Lat < -90 || loc.Lat > 90 {
		return fmt.Errorf("lat out of range")
	}
	if loc.Lng < -180 || loc.Lng > 180 {
		return fmt.Errorf("lng out of range")
	}
	return nil
}

func ValidateRole(role string) bool {
	switch role {
	case RoleAdmin, RoleOrders, RoleDrone, RoleCourier:
		return true
	default:
		return false
	}
}

func ValidateRequest(req *DeliveryRequest) error {
	if req.OrderID == "" {
		return fmt.Errorf("order id: %w", ErrInvalid)
	}
	if err := ValidateLocation(req.Pickup); err != nil {
		return fmt.Errorf("pickup %v: %w", err, ErrInvalid)
	}
	if err := ValidateLocation(req.Delivery); err != nil {
		return fmt.Errorf("delivery %v: %w", err, ErrInvalid)
	}
	if !finite(req.PayloadKg) || req.PayloadKg <= 0 {
		return fmt.Errorf("payload must be positive: %w", ErrInvalid)
	}
	if !req.Window.End.IsZero() && req.Window.End.Before(req.Window.Start) {
		return fmt.Errorf("window ends before it starts: %w", ErrInvalid)
	}
	return nil
}

func ValidatePing(ping LocationPing) error {
	if ping.DroneID == "" {
		return fmt.Errorf("drone id: %w", ErrInvalid)
	}
	if ping.Timestamp.IsZero() {
		return fmt.Errorf("timestamp: %w", ErrInvalid)
	}
	if err := ValidateLocation(ping.Location); err != nil {
		return fmt.Errorf("location %v: %w", err, ErrInvalid)
	}
	if !finite(ping.Battery) || ping.Battery < 0 || ping.Battery > 100 {
		return fmt.Errorf("battery out of range: %w", ErrInvalid)
	}
	return nil
}

func ValidateDrone(d *Drone) error {
	if d.ID == "" {
		return fmt.Errorf("drone id: %w", ErrInvalid)
	}
	if !finite(d.Capability.MaxPayloadKg) || !finite(d.Capability.MaxRangeKm) ||
		d.Capability.MaxPayloadKg <= 0 || d.Capability.MaxRangeKm <= 0 {
		return fmt.Errorf("capability must be positive: %w", ErrInvalid)
	}
	if !finite(d.Battery) || d.Battery < 0 || d.Battery > 100 {
		return fmt.Errorf("battery out of range: %w", ErrInvalid)
	}
	if err := ValidateLocation(d.Location); err != nil {
		return fmt.Errorf("location %v: %w", err, ErrInvalid)
	}
	if err := ValidateLocation(d.Base); err != nil {
		return fmt.Errorf("base %v: %w", err, ErrInvalid)
	}
	return nil
}
