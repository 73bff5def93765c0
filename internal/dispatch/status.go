package dispatch

import (
	"fmt"

	"dronedispatch/internal/domain"
)

const (
	PhasePending   = "pending"
	PhaseAssigned  = "assigned"
	PhaseDelivered = "delivered"
	PhaseCancelled = "cancelled"
	PhaseFailed    = "failed"
)

// StatusView is what the order system shows for a delivery.
type StatusView struct {
	OrderID         string
	Phase           string
	DelayReason     *string
	Assignment      *domain.Assignment
	DroneState      domain.DroneState
	CurrentLocation *domain.Location
	ETASeconds      *int64
}

// DeliveryStatus reports where an order is in dispatch. A queued order shows
// its delay reason instead of an error.
func (e *Engine) DeliveryStatus(orderID string) (StatusView, error) {
	if req, ok := e.pending.get(orderID); ok {
		return StatusView{
			OrderID:     orderID,
			Phase:       PhasePending,
			DelayReason: req.DelayReason,
		}, nil
	}
	if a, ok := e.activeForOrder(orderID); ok {
		view := StatusView{OrderID: orderID, Phase: PhaseAssigned, Assignment: &a}
		if d, err := e.fleet.Get(a.DroneID); err == nil {
			view.DroneState = d.State
			loc := d.Location
			view.CurrentLocation = &loc
			view.ETASeconds = ComputeETA(&a, &d, e.cfg.CruiseSpeedMPS)
		}
		return view, nil
	}
	if a, ok := e.closedForOrder(orderID); ok {
		view := StatusView{OrderID: orderID, Assignment: &a}
		switch a.Outcome {
		case domain.OutcomeDelivered:
			view.Phase = PhaseDelivered
		case domain.OutcomeCancelled:
			view.Phase = PhaseCancelled
		default:
			view.Phase = PhaseFailed
		}
		return view, nil
	}
	return StatusView{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
}

// ComputeETA estimates seconds until the drone reaches the delivery point,
// following the legs it still has to fly.
func ComputeETA(a *domain.Assignment, d *domain.Drone, speedMPS float64) *int64 {
	if !a.Active() || d == nil || speedMPS <= 0 {
		return nil
	}
	var dist float64
	switch d.State {
	case domain.StateAssigned, domain.StateEnRoutePickup:
		dist = domain.DistanceMeters(d.Location, a.Request.Pickup) +
			domain.DistanceMeters(a.Request.Pickup, a.Request.Delivery)
	case domain.StateLoaded, domain.StateEnRouteDelivery:
		dist = domain.DistanceMeters(d.Location, a.Request.Delivery)
	case domain.StateDelivering:
		dist = 0
	default:
		return nil
	}
	seconds := int64(dist / speedMPS)
	if seconds < 0 {
		seconds = 0
	}
	return &seconds
}
