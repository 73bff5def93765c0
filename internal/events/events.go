package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"dronedispatch/internal/domain"
)

const (
	AggregateAssignment = "assignment"
	AggregateDelivery   = "delivery"
	AggregateDrone      = "drone"
)

const (
	EventDeliveryRequested   = "delivery.requested"
	EventDeliveryDelayed     = "delivery.delayed"
	EventDeliveryEscalated   = "delivery.escalated"
	EventDeliveryRequeued    = "delivery.requeued"
	EventDeliveryCancelled   = "delivery.cancelled"
	EventDeliveryCompleted   = "delivery.completed"
	EventAssignmentCreated   = "assignment.created"
	EventAssignmentFailed    = "assignment.failed"
	EventAssignmentCancelled = "assignment.cancelled"
	EventDroneRegistered     = "drone.registered"
	EventDroneStatusChanged  = "drone.status_changed"
	EventDroneGrounded       = "drone.grounded"
	EventDroneCleared        = "drone.cleared"
	EventTelemetryAnomaly    = "telemetry.anomaly"
)

type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func NewEvent(eventType, aggregateType, aggregateID string, payload any, occurredAt time.Time) Event {
	data, _ := json.Marshal(payload)
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       data,
		OccurredAt:    occurredAt,
	}
}

func NewAssignmentEvent(eventType string, a *domain.Assignment, occurredAt time.Time) Event {
	payload := map[string]any{
		"assignment_id":         a.ID,
		"order_id":              a.OrderID,
		"drone_id":              a.DroneID,
		"outcome":               a.Outcome,
		"estimated_distance_km": a.EstimatedDistanceKm,
		"estimated_energy":      a.EstimatedEnergy,
		"occurred_at":           occurredAt,
	}
	if a.FailureReason != nil {
		payload["failure_reason"] = *a.FailureReason
	}
	if a.Proof != nil {
		payload["proof_kind"] = a.Proof.Kind
		payload["proof_reference"] = a.Proof.Reference
		payload["confirmed_by"] = a.Proof.ConfirmedBy
	}
	return NewEvent(eventType, AggregateAssignment, a.ID, payload, occurredAt)
}

func NewDeliveryEvent(eventType string, req *domain.DeliveryRequest, reason string, occurredAt time.Time) Event {
	payload := map[string]any{
		"order_id":    req.OrderID,
		"ready_at":    req.ReadyAt,
		"attempts":    req.Attempts,
		"occurred_at": occurredAt,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return NewEvent(eventType, AggregateDelivery, req.OrderID, payload, occurredAt)
}

func NewDroneEvent(eventType string, drone *domain.Drone, occurredAt time.Time) Event {
	payload := map[string]any{
		"drone_id":      drone.ID,
		"state":         drone.State,
		"battery":       drone.Battery,
		"lat":           drone.Location.Lat,
		"lng":           drone.Location.Lng,
		"assignment_id": drone.CurrentAssignmentID,
		"occurred_at":   occurredAt,
	}
	if drone.FaultReason != nil {
		payload["fault_reason"] = *drone.FaultReason
	}
	return NewEvent(eventType, AggregateDrone, drone.ID, payload, occurredAt)
}

func NewTransitionEvent(tr domain.Transition) Event {
	payload := map[string]any{
		"drone_id":      tr.DroneID,
		"assignment_id": tr.AssignmentID,
		"from":          tr.From,
		"to":            tr.To,
		"event":         tr.Event,
		"occurred_at":   tr.At,
	}
	return NewEvent(EventDroneStatusChanged, AggregateDrone, tr.DroneID, payload, tr.At)
}
