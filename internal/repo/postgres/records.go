package postgres

import (
	"time"

	"dronedispatch/internal/domain"
)

// requestRecord is the jsonb shape of the request frozen into an assignment.
type requestRecord struct {
	OrderID     string    `json:"order_id"`
	PickupLat   float64   `json:"pickup_lat"`
	PickupLng   float64   `json:"pickup_lng"`
	DeliveryLat float64   `json:"delivery_lat"`
	DeliveryLng float64   `json:"delivery_lng"`
	PayloadKg   float64   `json:"payload_kg"`
	WindowStart time.Time `json:"window_start,omitzero"`
	WindowEnd   time.Time `json:"window_end,omitzero"`
	ReadyAt     time.Time `json:"ready_at"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempts    int       `json:"attempts"`
	DelayReason *string   `json:"delay_reason,omitempty"`
	Cancelled   bool      `json:"cancelled,omitempty"`
}

func toRequestRecord(req domain.DeliveryRequest) requestRecord {
	return requestRecord{
		OrderID:     req.OrderID,
		PickupLat:   req.Pickup.Lat,
		PickupLng:   req.Pickup.Lng,
		DeliveryLat: req.Delivery.Lat,
		DeliveryLng: req.Delivery.Lng,
		PayloadKg:   req.PayloadKg,
		WindowStart: req.Window.Start,
		WindowEnd:   req.Window.End,
		ReadyAt:     req.ReadyAt,
		EnqueuedAt:  req.EnqueuedAt,
		Attempts:    req.Attempts,
		DelayReason: req.DelayReason,
		Cancelled:   req.Cancelled,
	}
}

func (r requestRecord) toDomain() domain.DeliveryRequest {
	return domain.DeliveryRequest{
		OrderID:     r.OrderID,
		Pickup:      domain.Location{Lat: r.PickupLat, Lng: r.PickupLng},
		Delivery:    domain.Location{Lat: r.DeliveryLat, Lng: r.DeliveryLng},
		PayloadKg:   r.PayloadKg,
		Window:      domain.Window{Start: r.WindowStart, End: r.WindowEnd},
		ReadyAt:     r.ReadyAt,
		EnqueuedAt:  r.EnqueuedAt,
		Attempts:    r.Attempts,
		DelayReason: r.DelayReason,
		Cancelled:   r.Cancelled,
	}
}

type proofRecord struct {
	Kind        string    `json:"kind"`
	Reference   string    `json:"reference,omitempty"`
	ConfirmedBy string    `json:"confirmed_by,omitempty"`
	At          time.Time `json:"at"`
}

func toProofRecord(p domain.Proof) proofRecord {
	return proofRecord{Kind: p.Kind, Reference: p.Reference, ConfirmedBy: p.ConfirmedBy, At: p.At}
}

func (p proofRecord) toDomain() domain.Proof {
	return domain.Proof{Kind: p.Kind, Reference: p.Reference, ConfirmedBy: p.ConfirmedBy, At: p.At}
}
