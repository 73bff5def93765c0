package transport

import (
	"context"
	"time"

	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/domain"
)

// Dispatcher is the engine surface exposed over HTTP, gRPC and Thrift.
type Dispatcher interface {
	SubmitDelivery(ctx context.Context, req domain.DeliveryRequest) (domain.DeliveryRequest, error)
	Cancel(ctx context.Context, orderID string) (dispatch.CancelResult, error)
	DeliveryStatus(orderID string) (dispatch.StatusView, error)
	Ingest(ctx context.Context, ping domain.LocationPing) (dispatch.IngestResult, error)
	Confirm(ctx context.Context, assignmentID string, proof domain.Proof) (domain.Assignment, error)
	RegisterDrone(ctx context.Context, d domain.Drone) (domain.Drone, error)
	ListDrones() []domain.Drone
	GetDrone(id string) (domain.Drone, error)
	DroneHistory(id string) ([]domain.LocationPing, error)
	ReportFault(ctx context.Context, droneID, reason string) (domain.Drone, error)
	ClearFault(ctx context.Context, droneID string) (domain.Drone, error)
	ListPending() []domain.DeliveryRequest
	GetAssignment(ctx context.Context, id string) (domain.Assignment, error)
	RunPass(ctx context.Context) dispatch.PassResult
}

var _ Dispatcher = (*dispatch.Engine)(nil)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l Location) Domain() domain.Location {
	return domain.Location{Lat: l.Lat, Lng: l.Lng}
}

func FromLocation(loc domain.Location) Location {
	return Location{Lat: loc.Lat, Lng: loc.Lng}
}

type DeliveryRequestInput struct {
	OrderID     string     `json:"order_id"`
	Pickup      Location   `json:"pickup"`
	Delivery    Location   `json:"delivery"`
	PayloadKg   float64    `json:"payload_kg"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
	ReadyAt     *time.Time `json:"ready_at,omitempty"`
}

func (in DeliveryRequestInput) Domain() domain.DeliveryRequest {
	req := domain.DeliveryRequest{
		OrderID:   in.OrderID,
		Pickup:    in.Pickup.Domain(),
		Delivery:  in.Delivery.Domain(),
		PayloadKg: in.PayloadKg,
	}
	if in.WindowStart != nil {
		req.Window.Start = *in.WindowStart
	}
	if in.WindowEnd != nil {
		req.Window.End = *in.WindowEnd
	}
	if in.ReadyAt != nil {
		req.ReadyAt = *in.ReadyAt
	}
	return req
}

type DeliveryRequestResponse struct {
	OrderID     string     `json:"order_id"`
	Pickup      Location   `json:"pickup"`
	Delivery    Location   `json:"delivery"`
	PayloadKg   float64    `json:"payload_kg"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
	ReadyAt     time.Time  `json:"ready_at"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	Attempts    int        `json:"attempts"`
	DelayReason *string    `json:"delay_reason,omitempty"`
}

func FromRequest(req domain.DeliveryRequest) DeliveryRequestResponse {
	resp := DeliveryRequestResponse{
		OrderID:     req.OrderID,
		Pickup:      FromLocation(req.Pickup),
		Delivery:    FromLocation(req.Delivery),
		PayloadKg:   req.PayloadKg,
		ReadyAt:     req.ReadyAt,
		EnqueuedAt:  req.EnqueuedAt,
		Attempts:    req.Attempts,
		DelayReason: req.DelayReason,
	}
	resp.WindowStart = optionalTime(req.Window.Start)
	resp.WindowEnd = optionalTime(req.Window.End)
	return resp
}

type DroneInput struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	MaxPayloadKg float64   `json:"max_payload_kg"`
	MaxRangeKm   float64   `json:"max_range_km"`
	Battery      float64   `json:"battery"`
	Location     Location  `json:"location"`
	Base         *Location `json:"base,omitempty"`
	State        string    `json:"state,omitempty"`
}

func (in DroneInput) Domain() domain.Drone {
	d := domain.Drone{
		ID:         in.ID,
		Model:      in.Model,
		Capability: domain.Capability{MaxPayloadKg: in.MaxPayloadKg, MaxRangeKm: in.MaxRangeKm},
		Battery:    in.Battery,
		Location:   in.Location.Domain(),
		State:      domain.DroneState(in.State),
	}
	if in.Base != nil {
		d.Base = in.Base.Domain()
	}
	return d
}

type DroneResponse struct {
	ID                  string     `json:"id"`
	Model               string     `json:"model,omitempty"`
	MaxPayloadKg        float64    `json:"max_payload_kg"`
	MaxRangeKm          float64    `json:"max_range_km"`
	Battery             float64    `json:"battery"`
	Location            Location   `json:"location"`
	Base                Location   `json:"base"`
	State               string     `json:"state"`
	CurrentAssignmentID *string    `json:"current_assignment_id,omitempty"`
	FaultReason         *string    `json:"fault_reason,omitempty"`
	LastTelemetryAt     *time.Time `json:"last_telemetry_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func FromDrone(d domain.Drone) DroneResponse {
	return DroneResponse{
		ID:                  d.ID,
		Model:               d.Model,
		MaxPayloadKg:        d.Capability.MaxPayloadKg,
		MaxRangeKm:          d.Capability.MaxRangeKm,
		Battery:             d.Battery,
		Location:            FromLocation(d.Location),
		Base:                FromLocation(d.Base),
		State:               string(d.State),
		CurrentAssignmentID: d.CurrentAssignmentID,
		FaultReason:         d.FaultReason,
		LastTelemetryAt:     optionalTime(d.LastTelemetryAt),
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

func FromDrones(drones []domain.Drone) []DroneResponse {
	resp := make([]DroneResponse, 0, len(drones))
	for _, d := range drones {
		resp = append(resp, FromDrone(d))
	}
	return resp
}

type TransitionResponse struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

type ProofResponse struct {
	Kind        string    `json:"kind"`
	Reference   string    `json:"reference,omitempty"`
	ConfirmedBy string    `json:"confirmed_by,omitempty"`
	At          time.Time `json:"at"`
}

type AssignmentResponse struct {
	ID                  string                  `json:"id"`
	OrderID             string                  `json:"order_id"`
	DroneID             string                  `json:"drone_id"`
	Request             DeliveryRequestResponse `json:"request"`
	Origin              Location                `json:"origin"`
	CreatedAt           time.Time               `json:"created_at"`
	EstimatedDistanceKm float64                 `json:"estimated_distance_km"`
	EstimatedEnergy     float64                 `json:"estimated_energy"`
	Outcome             string                  `json:"outcome"`
	FailureReason       *string                 `json:"failure_reason,omitempty"`
	Proof               *ProofResponse          `json:"proof,omitempty"`
	Transitions         []TransitionResponse    `json:"transitions"`
	ClosedAt            *time.Time              `json:"closed_at,omitempty"`
}

func FromAssignment(a domain.Assignment) AssignmentResponse {
	resp := AssignmentResponse{
		ID:                  a.ID,
		OrderID:             a.OrderID,
		DroneID:             a.DroneID,
		Request:             FromRequest(a.Request),
		Origin:              FromLocation(a.Origin),
		CreatedAt:           a.CreatedAt,
		EstimatedDistanceKm: a.EstimatedDistanceKm,
		EstimatedEnergy:     a.EstimatedEnergy,
		Outcome:             string(a.Outcome),
		FailureReason:       a.FailureReason,
		ClosedAt:            a.ClosedAt,
		Transitions:         make([]TransitionResponse, 0, len(a.Transitions)),
	}
	if a.Proof != nil {
		resp.Proof = &ProofResponse{
			Kind:        a.Proof.Kind,
			Reference:   a.Proof.Reference,
			ConfirmedBy: a.Proof.ConfirmedBy,
			At:          a.Proof.At,
		}
	}
	for _, tr := range a.Transitions {
		resp.Transitions = append(resp.Transitions, TransitionResponse{
			From:  string(tr.From),
			To:    string(tr.To),
			Event: tr.Event,
			At:    tr.At,
		})
	}
	return resp
}

type StatusResponse struct {
	OrderID         string              `json:"order_id"`
	Phase           string              `json:"phase"`
	DelayReason     *string             `json:"delay_reason,omitempty"`
	Assignment      *AssignmentResponse `json:"assignment,omitempty"`
	DroneState      string              `json:"drone_state,omitempty"`
	CurrentLocation *Location           `json:"current_location,omitempty"`
	ETASeconds      *int64              `json:"eta_seconds,omitempty"`
}

func FromStatus(view dispatch.StatusView) StatusResponse {
	resp := StatusResponse{
		OrderID:     view.OrderID,
		Phase:       view.Phase,
		DelayReason: view.DelayReason,
		DroneState:  string(view.DroneState),
		ETASeconds:  view.ETASeconds,
	}
	if view.Assignment != nil {
		a := FromAssignment(*view.Assignment)
		resp.Assignment = &a
	}
	if view.CurrentLocation != nil {
		loc := FromLocation(*view.CurrentLocation)
		resp.CurrentLocation = &loc
	}
	return resp
}

type TelemetryInput struct {
	DroneID   string    `json:"drone_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Battery   float64   `json:"battery"`
	Timestamp time.Time `json:"timestamp"`
}

func (in TelemetryInput) Domain() domain.LocationPing {
	return domain.LocationPing{
		DroneID:   in.DroneID,
		Location:  domain.Location{Lat: in.Lat, Lng: in.Lng},
		Battery:   in.Battery,
		Timestamp: in.Timestamp,
	}
}

type IngestResponse struct {
	Drone       DroneResponse        `json:"drone"`
	Stale       bool                 `json:"stale"`
	Anomaly     bool                 `json:"anomaly"`
	Transitions []TransitionResponse `json:"transitions"`
	Fault       string               `json:"fault,omitempty"`
}

func FromIngest(res dispatch.IngestResult) IngestResponse {
	resp := IngestResponse{
		Drone:       FromDrone(res.Drone),
		Stale:       res.Stale,
		Anomaly:     res.Anomaly,
		Fault:       res.Fault,
		Transitions: make([]TransitionResponse, 0, len(res.Transitions)),
	}
	for _, tr := range res.Transitions {
		resp.Transitions = append(resp.Transitions, TransitionResponse{
			From:  string(tr.From),
			To:    string(tr.To),
			Event: tr.Event,
			At:    tr.At,
		})
	}
	return resp
}

type CancelResponse struct {
	OrderID    string                   `json:"order_id"`
	Repeated   bool                     `json:"repeated"`
	Request    *DeliveryRequestResponse `json:"request,omitempty"`
	Assignment *AssignmentResponse      `json:"assignment,omitempty"`
}

func FromCancel(orderID string, res dispatch.CancelResult) CancelResponse {
	resp := CancelResponse{OrderID: orderID, Repeated: res.Repeated}
	if res.Request != nil {
		req := FromRequest(*res.Request)
		resp.Request = &req
	}
	if res.Assignment != nil {
		a := FromAssignment(*res.Assignment)
		resp.Assignment = &a
	}
	return resp
}

type PingResponse struct {
	Location  Location  `json:"location"`
	Battery   float64   `json:"battery"`
	Timestamp time.Time `json:"timestamp"`
}

func FromPings(pings []domain.LocationPing) []PingResponse {
	resp := make([]PingResponse, 0, len(pings))
	for _, p := range pings {
		resp = append(resp, PingResponse{Location: FromLocation(p.Location), Battery: p.Battery, Timestamp: p.Timestamp})
	}
	return resp
}

type PassResponse struct {
	Assigned  []AssignmentResponse `json:"assigned"`
	Delayed   map[string]string    `json:"delayed"`
	Escalated []string             `json:"escalated"`
}

func FromPass(res dispatch.PassResult) PassResponse {
	resp := PassResponse{
		Assigned:  make([]AssignmentResponse, 0, len(res.Assigned)),
		Delayed:   make(map[string]string, len(res.Delayed)),
		Escalated: make([]string, 0, len(res.Escalated)),
	}
	for _, a := range res.Assigned {
		resp.Assigned = append(resp.Assigned, FromAssignment(a))
	}
	for orderID, err := range res.Delayed {
		resp.Delayed[orderID] = err.Error()
	}
	for _, req := range res.Escalated {
		resp.Escalated = append(resp.Escalated, req.OrderID)
	}
	return resp
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
