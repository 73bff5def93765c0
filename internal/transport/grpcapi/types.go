package grpcapi

import "dronedispatch/internal/transport"

type Empty struct{}

type TokenRequest struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type OrderIDRequest struct {
	OrderID string `json:"order_id"`
}

type DroneIDRequest struct {
	DroneID string `json:"drone_id"`
}

type AssignmentIDRequest struct {
	AssignmentID string `json:"assignment_id"`
}

type FaultRequest struct {
	DroneID string `json:"drone_id"`
	Reason  string `json:"reason"`
}

type ConfirmRequest struct {
	AssignmentID string `json:"assignment_id"`
	Kind         string `json:"kind"`
	Reference    string `json:"reference"`
}

type ListDronesResponse struct {
	Drones []transport.DroneResponse `json:"drones"`
}

type ListPendingResponse struct {
	Requests []transport.DeliveryRequestResponse `json:"requests"`
}
