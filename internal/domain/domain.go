package domain

import "time"

const (
	RoleAdmin   = "admin"
	RoleOrders  = "orders"
	RoleDrone   = "drone"
	RoleCourier = "courier"
)

type DroneState string

const (
	StateIdle            DroneState = "IDLE"
	StateAssigned        DroneState = "ASSIGNED"
	StateEnRoutePickup   DroneState = "EN_ROUTE_PICKUP"
	StateLoaded          DroneState = "LOADED"
	StateEnRouteDelivery DroneState = "EN_ROUTE_DELIVERY"
	StateDelivering      DroneState = "DELIVERING"
	StateReturning       DroneState = "RETURNING"
	StateCharging        DroneState = "CHARGING"
	StateGrounded        DroneState = "GROUNDED"
)

type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeDelivered  Outcome = "delivered"
	OutcomeFailed     Outcome = "failed"
	OutcomeCancelled  Outcome = "cancelled"
)

// Fault reasons recorded on grounded drones and failed assignments.
const (
	FaultTelemetryTimeout = "telemetry_timeout"
	FaultRouteDeviation   = "route_deviation"
	FaultStalled          = "stalled"
	FaultReported         = "reported"
)

// Delay reasons shown to the order system while a request waits for dispatch.
const (
	DelayWeatherUnsafe      = "weather_unsafe"
	DelayWeatherUnavailable = "weather_unavailable"
	DelayNoDrone            = "no_drone_available"
)

type Location struct {
	Lat float64
	Lng float64
}

type Capability struct {
	MaxPayloadKg float64
	MaxRangeKm   float64
}

type Drone struct {
	ID                  string
	Model               string
	Capability          Capability
	Battery             float64
	Location            Location
	Base                Location
	State               DroneState
	CurrentAssignmentID *string
	LastTelemetryAt     time.Time
	LegStartedAt        time.Time
	FaultReason         *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Airborne reports whether the drone has left its base for an assignment.
func (d *Drone) Airborne() bool {
	switch d.State {
	case StateEnRoutePickup, StateLoaded, StateEnRouteDelivery, StateDelivering, StateReturning:
		return true
	default:
		return false
	}
}

type Window struct {
	Start time.Time
	End   time.Time
}

type DeliveryRequest struct {
	OrderID     string
	Pickup      Location
	Delivery    Location
	PayloadKg   float64
	Window      Window
	ReadyAt     time.Time
	EnqueuedAt  time.Time
	Attempts    int
	DelayReason *string
	Cancelled   bool
}

type Proof struct {
	Kind        string
	Reference   string
	ConfirmedBy string
	At          time.Time
}

type Transition struct {
	AssignmentID string
	DroneID      string
	From         DroneState
	To           DroneState
	Event        string
	At           time.Time
}

type Assignment struct {
	ID                  string
	OrderID             string
	DroneID             string
	Request             DeliveryRequest
	Origin              Location
	CreatedAt           time.Time
	EstimatedDistanceKm float64
	EstimatedEnergy     float64
	Outcome             Outcome
	FailureReason       *string
	Proof               *Proof
	Transitions         []Transition
	ClosedAt            *time.Time
}

func (a *Assignment) Active() bool {
	return a.Outcome == OutcomePending || a.Outcome == OutcomeInProgress
}

type LocationPing struct {
	DroneID   string
	Location  Location
	Timestamp time.Time
	Battery   float64
}

type WeatherSnapshot struct {
	Region          string
	Safe            bool
	Reasons         []string
	TemperatureC    float64
	WindSpeedMPS    float64
	VisibilityKm    float64
	PrecipitationMM float64
	FetchedAt       time.Time
	ValidFor        time.Duration
}

// ValidAt reports whether the snapshot may be trusted for the given instant.
func (s *WeatherSnapshot) ValidAt(at time.Time) bool {
	if at.Before(s.FetchedAt) {
		return false
	}
	return at.Before(s.FetchedAt.Add(s.ValidFor))
}

func IsTerminal(outcome Outcome) bool {
	switch outcome {
	case OutcomeDelivered, OutcomeFailed, OutcomeCancelled:
		return true
	default:
		return false
	}
}
