package fleet

import (
	"sort"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/flight"
)

// EnergyModel converts flight distance into battery percentage.
type EnergyModel struct {
	PercentPerKm float64
	Margin       float64
}

// Required is the battery reserve needed to fly km, margin included.
func (m EnergyModel) Required(km float64) float64 {
	return km * m.PercentPerKm * (1 + m.Margin)
}

type Requirements struct {
	Pickup              domain.Location
	Delivery            domain.Location
	PayloadKg           float64
	MaxPickupDistanceKm float64
	Energy              EnergyModel
}

type Candidate struct {
	Drone              domain.Drone
	DistanceToPickupKm float64
	RoundTripKm        float64
	RequiredBattery    float64
}

// RoundTripKm is the distance flown from the drone's position through pickup
// and delivery back to its base.
func RoundTripKm(d domain.Drone, pickup, delivery domain.Location) float64 {
	return domain.DistanceKm(d.Location, pickup) +
		domain.DistanceKm(pickup, delivery) +
		domain.DistanceKm(delivery, d.Base)
}

// FindEligible returns the drones able to serve req, nearest to pickup first,
// then higher battery, then id.
func (r *Registry) FindEligible(req Requirements) []Candidate {
	var out []Candidate
	for _, d := range r.List() {
		if c, ok := evaluate(d, req); ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DistanceToPickupKm != b.DistanceToPickupKm {
			return a.DistanceToPickupKm < b.DistanceToPickupKm
		}
		if a.Drone.Battery != b.Drone.Battery {
			return a.Drone.Battery > b.Drone.Battery
		}
		return a.Drone.ID < b.Drone.ID
	})
	return out
}

func evaluate(d domain.Drone, req Requirements) (Candidate, bool) {
	if !flight.Reservable(&d) {
		return Candidate{}, false
	}
	if d.Capability.MaxPayloadKg < req.PayloadKg {
		return Candidate{}, false
	}
	toPickup := domain.DistanceKm(d.Location, req.Pickup)
	if req.MaxPickupDistanceKm > 0 && toPickup > req.MaxPickupDistanceKm {
		return Candidate{}, false
	}
	trip := RoundTripKm(d, req.Pickup, req.Delivery)
	if trip > d.Capability.MaxRangeKm {
		return Candidate{}, false
	}
	need := req.Energy.Required(trip)
	if need > 100 || d.Battery < need {
		return Candidate{}, false
	}
	return Candidate{
		Drone:              d,
		DistanceToPickupKm: toPickup,
		RoundTripKm:        trip,
		RequiredBattery:    need,
	}, true
}
