// Package flight holds the per-drone lifecycle rules.
//
// The machine is a pure transition table: callers own the drone record and
// its locking, and ask Next for the state an event leads to.
package flight

import (
	"fmt"
	"time"

	"dronedispatch/internal/domain"
)

type Event string

const (
	EventAssign         Event = "assign"
	EventLaunch         Event = "launch"
	EventArrivePickup   Event = "arrive_pickup"
	EventDepartPickup   Event = "depart_pickup"
	EventArriveDelivery Event = "arrive_delivery"
	EventConfirm        Event = "confirm"
	EventArriveBase     Event = "arrive_base"
	EventLowBattery     Event = "low_battery"
	EventCharged        Event = "charged"
	EventFault          Event = "fault"
	EventCancel         Event = "cancel"
	EventClear          Event = "clear"
	EventRelease        Event = "release"
)

var table = map[domain.DroneState]map[Event]domain.DroneState{
	domain.StateIdle: {
		EventAssign:     domain.StateAssigned,
		EventLowBattery: domain.StateCharging,
		EventFault:      domain.StateGrounded,
	},
	domain.StateAssigned: {
		EventLaunch:  domain.StateEnRoutePickup,
		EventFault:   domain.StateGrounded,
		EventCancel:  domain.StateReturning,
		EventRelease: domain.StateIdle,
	},
	domain.StateEnRoutePickup: {
		EventArrivePickup: domain.StateLoaded,
		EventFault:        domain.StateGrounded,
		EventCancel:       domain.StateReturning,
	},
	domain.StateLoaded: {
		EventDepartPickup: domain.StateEnRouteDelivery,
		EventFault:        domain.StateGrounded,
		EventCancel:       domain.StateReturning,
	},
	domain.StateEnRouteDelivery: {
		EventArriveDelivery: domain.StateDelivering,
		EventFault:          domain.StateGrounded,
		EventCancel:         domain.StateReturning,
	},
	domain.StateDelivering: {
		EventConfirm: domain.StateReturning,
		EventFault:   domain.StateGrounded,
		EventCancel:  domain.StateReturning,
	},
	domain.StateReturning: {
		EventArriveBase: domain.StateIdle,
		EventAssign:     domain.StateAssigned,
		EventFault:      domain.StateGrounded,
		EventCancel:     domain.StateReturning,
	},
	domain.StateCharging: {
		EventCharged: domain.StateIdle,
		EventFault:   domain.StateGrounded,
	},
	domain.StateGrounded: {
		EventClear: domain.StateIdle,
	},
}

// Next returns the state reached from s on e, or ErrInvalidTransition.
func Next(s domain.DroneState, e Event) (domain.DroneState, error) {
	to, ok := table[s][e]
	if !ok {
		return s, fmt.Errorf("%s on %s: %w", e, s, domain.ErrInvalidTransition)
	}
	return to, nil
}

func Can(s domain.DroneState, e Event) bool {
	_, ok := table[s][e]
	return ok
}

// Reservable reports whether a drone may take a new assignment.
// A returning drone qualifies once it no longer carries an assignment.
func Reservable(d *domain.Drone) bool {
	if d.CurrentAssignmentID != nil {
		return false
	}
	return d.State == domain.StateIdle || d.State == domain.StateReturning
}

// InFlight reports whether a fault in state s fails an assignment.
func InFlight(s domain.DroneState) bool {
	switch s {
	case domain.StateAssigned, domain.StateEnRoutePickup, domain.StateLoaded,
		domain.StateEnRouteDelivery, domain.StateDelivering:
		return true
	default:
		return false
	}
}

// Apply moves d along e and records the transition against assignmentID.
func Apply(d *domain.Drone, e Event, assignmentID string, at time.Time) (domain.Transition, error) {
	to, err := Next(d.State, e)
	if err != nil {
		return domain.Transition{}, err
	}
	tr := domain.Transition{
		AssignmentID: assignmentID,
		DroneID:      d.ID,
		From:         d.State,
		To:           to,
		Event:        string(e),
		At:           at,
	}
	d.State = to
	d.UpdatedAt = at
	if to == domain.StateEnRoutePickup || to == domain.StateEnRouteDelivery {
		d.LegStartedAt = at
	}
	return tr, nil
}
