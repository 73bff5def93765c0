package dispatch

import (
	"context"
	"fmt"
	"time"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/events"
	"dronedispatch/internal/fleet"
	"dronedispatch/internal/flight"
)

// maxStepsPerPing bounds how many transitions one ping may drive, e.g. a
// drone already at pickup when it launches.
const maxStepsPerPing = 4

type IngestResult struct {
	Drone       domain.Drone
	Stale       bool
	Anomaly     bool
	Transitions []domain.Transition
	Fault       string
}

// changeSet collects everything one locked drone update writes, so it can be
// persisted in a single transaction before memory is touched.
type changeSet struct {
	drone       *domain.Drone
	pings       []domain.LocationPing
	transitions []domain.Transition
	assignment  *domain.Assignment
	closed      bool
	requeue     *domain.DeliveryRequest
	events      []events.Event
}

// commit must be called with the drone's lock held.
func (e *Engine) commit(ctx context.Context, cs *changeSet) error {
	err := e.withTx(ctx, func(tx Tx) error {
		if err := tx.UpsertDrone(ctx, cs.drone); err != nil {
			return err
		}
		for _, p := range cs.pings {
			if err := tx.InsertPing(ctx, p); err != nil {
				return err
			}
		}
		if cs.assignment != nil {
			if err := tx.UpsertAssignment(ctx, cs.assignment); err != nil {
				return err
			}
		}
		for _, tr := range cs.transitions {
			if err := tx.InsertTransition(ctx, tr); err != nil {
				return err
			}
		}
		if cs.requeue != nil {
			if err := tx.UpsertRequest(ctx, cs.requeue); err != nil {
				return err
			}
		}
		for _, ev := range cs.events {
			if err := tx.EnqueueEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if cs.assignment != nil {
		if cs.closed {
			e.closeAssignment(*cs.assignment)
		} else {
			e.storeActive(*cs.assignment)
		}
	}
	if cs.requeue != nil {
		e.pending.add(*cs.requeue)
	}
	return nil
}

func (e *Engine) apply(cs *changeSet, a *domain.Assignment, ev flight.Event, at time.Time) error {
	id := ""
	if a != nil {
		id = a.ID
	}
	tr, err := flight.Apply(cs.drone, ev, id, at)
	if err != nil {
		return err
	}
	cs.transitions = append(cs.transitions, tr)
	cs.events = append(cs.events, events.NewTransitionEvent(tr))
	if a != nil {
		a.Transitions = append(a.Transitions, tr)
		if ev == flight.EventLaunch && a.Outcome == domain.OutcomePending {
			a.Outcome = domain.OutcomeInProgress
		}
		cs.assignment = a
	}
	return nil
}

// ground faults the drone. Its assignment fails and the request goes back
// to the queue with its original ReadyAt.
func (e *Engine) ground(cs *changeSet, a *domain.Assignment, reason string, now time.Time) error {
	if err := e.apply(cs, a, flight.EventFault, now); err != nil {
		return err
	}
	d := cs.drone
	d.FaultReason = &reason
	if a != nil {
		a.Outcome = domain.OutcomeFailed
		a.FailureReason = &reason
		a.ClosedAt = &now
		d.CurrentAssignmentID = nil
		cs.closed = true

		req := a.Request
		req.EnqueuedAt = now
		req.Attempts++
		req.DelayReason = nil
		cs.requeue = &req
		cs.events = append(cs.events,
			events.NewAssignmentEvent(events.EventAssignmentFailed, a, now),
			events.NewDeliveryEvent(events.EventDeliveryRequeued, &req, reason, now),
		)
	}
	cs.events = append(cs.events, events.NewDroneEvent(events.EventDroneGrounded, d, now))
	return nil
}

func (e *Engine) within(a, b domain.Location) bool {
	return domain.DistanceMeters(a, b) <= e.cfg.ArrivalRadiusM
}

// nextEvent returns the event the drone's latest position implies, if any.
func (e *Engine) nextEvent(d *domain.Drone, a *domain.Assignment) (flight.Event, bool) {
	switch d.State {
	case domain.StateAssigned:
		return flight.EventLaunch, a != nil
	case domain.StateEnRoutePickup:
		return flight.EventArrivePickup, a != nil && e.within(d.Location, a.Request.Pickup)
	case domain.StateLoaded:
		return flight.EventDepartPickup, a != nil && !e.within(d.Location, a.Request.Pickup)
	case domain.StateEnRouteDelivery:
		return flight.EventArriveDelivery, a != nil && e.within(d.Location, a.Request.Delivery)
	case domain.StateReturning:
		return flight.EventArriveBase, e.within(d.Location, d.Base)
	case domain.StateIdle:
		return flight.EventLowBattery, d.Battery < e.cfg.ChargeThreshold
	case domain.StateCharging:
		return flight.EventCharged, d.Battery >= e.cfg.ChargeComplete
	}
	return "", false
}

// Ingest applies a position report. Pings that are not newer than the last
// accepted one are discarded without error. A battery rise outside CHARGING
// is flagged but still applied.
func (e *Engine) Ingest(ctx context.Context, ping domain.LocationPing) (IngestResult, error) {
	if err := domain.ValidatePing(ping); err != nil {
		return IngestResult{}, err
	}
	now := e.clock.Now()

	var res IngestResult
	var failed *domain.Assignment
	err := e.fleet.Mutate(ping.DroneID, func(rec *fleet.Record) error {
		d := &rec.Drone
		if !d.LastTelemetryAt.IsZero() && !ping.Timestamp.After(d.LastTelemetryAt) {
			res.Stale = true
			res.Drone = *d
			return nil
		}

		cs := &changeSet{drone: d}
		anomaly := d.State != domain.StateCharging && ping.Battery > d.Battery
		if anomaly {
			cs.events = append(cs.events, events.NewEvent(events.EventTelemetryAnomaly, events.AggregateDrone, d.ID, map[string]any{
				"drone_id":         d.ID,
				"state":            d.State,
				"previous_battery": d.Battery,
				"reported_battery": ping.Battery,
				"occurred_at":      ping.Timestamp,
			}, now))
		}

		d.Location = ping.Location
		d.Battery = ping.Battery
		d.LastTelemetryAt = ping.Timestamp
		d.UpdatedAt = now
		rec.AppendPing(ping)
		cs.pings = append(cs.pings, ping)

		var a *domain.Assignment
		if d.CurrentAssignmentID != nil {
			if cur, ok := e.activeAssignment(*d.CurrentAssignmentID); ok {
				a = &cur
			}
		}

		for i := 0; i < maxStepsPerPing; i++ {
			ev, ok := e.nextEvent(d, a)
			if !ok {
				break
			}
			if err := e.apply(cs, a, ev, ping.Timestamp); err != nil {
				return err
			}
		}

		fault := ""
		if a != nil {
			fault = e.detectFault(d, a, rec.History)
			if fault != "" {
				if err := e.ground(cs, a, fault, now); err != nil {
					return err
				}
			}
		}

		if err := e.commit(ctx, cs); err != nil {
			return err
		}
		res.Drone = *d
		res.Anomaly = anomaly
		res.Transitions = cs.transitions
		res.Fault = fault
		if fault != "" {
			failed = a
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}

	if res.Stale {
		e.logger.Warn("telemetry discarded",
			"drone_id", ping.DroneID,
			"error", domain.ErrStaleTelemetry,
			"ping_at", ping.Timestamp,
			"last_at", res.Drone.LastTelemetryAt,
		)
		return res, nil
	}
	if res.Anomaly {
		e.logger.Warn("telemetry anomaly",
			"drone_id", ping.DroneID,
			"error", domain.ErrTelemetryAnomaly,
			"state", res.Drone.State,
			"battery", ping.Battery,
		)
	}
	if e.tracker != nil {
		if err := e.tracker.Put(ctx, res.Drone); err != nil {
			e.logger.Warn("tracking cache update failed", "drone_id", ping.DroneID, "error", err)
		}
	}
	if failed != nil {
		e.afterFailure(ctx, *failed, res.Fault)
	}
	return res, nil
}

func (e *Engine) afterFailure(ctx context.Context, a domain.Assignment, reason string) {
	e.logger.Warn("drone grounded",
		"drone_id", a.DroneID,
		"assignment_id", a.ID,
		"order_id", a.OrderID,
		"reason", reason,
	)
	e.archive(ctx, a)
	e.listener.OnAssignmentFailed(a, reason)
	e.signal()
}

// detectFault checks the rolling history of an en-route drone for sustained
// deviation from its leg or for a stall.
func (e *Engine) detectFault(d *domain.Drone, a *domain.Assignment, history []domain.LocationPing) string {
	var start, end domain.Location
	switch d.State {
	case domain.StateEnRoutePickup:
		start, end = a.Origin, a.Request.Pickup
	case domain.StateEnRouteDelivery:
		start, end = a.Request.Pickup, a.Request.Delivery
	default:
		return ""
	}
	if len(history) == 0 {
		return ""
	}
	leg := legPings(history, d.LegStartedAt)
	if len(leg) == 0 {
		return ""
	}
	if e.deviated(leg, start, end) {
		return domain.FaultRouteDeviation
	}
	if e.stalled(leg) {
		return domain.FaultStalled
	}
	return ""
}

func legPings(history []domain.LocationPing, since time.Time) []domain.LocationPing {
	i := len(history)
	for i > 0 && !history[i-1].Timestamp.Before(since) {
		i--
	}
	return history[i:]
}

// deviated reports whether the most recent pings have all been off the leg's
// great-circle path for at least DeviationWindow.
func (e *Engine) deviated(leg []domain.LocationPing, start, end domain.Location) bool {
	if e.cfg.DeviationThresholdM <= 0 {
		return false
	}
	latest := leg[len(leg)-1]
	var first time.Time
	run := 0
	for i := len(leg) - 1; i >= 0; i-- {
		if domain.OffPathMeters(leg[i].Location, start, end) <= e.cfg.DeviationThresholdM {
			break
		}
		first = leg[i].Timestamp
		run++
	}
	return run > 0 && latest.Timestamp.Sub(first) >= e.cfg.DeviationWindow
}

// stalled reports whether the drone has stayed within StallRadiusM for the
// whole StallWindow.
func (e *Engine) stalled(leg []domain.LocationPing) bool {
	if e.cfg.StallWindow <= 0 {
		return false
	}
	latest := leg[len(leg)-1]
	cutoff := latest.Timestamp.Add(-e.cfg.StallWindow)
	ref := -1
	for i := len(leg) - 1; i >= 0; i-- {
		if !leg[i].Timestamp.After(cutoff) {
			ref = i
			break
		}
	}
	if ref < 0 {
		return false
	}
	for _, p := range leg[ref+1:] {
		if domain.DistanceMeters(p.Location, leg[ref].Location) > e.cfg.StallRadiusM {
			return false
		}
	}
	return true
}

func (e *Engine) telemetryOverdue(d domain.Drone, a domain.Assignment, now time.Time) bool {
	baseline := d.LastTelemetryAt
	if a.CreatedAt.After(baseline) {
		baseline = a.CreatedAt
	}
	e.asgMu.RLock()
	restored := e.restoredAt
	e.asgMu.RUnlock()
	if restored.After(baseline) {
		baseline = restored
	}
	return now.Sub(baseline) > e.cfg.TelemetryTimeout
}

// CheckTelemetry grounds every drone with an active assignment that has not
// reported within TelemetryTimeout. It returns the ids of grounded drones.
func (e *Engine) CheckTelemetry(ctx context.Context) []string {
	now := e.clock.Now()
	var grounded []string
	for _, d := range e.fleet.List() {
		if d.CurrentAssignmentID == nil {
			continue
		}
		a, ok := e.activeAssignment(*d.CurrentAssignmentID)
		if !ok || !e.telemetryOverdue(d, a, now) {
			continue
		}

		var failed *domain.Assignment
		err := e.fleet.Mutate(d.ID, func(rec *fleet.Record) error {
			cur := &rec.Drone
			if cur.CurrentAssignmentID == nil || *cur.CurrentAssignmentID != a.ID {
				return nil
			}
			latest, ok := e.activeAssignment(a.ID)
			if !ok || !e.telemetryOverdue(*cur, latest, now) {
				return nil
			}
			cs := &changeSet{drone: cur}
			if err := e.ground(cs, &latest, domain.FaultTelemetryTimeout, now); err != nil {
				return err
			}
			if err := e.commit(ctx, cs); err != nil {
				return err
			}
			failed = &latest
			return nil
		})
		if err != nil {
			e.logger.Error("telemetry watchdog failed", "drone_id", d.ID, "error", err)
			continue
		}
		if failed != nil {
			e.logger.Warn("telemetry lost", "drone_id", d.ID, "error", domain.ErrTelemetryTimeout, "last_at", d.LastTelemetryAt)
			grounded = append(grounded, d.ID)
			e.afterFailure(ctx, *failed, domain.FaultTelemetryTimeout)
		}
	}
	return grounded
}

// ReportFault grounds a drone on report from the drone link or an operator.
// Grounding an already grounded drone changes nothing.
func (e *Engine) ReportFault(ctx context.Context, droneID, reason string) (domain.Drone, error) {
	if reason == "" {
		reason = domain.FaultReported
	}
	now := e.clock.Now()
	var out domain.Drone
	var failed *domain.Assignment
	err := e.fleet.Mutate(droneID, func(rec *fleet.Record) error {
		d := &rec.Drone
		if d.State == domain.StateGrounded {
			out = *d
			return nil
		}
		var a *domain.Assignment
		if d.CurrentAssignmentID != nil {
			if cur, ok := e.activeAssignment(*d.CurrentAssignmentID); ok {
				a = &cur
			}
		}
		cs := &changeSet{drone: d}
		if err := e.ground(cs, a, reason, now); err != nil {
			return err
		}
		if err := e.commit(ctx, cs); err != nil {
			return err
		}
		out = *d
		failed = a
		return nil
	})
	if err != nil {
		return domain.Drone{}, err
	}
	if failed != nil {
		e.afterFailure(ctx, *failed, reason)
	} else {
		e.logger.Warn("drone grounded", "drone_id", droneID, "reason", reason)
	}
	return out, nil
}

// ClearFault returns a grounded drone to service after operator clearance.
func (e *Engine) ClearFault(ctx context.Context, droneID string) (domain.Drone, error) {
	now := e.clock.Now()
	var out domain.Drone
	err := e.fleet.Mutate(droneID, func(rec *fleet.Record) error {
		d := &rec.Drone
		if d.State != domain.StateGrounded {
			return fmt.Errorf("drone %s is %s: %w", droneID, d.State, domain.ErrInvalidTransition)
		}
		cs := &changeSet{drone: d}
		if err := e.apply(cs, nil, flight.EventClear, now); err != nil {
			return err
		}
		d.FaultReason = nil
		if d.Battery < e.cfg.ChargeThreshold {
			if err := e.apply(cs, nil, flight.EventLowBattery, now); err != nil {
				return err
			}
		}
		cs.events = append(cs.events, events.NewDroneEvent(events.EventDroneCleared, d, now))
		if err := e.commit(ctx, cs); err != nil {
			return err
		}
		out = *d
		return nil
	})
	if err != nil {
		return domain.Drone{}, err
	}
	e.logger.Info("drone cleared", "drone_id", droneID, "state", out.State)
	e.signal()
	return out, nil
}
