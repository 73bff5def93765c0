package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/events"
	"dronedispatch/internal/fleet"
	"dronedispatch/internal/weather"
)

const (
	EscalationPendingTimeout = "pending_timeout"
	EscalationWindowExpired  = "window_expired"
)

var errRequestGone = errors.New("request no longer pending")

// SubmitDelivery queues an order that is ready for pickup and wakes the
// scheduler.
func (e *Engine) SubmitDelivery(ctx context.Context, req domain.DeliveryRequest) (domain.DeliveryRequest, error) {
	now := e.clock.Now()
	if req.ReadyAt.IsZero() {
		req.ReadyAt = now
	}
	req.EnqueuedAt = now
	req.Attempts = 0
	req.DelayReason = nil
	req.Cancelled = false
	if err := domain.ValidateRequest(&req); err != nil {
		return domain.DeliveryRequest{}, err
	}
	if _, ok := e.activeForOrder(req.OrderID); ok {
		return domain.DeliveryRequest{}, fmt.Errorf("order %s already assigned: %w", req.OrderID, domain.ErrConflict)
	}
	if !e.pending.add(req) {
		return domain.DeliveryRequest{}, fmt.Errorf("order %s already pending: %w", req.OrderID, domain.ErrConflict)
	}
	err := e.withTx(ctx, func(tx Tx) error {
		if err := tx.UpsertRequest(ctx, &req); err != nil {
			return err
		}
		return tx.EnqueueEvent(ctx, events.NewDeliveryEvent(events.EventDeliveryRequested, &req, "", now))
	})
	if err != nil {
		e.pending.remove(req.OrderID)
		return domain.DeliveryRequest{}, err
	}
	e.setWithdrawn(req.OrderID, time.Time{}, false)
	e.logger.Info("delivery requested", "order_id", req.OrderID, "payload_kg", req.PayloadKg)
	e.signal()
	return req, nil
}

type PassResult struct {
	Assigned  []domain.Assignment
	Delayed   map[string]error
	Escalated []domain.DeliveryRequest
}

// RunPass makes one scheduling attempt for every pending request, oldest
// ReadyAt first. Requests that cannot be served stay queued.
func (e *Engine) RunPass(ctx context.Context) PassResult {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	res := PassResult{Delayed: make(map[string]error)}
	now := e.clock.Now()
	escalated := make(map[string]string)

	for _, req := range e.pending.snapshot() {
		if ctx.Err() != nil {
			break
		}
		if reason, ok := e.shouldEscalate(req, now); ok {
			if e.escalate(ctx, req, reason, now) {
				res.Escalated = append(res.Escalated, req)
				escalated[req.OrderID] = reason
			}
			continue
		}
		if !req.Window.Start.IsZero() && now.Before(req.Window.Start) {
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		a, err := e.schedule(rctx, req, now)
		cancel()
		switch {
		case err == nil:
			res.Assigned = append(res.Assigned, a)
		case errors.Is(err, errRequestGone):
		default:
			res.Delayed[req.OrderID] = err
			e.markDelayed(ctx, req.OrderID, err, now)
		}
	}

	for _, a := range res.Assigned {
		e.listener.OnAssignmentCreated(a)
	}
	for _, req := range res.Escalated {
		e.listener.OnRequestEscalated(req, escalated[req.OrderID])
	}
	if len(res.Assigned) > 0 || len(res.Delayed) > 0 || len(res.Escalated) > 0 {
		e.logger.Debug("scheduling pass",
			"assigned", len(res.Assigned),
			"delayed", len(res.Delayed),
			"escalated", len(res.Escalated),
			"pending", e.pending.size(),
		)
	}
	return res
}

func (e *Engine) shouldEscalate(req domain.DeliveryRequest, now time.Time) (string, bool) {
	if !req.Window.End.IsZero() && now.After(req.Window.End) {
		return EscalationWindowExpired, true
	}
	if e.cfg.PendingTimeout > 0 && now.Sub(req.EnqueuedAt) > e.cfg.PendingTimeout {
		return EscalationPendingTimeout, true
	}
	return "", false
}

// escalate takes the request out of the queue and reports it. It is never
// dropped silently.
func (e *Engine) escalate(ctx context.Context, req domain.DeliveryRequest, reason string, now time.Time) bool {
	if _, ok := e.pending.remove(req.OrderID); !ok {
		return false
	}
	err := e.withTx(ctx, func(tx Tx) error {
		if err := tx.DeleteRequest(ctx, req.OrderID); err != nil {
			return err
		}
		return tx.EnqueueEvent(ctx, events.NewDeliveryEvent(events.EventDeliveryEscalated, &req, reason, now))
	})
	if err != nil {
		e.pending.add(req)
		e.logger.Error("escalate request failed", "order_id", req.OrderID, "error", err)
		return false
	}
	e.logger.Warn("delivery request escalated",
		"order_id", req.OrderID,
		"reason", reason,
		"waited", now.Sub(req.EnqueuedAt).String(),
		"attempts", req.Attempts,
	)
	return true
}

// markDelayed records why a request is still waiting. A delivery.delayed
// event goes out only when the reason changes.
func (e *Engine) markDelayed(ctx context.Context, orderID string, cause error, now time.Time) {
	reason := delayReason(cause)
	changed := false
	req, ok := e.pending.update(orderID, func(r *domain.DeliveryRequest) {
		r.Attempts++
		if r.DelayReason == nil || *r.DelayReason != reason {
			r.DelayReason = &reason
			changed = true
		}
	})
	if !ok {
		return
	}
	err := e.withTx(ctx, func(tx Tx) error {
		if err := tx.UpsertRequest(ctx, &req); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return tx.EnqueueEvent(ctx, events.NewDeliveryEvent(events.EventDeliveryDelayed, &req, reason, now))
	})
	if err != nil {
		e.logger.Error("record delay failed", "order_id", orderID, "error", err)
		return
	}
	if changed {
		e.logger.Info("dispatch delayed", "order_id", orderID, "reason", reason, "cause", cause)
	}
}

func (e *Engine) regionFor(loc domain.Location) weather.Region {
	return weather.RegionFor(loc, e.cfg.RegionPrecision)
}

// checkWeather asks the gate about every region the flight touches.
func (e *Engine) checkWeather(ctx context.Context, req domain.DeliveryRequest, now time.Time) error {
	regions := []weather.Region{e.regionFor(req.Pickup)}
	if dr := e.regionFor(req.Delivery); dr.Key != regions[0].Key {
		regions = append(regions, dr)
	}
	for _, region := range regions {
		verdict, err := e.gate.IsSafe(ctx, region, now)
		if err != nil {
			if errors.Is(err, domain.ErrWeatherProviderUnavailable) {
				return err
			}
			return fmt.Errorf("region %s: %v: %w", region.Key, err, domain.ErrWeatherProviderUnavailable)
		}
		if !verdict.Safe {
			var reasons []string
			if verdict.Snapshot != nil {
				reasons = verdict.Snapshot.Reasons
			}
			return fmt.Errorf("region %s %v: %w", region.Key, reasons, domain.ErrWeatherUnsafe)
		}
	}
	return nil
}

// schedule tries to turn one pending request into an assignment.
func (e *Engine) schedule(ctx context.Context, req domain.DeliveryRequest, now time.Time) (domain.Assignment, error) {
	if err := e.checkWeather(ctx, req, now); err != nil {
		return domain.Assignment{}, err
	}

	candidates := e.fleet.FindEligible(e.requirements(req))
	if len(candidates) == 0 {
		return domain.Assignment{}, fmt.Errorf("order %s: %w", req.OrderID, domain.ErrNoDroneAvailable)
	}

	var lastErr error
	for i, c := range candidates {
		if i >= e.cfg.MaxReserveAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return domain.Assignment{}, fmt.Errorf("order %s: %v: %w", req.OrderID, err, domain.ErrNoDroneAvailable)
		}
		a, err := e.reserve(ctx, req, c, now)
		if err == nil {
			e.logger.Info("assignment created",
				"assignment_id", a.ID,
				"order_id", a.OrderID,
				"drone_id", a.DroneID,
				"round_trip_km", a.EstimatedDistanceKm,
				"required_battery", a.EstimatedEnergy,
			)
			return a, nil
		}
		if errors.Is(err, domain.ErrDroneAlreadyAssigned) || errors.Is(err, domain.ErrInsufficientBattery) {
			e.logger.Debug("reservation lost", "order_id", req.OrderID, "drone_id", c.Drone.ID, "error", err)
			lastErr = err
			continue
		}
		return domain.Assignment{}, err
	}
	return domain.Assignment{}, fmt.Errorf("order %s: %v: %w", req.OrderID, lastErr, domain.ErrNoDroneAvailable)
}

func (e *Engine) requirements(req domain.DeliveryRequest) fleet.Requirements {
	return fleet.Requirements{
		Pickup:              req.Pickup,
		Delivery:            req.Delivery,
		PayloadKg:           req.PayloadKg,
		MaxPickupDistanceKm: e.cfg.MaxPickupDistanceKm,
		Energy:              e.cfg.Energy,
	}
}

// reserve binds the candidate drone to a new assignment. The queue entry,
// the drone and the assignment change together or not at all.
func (e *Engine) reserve(ctx context.Context, req domain.DeliveryRequest, c fleet.Candidate, now time.Time) (domain.Assignment, error) {
	a := domain.Assignment{
		ID:                  e.newID(),
		OrderID:             req.OrderID,
		DroneID:             c.Drone.ID,
		Request:             req,
		Origin:              c.Drone.Location,
		CreatedAt:           now,
		EstimatedDistanceKm: c.RoundTripKm,
		EstimatedEnergy:     c.RequiredBattery,
		Outcome:             domain.OutcomePending,
	}
	a.Request.DelayReason = nil

	_, err := e.fleet.Reserve(c.Drone.ID, a.ID, e.requirements(req), now, func(got fleet.Candidate, tr domain.Transition) error {
		if _, ok := e.pending.remove(req.OrderID); !ok {
			return errRequestGone
		}
		d := got.Drone
		a.Origin = got.Drone.Location
		a.EstimatedDistanceKm = got.RoundTripKm
		a.EstimatedEnergy = got.RequiredBattery
		a.Transitions = append(a.Transitions, tr)
		err := e.withTx(ctx, func(tx Tx) error {
			if err := tx.UpsertDrone(ctx, &d); err != nil {
				return err
			}
			if err := tx.UpsertAssignment(ctx, &a); err != nil {
				return err
			}
			if err := tx.InsertTransition(ctx, tr); err != nil {
				return err
			}
			if err := tx.DeleteRequest(ctx, req.OrderID); err != nil {
				return err
			}
			if err := tx.EnqueueEvent(ctx, events.NewTransitionEvent(tr)); err != nil {
				return err
			}
			return tx.EnqueueEvent(ctx, events.NewAssignmentEvent(events.EventAssignmentCreated, &a, now))
		})
		if err != nil {
			e.pending.add(req)
			return err
		}
		e.storeActive(a)
		return nil
	})
	if err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}
