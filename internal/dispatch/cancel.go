package dispatch

import (
	"context"
	"errors"
	"fmt"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/events"
	"dronedispatch/internal/fleet"
	"dronedispatch/internal/flight"
)

type CancelResult struct {
	Request    *domain.DeliveryRequest
	Assignment *domain.Assignment
	// Repeated is set when the order had already been cancelled.
	Repeated bool
}

var errAssignmentMoved = errors.New("assignment changed while cancelling")

// Cancel withdraws an order. A queued request is dropped; an active
// assignment is cancelled and its drone turned back to base. Cancelling an
// order twice returns a result with Repeated set and changes nothing, as long
// as the first cancellation is still within the closed-order retention.
func (e *Engine) Cancel(ctx context.Context, orderID string) (CancelResult, error) {
	if orderID == "" {
		return CancelResult{}, fmt.Errorf("order id: %w", domain.ErrInvalid)
	}
	// A fault can requeue the order between the checks below, so look again
	// when the assignment moved under us.
	for attempt := 0; attempt < 3; attempt++ {
		if req, ok := e.pending.remove(orderID); ok {
			return e.cancelPending(ctx, req)
		}
		if a, ok := e.activeForOrder(orderID); ok {
			res, err := e.cancelAssignment(ctx, a.ID, a.DroneID)
			if errors.Is(err, errAssignmentMoved) {
				continue
			}
			return res, err
		}
		if closed, ok := e.closedForOrder(orderID); ok {
			if closed.Outcome == domain.OutcomeDelivered {
				return CancelResult{}, fmt.Errorf("order %s already delivered: %w", orderID, domain.ErrConflict)
			}
			return CancelResult{Assignment: &closed, Repeated: closed.Outcome == domain.OutcomeCancelled}, nil
		}
		if _, ok := e.withdrawnAt(orderID); ok {
			return CancelResult{Repeated: true}, nil
		}
		return CancelResult{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return CancelResult{}, fmt.Errorf("order %s kept changing: %w", orderID, domain.ErrConflict)
}

func (e *Engine) cancelPending(ctx context.Context, req domain.DeliveryRequest) (CancelResult, error) {
	now := e.clock.Now()
	req.Cancelled = true
	err := e.withTx(ctx, func(tx Tx) error {
		if err := tx.DeleteRequest(ctx, req.OrderID); err != nil {
			return err
		}
		return tx.EnqueueEvent(ctx, events.NewDeliveryEvent(events.EventDeliveryCancelled, &req, "", now))
	})
	if err != nil {
		req.Cancelled = false
		e.pending.add(req)
		return CancelResult{}, err
	}
	e.setWithdrawn(req.OrderID, now, true)
	e.logger.Info("pending delivery cancelled", "order_id", req.OrderID)
	return CancelResult{Request: &req}, nil
}

func (e *Engine) cancelAssignment(ctx context.Context, assignmentID, droneID string) (CancelResult, error) {
	now := e.clock.Now()
	var out domain.Assignment
	err := e.fleet.Mutate(droneID, func(rec *fleet.Record) error {
		d := &rec.Drone
		cur, ok := e.activeAssignment(assignmentID)
		if !ok || d.CurrentAssignmentID == nil || *d.CurrentAssignmentID != assignmentID {
			return errAssignmentMoved
		}
		cs := &changeSet{drone: d}
		if err := e.apply(cs, &cur, flight.EventCancel, now); err != nil {
			return err
		}
		cur.Outcome = domain.OutcomeCancelled
		cur.Request.Cancelled = true
		cur.ClosedAt = &now
		d.CurrentAssignmentID = nil
		cs.closed = true
		cs.events = append(cs.events, events.NewAssignmentEvent(events.EventAssignmentCancelled, &cur, now))
		if err := e.commit(ctx, cs); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	e.logger.Info("assignment cancelled",
		"assignment_id", out.ID,
		"order_id", out.OrderID,
		"drone_id", out.DroneID,
	)
	e.archive(ctx, out)
	return CancelResult{Assignment: &out}, nil
}
