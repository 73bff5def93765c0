package dispatch

import (
	"context"
	"fmt"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/events"
	"dronedispatch/internal/fleet"
	"dronedispatch/internal/flight"
)

// Confirm closes an assignment on proof of delivery. It is only accepted
// while the assigned drone is DELIVERING for that assignment; any other call,
// including a repeat, fails with ErrInvalidConfirmationState and changes
// nothing.
func (e *Engine) Confirm(ctx context.Context, assignmentID string, proof domain.Proof) (domain.Assignment, error) {
	if proof.Kind == "" {
		return domain.Assignment{}, fmt.Errorf("proof kind: %w", domain.ErrInvalid)
	}
	a, ok := e.activeAssignment(assignmentID)
	if !ok {
		if _, err := e.GetAssignment(ctx, assignmentID); err != nil {
			return domain.Assignment{}, err
		}
		return domain.Assignment{}, fmt.Errorf("assignment %s is closed: %w", assignmentID, domain.ErrInvalidConfirmationState)
	}

	now := e.clock.Now()
	if proof.At.IsZero() {
		proof.At = now
	}
	var done domain.Assignment
	err := e.fleet.Mutate(a.DroneID, func(rec *fleet.Record) error {
		d := &rec.Drone
		cur, ok := e.activeAssignment(assignmentID)
		if !ok || d.CurrentAssignmentID == nil || *d.CurrentAssignmentID != assignmentID {
			return fmt.Errorf("assignment %s no longer active: %w", assignmentID, domain.ErrInvalidConfirmationState)
		}
		if d.State != domain.StateDelivering {
			return fmt.Errorf("drone %s is %s: %w", d.ID, d.State, domain.ErrInvalidConfirmationState)
		}

		cs := &changeSet{drone: d}
		if err := e.apply(cs, &cur, flight.EventConfirm, now); err != nil {
			return err
		}
		cur.Outcome = domain.OutcomeDelivered
		cur.Proof = &proof
		cur.ClosedAt = &now
		d.CurrentAssignmentID = nil
		cs.closed = true
		cs.events = append(cs.events, events.NewAssignmentEvent(events.EventDeliveryCompleted, &cur, now))
		if err := e.commit(ctx, cs); err != nil {
			return err
		}
		done = cur
		return nil
	})
	if err != nil {
		return domain.Assignment{}, err
	}

	e.logger.Info("delivery confirmed",
		"assignment_id", done.ID,
		"order_id", done.OrderID,
		"drone_id", done.DroneID,
		"proof", done.Proof.Kind,
	)
	e.archive(ctx, done)
	e.listener.OnDeliveryCompleted(done)
	e.signal()
	return done, nil
}
