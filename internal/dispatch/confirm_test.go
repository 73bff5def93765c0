package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/events"
)

type recordingArchiver struct {
	archived []domain.Assignment
}

func (r *recordingArchiver) Archive(_ context.Context, a domain.Assignment) error {
	r.archived = append(r.archived, a)
	return nil
}

func TestConfirmIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	h.submit(t, "order-1")
	a := h.assignOne(t)
	h.flyToDelivering(t, "d-1")

	done, err := h.eng.Confirm(bgCtx, a.ID, proofPIN)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDelivered, done.Outcome)
	require.NotNil(t, done.Proof)
	assert.Equal(t, "4821", done.Proof.Reference)
	assert.Equal(t, h.clk.Now(), done.Proof.At)

	d, err := h.eng.GetDrone("d-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReturning, d.State)
	assert.Nil(t, d.CurrentAssignmentID)

	_, err = h.eng.Confirm(bgCtx, a.ID, proofPIN)
	assert.ErrorIs(t, err, domain.ErrInvalidConfirmationState)

	assert.Equal(t, 1, h.store.countEvents(events.EventDeliveryCompleted))
	_, completed, _, _ := h.listener.counts()
	assert.Equal(t, 1, completed)

	view, err := h.eng.DeliveryStatus("order-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseDelivered, view.Phase)
}

func TestConfirmBeforeArrivalChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	h.submit(t, "order-1")
	a := h.assignOne(t)
	h.ping(t, "d-1", base, 89, time.Second)
	before := h.store.eventTypes()

	_, err := h.eng.Confirm(bgCtx, a.ID, proofPIN)
	assert.ErrorIs(t, err, domain.ErrInvalidConfirmationState)

	got, err := h.eng.GetAssignment(bgCtx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInProgress, got.Outcome)
	assert.Nil(t, got.Proof)
	d, _ := h.eng.GetDrone("d-1")
	assert.Equal(t, domain.StateEnRoutePickup, d.State)
	assert.Equal(t, before, h.store.eventTypes())
}

func TestConfirmValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Confirm(bgCtx, "asg-1", domain.Proof{})
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = h.eng.Confirm(bgCtx, "missing", proofPIN)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfirmArchivesAssignment(t *testing.T) {
	arch := &recordingArchiver{}
	h := newHarness(t)
	h.eng = New(h.store, h.gate, h.cfg, WithClock(h.clk), WithArchiver(arch))
	h.addDrone(t, "d-1", base, 90)
	h.submit(t, "order-1")
	a := h.assignOne(t)
	h.flyToDelivering(t, "d-1")

	_, err := h.eng.Confirm(bgCtx, a.ID, proofPIN)
	require.NoError(t, err)
	require.Len(t, arch.archived, 1)
	assert.Equal(t, a.ID, arch.archived[0].ID)
	assert.Equal(t, domain.OutcomeDelivered, arch.archived[0].Outcome)
}

func TestCancelInFlightTurnsDroneBack(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	h.submit(t, "order-1")
	a := h.assignOne(t)
	h.ping(t, "d-1", base, 89, time.Second)
	h.ping(t, "d-1", pickup, 88, time.Second)
	h.ping(t, "d-1", midway, 87, time.Second)

	res, err := h.eng.Cancel(bgCtx, "order-1")
	require.NoError(t, err)
	assert.False(t, res.Repeated)
	require.NotNil(t, res.Assignment)
	assert.Equal(t, domain.OutcomeCancelled, res.Assignment.Outcome)
	assert.True(t, res.Assignment.Request.Cancelled)

	d, err := h.eng.GetDrone("d-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReturning, d.State)
	assert.Nil(t, d.CurrentAssignmentID)

	again, err := h.eng.Cancel(bgCtx, "order-1")
	require.NoError(t, err)
	assert.True(t, again.Repeated)

	_, err = h.eng.Confirm(bgCtx, a.ID, proofPIN)
	assert.ErrorIs(t, err, domain.ErrInvalidConfirmationState)
	assert.Equal(t, 0, h.store.countEvents(events.EventDeliveryCompleted))
	assert.Equal(t, 1, h.store.countEvents(events.EventAssignmentCancelled))

	view, err := h.eng.DeliveryStatus("order-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, view.Phase)

	res2 := h.ping(t, "d-1", base, 85, time.Second)
	assert.Equal(t, domain.StateIdle, res2.Drone.State)
}

func TestCancelPendingRemovesRequest(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "order-1")

	res, err := h.eng.Cancel(bgCtx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	assert.True(t, res.Request.Cancelled)
	assert.Empty(t, h.eng.ListPending())
	_, stored := h.store.request("order-1")
	assert.False(t, stored)
	assert.Equal(t, 1, h.store.countEvents(events.EventDeliveryCancelled))

	again, err := h.eng.Cancel(bgCtx, "order-1")
	require.NoError(t, err)
	assert.True(t, again.Repeated)
	assert.Nil(t, again.Request)
	assert.Equal(t, 1, h.store.countEvents(events.EventDeliveryCancelled))

	_, err = h.eng.Cancel(bgCtx, "order-unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResubmitAfterCancelIsQueuedAgain(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "order-1")
	_, err := h.eng.Cancel(bgCtx, "order-1")
	require.NoError(t, err)

	h.submit(t, "order-1")
	require.Len(t, h.eng.ListPending(), 1)

	res, err := h.eng.Cancel(bgCtx, "order-1")
	require.NoError(t, err)
	assert.False(t, res.Repeated)
	require.NotNil(t, res.Request)
}

func TestCancelAfterDeliveryConflicts(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	h.submit(t, "order-1")
	a := h.assignOne(t)
	h.flyToDelivering(t, "d-1")
	_, err := h.eng.Confirm(bgCtx, a.ID, proofPIN)
	require.NoError(t, err)

	_, err = h.eng.Cancel(bgCtx, "order-1")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = h.eng.Cancel(bgCtx, "")
	assert.ErrorIs(t, err, domain.ErrInvalid)
}
