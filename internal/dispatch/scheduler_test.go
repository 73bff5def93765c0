package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/events"
	"dronedispatch/internal/fleet"
)

func TestAssignsReadyRequestWithinOnePass(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	h.submit(t, "order-1")

	select {
	case <-h.eng.Kicks():
	default:
		t.Fatal("submit should wake the scheduler")
	}

	a := h.assignOne(t)
	assert.Equal(t, "order-1", a.OrderID)
	assert.Equal(t, "d-1", a.DroneID)
	assert.Equal(t, domain.OutcomePending, a.Outcome)
	assert.InDelta(t, 1.78, a.EstimatedDistanceKm, 0.05)
	require.Len(t, a.Transitions, 1)
	assert.Equal(t, domain.StateAssigned, a.Transitions[0].To)

	d, err := h.eng.GetDrone("d-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAssigned, d.State)
	require.NotNil(t, d.CurrentAssignmentID)
	assert.Equal(t, a.ID, *d.CurrentAssignmentID)

	assert.Empty(t, h.eng.ListPending())
	_, stillQueued := h.store.request("order-1")
	assert.False(t, stillQueued)
	assert.Equal(t, 1, h.store.countEvents(events.EventAssignmentCreated))
	created, _, _, _ := h.listener.counts()
	assert.Equal(t, 1, created)
}

func TestUnsafeWeatherKeepsRequestPending(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	h.gate.set(false, nil)
	h.submit(t, "order-1")

	for i := 0; i < 3; i++ {
		res := h.eng.RunPass(bgCtx)
		assert.Empty(t, res.Assigned)
		assert.ErrorIs(t, res.Delayed["order-1"], domain.ErrWeatherUnsafe)
		h.clk.Advance(5 * time.Second)
	}

	pending := h.eng.ListPending()
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].DelayReason)
	assert.Equal(t, domain.DelayWeatherUnsafe, *pending[0].DelayReason)
	assert.Equal(t, 3, pending[0].Attempts)
	assert.Equal(t, 1, h.store.countEvents(events.EventDeliveryDelayed))
	assert.Equal(t, 0, h.store.countEvents(events.EventAssignmentCreated))

	d, _ := h.eng.GetDrone("d-1")
	assert.Equal(t, domain.StateIdle, d.State)

	h.gate.set(true, nil)
	a := h.assignOne(t)
	assert.Equal(t, "order-1", a.OrderID)
	assert.Nil(t, a.Request.DelayReason)
}

func TestWeatherProviderDownFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	h.gate.set(true, fmt.Errorf("lookup: %w", domain.ErrWeatherProviderUnavailable))
	h.submit(t, "order-1")

	res := h.eng.RunPass(bgCtx)
	assert.Empty(t, res.Assigned)
	assert.ErrorIs(t, res.Delayed["order-1"], domain.ErrWeatherProviderUnavailable)

	view, err := h.eng.DeliveryStatus("order-1")
	require.NoError(t, err)
	assert.Equal(t, PhasePending, view.Phase)
	require.NotNil(t, view.DelayReason)
	assert.Equal(t, domain.DelayWeatherUnavailable, *view.DelayReason)
}

func TestNoDroneLeavesRequestQueued(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "order-1")

	res := h.eng.RunPass(bgCtx)
	assert.Empty(t, res.Assigned)
	assert.ErrorIs(t, res.Delayed["order-1"], domain.ErrNoDroneAvailable)
	assert.Len(t, h.eng.ListPending(), 1)

	req, ok := h.store.request("order-1")
	require.True(t, ok)
	require.NotNil(t, req.DelayReason)
	assert.Equal(t, domain.DelayNoDrone, *req.DelayReason)
}

func TestBatteryReserveIncludesMargin(t *testing.T) {
	h := newHarness(t)
	homeDrone := domain.Drone{Location: base, Base: base}
	need := h.cfg.Energy.Required(fleet.RoundTripKm(homeDrone, pickup, dropoff))

	h.addDrone(t, "d-low", base, need-0.1)
	h.submit(t, "order-1")
	res := h.eng.RunPass(bgCtx)
	assert.Empty(t, res.Assigned)
	assert.ErrorIs(t, res.Delayed["order-1"], domain.ErrNoDroneAvailable)

	h.addDrone(t, "d-ok", base, need+0.1)
	a := h.assignOne(t)
	assert.Equal(t, "d-ok", a.DroneID)
	assert.InDelta(t, need, a.EstimatedEnergy, 1e-9)
}

func TestOldestReadyRequestServedFirst(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	_, err := h.eng.SubmitDelivery(bgCtx, domain.DeliveryRequest{
		OrderID: "late", Pickup: pickup, Delivery: dropoff, PayloadKg: 1, ReadyAt: start.Add(time.Minute),
	})
	require.NoError(t, err)
	_, err = h.eng.SubmitDelivery(bgCtx, domain.DeliveryRequest{
		OrderID: "early", Pickup: pickup, Delivery: dropoff, PayloadKg: 1, ReadyAt: start,
	})
	require.NoError(t, err)

	a := h.assignOne(t)
	assert.Equal(t, "early", a.OrderID)
	pending := h.eng.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "late", pending[0].OrderID)
}

func TestDuplicateSubmitRejected(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "order-1")
	_, err := h.eng.SubmitDelivery(bgCtx, domain.DeliveryRequest{
		OrderID: "order-1", Pickup: pickup, Delivery: dropoff, PayloadKg: 1,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = h.eng.SubmitDelivery(bgCtx, domain.DeliveryRequest{OrderID: "bad", Pickup: pickup, Delivery: dropoff})
	assert.ErrorIs(t, err, domain.ErrInvalid)
}

func TestSubmitRollsBackWhenStoreFails(t *testing.T) {
	h := newHarness(t)
	h.store.failBegin = errors.New("db down")
	_, err := h.eng.SubmitDelivery(bgCtx, domain.DeliveryRequest{
		OrderID: "order-1", Pickup: pickup, Delivery: dropoff, PayloadKg: 1,
	})
	require.Error(t, err)
	assert.Empty(t, h.eng.ListPending())
}

func TestPendingTimeoutEscalates(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PendingTimeout = time.Minute })
	h.submit(t, "order-1")

	res := h.eng.RunPass(bgCtx)
	assert.Empty(t, res.Escalated)

	h.clk.Advance(2 * time.Minute)
	res = h.eng.RunPass(bgCtx)
	require.Len(t, res.Escalated, 1)
	assert.Equal(t, "order-1", res.Escalated[0].OrderID)
	assert.Empty(t, h.eng.ListPending())
	assert.Equal(t, 1, h.store.countEvents(events.EventDeliveryEscalated))

	h.listener.mu.Lock()
	assert.Equal(t, []string{"order-1:" + EscalationPendingTimeout}, h.listener.escalated)
	h.listener.mu.Unlock()
}

func TestFutureWindowWaits(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	_, err := h.eng.SubmitDelivery(bgCtx, domain.DeliveryRequest{
		OrderID: "order-1", Pickup: pickup, Delivery: dropoff, PayloadKg: 1,
		Window: domain.Window{Start: start.Add(10 * time.Minute), End: start.Add(time.Hour)},
	})
	require.NoError(t, err)

	res := h.eng.RunPass(bgCtx)
	assert.Empty(t, res.Assigned)
	assert.Empty(t, res.Delayed)

	h.clk.Advance(10 * time.Minute)
	a := h.assignOne(t)
	assert.Equal(t, "order-1", a.OrderID)
}

func TestOneDroneServesOneRequestAtATime(t *testing.T) {
	h := newHarness(t)
	h.addDrone(t, "d-1", base, 90)
	h.submit(t, "order-1")
	h.submit(t, "order-2")

	res := h.eng.RunPass(bgCtx)
	require.Len(t, res.Assigned, 1)
	require.Len(t, res.Delayed, 1)
	for _, err := range res.Delayed {
		assert.ErrorIs(t, err, domain.ErrNoDroneAvailable)
	}
	assert.Equal(t, map[string]int{"d-1": 1}, h.activePerDrone())
}

func TestConcurrentActivityKeepsOneAssignmentPerDrone(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.addDrone(t, fmt.Sprintf("d-%d", i), base, 90)
	}
	for i := 0; i < 10; i++ {
		h.submit(t, fmt.Sprintf("order-%d", i))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				h.eng.RunPass(bgCtx)
				_, _ = h.eng.Cancel(bgCtx, fmt.Sprintf("order-%d", (w*5+i)%10))
				_, _ = h.eng.Ingest(bgCtx, domain.LocationPing{
					DroneID:   fmt.Sprintf("d-%d", w),
					Location:  base,
					Timestamp: start.Add(time.Duration(i+1) * time.Second),
					Battery:   89,
				})
			}
		}(w)
	}
	wg.Wait()

	for droneID, n := range h.activePerDrone() {
		assert.LessOrEqual(t, n, 1, droneID)
	}
	for _, d := range h.eng.ListDrones() {
		if d.CurrentAssignmentID == nil {
			continue
		}
		a, err := h.eng.GetAssignment(bgCtx, *d.CurrentAssignmentID)
		require.NoError(t, err)
		assert.True(t, a.Active())
		assert.Equal(t, d.ID, a.DroneID)
	}
}
