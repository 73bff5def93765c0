package fleet

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronedispatch/internal/domain"
)

var (
	base   = domain.Location{Lat: 24.7000, Lng: 46.6700}
	pickup = domain.Location{Lat: 24.7050, Lng: 46.6700}
	dest   = domain.Location{Lat: 24.7100, Lng: 46.6700}
	now    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	energy = EnergyModel{PercentPerKm: 2, Margin: 0.2}
)

func newDrone(id string, loc domain.Location, battery float64) domain.Drone {
	return domain.Drone{
		ID:         id,
		Capability: domain.Capability{MaxPayloadKg: 2, MaxRangeKm: 20},
		Battery:    battery,
		Location:   loc,
		Base:       base,
		State:      domain.StateIdle,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func requirements() Requirements {
	return Requirements{
		Pickup:              pickup,
		Delivery:            dest,
		PayloadKg:           1,
		MaxPickupDistanceKm: 10,
		Energy:              energy,
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(newDrone("d-1", base, 90)))
	assert.ErrorIs(t, r.Register(newDrone("d-1", base, 90)), domain.ErrConflict)

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindEligibleOrdering(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(newDrone("d-far", base, 100)))
	require.NoError(t, r.Register(newDrone("d-b", pickup, 70)))
	require.NoError(t, r.Register(newDrone("d-a", pickup, 70)))
	require.NoError(t, r.Register(newDrone("d-high", pickup, 95)))

	got := r.FindEligible(requirements())
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.Drone.ID)
	}
	assert.Equal(t, []string{"d-high", "d-a", "d-b", "d-far"}, ids)
}

func TestFindEligibleFilters(t *testing.T) {
	r := NewRegistry(4)

	heavy := newDrone("d-small", pickup, 90)
	heavy.Capability.MaxPayloadKg = 0.5
	require.NoError(t, r.Register(heavy))

	low := newDrone("d-low", pickup, 2)
	require.NoError(t, r.Register(low))

	short := newDrone("d-short", pickup, 90)
	short.Capability.MaxRangeKm = 0.5
	require.NoError(t, r.Register(short))

	far := newDrone("d-far", domain.Location{Lat: 25.5, Lng: 46.67}, 90)
	require.NoError(t, r.Register(far))

	busy := newDrone("d-busy", pickup, 90)
	busy.State = domain.StateCharging
	require.NoError(t, r.Register(busy))

	ok := newDrone("d-ok", pickup, 90)
	require.NoError(t, r.Register(ok))

	got := r.FindEligible(requirements())
	require.Len(t, got, 1)
	assert.Equal(t, "d-ok", got[0].Drone.ID)
	assert.InDelta(t, energy.Required(got[0].RoundTripKm), got[0].RequiredBattery, 1e-9)
	assert.LessOrEqual(t, got[0].RequiredBattery, got[0].Drone.Battery)
}

func TestReserveIsExclusive(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(newDrone("d-1", pickup, 90)))

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Reserve("d-1", fmt.Sprintf("a-%d", i), requirements(), now, nil)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var ok, taken int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrDroneAlreadyAssigned):
			taken++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, taken)

	d, err := r.Get("d-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAssigned, d.State)
	require.NotNil(t, d.CurrentAssignmentID)
}

func TestReserveChecksBatteryAtReservationTime(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(newDrone("d-1", pickup, 3)))

	_, err := r.Reserve("d-1", "a-1", requirements(), now, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientBattery)

	d, err := r.Get("d-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, d.State)
	assert.Nil(t, d.CurrentAssignmentID)
}

func TestReserveMeasuresTripFromCurrentPosition(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(newDrone("d-1", base, 10)))

	got := r.FindEligible(requirements())
	require.Len(t, got, 1)
	require.Less(t, got[0].RequiredBattery, 10.0)

	far := domain.Location{Lat: 24.7300, Lng: 46.6700}
	require.NoError(t, r.Mutate("d-1", func(rec *Record) error {
		rec.Drone.Location = far
		return nil
	}))

	_, err := r.Reserve("d-1", "a-1", requirements(), now, nil)
	require.ErrorIs(t, err, domain.ErrInsufficientBattery)
	d, err := r.Get("d-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, d.State)
	assert.Nil(t, d.CurrentAssignmentID)

	require.NoError(t, r.Mutate("d-1", func(rec *Record) error {
		rec.Drone.Location = pickup
		return nil
	}))
	c, err := r.Reserve("d-1", "a-1", requirements(), now, nil)
	require.NoError(t, err)
	assert.Equal(t, pickup, c.Drone.Location)
	assert.InDelta(t, RoundTripKm(c.Drone, pickup, dest), c.RoundTripKm, 1e-9)
	assert.InDelta(t, energy.Required(c.RoundTripKm), c.RequiredBattery, 1e-9)
	assert.Equal(t, domain.StateAssigned, c.Drone.State)
}

func TestReserveCommitVeto(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(newDrone("d-1", pickup, 90)))

	boom := errors.New("store down")
	_, err := r.Reserve("d-1", "a-1", requirements(), now, func(Candidate, domain.Transition) error { return boom })
	assert.ErrorIs(t, err, boom)

	d, err := r.Get("d-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, d.State)
}

func TestReleaseReturnsAssignedDroneToIdle(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(newDrone("d-1", pickup, 90)))
	_, err := r.Reserve("d-1", "a-1", requirements(), now, nil)
	require.NoError(t, err)

	require.NoError(t, r.Release("d-1", "other", now))
	d, _ := r.Get("d-1")
	assert.Equal(t, domain.StateAssigned, d.State)

	require.NoError(t, r.Release("d-1", "a-1", now))
	d, _ = r.Get("d-1")
	assert.Equal(t, domain.StateIdle, d.State)
	assert.Nil(t, d.CurrentAssignmentID)
}

func TestMutateKeepsHistoryOnlyOnSuccess(t *testing.T) {
	r := NewRegistry(3)
	require.NoError(t, r.Register(newDrone("d-1", pickup, 90)))

	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, r.Mutate("d-1", func(rec *Record) error {
			rec.AppendPing(domain.LocationPing{DroneID: "d-1", Timestamp: now.Add(time.Duration(i) * time.Second)})
			return nil
		}))
	}
	err := r.Mutate("d-1", func(rec *Record) error {
		rec.AppendPing(domain.LocationPing{DroneID: "d-1", Timestamp: now.Add(time.Hour)})
		rec.Drone.Battery = 1
		return errors.New("rejected")
	})
	require.Error(t, err)

	hist, err := r.History("d-1")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, now.Add(2*time.Second), hist[0].Timestamp)
	assert.Equal(t, now.Add(4*time.Second), hist[2].Timestamp)

	d, _ := r.Get("d-1")
	assert.Equal(t, 90.0, d.Battery)
}

func TestRestore(t *testing.T) {
	r := NewRegistry(4)
	require.NoError(t, r.Register(newDrone("stale", pickup, 90)))

	r.Restore([]domain.Drone{newDrone("d-1", pickup, 50)}, []domain.LocationPing{
		{DroneID: "d-1", Timestamp: now.Add(2 * time.Second)},
		{DroneID: "d-1", Timestamp: now},
		{DroneID: "ghost", Timestamp: now},
	})

	_, err := r.Get("stale")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	hist, err := r.History("d-1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Timestamp.Before(hist[1].Timestamp))
}
