package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dronedispatch/internal/clock"
	"dronedispatch/internal/domain"
	"dronedispatch/internal/weather"
)

var (
	base     = domain.Location{Lat: 24.7000, Lng: 46.6700}
	pickup   = domain.Location{Lat: 24.7040, Lng: 46.6700}
	midway   = domain.Location{Lat: 24.7060, Lng: 46.6700}
	dropoff  = domain.Location{Lat: 24.7080, Lng: 46.6700}
	start    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bgCtx    = context.Background()
	proofPIN = domain.Proof{Kind: "pin", Reference: "4821", ConfirmedBy: "courier-7"}
)

type fakeGate struct {
	mu    sync.Mutex
	safe  bool
	err   error
	calls int
}

func (g *fakeGate) IsSafe(ctx context.Context, region weather.Region, at time.Time) (weather.Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return weather.Verdict{}, g.err
	}
	snap := &domain.WeatherSnapshot{Region: region.Key, Safe: g.safe, FetchedAt: at, ValidFor: time.Minute}
	if !g.safe {
		snap.Reasons = []string{"wind 18.0 m/s exceeds 10.0 m/s"}
	}
	return weather.Verdict{Safe: g.safe, Snapshot: snap}, nil
}

func (g *fakeGate) set(safe bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.safe = safe
	g.err = err
}

type recorder struct {
	mu        sync.Mutex
	created   []domain.Assignment
	completed []domain.Assignment
	failed    []string
	escalated []string
}

func (r *recorder) OnAssignmentCreated(a domain.Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, a)
}

func (r *recorder) OnDeliveryCompleted(a domain.Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, a)
}

func (r *recorder) OnAssignmentFailed(a domain.Assignment, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, a.ID+":"+reason)
}

func (r *recorder) OnRequestEscalated(req domain.DeliveryRequest, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.escalated = append(r.escalated, req.OrderID+":"+reason)
}

func (r *recorder) counts() (created, completed, failed, escalated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created), len(r.completed), len(r.failed), len(r.escalated)
}

type harness struct {
	eng      *Engine
	store    *memStore
	gate     *fakeGate
	clk      *clock.Manual
	listener *recorder
	cfg      Config
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HistorySize = 16
	return cfg
}

func newHarness(t *testing.T, tweak ...func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, f := range tweak {
		f(&cfg)
	}
	h := &harness{
		store:    newMemStore(),
		gate:     &fakeGate{safe: true},
		clk:      clock.NewManual(start),
		listener: &recorder{},
		cfg:      cfg,
	}
	h.eng = h.newEngine()
	return h
}

func (h *harness) newEngine() *Engine {
	var mu sync.Mutex
	n := 0
	return New(h.store, h.gate, h.cfg,
		WithClock(h.clk),
		WithListener(h.listener),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("asg-%d", n)
		}),
	)
}

func (h *harness) addDrone(t *testing.T, id string, loc domain.Location, battery float64) domain.Drone {
	t.Helper()
	d, err := h.eng.RegisterDrone(bgCtx, domain.Drone{
		ID:         id,
		Model:      "quad-x4",
		Capability: domain.Capability{MaxPayloadKg: 3, MaxRangeKm: 20},
		Battery:    battery,
		Location:   loc,
		Base:       base,
	})
	require.NoError(t, err)
	return d
}

func (h *harness) submit(t *testing.T, orderID string) domain.DeliveryRequest {
	t.Helper()
	req, err := h.eng.SubmitDelivery(bgCtx, domain.DeliveryRequest{
		OrderID:   orderID,
		Pickup:    pickup,
		Delivery:  dropoff,
		PayloadKg: 1.2,
	})
	require.NoError(t, err)
	return req
}

// ping advances the clock by step and reports loc for the drone.
func (h *harness) ping(t *testing.T, droneID string, loc domain.Location, battery float64, step time.Duration) IngestResult {
	t.Helper()
	at := h.clk.Advance(step)
	res, err := h.eng.Ingest(bgCtx, domain.LocationPing{
		DroneID:   droneID,
		Location:  loc,
		Timestamp: at,
		Battery:   battery,
	})
	require.NoError(t, err)
	return res
}

// assignOne runs a pass and returns the single assignment it produced.
func (h *harness) assignOne(t *testing.T) domain.Assignment {
	t.Helper()
	res := h.eng.RunPass(bgCtx)
	require.Len(t, res.Assigned, 1, "delayed: %v", res.Delayed)
	return res.Assigned[0]
}

// flyToDelivering drives an assigned drone from base to the drop-off point.
func (h *harness) flyToDelivering(t *testing.T, droneID string) {
	t.Helper()
	h.ping(t, droneID, base, 89, time.Second)
	h.ping(t, droneID, pickup, 88, time.Second)
	h.ping(t, droneID, midway, 87, time.Second)
	res := h.ping(t, droneID, dropoff, 86, time.Second)
	require.Equal(t, domain.StateDelivering, res.Drone.State)
}

// activePerDrone counts pending or in-progress assignments per drone.
func (h *harness) activePerDrone() map[string]int {
	h.eng.asgMu.RLock()
	defer h.eng.asgMu.RUnlock()
	out := map[string]int{}
	for _, a := range h.eng.active {
		if a.Active() {
			out[a.DroneID]++
		}
	}
	return out
}
