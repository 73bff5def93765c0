// Package dispatch matches delivery requests to drones and follows each
// assignment through flight to a terminal outcome.
//
// The fleet.Registry owned by the Engine is the authority for drone state.
// Every change to a drone, and to the assignment it carries, happens inside
// that drone's lock and is written through to the Store in one transaction;
// memory is only updated when the transaction commits.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dronedispatch/internal/clock"
	"dronedispatch/internal/domain"
	"dronedispatch/internal/events"
	"dronedispatch/internal/fleet"
	"dronedispatch/internal/weather"
)

type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	LoadDrones(ctx context.Context) ([]domain.Drone, error)
	LoadActiveAssignments(ctx context.Context) ([]domain.Assignment, error)
	LoadPendingRequests(ctx context.Context) ([]domain.DeliveryRequest, error)
	LoadRecentPings(ctx context.Context, perDrone int) ([]domain.LocationPing, error)
	GetAssignment(ctx context.Context, id string) (*domain.Assignment, error)
	PrunePings(ctx context.Context, before time.Time) (int64, error)
}

type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	UpsertDrone(ctx context.Context, drone *domain.Drone) error
	UpsertAssignment(ctx context.Context, a *domain.Assignment) error
	InsertTransition(ctx context.Context, tr domain.Transition) error
	UpsertRequest(ctx context.Context, req *domain.DeliveryRequest) error
	DeleteRequest(ctx context.Context, orderID string) error
	InsertPing(ctx context.Context, ping domain.LocationPing) error
	EnqueueEvent(ctx context.Context, event events.Event) error
}

// WeatherGate is satisfied by *weather.Gate.
type WeatherGate interface {
	IsSafe(ctx context.Context, region weather.Region, at time.Time) (weather.Verdict, error)
}

// Listener receives outcomes in process. Calls are made after all locks are
// released and must not block for long.
type Listener interface {
	OnAssignmentCreated(a domain.Assignment)
	OnDeliveryCompleted(a domain.Assignment)
	OnAssignmentFailed(a domain.Assignment, reason string)
	OnRequestEscalated(req domain.DeliveryRequest, reason string)
}

type NopListener struct{}

func (NopListener) OnAssignmentCreated(domain.Assignment) {}
func (NopListener) OnDeliveryCompleted(domain.Assignment) {}
func (NopListener) OnAssignmentFailed(domain.Assignment, string) {}
func (NopListener) OnRequestEscalated(domain.DeliveryRequest, string) {}

// Archiver receives assignments that reached a terminal outcome.
type Archiver interface {
	Archive(ctx context.Context, a domain.Assignment) error
}

// LocationSink receives the latest known drone position after each accepted
// ping.
type LocationSink interface {
	Put(ctx context.Context, d domain.Drone) error
}

type Config struct {
	PendingTimeout      time.Duration
	RequestTimeout      time.Duration
	MaxReserveAttempts  int
	MaxPickupDistanceKm float64
	Energy              fleet.EnergyModel
	RegionPrecision     float64
	HistorySize         int

	ArrivalRadiusM      float64
	ChargeThreshold     float64
	ChargeComplete      float64
	TelemetryTimeout    time.Duration
	DeviationThresholdM float64
	DeviationWindow     time.Duration
	StallRadiusM        float64
	StallWindow         time.Duration

	CruiseSpeedMPS  float64
	PingRetention   time.Duration
	ClosedRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		PendingTimeout:      30 * time.Minute,
		RequestTimeout:      10 * time.Second,
		MaxReserveAttempts:  3,
		MaxPickupDistanceKm: 15,
		Energy:              fleet.EnergyModel{PercentPerKm: 2, Margin: 0.2},
		RegionPrecision:     weather.DefaultRegionPrecision,
		HistorySize:         32,
		ArrivalRadiusM:      30,
		ChargeThreshold:     20,
		ChargeComplete:      95,
		TelemetryTimeout:    30 * time.Second,
		DeviationThresholdM: 200,
		DeviationWindow:     20 * time.Second,
		StallRadiusM:        10,
		StallWindow:         2 * time.Minute,
		CruiseSpeedMPS:      15,
		PingRetention:       time.Hour,
		ClosedRetention:     24 * time.Hour,
	}
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }
func WithListener(l Listener) Option { return func(e *Engine) { e.listener = l } }
func WithArchiver(a Archiver) Option { return func(e *Engine) { e.archiver = a } }
func WithLocationSink(s LocationSink) Option { return func(e *Engine) { e.tracker = s } }
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

type Engine struct {
	cfg      Config
	store    Store
	gate     WeatherGate
	fleet    *fleet.Registry
	clock    clock.Clock
	listener Listener
	archiver Archiver
	tracker  LocationSink
	logger   *slog.Logger
	newID    func() string

	pending *pendingQueue
	kick    chan struct{}
	passMu  sync.Mutex

	asgMu       sync.RWMutex
	active      map[string]domain.Assignment
	activeOrder map[string]string
	closed      map[string]domain.Assignment
	withdrawn   map[string]time.Time
	restoredAt  time.Time
}

func New(store Store, gate WeatherGate, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		store:       store,
		gate:        gate,
		clock:       clock.Real{},
		listener:    NopListener{},
		logger:      slog.Default(),
		newID:       uuid.NewString,
		pending:     newPendingQueue(),
		kick:        make(chan struct{}, 1),
		active:      make(map[string]domain.Assignment),
		activeOrder: make(map[string]string),
		closed:      make(map[string]domain.Assignment),
		withdrawn:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxReserveAttempts <= 0 {
		e.cfg.MaxReserveAttempts = 1
	}
	e.logger = e.logger.With("component", "dispatch")
	e.fleet = fleet.NewRegistry(cfg.HistorySize)
	return e
}

// Kicks delivers a signal whenever new work arrives that a scheduling pass
// should look at without waiting for the next interval.
func (e *Engine) Kicks() <-chan struct{} {
	return e.kick
}

func (e *Engine) signal() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

// withTx runs fn in a store transaction and commits it.
func (e *Engine) withTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (e *Engine) RegisterDrone(ctx context.Context, d domain.Drone) (domain.Drone, error) {
	now := e.clock.Now()
	if d.State == "" {
		d.State = domain.StateIdle
	}
	if d.Base == (domain.Location{}) {
		d.Base = d.Location
	}
	d.CurrentAssignmentID = nil
	d.FaultReason = nil
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := domain.ValidateDrone(&d); err != nil {
		return domain.Drone{}, err
	}
	if d.State != domain.StateIdle && d.State != domain.StateCharging {
		return domain.Drone{}, fmt.Errorf("drone must start IDLE or CHARGING: %w", domain.ErrInvalid)
	}
	if _, err := e.fleet.Get(d.ID); err == nil {
		return domain.Drone{}, fmt.Errorf("drone %s: %w", d.ID, domain.ErrConflict)
	}
	err := e.withTx(ctx, func(tx Tx) error {
		if err := tx.UpsertDrone(ctx, &d); err != nil {
			return err
		}
		return tx.EnqueueEvent(ctx, events.NewDroneEvent(events.EventDroneRegistered, &d, now))
	})
	if err != nil {
		return domain.Drone{}, err
	}
	if err := e.fleet.Register(d); err != nil {
		return domain.Drone{}, err
	}
	e.logger.Info("drone registered", "drone_id", d.ID, "model", d.Model)
	e.signal()
	return d, nil
}

func (e *Engine) ListDrones() []domain.Drone {
	return e.fleet.List()
}

func (e *Engine) GetDrone(id string) (domain.Drone, error) {
	return e.fleet.Get(id)
}

func (e *Engine) DroneHistory(id string) ([]domain.LocationPing, error) {
	return e.fleet.History(id)
}

func (e *Engine) ListPending() []domain.DeliveryRequest {
	return e.pending.snapshot()
}

// GetAssignment returns an active or recently closed assignment, falling back
// to the store for older ones.
func (e *Engine) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	e.asgMu.RLock()
	a, ok := e.active[id]
	if !ok {
		for _, c := range e.closed {
			if c.ID == id {
				a, ok = c, true
				break
			}
		}
	}
	e.asgMu.RUnlock()
	if ok {
		return a, nil
	}
	stored, err := e.store.GetAssignment(ctx, id)
	if err != nil {
		return domain.Assignment{}, err
	}
	return *stored, nil
}

func (e *Engine) activeAssignment(id string) (domain.Assignment, bool) {
	e.asgMu.RLock()
	defer e.asgMu.RUnlock()
	a, ok := e.active[id]
	return a, ok
}

func (e *Engine) activeForOrder(orderID string) (domain.Assignment, bool) {
	e.asgMu.RLock()
	defer e.asgMu.RUnlock()
	id, ok := e.activeOrder[orderID]
	if !ok {
		return domain.Assignment{}, false
	}
	a, ok := e.active[id]
	return a, ok
}

func (e *Engine) closedForOrder(orderID string) (domain.Assignment, bool) {
	e.asgMu.RLock()
	defer e.asgMu.RUnlock()
	a, ok := e.closed[orderID]
	return a, ok
}

// withdrawnAt reports when a queued order was cancelled before it was ever
// assigned.
func (e *Engine) withdrawnAt(orderID string) (time.Time, bool) {
	e.asgMu.RLock()
	defer e.asgMu.RUnlock()
	at, ok := e.withdrawn[orderID]
	return at, ok
}

func (e *Engine) setWithdrawn(orderID string, at time.Time, on bool) {
	e.asgMu.Lock()
	defer e.asgMu.Unlock()
	if on {
		e.withdrawn[orderID] = at
	} else {
		delete(e.withdrawn, orderID)
	}
}

// storeActive and closeAssignment must be called with the drone's lock held.
func (e *Engine) storeActive(a domain.Assignment) {
	e.asgMu.Lock()
	defer e.asgMu.Unlock()
	e.active[a.ID] = a
	e.activeOrder[a.OrderID] = a.ID
}

func (e *Engine) closeAssignment(a domain.Assignment) {
	e.asgMu.Lock()
	defer e.asgMu.Unlock()
	delete(e.active, a.ID)
	if e.activeOrder[a.OrderID] == a.ID {
		delete(e.activeOrder, a.OrderID)
	}
	e.closed[a.OrderID] = a
}

func (e *Engine) archive(ctx context.Context, a domain.Assignment) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Archive(ctx, a); err != nil {
		e.logger.Warn("archive assignment failed", "assignment_id", a.ID, "error", err)
	}
}

// Restore rebuilds the in-memory fleet, active assignments and pending queue
// from the store. Telemetry deadlines restart from the moment of restore.
func (e *Engine) Restore(ctx context.Context) error {
	drones, err := e.store.LoadDrones(ctx)
	if err != nil {
		return fmt.Errorf("load drones: %w", err)
	}
	pings, err := e.store.LoadRecentPings(ctx, e.cfg.HistorySize)
	if err != nil {
		return fmt.Errorf("load pings: %w", err)
	}
	assignments, err := e.store.LoadActiveAssignments(ctx)
	if err != nil {
		return fmt.Errorf("load assignments: %w", err)
	}
	requests, err := e.store.LoadPendingRequests(ctx)
	if err != nil {
		return fmt.Errorf("load pending requests: %w", err)
	}

	e.fleet.Restore(drones, pings)

	e.asgMu.Lock()
	e.active = make(map[string]domain.Assignment, len(assignments))
	e.activeOrder = make(map[string]string, len(assignments))
	e.closed = make(map[string]domain.Assignment)
	e.withdrawn = make(map[string]time.Time)
	for _, a := range assignments {
		e.active[a.ID] = a
		e.activeOrder[a.OrderID] = a.ID
	}
	e.restoredAt = e.clock.Now()
	e.asgMu.Unlock()

	for _, d := range drones {
		if d.CurrentAssignmentID == nil {
			continue
		}
		if _, ok := e.activeAssignment(*d.CurrentAssignmentID); !ok {
			e.logger.Warn("drone references unknown assignment", "drone_id", d.ID, "assignment_id", *d.CurrentAssignmentID)
		}
	}

	e.pending.reset(requests)
	e.logger.Info("state restored",
		"drones", len(drones),
		"active_assignments", len(assignments),
		"pending_requests", len(requests),
	)
	e.signal()
	return nil
}

type MaintenanceResult struct {
	PingsPruned      int64
	ClosedEvicted    int
	WithdrawnEvicted int
}

// PruneArchive drops location pings and closed assignments that are past
// their retention from the store and from memory.
func (e *Engine) PruneArchive(ctx context.Context) (MaintenanceResult, error) {
	now := e.clock.Now()
	var res MaintenanceResult

	e.asgMu.Lock()
	for orderID, a := range e.closed {
		if a.ClosedAt != nil && now.Sub(*a.ClosedAt) > e.cfg.ClosedRetention {
			delete(e.closed, orderID)
			res.ClosedEvicted++
		}
	}
	for orderID, at := range e.withdrawn {
		if now.Sub(at) > e.cfg.ClosedRetention {
			delete(e.withdrawn, orderID)
			res.WithdrawnEvicted++
		}
	}
	e.asgMu.Unlock()

	n, err := e.store.PrunePings(ctx, now.Add(-e.cfg.PingRetention))
	if err != nil {
		return res, fmt.Errorf("prune pings: %w", err)
	}
	res.PingsPruned = n
	return res, nil
}

func delayReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrWeatherUnsafe):
		return domain.DelayWeatherUnsafe
	case errors.Is(err, domain.ErrWeatherProviderUnavailable):
		return domain.DelayWeatherUnavailable
	default:
		return domain.DelayNoDrone
	}
}
