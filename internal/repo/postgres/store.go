package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/domain"
	"dronedispatch/internal/events"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) BeginTx(ctx context.Context) (dispatch.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) LoadDrones(ctx context.Context) ([]domain.Drone, error) {
	rows, err := s.pool.Query(ctx, droneListSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drones []domain.Drone
	for rows.Next() {
		drone, err := scanDrone(rows)
		if err != nil {
			return nil, err
		}
		drones = append(drones, *drone)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return drones, nil
}

func (s *Store) LoadPendingRequests(ctx context.Context) ([]domain.DeliveryRequest, error) {
	rows, err := s.pool.Query(ctx, requestListSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []domain.DeliveryRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return reqs, nil
}

func (s *Store) LoadActiveAssignments(ctx context.Context) ([]domain.Assignment, error) {
	rows, err := s.pool.Query(ctx, assignmentListActiveSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if err := s.attachTransitions(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (*domain.Assignment, error) {
	a, err := scanAssignment(s.pool.QueryRow(ctx, assignmentSelectByIDSQL, id))
	if err != nil {
		return nil, err
	}
	list := []domain.Assignment{*a}
	if err := s.attachTransitions(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (s *Store) attachTransitions(ctx context.Context, list []domain.Assignment) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, 0, len(list))
	index := make(map[string]int, len(list))
	for i, a := range list {
		ids = append(ids, a.ID)
		index[a.ID] = i
	}
	rows, err := s.pool.Query(ctx, transitionListSQL, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tr           domain.Transition
			assignmentID sql.NullString
		)
		if err := rows.Scan(&assignmentID, &tr.DroneID, &tr.From, &tr.To, &tr.Event, &tr.At); err != nil {
			return err
		}
		tr.AssignmentID = assignmentID.String
		if i, ok := index[tr.AssignmentID]; ok {
			list[i].Transitions = append(list[i].Transitions, tr)
		}
	}
	return rows.Err()
}

// LoadRecentPings returns up to perDrone of the newest pings of every drone,
// oldest first.
func (s *Store) LoadRecentPings(ctx context.Context, perDrone int) ([]domain.LocationPing, error) {
	if perDrone <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, pingRecentSQL, perDrone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pings []domain.LocationPing
	for rows.Next() {
		var p domain.LocationPing
		if err := rows.Scan(&p.DroneID, &p.Location.Lat, &p.Location.Lng, &p.Battery, &p.Timestamp); err != nil {
			return nil, err
		}
		pings = append(pings, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pings, nil
}

func (s *Store) PrunePings(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, pingPruneSQL, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *Tx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func (t *Tx) UpsertDrone(ctx context.Context, drone *domain.Drone) error {
	_, err := t.tx.Exec(ctx, droneUpsertSQL,
		drone.ID,
		drone.Model,
		drone.Capability.MaxPayloadKg,
		drone.Capability.MaxRangeKm,
		drone.Battery,
		drone.Location.Lat,
		drone.Location.Lng,
		drone.Base.Lat,
		drone.Base.Lng,
		drone.State,
		nullString(drone.CurrentAssignmentID),
		nullZeroTime(drone.LastTelemetryAt),
		nullZeroTime(drone.LegStartedAt),
		nullString(drone.FaultReason),
		drone.CreatedAt,
		drone.UpdatedAt,
	)
	return err
}

func (t *Tx) UpsertRequest(ctx context.Context, req *domain.DeliveryRequest) error {
	_, err := t.tx.Exec(ctx, requestUpsertSQL,
		req.OrderID,
		req.Pickup.Lat,
		req.Pickup.Lng,
		req.Delivery.Lat,
		req.Delivery.Lng,
		req.PayloadKg,
		nullZeroTime(req.Window.Start),
		nullZeroTime(req.Window.End),
		req.ReadyAt,
		req.EnqueuedAt,
		req.Attempts,
		nullString(req.DelayReason),
	)
	return err
}

func (t *Tx) DeleteRequest(ctx context.Context, orderID string) error {
	_, err := t.tx.Exec(ctx, requestDeleteSQL, orderID)
	return err
}

func (t *Tx) UpsertAssignment(ctx context.Context, a *domain.Assignment) error {
	request, err := json.Marshal(toRequestRecord(a.Request))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var proof []byte
	if a.Proof != nil {
		if proof, err = json.Marshal(toProofRecord(*a.Proof)); err != nil {
			return fmt.Errorf("encode proof: %w", err)
		}
	}
	_, err = t.tx.Exec(ctx, assignmentUpsertSQL,
		a.ID,
		a.OrderID,
		a.DroneID,
		request,
		a.Origin.Lat,
		a.Origin.Lng,
		a.EstimatedDistanceKm,
		a.EstimatedEnergy,
		a.Outcome,
		nullString(a.FailureReason),
		proof,
		a.CreatedAt,
		nullTime(a.ClosedAt),
	)
	return err
}

func (t *Tx) InsertTransition(ctx context.Context, tr domain.Transition) error {
	var assignmentID sql.NullString
	if tr.AssignmentID != "" {
		assignmentID = sql.NullString{String: tr.AssignmentID, Valid: true}
	}
	_, err := t.tx.Exec(ctx, transitionInsertSQL,
		assignmentID,
		tr.DroneID,
		tr.From,
		tr.To,
		tr.Event,
		tr.At,
	)
	return err
}

func (t *Tx) InsertPing(ctx context.Context, ping domain.LocationPing) error {
	_, err := t.tx.Exec(ctx, pingInsertSQL,
		ping.DroneID,
		ping.Location.Lat,
		ping.Location.Lng,
		ping.Battery,
		ping.Timestamp,
	)
	return err
}

func (t *Tx) EnqueueEvent(ctx context.Context, event events.Event) error {
	_, err := t.tx.Exec(ctx, outboxInsertSQL,
		event.ID,
		event.Type,
		event.AggregateType,
		event.AggregateID,
		[]byte(event.Payload),
		event.OccurredAt,
	)
	return err
}

var (
	_ dispatch.Store = (*Store)(nil)
	_ dispatch.Tx    = (*Tx)(nil)
)

func scanDrone(row pgx.Row) (*domain.Drone, error) {
	var (
		currentAssignmentID sql.NullString
		lastTelemetryAt     sql.NullTime
		legStartedAt        sql.NullTime
		faultReason         sql.NullString
	)
	drone := &domain.Drone{}
	err := row.Scan(
		&drone.ID,
		&drone.Model,
		&drone.Capability.MaxPayloadKg,
		&drone.Capability.MaxRangeKm,
		&drone.Battery,
		&drone.Location.Lat,
		&drone.Location.Lng,
		&drone.Base.Lat,
		&drone.Base.Lng,
		&drone.State,
		&currentAssignmentID,
		&lastTelemetryAt,
		&legStartedAt,
		&faultReason,
		&drone.CreatedAt,
		&drone.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if currentAssignmentID.Valid {
		drone.CurrentAssignmentID = &currentAssignmentID.String
	}
	if lastTelemetryAt.Valid {
		drone.LastTelemetryAt = lastTelemetryAt.Time
	}
	if legStartedAt.Valid {
		drone.LegStartedAt = legStartedAt.Time
	}
	if faultReason.Valid {
		drone.FaultReason = &faultReason.String
	}
	return drone, nil
}

func scanRequest(row pgx.Row) (*domain.DeliveryRequest, error) {
	var (
		windowStart sql.NullTime
		windowEnd   sql.NullTime
		delayReason sql.NullString
	)
	req := &domain.DeliveryRequest{}
	err := row.Scan(
		&req.OrderID,
		&req.Pickup.Lat,
		&req.Pickup.Lng,
		&req.Delivery.Lat,
		&req.Delivery.Lng,
		&req.PayloadKg,
		&windowStart,
		&windowEnd,
		&req.ReadyAt,
		&req.EnqueuedAt,
		&req.Attempts,
		&delayReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if windowStart.Valid {
		req.Window.Start = windowStart.Time
	}
	if windowEnd.Valid {
		req.Window.End = windowEnd.Time
	}
	if delayReason.Valid {
		req.DelayReason = &delayReason.String
	}
	return req, nil
}

func scanAssignment(row pgx.Row) (*domain.Assignment, error) {
	var (
		request       []byte
		proof         []byte
		failureReason sql.NullString
		closedAt      sql.NullTime
	)
	a := &domain.Assignment{}
	err := row.Scan(
		&a.ID,
		&a.OrderID,
		&a.DroneID,
		&request,
		&a.Origin.Lat,
		&a.Origin.Lng,
		&a.EstimatedDistanceKm,
		&a.EstimatedEnergy,
		&a.Outcome,
		&failureReason,
		&proof,
		&a.CreatedAt,
		&closedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var rec requestRecord
	if err := json.Unmarshal(request, &rec); err != nil {
		return nil, fmt.Errorf("decode request of %s: %w", a.ID, err)
	}
	a.Request = rec.toDomain()
	if len(proof) > 0 {
		var p proofRecord
		if err := json.Unmarshal(proof, &p); err != nil {
			return nil, fmt.Errorf("decode proof of %s: %w", a.ID, err)
		}
		pr := p.toDomain()
		a.Proof = &pr
	}
	if failureReason.Valid {
		a.FailureReason = &failureReason.String
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.Time
	}
	return a, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func nullZeroTime(v time.Time) sql.NullTime {
	if v.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v, Valid: true}
}
