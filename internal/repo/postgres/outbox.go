package postgres

import (
	"context"
	"time"

	"dronedispatch/internal/events"
)

func (s *Store) FetchPending(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, outboxFetchPendingSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []events.Event
	for rows.Next() {
		evt, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		evts = append(evts, evt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return evts, nil
}

func (s *Store) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, outboxMarkPublishedSQL, ids)
	return err
}

// RecordFailure counts a failed publish against the event and keeps the
// broker's error for operators.
func (s *Store) RecordFailure(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, outboxRecordFailureSQL, id, reason)
	return err
}

// PrunePublished removes relayed events published before the cutoff.
func (s *Store) PrunePublished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, outboxPrunePublishedSQL, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanOutboxEvent(row pgxRow) (events.Event, error) {
	var payload []byte
	var evt events.Event
	if err := row.Scan(&evt.ID, &evt.Type, &evt.AggregateType, &evt.AggregateID, &payload, &evt.OccurredAt); err != nil {
		return events.Event{}, err
	}
	evt.Payload = payload
	return evt, nil
}

type pgxRow interface {
	Scan(dest ...any) error
}

var (
	_ events.OutboxRepository = (*Store)(nil)
	_ events.FailureRecorder  = (*Store)(nil)
)
