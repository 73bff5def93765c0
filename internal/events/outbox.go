package events

import (
	"context"
	"log/slog"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type OutboxRepository interface {
	FetchPending(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []string) error
}

// FailureRecorder is implemented by repositories that keep a per-event
// attempt count and last error.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, id, reason string) error
}

// OutboxWorker relays events committed with dispatch state changes to a
// Publisher. Delivery is at least once: an event whose publish succeeded but
// whose mark failed is sent again on the next tick.
//
// Events of one aggregate go out in commit order. Once an event fails, later
// events for the same drone or order are held back until the next batch.
type OutboxWorker struct {
	Repo         OutboxRepository
	Publisher    Publisher
	PollInterval time.Duration
	BatchSize    int
	Logger       *slog.Logger
}

func (w *OutboxWorker) Start(ctx context.Context) error {
	if w.PollInterval <= 0 {
		w.PollInterval = time.Second
	}
	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.RelayOnce(ctx)
		}
	}
}

// RelayOnce publishes one batch and returns how many events went out.
func (w *OutboxWorker) RelayOnce(ctx context.Context) int {
	logger := w.logger()
	batch := w.BatchSize
	if batch <= 0 {
		batch = 50
	}
	evts, err := w.Repo.FetchPending(ctx, batch)
	if err != nil {
		logger.Error("outbox fetch failed", "error", err)
		return 0
	}
	if len(evts) == 0 {
		return 0
	}

	recorder, _ := w.Repo.(FailureRecorder)
	held := make(map[string]bool)
	published := make([]string, 0, len(evts))
	for _, evt := range evts {
		key := evt.AggregateType + "/" + evt.AggregateID
		if held[key] {
			continue
		}
		if err := w.Publisher.Publish(ctx, evt); err != nil {
			held[key] = true
			logger.Warn("publish failed", "event_id", evt.ID, "type", evt.Type, "aggregate", key, "error", err)
			if recorder != nil {
				if rerr := recorder.RecordFailure(ctx, evt.ID, err.Error()); rerr != nil {
					logger.Error("record failure failed", "event_id", evt.ID, "error", rerr)
				}
			}
			continue
		}
		published = append(published, evt.ID)
	}
	if len(published) == 0 {
		return 0
	}
	if err := w.Repo.MarkPublished(ctx, published); err != nil {
		logger.Error("mark published failed", "count", len(published), "error", err)
	}
	return len(published)
}

func (w *OutboxWorker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default().With("component", "outbox")
	}
	return w.Logger.With("component", "outbox")
}
