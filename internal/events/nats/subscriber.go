package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/domain"
)

const (
	SubjectTelemetry       = "drones.telemetry"
	SubjectOrdersReady     = "orders.ready"
	SubjectOrdersCancelled = "orders.cancelled"
)

// Dispatcher is the part of the dispatch engine fed from the message bus.
type Dispatcher interface {
	SubmitDelivery(ctx context.Context, req domain.DeliveryRequest) (domain.DeliveryRequest, error)
	Ingest(ctx context.Context, ping domain.LocationPing) (dispatch.IngestResult, error)
	Cancel(ctx context.Context, orderID string) (dispatch.CancelResult, error)
}

type TelemetryMessage struct {
	DroneID   string    `json:"drone_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Battery   float64   `json:"battery"`
	Timestamp time.Time `json:"timestamp"`
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type OrderReadyMessage struct {
	OrderID     string     `json:"order_id"`
	Pickup      Point      `json:"pickup"`
	Delivery    Point      `json:"delivery"`
	PayloadKg   float64    `json:"payload_kg"`
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
	ReadyAt     *time.Time `json:"ready_at,omitempty"`
}

type OrderCancelledMessage struct {
	OrderID string `json:"order_id"`
}

// Subscriber feeds drone telemetry and order-system messages into dispatch.
// Drone telemetry is fire-and-forget; order subjects are answered when the
// sender used request/reply.
type Subscriber struct {
	nc      *nats.Conn
	engine  Dispatcher
	timeout time.Duration
	logger  *slog.Logger
	subs    []*nats.Subscription
}

func NewSubscriber(nc *nats.Conn, engine Dispatcher, timeout time.Duration, logger *slog.Logger) *Subscriber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{nc: nc, engine: engine, timeout: timeout, logger: logger.With("component", "nats")}
}

// Run subscribes and blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) error{
		SubjectTelemetry:       s.HandleTelemetry,
		SubjectOrdersReady:     s.HandleOrderReady,
		SubjectOrdersCancelled: s.HandleOrderCancelled,
	}
	for subject, handle := range handlers {
		subject, handle := subject, handle
		sub, err := s.nc.QueueSubscribe(subject, "dispatch", func(msg *nats.Msg) {
			hctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			err := handle(hctx, msg.Data)
			if err != nil {
				s.logger.Warn("message rejected", "subject", subject, "error", err)
			}
			if msg.Reply != "" {
				s.reply(msg, err)
			}
		})
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("listening", "subjects", len(s.subs))
	<-ctx.Done()
	s.unsubscribe()
	return nil
}

func (s *Subscriber) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Subscriber) reply(msg *nats.Msg, err error) {
	body := map[string]any{"ok": err == nil}
	if err != nil {
		body["error"] = err.Error()
	}
	data, _ := json.Marshal(body)
	if rerr := msg.Respond(data); rerr != nil {
		s.logger.Warn("reply failed", "subject", msg.Subject, "error", rerr)
	}
}

func (s *Subscriber) HandleTelemetry(ctx context.Context, data []byte) error {
	var m TelemetryMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode telemetry: %v: %w", err, domain.ErrInvalid)
	}
	_, err := s.engine.Ingest(ctx, domain.LocationPing{
		DroneID:   m.DroneID,
		Location:  domain.Location{Lat: m.Lat, Lng: m.Lng},
		Timestamp: m.Timestamp,
		Battery:   m.Battery,
	})
	return err
}

func (s *Subscriber) HandleOrderReady(ctx context.Context, data []byte) error {
	var m OrderReadyMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode order: %v: %w", err, domain.ErrInvalid)
	}
	req := domain.DeliveryRequest{
		OrderID:   m.OrderID,
		Pickup:    domain.Location{Lat: m.Pickup.Lat, Lng: m.Pickup.Lng},
		Delivery:  domain.Location{Lat: m.Delivery.Lat, Lng: m.Delivery.Lng},
		PayloadKg: m.PayloadKg,
	}
	if m.WindowStart != nil {
		req.Window.Start = *m.WindowStart
	}
	if m.WindowEnd != nil {
		req.Window.End = *m.WindowEnd
	}
	if m.ReadyAt != nil {
		req.ReadyAt = *m.ReadyAt
	}
	_, err := s.engine.SubmitDelivery(ctx, req)
	// Redelivered orders are already queued or assigned.
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	return err
}

func (s *Subscriber) HandleOrderCancelled(ctx context.Context, data []byte) error {
	var m OrderCancelledMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode cancel: %v: %w", err, domain.ErrInvalid)
	}
	_, err := s.engine.Cancel(ctx, m.OrderID)
	return err
}
