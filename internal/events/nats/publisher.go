package nats

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"dronedispatch/internal/events"
)

const DefaultSubjectPrefix = "dispatch.events"

// Publisher sends outbox events to <prefix>.<event type>, e.g.
// dispatch.events.assignment.created.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

func New(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("dronedispatch-outbox"))
	if err != nil {
		return nil, err
	}
	p := NewWithConn(nc, prefix)
	p.owned = true
	return p, nil
}

// NewWithConn publishes over a connection the caller keeps ownership of.
func NewWithConn(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

func (p *Publisher) Subject(event events.Event) string {
	return p.prefix + "." + event.Type
}

func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.Subject(event))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	return p.nc.PublishMsg(msg)
}

func (p *Publisher) Close() error {
	if p.nc != nil && p.owned {
		p.nc.Close()
	}
	return nil
}

var _ events.Publisher = (*Publisher)(nil)
