// Package sink picks the broker the outbox relays to.
package sink

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"dronedispatch/internal/events"
	"dronedispatch/internal/events/kafka"
	natspub "dronedispatch/internal/events/nats"
)

const (
	KindNATS  = "nats"
	KindKafka = "kafka"
	KindNone  = "none"
)

type Options struct {
	Kind         string
	NATSConn     *nats.Conn
	NATSURL      string
	NATSSubject  string
	KafkaBrokers string
	KafkaTopic   string
}

// Open returns the publisher for opts.Kind. An existing NATS connection is
// reused when given; otherwise the publisher dials its own.
func Open(opts Options) (events.Publisher, error) {
	switch opts.Kind {
	case KindNATS:
		if opts.NATSConn != nil {
			return natspub.NewWithConn(opts.NATSConn, opts.NATSSubject), nil
		}
		return natspub.New(opts.NATSURL, opts.NATSSubject)
	case KindKafka:
		return kafka.New(opts.KafkaBrokers, opts.KafkaTopic)
	case KindNone, "":
		return events.NoopPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown event sink %q", opts.Kind)
	}
}
