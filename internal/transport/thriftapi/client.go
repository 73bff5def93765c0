package thriftapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"dronedispatch/internal/domain"
)

// Client speaks the drone link over framed binary thrift. Calls are
// serialized on the one connection.
type Client struct {
	mu    sync.Mutex
	trans thrift.TTransport
	proto thrift.TProtocol
	seqID int32
}

func Dial(addr string, timeout time.Duration) (*Client, error) {
	cfg := &thrift.TConfiguration{ConnectTimeout: timeout, SocketTimeout: timeout}
	trans := thrift.NewTFramedTransportConf(thrift.NewTSocketConf(addr, cfg), cfg)
	if err := trans.Open(); err != nil {
		return nil, fmt.Errorf("dial drone link %s: %w", addr, err)
	}
	return NewClient(trans), nil
}

// NewClient uses an already open, framed transport.
func NewClient(trans thrift.TTransport) *Client {
	return &Client{
		trans: trans,
		proto: thrift.NewTBinaryProtocolConf(trans, &thrift.TConfiguration{}),
	}
}

func (c *Client) Close() error {
	return c.trans.Close()
}

func (c *Client) IssueToken(ctx context.Context, name, role string) (string, time.Time, error) {
	var token string
	var exp int64
	err := c.call(ctx, "IssueToken", func(w *fieldWriter) {
		w.str("name", 1, name)
		w.str("role", 2, role)
	}, func() error {
		return readStruct(ctx, c.proto, func(id int16, t thrift.TType) (bool, error) {
			var err error
			switch {
			case id == 1 && t == thrift.STRING:
				token, err = c.proto.ReadString(ctx)
			case id == 2 && t == thrift.I64:
				exp, err = c.proto.ReadI64(ctx)
			default:
				return false, nil
			}
			return true, err
		})
	})
	return token, time.Unix(exp, 0).UTC(), err
}

// ReportTelemetry sends one ping for the drone the token names.
func (c *Client) ReportTelemetry(ctx context.Context, token string, loc domain.Location, battery float64, at time.Time) (DroneStatus, error) {
	var st DroneStatus
	err := c.call(ctx, "ReportTelemetry", func(w *fieldWriter) {
		w.str("token", 1, token)
		w.location("location", 2, loc)
		w.double("battery", 3, battery)
		w.i64("timestampMillis", 4, at.UnixMilli())
	}, func() error {
		var err error
		st, err = readDroneStatus(ctx, c.proto)
		return err
	})
	return st, err
}

func (c *Client) ReportFault(ctx context.Context, token, reason string) (DroneStatus, error) {
	var st DroneStatus
	err := c.call(ctx, "ReportFault", func(w *fieldWriter) {
		w.str("token", 1, token)
		w.str("reason", 2, reason)
	}, func() error {
		var err error
		st, err = readDroneStatus(ctx, c.proto)
		return err
	})
	return st, err
}

func (c *Client) call(ctx context.Context, method string, request func(w *fieldWriter), readSuccess func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqID++

	out := c.proto
	if err := out.WriteMessageBegin(ctx, method, thrift.CALL, c.seqID); err != nil {
		return err
	}
	err := writeStruct(ctx, out, method+"_args", func(w *fieldWriter) {
		w.field("request", thrift.STRUCT, 1, func() error {
			return writeStruct(ctx, out, "Request", request)
		})
	})
	if err != nil {
		return err
	}
	if err := out.WriteMessageEnd(ctx); err != nil {
		return err
	}
	if err := out.Flush(ctx); err != nil {
		return err
	}

	in := c.proto
	_, mtype, seqID, err := in.ReadMessageBegin(ctx)
	if err != nil {
		return err
	}
	if seqID != c.seqID {
		return fmt.Errorf("%s: reply out of sequence (%d, want %d)", method, seqID, c.seqID)
	}
	if mtype == thrift.EXCEPTION {
		return c.readException(ctx, method)
	}
	err = readStruct(ctx, in, func(id int16, t thrift.TType) (bool, error) {
		if id != 0 || t != thrift.STRUCT {
			return false, nil
		}
		return true, readSuccess()
	})
	if err != nil {
		return err
	}
	return in.ReadMessageEnd(ctx)
}

func (c *Client) readException(ctx context.Context, method string) error {
	var message string
	var kind int32
	err := readStruct(ctx, c.proto, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRING:
			message, err = c.proto.ReadString(ctx)
		case id == 2 && t == thrift.I32:
			kind, err = c.proto.ReadI32(ctx)
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		return err
	}
	_ = c.proto.ReadMessageEnd(ctx)
	return fmt.Errorf("%s: %w", method, thrift.NewTApplicationException(kind, message))
}
