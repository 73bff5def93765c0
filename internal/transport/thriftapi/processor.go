package thriftapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"dronedispatch/internal/auth"
	"dronedispatch/internal/domain"
	"dronedispatch/internal/transport"
)

// Processor serves the drone link, the thrift service drones use in the
// field:
//
//	service DroneLink {
//	  TokenResponse IssueToken(1: TokenRequest request)
//	  DroneStatus ReportTelemetry(1: TelemetryRequest request)
//	  DroneStatus ReportFault(1: FaultRequest request)
//	}
type Processor struct {
	engine       transport.Dispatcher
	auth         *auth.Authenticator
	logger       *slog.Logger
	processorMap map[string]thrift.TProcessorFunction
}

type handlerFunc func(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException)

type processorFunc struct {
	fn handlerFunc
}

func (p processorFunc) Process(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
	return p.fn(ctx, seqID, in, out)
}

func NewProcessor(engine transport.Dispatcher, authenticator *auth.Authenticator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{engine: engine, auth: authenticator, logger: logger.With("component", "thrift")}
	p.processorMap = map[string]thrift.TProcessorFunction{
		"IssueToken":      processorFunc{fn: p.handleIssueToken},
		"ReportTelemetry": processorFunc{fn: p.handleReportTelemetry},
		"ReportFault":     processorFunc{fn: p.handleReportFault},
	}
	return p
}

func (p *Processor) ProcessorMap() map[string]thrift.TProcessorFunction {
	return p.processorMap
}

func (p *Processor) AddToProcessorMap(name string, processor thrift.TProcessorFunction) {
	p.processorMap[name] = processor
}

func (p *Processor) Process(ctx context.Context, in, out thrift.TProtocol) (bool, thrift.TException) {
	name, messageType, seqID, err := in.ReadMessageBegin(ctx)
	if err != nil {
		return false, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error())
	}
	if messageType != thrift.CALL && messageType != thrift.ONEWAY {
		return p.writeException(ctx, out, name, seqID, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, "invalid message type"))
	}
	processor, ok := p.processorMap[name]
	if !ok {
		_ = in.Skip(ctx, thrift.STRUCT)
		_ = in.ReadMessageEnd(ctx)
		return p.writeException(ctx, out, name, seqID, thrift.NewTApplicationException(thrift.UNKNOWN_METHOD, "unknown method"))
	}
	return processor.Process(ctx, seqID, in, out)
}

func (p *Processor) handleIssueToken(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
	var name, role string
	err := readArgs(ctx, in, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRING:
			name, err = in.ReadString(ctx)
		case id == 2 && t == thrift.STRING:
			role, err = in.ReadString(ctx)
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		return p.writeException(ctx, out, "IssueToken", seqID, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error()))
	}
	token, exp, err := p.auth.IssueToken(name, role)
	if err != nil {
		return p.writeException(ctx, out, "IssueToken", seqID, mapError(err))
	}
	return p.writeReply(ctx, out, "IssueToken", seqID, func(out thrift.TProtocol) error {
		return writeTokenResponse(ctx, out, token, exp)
	})
}

func (p *Processor) handleReportTelemetry(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
	var token string
	var ping domain.LocationPing
	err := readArgs(ctx, in, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRING:
			token, err = in.ReadString(ctx)
		case id == 2 && t == thrift.STRUCT:
			ping.Location, err = readLocation(ctx, in)
		case id == 3 && t == thrift.DOUBLE:
			ping.Battery, err = in.ReadDouble(ctx)
		case id == 4 && t == thrift.I64:
			var ms int64
			ms, err = in.ReadI64(ctx)
			ping.Timestamp = time.UnixMilli(ms).UTC()
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		return p.writeException(ctx, out, "ReportTelemetry", seqID, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error()))
	}
	claims, appErr := p.authorize(token)
	if appErr != nil {
		return p.writeException(ctx, out, "ReportTelemetry", seqID, appErr)
	}
	ping.DroneID = claims.Subject
	res, err := p.engine.Ingest(ctx, ping)
	if err != nil {
		return p.writeException(ctx, out, "ReportTelemetry", seqID, mapError(err))
	}
	return p.writeReply(ctx, out, "ReportTelemetry", seqID, func(out thrift.TProtocol) error {
		return writeDroneStatus(ctx, out, p.status(ctx, res.Drone, res.Stale, res.Fault))
	})
}

func (p *Processor) handleReportFault(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
	var token, reason string
	err := readArgs(ctx, in, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRING:
			token, err = in.ReadString(ctx)
		case id == 2 && t == thrift.STRING:
			reason, err = in.ReadString(ctx)
		default:
			return false, nil
		}
		return true, err
	})
	if err != nil {
		return p.writeException(ctx, out, "ReportFault", seqID, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error()))
	}
	claims, appErr := p.authorize(token)
	if appErr != nil {
		return p.writeException(ctx, out, "ReportFault", seqID, appErr)
	}
	d, err := p.engine.ReportFault(ctx, claims.Subject, reason)
	if err != nil {
		return p.writeException(ctx, out, "ReportFault", seqID, mapError(err))
	}
	fault := ""
	if d.FaultReason != nil {
		fault = *d.FaultReason
	}
	return p.writeReply(ctx, out, "ReportFault", seqID, func(out thrift.TProtocol) error {
		return writeDroneStatus(ctx, out, p.status(ctx, d, false, fault))
	})
}

// status adds the navigation target for the drone's current leg.
func (p *Processor) status(ctx context.Context, d domain.Drone, stale bool, fault string) DroneStatus {
	st := DroneStatus{
		ID:       d.ID,
		State:    d.State,
		Battery:  d.Battery,
		Location: d.Location,
		Stale:    stale,
		Fault:    fault,
	}
	if d.State == domain.StateReturning {
		base := d.Base
		st.Target = &base
	}
	if d.CurrentAssignmentID == nil {
		return st
	}
	st.AssignmentID = *d.CurrentAssignmentID
	a, err := p.engine.GetAssignment(ctx, st.AssignmentID)
	if err != nil {
		p.logger.Warn("assignment lookup failed", "assignment_id", st.AssignmentID, "error", err)
		return st
	}
	switch d.State {
	case domain.StateAssigned, domain.StateEnRoutePickup:
		st.Target = &a.Request.Pickup
	case domain.StateLoaded, domain.StateEnRouteDelivery, domain.StateDelivering:
		st.Target = &a.Request.Delivery
	}
	return st
}

func (p *Processor) authorize(token string) (*auth.Claims, thrift.TApplicationException) {
	claims, err := p.auth.ParseToken(token)
	if err != nil {
		return nil, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, "unauthorized")
	}
	if !claims.HasRole(domain.RoleDrone) {
		return nil, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, "forbidden")
	}
	return claims, nil
}

// writeReply frames a successful result; writeSuccess writes the struct held
// in field 0.
func (p *Processor) writeReply(ctx context.Context, out thrift.TProtocol, method string, seqID int32, writeSuccess func(out thrift.TProtocol) error) (bool, thrift.TException) {
	err := func() error {
		if err := out.WriteMessageBegin(ctx, method, thrift.REPLY, seqID); err != nil {
			return err
		}
		if err := out.WriteStructBegin(ctx, method+"_result"); err != nil {
			return err
		}
		if err := out.WriteFieldBegin(ctx, "success", thrift.STRUCT, 0); err != nil {
			return err
		}
		if err := writeSuccess(out); err != nil {
			return err
		}
		if err := out.WriteFieldEnd(ctx); err != nil {
			return err
		}
		if err := out.WriteFieldStop(ctx); err != nil {
			return err
		}
		if err := out.WriteStructEnd(ctx); err != nil {
			return err
		}
		if err := out.WriteMessageEnd(ctx); err != nil {
			return err
		}
		return out.Flush(ctx)
	}()
	if err != nil {
		return false, thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, err.Error())
	}
	return true, nil
}

func (p *Processor) writeException(ctx context.Context, out thrift.TProtocol, method string, seqID int32, appErr thrift.TApplicationException) (bool, thrift.TException) {
	p.logger.Warn("call rejected", "method", method, "error", appErr.Error())
	_ = out.WriteMessageBegin(ctx, method, thrift.EXCEPTION, seqID)
	_ = appErr.Write(ctx, out)
	_ = out.WriteMessageEnd(ctx)
	_ = out.Flush(ctx)
	return false, appErr
}

func mapError(err error) thrift.TApplicationException {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		return thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, "forbidden")
	case errors.Is(err, domain.ErrNotFound):
		return thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, "not found")
	case errors.Is(err, domain.ErrInvalid), errors.Is(err, domain.ErrTelemetryAnomaly):
		return thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, fmt.Sprintf("invalid request: %v", err))
	case errors.Is(err, domain.ErrInvalidTransition):
		return thrift.NewTApplicationException(thrift.PROTOCOL_ERROR, "invalid transition")
	default:
		return thrift.NewTApplicationException(thrift.INTERNAL_ERROR, "internal error")
	}
}

var _ thrift.TProcessor = (*Processor)(nil)

