package thriftapi

import (
	"context"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"dronedispatch/internal/domain"
)

// fieldFunc reads one field of a struct. It returns false for fields it does
// not know, which are then skipped.
type fieldFunc func(id int16, t thrift.TType) (bool, error)

func readStruct(ctx context.Context, in thrift.TProtocol, fn fieldFunc) error {
	if _, err := in.ReadStructBegin(ctx); err != nil {
		return err
	}
	for {
		_, fieldType, fieldID, err := in.ReadFieldBegin(ctx)
		if err != nil {
			return err
		}
		if fieldType == thrift.STOP {
			break
		}
		handled, err := fn(fieldID, fieldType)
		if err != nil {
			return err
		}
		if !handled {
			if err := in.Skip(ctx, fieldType); err != nil {
				return err
			}
		}
		if err := in.ReadFieldEnd(ctx); err != nil {
			return err
		}
	}
	return in.ReadStructEnd(ctx)
}

// readArgs reads a call's args struct, { 1: Request request }, handing the
// request's fields to fn, and ends the message.
func readArgs(ctx context.Context, in thrift.TProtocol, fn fieldFunc) error {
	err := readStruct(ctx, in, func(id int16, t thrift.TType) (bool, error) {
		if id != 1 || t != thrift.STRUCT {
			return false, nil
		}
		return true, readStruct(ctx, in, fn)
	})
	if err != nil {
		return err
	}
	return in.ReadMessageEnd(ctx)
}

func readLocation(ctx context.Context, in thrift.TProtocol) (domain.Location, error) {
	var loc domain.Location
	err := readStruct(ctx, in, func(id int16, t thrift.TType) (bool, error) {
		if t != thrift.DOUBLE {
			return false, nil
		}
		var err error
		switch id {
		case 1:
			loc.Lat, err = in.ReadDouble(ctx)
		case 2:
			loc.Lng, err = in.ReadDouble(ctx)
		default:
			return false, nil
		}
		return true, err
	})
	return loc, err
}

type fieldWriter struct {
	ctx context.Context
	out thrift.TProtocol
	err error
}

func (w *fieldWriter) field(name string, t thrift.TType, id int16, write func() error) {
	if w.err != nil {
		return
	}
	if w.err = w.out.WriteFieldBegin(w.ctx, name, t, id); w.err != nil {
		return
	}
	if w.err = write(); w.err != nil {
		return
	}
	w.err = w.out.WriteFieldEnd(w.ctx)
}

func (w *fieldWriter) str(name string, id int16, v string) {
	w.field(name, thrift.STRING, id, func() error { return w.out.WriteString(w.ctx, v) })
}

func (w *fieldWriter) double(name string, id int16, v float64) {
	w.field(name, thrift.DOUBLE, id, func() error { return w.out.WriteDouble(w.ctx, v) })
}

func (w *fieldWriter) i64(name string, id int16, v int64) {
	w.field(name, thrift.I64, id, func() error { return w.out.WriteI64(w.ctx, v) })
}

func (w *fieldWriter) boolean(name string, id int16, v bool) {
	w.field(name, thrift.BOOL, id, func() error { return w.out.WriteBool(w.ctx, v) })
}

func (w *fieldWriter) location(name string, id int16, loc domain.Location) {
	w.field(name, thrift.STRUCT, id, func() error { return writeLocation(w.ctx, w.out, loc) })
}

func writeStruct(ctx context.Context, out thrift.TProtocol, name string, fields func(w *fieldWriter)) error {
	if err := out.WriteStructBegin(ctx, name); err != nil {
		return err
	}
	w := &fieldWriter{ctx: ctx, out: out}
	fields(w)
	if w.err != nil {
		return w.err
	}
	if err := out.WriteFieldStop(ctx); err != nil {
		return err
	}
	return out.WriteStructEnd(ctx)
}

func writeLocation(ctx context.Context, out thrift.TProtocol, loc domain.Location) error {
	return writeStruct(ctx, out, "Location", func(w *fieldWriter) {
		w.double("lat", 1, loc.Lat)
		w.double("lng", 2, loc.Lng)
	})
}

func writeTokenResponse(ctx context.Context, out thrift.TProtocol, token string, exp time.Time) error {
	return writeStruct(ctx, out, "TokenResponse", func(w *fieldWriter) {
		w.str("token", 1, token)
		w.i64("expiresAt", 2, exp.Unix())
	})
}

// DroneStatus is the drone link's view of a drone after a call:
//
//	struct DroneStatus {
//	  1: string id, 2: string state, 3: double battery, 4: Location location,
//	  5: optional string assignmentId, 6: bool stale, 7: optional string fault,
//	  8: optional Location target
//	}
//
// Target is where the drone should fly next, if anywhere.
type DroneStatus struct {
	ID           string
	State        domain.DroneState
	Battery      float64
	Location     domain.Location
	AssignmentID string
	Stale        bool
	Fault        string
	Target       *domain.Location
}

func writeDroneStatus(ctx context.Context, out thrift.TProtocol, st DroneStatus) error {
	return writeStruct(ctx, out, "DroneStatus", func(w *fieldWriter) {
		w.str("id", 1, st.ID)
		w.str("state", 2, string(st.State))
		w.double("battery", 3, st.Battery)
		w.location("location", 4, st.Location)
		if st.AssignmentID != "" {
			w.str("assignmentId", 5, st.AssignmentID)
		}
		w.boolean("stale", 6, st.Stale)
		if st.Fault != "" {
			w.str("fault", 7, st.Fault)
		}
		if st.Target != nil {
			w.location("target", 8, *st.Target)
		}
	})
}

func readDroneStatus(ctx context.Context, in thrift.TProtocol) (DroneStatus, error) {
	var st DroneStatus
	err := readStruct(ctx, in, func(id int16, t thrift.TType) (bool, error) {
		var err error
		switch {
		case id == 1 && t == thrift.STRING:
			st.ID, err = in.ReadString(ctx)
		case id == 2 && t == thrift.STRING:
			var s string
			s, err = in.ReadString(ctx)
			st.State = domain.DroneState(s)
		case id == 3 && t == thrift.DOUBLE:
			st.Battery, err = in.ReadDouble(ctx)
		case id == 4 && t == thrift.STRUCT:
			st.Location, err = readLocation(ctx, in)
		case id == 5 && t == thrift.STRING:
			st.AssignmentID, err = in.ReadString(ctx)
		case id == 6 && t == thrift.BOOL:
			st.Stale, err = in.ReadBool(ctx)
		case id == 7 && t == thrift.STRING:
			st.Fault, err = in.ReadString(ctx)
		case id == 8 && t == thrift.STRUCT:
			var loc domain.Location
			loc, err = readLocation(ctx, in)
			st.Target = &loc
		default:
			return false, nil
		}
		return true, err
	})
	return st, err
}
