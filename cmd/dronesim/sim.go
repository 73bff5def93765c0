package main

import (
	"context"
	"log/slog"
	"math"
	"time"

	"dronedispatch/internal/domain"
	"dronedispatch/internal/transport/thriftapi"
)

type linkClient interface {
	ReportTelemetry(ctx context.Context, token string, loc domain.Location, battery float64, at time.Time) (thriftapi.DroneStatus, error)
}

type simulator struct {
	client  linkClient
	token   string
	pos     domain.Location
	battery float64
	speed   float64
	drain   float64
	charge  float64
	tick    time.Duration
	logger  *slog.Logger

	state domain.DroneState
}

func (s *simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	st, err := s.report(ctx, time.Now())
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.advance(st)
			if st, err = s.report(ctx, now); err != nil {
				return err
			}
		}
	}
}

func (s *simulator) report(ctx context.Context, at time.Time) (thriftapi.DroneStatus, error) {
	st, err := s.client.ReportTelemetry(ctx, s.token, s.pos, s.battery, at)
	if err != nil {
		return st, err
	}
	if st.State != s.state {
		s.logger.Info("state changed", "from", s.state, "to", st.State, "assignment_id", st.AssignmentID)
		s.state = st.State
	}
	if st.Stale {
		s.logger.Warn("ping discarded as stale")
	}
	return st, nil
}

// advance moves the drone one tick along the leg the last status gave it.
// A drone in DELIVERING holds position until the drop is confirmed.
func (s *simulator) advance(st thriftapi.DroneStatus) {
	switch {
	case st.State == domain.StateCharging:
		s.battery = math.Min(100, s.battery+s.charge)
		return
	case st.State == domain.StateDelivering, st.Target == nil:
		return
	}
	next, km := step(s.pos, *st.Target, s.speed*s.tick.Seconds())
	s.pos = next
	s.battery = math.Max(0, s.battery-km*s.drain)
}

// step moves from towards to by at most meters, returning the new position
// and the distance covered in km.
func step(from, to domain.Location, meters float64) (domain.Location, float64) {
	dist := domain.DistanceMeters(from, to)
	if dist <= meters || dist == 0 {
		return to, dist / 1000
	}
	f := meters / dist
	return domain.Location{
		Lat: from.Lat + (to.Lat-from.Lat)*f,
		Lng: from.Lng + (to.Lng-from.Lng)*f,
	}, meters / 1000
}
