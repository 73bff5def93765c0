// Command dronesim flies one simulated drone against the drone link. It
// reports telemetry on a fixed tick and follows the navigation target the
// server returns with each status.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/domain"
	"dronedispatch/internal/logging"
	"dronedispatch/internal/transport/thriftapi"
)

func main() {
	defaults := dispatch.DefaultConfig()

	addr := flag.String("addr", "127.0.0.1:9091", "drone link address")
	droneID := flag.String("drone", "", "registered drone ID")
	lat := flag.Float64("lat", 0, "starting latitude")
	lng := flag.Float64("lng", 0, "starting longitude")
	battery := flag.Float64("battery", 100, "starting battery percent")
	speed := flag.Float64("speed", defaults.CruiseSpeedMPS, "cruise speed in m/s")
	drain := flag.Float64("drain", defaults.Energy.PercentPerKm, "battery percent used per km")
	charge := flag.Float64("charge", 1, "battery percent gained per tick while charging")
	tick := flag.Duration("tick", time.Second, "telemetry interval")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := logging.New(os.Stdout, "text", *logLevel).With("drone_id", *droneID)
	if *droneID == "" {
		logger.Error("missing -drone")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := thriftapi.Dial(*addr, 5*time.Second)
	if err != nil {
		logger.Error("dial error", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	token, _, err := client.IssueToken(ctx, *droneID, domain.RoleDrone)
	if err != nil {
		logger.Error("token error", "error", err)
		os.Exit(1)
	}

	sim := &simulator{
		client:  client,
		token:   token,
		pos:     domain.Location{Lat: *lat, Lng: *lng},
		battery: *battery,
		speed:   *speed,
		drain:   *drain,
		charge:  *charge,
		tick:    *tick,
		logger:  logger,
	}
	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("simulator stopped", "error", err)
		os.Exit(1)
	}
}
