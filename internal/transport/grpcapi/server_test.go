package grpcapi

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"dronedispatch/internal/auth"
	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/domain"
	"dronedispatch/internal/transport"
)

type fakeEngine struct {
	transport.Dispatcher

	cancelled []string
	pings     []domain.LocationPing
}

func (f *fakeEngine) Cancel(_ context.Context, orderID string) (dispatch.CancelResult, error) {
	if orderID == "delivered" {
		return dispatch.CancelResult{}, domain.ErrConflict
	}
	f.cancelled = append(f.cancelled, orderID)
	return dispatch.CancelResult{Request: &domain.DeliveryRequest{OrderID: orderID}}, nil
}

func (f *fakeEngine) Ingest(_ context.Context, ping domain.LocationPing) (dispatch.IngestResult, error) {
	f.pings = append(f.pings, ping)
	return dispatch.IngestResult{Drone: domain.Drone{ID: ping.DroneID, State: domain.StateEnRoutePickup}}, nil
}

func (f *fakeEngine) Confirm(context.Context, string, domain.Proof) (domain.Assignment, error) {
	return domain.Assignment{}, domain.ErrInvalidConfirmationState
}

func dial(t *testing.T, engine transport.Dispatcher) (*grpc.ClientConn, *auth.Authenticator) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	authenticator := auth.New("secret", time.Hour)
	srv := NewServer(engine, authenticator, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, authenticator
}

func withToken(t *testing.T, a *auth.Authenticator, subject, role string) context.Context {
	t.Helper()
	token, _, err := a.IssueToken(subject, role)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)
}

func TestIssueTokenOverGRPC(t *testing.T) {
	conn, a := dial(t, &fakeEngine{})

	var resp TokenResponse
	err := conn.Invoke(context.Background(), "/dispatch.AuthService/IssueToken", &TokenRequest{Name: "d-1", Role: domain.RoleDrone}, &resp)
	require.NoError(t, err)
	claims, err := a.ParseToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "d-1", claims.Subject)

	err = conn.Invoke(context.Background(), "/dispatch.AuthService/IssueToken", &TokenRequest{Name: "x", Role: "pilot"}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCallsRequireToken(t *testing.T) {
	conn, a := dial(t, &fakeEngine{})

	var resp transport.CancelResponse
	err := conn.Invoke(context.Background(), "/dispatch.OrderService/CancelDelivery", &OrderIDRequest{OrderID: "o-1"}, &resp)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	err = conn.Invoke(withToken(t, a, "d-1", domain.RoleDrone), "/dispatch.OrderService/CancelDelivery", &OrderIDRequest{OrderID: "o-1"}, &resp)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestCancelDelivery(t *testing.T) {
	engine := &fakeEngine{}
	conn, a := dial(t, engine)
	ctx := withToken(t, a, "oms", domain.RoleOrders)

	var resp transport.CancelResponse
	require.NoError(t, conn.Invoke(ctx, "/dispatch.OrderService/CancelDelivery", &OrderIDRequest{OrderID: "o-1"}, &resp))
	assert.Equal(t, "o-1", resp.OrderID)
	require.NotNil(t, resp.Request)
	assert.Equal(t, []string{"o-1"}, engine.cancelled)

	err := conn.Invoke(ctx, "/dispatch.OrderService/CancelDelivery", &OrderIDRequest{OrderID: "delivered"}, &resp)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestReportTelemetryUsesTokenDrone(t *testing.T) {
	engine := &fakeEngine{}
	conn, a := dial(t, engine)
	ctx := withToken(t, a, "d-7", domain.RoleDrone)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var resp transport.IngestResponse
	require.NoError(t, conn.Invoke(ctx, "/dispatch.DroneService/ReportTelemetry", &transport.TelemetryInput{Lat: 24.7, Lng: 46.6, Battery: 77, Timestamp: at}, &resp))
	require.Len(t, engine.pings, 1)
	assert.Equal(t, "d-7", engine.pings[0].DroneID)
	assert.Equal(t, string(domain.StateEnRoutePickup), resp.Drone.State)

	err := conn.Invoke(ctx, "/dispatch.DroneService/ReportTelemetry", &transport.TelemetryInput{DroneID: "d-8", Timestamp: at}, &resp)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestConfirmOutsideDeliveringIsFailedPrecondition(t *testing.T) {
	conn, a := dial(t, &fakeEngine{})
	ctx := withToken(t, a, "courier-1", domain.RoleCourier)

	var resp transport.AssignmentResponse
	err := conn.Invoke(ctx, "/dispatch.ConfirmationService/ConfirmDelivery", &ConfirmRequest{AssignmentID: "asg-1", Kind: "pin"}, &resp)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
