package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronedispatch/internal/auth"
	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/domain"
	"dronedispatch/internal/transport"
)

// fakeEngine records calls; methods a test does not override panic through
// the nil embedded interface.
type fakeEngine struct {
	transport.Dispatcher

	submitted []domain.DeliveryRequest
	pings     []domain.LocationPing
	proofs    []domain.Proof
	drones    []domain.Drone
	confirm   error
}

func (f *fakeEngine) SubmitDelivery(_ context.Context, req domain.DeliveryRequest) (domain.DeliveryRequest, error) {
	req.EnqueuedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.submitted = append(f.submitted, req)
	return req, nil
}

func (f *fakeEngine) DeliveryStatus(orderID string) (dispatch.StatusView, error) {
	return dispatch.StatusView{}, domain.ErrNotFound
}

func (f *fakeEngine) Ingest(_ context.Context, ping domain.LocationPing) (dispatch.IngestResult, error) {
	f.pings = append(f.pings, ping)
	return dispatch.IngestResult{Drone: domain.Drone{ID: ping.DroneID, State: domain.StateIdle}, Stale: true}, nil
}

func (f *fakeEngine) Confirm(_ context.Context, assignmentID string, proof domain.Proof) (domain.Assignment, error) {
	if f.confirm != nil {
		return domain.Assignment{}, f.confirm
	}
	f.proofs = append(f.proofs, proof)
	return domain.Assignment{ID: assignmentID, Outcome: domain.OutcomeDelivered, Proof: &proof}, nil
}

func (f *fakeEngine) ListDrones() []domain.Drone {
	return append([]domain.Drone(nil), f.drones...)
}

func newTestServer(t *testing.T, engine transport.Dispatcher) (http.Handler, *auth.Authenticator) {
	t.Helper()
	authenticator := auth.New("secret", time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(engine, authenticator, logger), authenticator
}

func doRequest(t *testing.T, h http.Handler, a *auth.Authenticator, method, path, subject, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		token, _, err := a.IssueToken(subject, role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestIssueToken(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	payload := map[string]string{"name": "oms", "role": domain.RoleOrders}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp["token"])
}

func TestIssueTokenInvalidRole(t *testing.T) {
	handler, _ := newTestServer(t, nil)

	payload := map[string]string{"name": "alice", "role": "enduser"}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRoutesEnforceRoles(t *testing.T) {
	h, a := newTestServer(t, &fakeEngine{})

	rec := doRequest(t, h, a, http.MethodPost, "/orders/deliveries", "", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, a, http.MethodPost, "/orders/deliveries", "d-1", domain.RoleDrone, map[string]any{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, a, http.MethodGet, "/admin/drones", "oms", domain.RoleOrders, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSubmitDelivery(t *testing.T) {
	engine := &fakeEngine{}
	h, a := newTestServer(t, engine)

	rec := doRequest(t, h, a, http.MethodPost, "/orders/deliveries", "oms", domain.RoleOrders, map[string]any{
		"order_id":   "order-1",
		"pickup":     map[string]float64{"lat": 24.70, "lng": 46.67},
		"delivery":   map[string]float64{"lat": 24.71, "lng": 46.67},
		"payload_kg": 1.5,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, engine.submitted, 1)
	assert.Equal(t, "order-1", engine.submitted[0].OrderID)
	assert.InDelta(t, 24.71, engine.submitted[0].Delivery.Lat, 1e-9)
	assert.True(t, engine.submitted[0].Window.End.IsZero())

	var resp transport.DeliveryRequestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "order-1", resp.OrderID)
	assert.Nil(t, resp.WindowStart)
}

func TestSubmitDeliveryRejectsBadBody(t *testing.T) {
	h, a := newTestServer(t, &fakeEngine{})
	req := httptest.NewRequest(http.MethodPost, "/orders/deliveries", bytes.NewBufferString("{"))
	token, _, err := a.IssueToken("oms", domain.RoleOrders)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDeliveryStatusUnknownOrder(t *testing.T) {
	h, a := newTestServer(t, &fakeEngine{})
	rec := doRequest(t, h, a, http.MethodGet, "/orders/deliveries/nope", "oms", domain.RoleOrders, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)
}

func TestTelemetryIsBoundToTokenDrone(t *testing.T) {
	engine := &fakeEngine{}
	h, a := newTestServer(t, engine)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := doRequest(t, h, a, http.MethodPost, "/drone/telemetry", "d-1", domain.RoleDrone, map[string]any{
		"lat": 24.7, "lng": 46.67, "battery": 80, "timestamp": at,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, engine.pings, 1)
	assert.Equal(t, "d-1", engine.pings[0].DroneID)
	assert.True(t, engine.pings[0].Timestamp.Equal(at))

	var resp transport.IngestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Stale)

	rec = doRequest(t, h, a, http.MethodPost, "/drone/telemetry", "d-1", domain.RoleDrone, map[string]any{
		"drone_id": "d-2", "lat": 24.7, "lng": 46.67, "battery": 80, "timestamp": at,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Len(t, engine.pings, 1)
}

func TestConfirmRecordsCourier(t *testing.T) {
	engine := &fakeEngine{}
	h, a := newTestServer(t, engine)

	rec := doRequest(t, h, a, http.MethodPost, "/confirmations/assignments/asg-1", "courier-7", domain.RoleCourier, map[string]string{
		"kind": "pin", "reference": "4821",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, engine.proofs, 1)
	assert.Equal(t, "courier-7", engine.proofs[0].ConfirmedBy)
	assert.Equal(t, "pin", engine.proofs[0].Kind)

	engine.confirm = domain.ErrInvalidConfirmationState
	rec = doRequest(t, h, a, http.MethodPost, "/confirmations/assignments/asg-1", "courier-7", domain.RoleCourier, map[string]string{
		"kind": "pin",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_confirmation_state", decodeError(t, rec).Code)
}

func TestAdminListDronesFiltersByState(t *testing.T) {
	engine := &fakeEngine{drones: []domain.Drone{
		{ID: "d-1", State: domain.StateIdle},
		{ID: "d-2", State: domain.StateGrounded},
		{ID: "d-3", State: domain.StateIdle},
	}}
	h, a := newTestServer(t, engine)

	rec := doRequest(t, h, a, http.MethodGet, "/admin/drones?state=IDLE", "ops", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp []transport.DroneResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "d-1", resp[0].ID)
	assert.Equal(t, "d-3", resp[1].ID)
	assert.Len(t, engine.drones, 3)
}
