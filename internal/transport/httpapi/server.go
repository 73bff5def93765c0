package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dronedispatch/internal/auth"
	"dronedispatch/internal/domain"
	"dronedispatch/internal/transport"
)

type Server struct {
	engine transport.Dispatcher
	auth   *auth.Authenticator
	logger *slog.Logger
}

func NewServer(engine transport.Dispatcher, authenticator *auth.Authenticator, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: engine, auth: authenticator, logger: logger.With("component", "http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/auth/token", s.handleIssueToken)

	r.Route("/orders", func(r chi.Router) {
		r.Use(s.requireRole(domain.RoleOrders, domain.RoleAdmin))
		r.Post("/deliveries", s.handleSubmitDelivery)
		r.Get("/deliveries/{orderID}", s.handleDeliveryStatus)
		r.Post("/deliveries/{orderID}/cancel", s.handleCancelDelivery)
	})

	r.Route("/drone", func(r chi.Router) {
		r.Use(s.requireRole(domain.RoleDrone))
		r.Post("/telemetry", s.handleDroneTelemetry)
		r.Post("/fault", s.handleDroneFault)
		r.Get("/", s.handleDroneSelf)
	})

	r.Route("/confirmations", func(r chi.Router) {
		r.Use(s.requireRole(domain.RoleCourier, domain.RoleAdmin))
		r.Post("/assignments/{id}", s.handleConfirmDelivery)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireRole(domain.RoleAdmin))
		r.Post("/drones", s.handleAdminRegisterDrone)
		r.Get("/drones", s.handleAdminListDrones)
		r.Get("/drones/{id}", s.handleAdminGetDrone)
		r.Get("/drones/{id}/history", s.handleAdminDroneHistory)
		r.Post("/drones/{id}/fault", s.handleAdminDroneFault)
		r.Post("/drones/{id}/clear", s.handleAdminDroneClear)
		r.Get("/pending", s.handleAdminListPending)
		r.Get("/assignments/{id}", s.handleAdminGetAssignment)
		r.Post("/pass", s.handleAdminRunPass)
	})

	return r
}

func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := s.auth.Authorize(r.Header.Get("Authorization"), roles...)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := auth.ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.ErrInvalid)
		return
	}
	token, exp, err := s.auth.IssueToken(req.Name, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp,
	})
}

func (s *Server) handleSubmitDelivery(w http.ResponseWriter, r *http.Request) {
	var in transport.DeliveryRequestInput
	if !decode(w, r, &in) {
		return
	}
	req, err := s.engine.SubmitDelivery(r.Context(), in.Domain())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, transport.FromRequest(req))
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.DeliveryStatus(chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromStatus(view))
}

func (s *Server) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	res, err := s.engine.Cancel(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromCancel(orderID, res))
}

// handleDroneTelemetry accepts a ping from the drone named by the token.
// A stale ping is acknowledged with stale=true rather than an error.
func (s *Server) handleDroneTelemetry(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	var in transport.TelemetryInput
	if !decode(w, r, &in) {
		return
	}
	if in.DroneID == "" {
		in.DroneID = claims.Subject
	}
	if in.DroneID != claims.Subject {
		writeError(w, fmt.Errorf("telemetry for %s: %w", in.DroneID, domain.ErrForbidden))
		return
	}
	res, err := s.engine.Ingest(r.Context(), in.Domain())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromIngest(res))
}

func (s *Server) handleDroneFault(w http.ResponseWriter, r *http.Request) {
	s.reportFault(w, r, mustClaims(r).Subject)
}

func (s *Server) handleDroneSelf(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDrone(mustClaims(r).Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromDrone(d))
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	var req struct {
		Kind      string `json:"kind"`
		Reference string `json:"reference"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.engine.Confirm(r.Context(), chi.URLParam(r, "id"), domain.Proof{
		Kind:        req.Kind,
		Reference:   req.Reference,
		ConfirmedBy: claims.Subject,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromAssignment(a))
}

func (s *Server) handleAdminRegisterDrone(w http.ResponseWriter, r *http.Request) {
	var in transport.DroneInput
	if !decode(w, r, &in) {
		return
	}
	d, err := s.engine.RegisterDrone(r.Context(), in.Domain())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, transport.FromDrone(d))
}

func (s *Server) handleAdminListDrones(w http.ResponseWriter, r *http.Request) {
	state := domain.DroneState(r.URL.Query().Get("state"))
	drones := s.engine.ListDrones()
	if state != "" {
		filtered := drones[:0]
		for _, d := range drones {
			if d.State == state {
				filtered = append(filtered, d)
			}
		}
		drones = filtered
	}
	respondJSON(w, http.StatusOK, transport.FromDrones(drones))
}

func (s *Server) handleAdminGetDrone(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.GetDrone(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromDrone(d))
}

func (s *Server) handleAdminDroneHistory(w http.ResponseWriter, r *http.Request) {
	pings, err := s.engine.DroneHistory(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromPings(pings))
}

func (s *Server) handleAdminDroneFault(w http.ResponseWriter, r *http.Request) {
	s.reportFault(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleAdminDroneClear(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.ClearFault(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromDrone(d))
}

func (s *Server) handleAdminListPending(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.ListPending()
	resp := make([]transport.DeliveryRequestResponse, 0, len(pending))
	for _, req := range pending {
		resp = append(resp, transport.FromRequest(req))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.GetAssignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromAssignment(a))
}

func (s *Server) handleAdminRunPass(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, transport.FromPass(s.engine.RunPass(r.Context())))
}

func (s *Server) reportFault(w http.ResponseWriter, r *http.Request, droneID string) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	d, err := s.engine.ReportFault(r.Context(), droneID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, transport.FromDrone(d))
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, fmt.Errorf("decode body: %v: %w", err, domain.ErrInvalid))
		return false
	}
	return true
}

func mustClaims(r *http.Request) *auth.Claims {
	claims, _ := auth.ClaimsFromContext(r.Context())
	return claims
}
