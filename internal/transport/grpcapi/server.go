package grpcapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"dronedispatch/internal/auth"
	"dronedispatch/internal/domain"
	"dronedispatch/internal/transport"
)

type Server struct {
	engine transport.Dispatcher
	auth   *auth.Authenticator
	logger *slog.Logger
}

func NewServer(engine transport.Dispatcher, authenticator *auth.Authenticator, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{engine: engine, auth: authenticator, logger: logger.With("component", "grpc")}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(server.logInterceptor(), server.authInterceptor()))

	grpcServer.RegisterService(&authServiceDesc, server)
	grpcServer.RegisterService(&orderServiceDesc, server)
	grpcServer.RegisterService(&droneServiceDesc, server)
	grpcServer.RegisterService(&confirmationServiceDesc, server)
	grpcServer.RegisterService(&adminServiceDesc, server)

	return grpcServer
}

func (s *Server) logInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unavailable {
			level = slog.LevelError
		} else if code != codes.OK {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "rpc", "method", info.FullMethod, "code", code.String(), "latency", time.Since(start))
		return resp, err
	}
}

func (s *Server) authInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == "/"+authServiceName+"/IssueToken" {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		authHeader := ""
		if values := md.Get("authorization"); len(values) > 0 {
			authHeader = values[0]
		}
		token := auth.ExtractBearerToken(authHeader)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing token")
		}
		claims, err := s.auth.ParseToken(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		ctx = auth.ContextWithClaims(ctx, claims)
		return handler(ctx, req)
	}
}

func (s *Server) IssueToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	token, exp, err := s.auth.IssueToken(req.Name, req.Role)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return &TokenResponse{Token: token, ExpiresAt: exp.Format(time.RFC3339)}, nil
}

func (s *Server) SubmitDelivery(ctx context.Context, req *transport.DeliveryRequestInput) (*transport.DeliveryRequestResponse, error) {
	if _, err := requireRole(ctx, domain.RoleOrders, domain.RoleAdmin); err != nil {
		return nil, err
	}
	queued, err := s.engine.SubmitDelivery(ctx, req.Domain())
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromRequest(queued)
	return &resp, nil
}

func (s *Server) CancelDelivery(ctx context.Context, req *OrderIDRequest) (*transport.CancelResponse, error) {
	if _, err := requireRole(ctx, domain.RoleOrders, domain.RoleAdmin); err != nil {
		return nil, err
	}
	res, err := s.engine.Cancel(ctx, req.OrderID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromCancel(req.OrderID, res)
	return &resp, nil
}

func (s *Server) GetDeliveryStatus(ctx context.Context, req *OrderIDRequest) (*transport.StatusResponse, error) {
	if _, err := requireRole(ctx, domain.RoleOrders, domain.RoleAdmin); err != nil {
		return nil, err
	}
	view, err := s.engine.DeliveryStatus(req.OrderID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromStatus(view)
	return &resp, nil
}

func (s *Server) ReportTelemetry(ctx context.Context, req *transport.TelemetryInput) (*transport.IngestResponse, error) {
	claims, err := requireRole(ctx, domain.RoleDrone)
	if err != nil {
		return nil, err
	}
	if req.DroneID == "" {
		req.DroneID = claims.Subject
	}
	if req.DroneID != claims.Subject {
		return nil, status.Error(codes.PermissionDenied, "telemetry for another drone")
	}
	res, err := s.engine.Ingest(ctx, req.Domain())
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromIngest(res)
	return &resp, nil
}

func (s *Server) ReportFault(ctx context.Context, req *FaultRequest) (*transport.DroneResponse, error) {
	claims, err := requireRole(ctx, domain.RoleDrone)
	if err != nil {
		return nil, err
	}
	d, err := s.engine.ReportFault(ctx, claims.Subject, req.Reason)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromDrone(d)
	return &resp, nil
}

func (s *Server) ConfirmDelivery(ctx context.Context, req *ConfirmRequest) (*transport.AssignmentResponse, error) {
	claims, err := requireRole(ctx, domain.RoleCourier, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	a, err := s.engine.Confirm(ctx, req.AssignmentID, domain.Proof{
		Kind:        req.Kind,
		Reference:   req.Reference,
		ConfirmedBy: claims.Subject,
	})
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromAssignment(a)
	return &resp, nil
}

func (s *Server) RegisterDrone(ctx context.Context, req *transport.DroneInput) (*transport.DroneResponse, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	d, err := s.engine.RegisterDrone(ctx, req.Domain())
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromDrone(d)
	return &resp, nil
}

func (s *Server) ListDrones(ctx context.Context, _ *Empty) (*ListDronesResponse, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return &ListDronesResponse{Drones: transport.FromDrones(s.engine.ListDrones())}, nil
}

func (s *Server) GetDrone(ctx context.Context, req *DroneIDRequest) (*transport.DroneResponse, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	d, err := s.engine.GetDrone(req.DroneID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromDrone(d)
	return &resp, nil
}

func (s *Server) GroundDrone(ctx context.Context, req *FaultRequest) (*transport.DroneResponse, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	d, err := s.engine.ReportFault(ctx, req.DroneID, req.Reason)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromDrone(d)
	return &resp, nil
}

func (s *Server) ClearFault(ctx context.Context, req *DroneIDRequest) (*transport.DroneResponse, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	d, err := s.engine.ClearFault(ctx, req.DroneID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromDrone(d)
	return &resp, nil
}

func (s *Server) ListPending(ctx context.Context, _ *Empty) (*ListPendingResponse, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	pending := s.engine.ListPending()
	resp := &ListPendingResponse{Requests: make([]transport.DeliveryRequestResponse, 0, len(pending))}
	for _, req := range pending {
		resp.Requests = append(resp.Requests, transport.FromRequest(req))
	}
	return resp, nil
}

func (s *Server) GetAssignment(ctx context.Context, req *AssignmentIDRequest) (*transport.AssignmentResponse, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	a, err := s.engine.GetAssignment(ctx, req.AssignmentID)
	if err != nil {
		return nil, mapServiceError(err)
	}
	resp := transport.FromAssignment(a)
	return &resp, nil
}

func (s *Server) RunPass(ctx context.Context, _ *Empty) (*transport.PassResponse, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	resp := transport.FromPass(s.engine.RunPass(ctx))
	return &resp, nil
}
