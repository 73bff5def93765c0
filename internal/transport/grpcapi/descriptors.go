package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"dronedispatch/internal/transport"
)

const protoFile = "dispatch.proto"

type AuthService interface {
	IssueToken(context.Context, *TokenRequest) (*TokenResponse, error)
}

type OrderService interface {
	SubmitDelivery(context.Context, *transport.DeliveryRequestInput) (*transport.DeliveryRequestResponse, error)
	CancelDelivery(context.Context, *OrderIDRequest) (*transport.CancelResponse, error)
	GetDeliveryStatus(context.Context, *OrderIDRequest) (*transport.StatusResponse, error)
}

type DroneService interface {
	ReportTelemetry(context.Context, *transport.TelemetryInput) (*transport.IngestResponse, error)
	ReportFault(context.Context, *FaultRequest) (*transport.DroneResponse, error)
}

type ConfirmationService interface {
	ConfirmDelivery(context.Context, *ConfirmRequest) (*transport.AssignmentResponse, error)
}

type AdminService interface {
	RegisterDrone(context.Context, *transport.DroneInput) (*transport.DroneResponse, error)
	ListDrones(context.Context, *Empty) (*ListDronesResponse, error)
	GetDrone(context.Context, *DroneIDRequest) (*transport.DroneResponse, error)
	GroundDrone(context.Context, *FaultRequest) (*transport.DroneResponse, error)
	ClearFault(context.Context, *DroneIDRequest) (*transport.DroneResponse, error)
	ListPending(context.Context, *Empty) (*ListPendingResponse, error)
	GetAssignment(context.Context, *AssignmentIDRequest) (*transport.AssignmentResponse, error)
	RunPass(context.Context, *Empty) (*transport.PassResponse, error)
}

const (
	authServiceName         = "dispatch.AuthService"
	orderServiceName        = "dispatch.OrderService"
	droneServiceName        = "dispatch.DroneService"
	confirmationServiceName = "dispatch.ConfirmationService"
	adminServiceName        = "dispatch.AdminService"
)

var authServiceDesc = grpc.ServiceDesc{
	ServiceName: authServiceName,
	HandlerType: (*AuthService)(nil),
	Methods: []grpc.MethodDesc{
		method(authServiceName, "IssueToken", (*Server).IssueToken),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: orderServiceName,
	HandlerType: (*OrderService)(nil),
	Methods: []grpc.MethodDesc{
		method(orderServiceName, "SubmitDelivery", (*Server).SubmitDelivery),
		method(orderServiceName, "CancelDelivery", (*Server).CancelDelivery),
		method(orderServiceName, "GetDeliveryStatus", (*Server).GetDeliveryStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

var droneServiceDesc = grpc.ServiceDesc{
	ServiceName: droneServiceName,
	HandlerType: (*DroneService)(nil),
	Methods: []grpc.MethodDesc{
		method(droneServiceName, "ReportTelemetry", (*Server).ReportTelemetry),
		method(droneServiceName, "ReportFault", (*Server).ReportFault),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

var confirmationServiceDesc = grpc.ServiceDesc{
	ServiceName: confirmationServiceName,
	HandlerType: (*ConfirmationService)(nil),
	Methods: []grpc.MethodDesc{
		method(confirmationServiceName, "ConfirmDelivery", (*Server).ConfirmDelivery),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminService)(nil),
	Methods: []grpc.MethodDesc{
		method(adminServiceName, "RegisterDrone", (*Server).RegisterDrone),
		method(adminServiceName, "ListDrones", (*Server).ListDrones),
		method(adminServiceName, "GetDrone", (*Server).GetDrone),
		method(adminServiceName, "GroundDrone", (*Server).GroundDrone),
		method(adminServiceName, "ClearFault", (*Server).ClearFault),
		method(adminServiceName, "ListPending", (*Server).ListPending),
		method(adminServiceName, "GetAssignment", (*Server).GetAssignment),
		method(adminServiceName, "RunPass", (*Server).RunPass),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: protoFile,
}

// method builds the unary handler that generated stubs would otherwise
// spell out once per RPC.
func method[Req, Resp any](service, name string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(*Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(*Server), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
