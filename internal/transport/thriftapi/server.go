package thriftapi

import (
	"log/slog"

	"github.com/apache/thrift/lib/go/thrift"

	"dronedispatch/internal/auth"
	"dronedispatch/internal/transport"
)

type Server struct {
	server *thrift.TSimpleServer
}

// NewServer listens for the drone link over framed binary thrift.
func NewServer(addr string, engine transport.Dispatcher, authenticator *auth.Authenticator, logger *slog.Logger) (*Server, error) {
	socket, err := thrift.NewTServerSocket(addr)
	if err != nil {
		return nil, err
	}
	processor := NewProcessor(engine, authenticator, logger)
	transportFactory := thrift.NewTFramedTransportFactoryConf(thrift.NewTTransportFactory(), &thrift.TConfiguration{})
	protocolFactory := thrift.NewTBinaryProtocolFactoryConf(&thrift.TConfiguration{})
	server := thrift.NewTSimpleServer4(processor, socket, transportFactory, protocolFactory)
	return &Server{server: server}, nil
}

func (s *Server) Serve() error {
	return s.server.Serve()
}

func (s *Server) Stop() error {
	return s.server.Stop()
}
