// Package controller serves worker connections over gRPC. Each Connect
// stream becomes a transport.Conn handed to the same connection handler
// the WebSocket endpoint uses.
package controller

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/VerteraIO/loadmesh/internal/grpc/framing"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

// ConnHandler serves one authenticated-or-not worker connection until it
// ends. dispatch.Dispatcher.ServeConn satisfies it.
type ConnHandler func(ctx context.Context, conn transport.Conn) error

// WorkerServiceServer is the handler type registered for the service.
type WorkerServiceServer interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: framing.ServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    framing.MethodName,
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "loadmesh/v1/worker.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServiceServer).Connect(stream)
}

type Server struct {
	grpc   *grpc.Server
	handle ConnHandler
	logger *zap.Logger
}

func NewServer(handle ConnHandler, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		handle: handle,
		logger: logger.Named("grpc"),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Connect adapts the stream and blocks until the handler returns.
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	remote := "grpc"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	codecName := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(framing.MetadataCodec); len(v) > 0 {
			codecName = v[0]
		}
	}
	framer := framing.NewFramer(stream, remote, nil)
	conn := transport.NewConn(framer, transport.GetCodec(codecName))
	defer conn.Close()

	s.logger.Debug("worker stream opened", zap.String("remote_addr", remote))
	if err := s.handle(ctx, conn); err != nil {
		s.logger.Info("worker stream ended", zap.String("remote_addr", remote), zap.Error(err))
	}
	return nil
}

// Serve accepts streams on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Stop closes the listener and every open stream.
func (s *Server) Stop() { s.grpc.Stop() }
