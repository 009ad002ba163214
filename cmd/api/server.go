package main

import (
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/realtime-messenger/internal/realtime"
	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

const (
	realtimeServiceName = "messenger.v1.Realtime"
	connectMethod       = "/" + realtimeServiceName + "/Connect"
)

// RealtimeServer is the server API of the realtime service. Frames travel as
// JSON through the wire codec; there is no generated code.
type RealtimeServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RealtimeServer).Connect(stream)
}

var realtimeServiceDesc = grpc.ServiceDesc{
	ServiceName: realtimeServiceName,
	HandlerType: (*RealtimeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "messenger/v1/realtime",
}

// registerRealtime registers the realtime service on the given gRPC server.
func registerRealtime(s *grpc.Server, srv RealtimeServer) {
	s.RegisterService(&realtimeServiceDesc, srv)
}

// realtimeServer hands authenticated streams to the engine.
type realtimeServer struct {
	app *app
}

func newRealtimeServer(a *app) *realtimeServer {
	return &realtimeServer{app: a}
}

func (s *realtimeServer) Connect(stream grpc.ServerStream) error {
	userID, ok := userIDFromContext(stream.Context())
	if !ok {
		return status.Error(codes.Unauthenticated, "Unauthorized")
	}
	ctx, cancel := s.app.connectionContext(stream.Context())
	defer cancel()

	err := s.app.engine.Serve(ctx, userID, streamConn{stream})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, realtime.ErrSlowConsumer):
		return status.Error(codes.ResourceExhausted, "connection cannot keep up")
	default:
		s.app.log.Debug("stream ended", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
}

// streamConn adapts a gRPC bidi stream to realtime.Conn.
type streamConn struct {
	stream grpc.ServerStream
}

func (c streamConn) Recv() (*wire.Frame, error) {
	f := new(wire.Frame)
	if err := c.stream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (c streamConn) Send(f *wire.Frame) error { return c.stream.SendMsg(f) }
