package main

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/realtime-messenger/internal/auth"
	"github.com/PaulBabatuyi/realtime-messenger/internal/realtime"
)

// context key type for storing the authenticated user id
type userContextKey struct{}

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// userIDFromContext extracts the authenticated user id, if present.
func userIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userContextKey{}).(string)
	return id, ok && id != ""
}

// handshakeToken reads the token from "authorization: Bearer <jwt>" or the
// "x-auth-token" metadata key.
func handshakeToken(md metadata.MD) string {
	if v := md.Get("authorization"); len(v) > 0 {
		if token := auth.BearerToken(v[0]); token != "" {
			return token
		}
	}
	if v := md.Get("x-auth-token"); len(v) > 0 {
		return auth.BearerToken(v[0])
	}
	return ""
}

// authStreamInterceptor authenticates the handshake before the handler runs.
// Failures never say why.
func authStreamInterceptor(authn *realtime.Authenticator, log *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, _ := metadata.FromIncomingContext(ss.Context())
		userID, err := authn.Authenticate(ss.Context(), handshakeToken(md))
		if err != nil {
			log.Debug("handshake rejected", zap.String("method", info.FullMethod), zap.Error(err))
			return status.Error(codes.Unauthenticated, "Unauthorized")
		}
		wrapped := authedServerStream{ServerStream: ss, ctx: withUserID(ss.Context(), userID)}
		return handler(srv, wrapped)
	}
}

// authedServerStream wraps grpc.ServerStream to override Context()
type authedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context (with the user id)
func (s authedServerStream) Context() context.Context { return s.ctx }
