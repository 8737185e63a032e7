// ABOUTME: gRPC stream interceptor for agent streams: peer logging and panic recovery.
// ABOUTME: A panicking session ends its own RPC with codes.Internal instead of the process.

package transport

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type peerKey struct{}

// PeerFromContext returns the remote address recorded by StreamInterceptor.
func PeerFromContext(ctx context.Context) string {
	addr, _ := ctx.Value(peerKey{}).(string)
	return addr
}

// StreamInterceptor logs each agent stream with its peer address and turns
// a handler panic into an Internal status.
func StreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		addr := "unknown"
		if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
			addr = p.Addr.String()
		}
		started := time.Now()
		logger.Debug("agent stream opened", "method", info.FullMethod, "peer_addr", addr)

		defer func() {
			if r := recover(); r != nil {
				logger.Error("agent stream panicked",
					"method", info.FullMethod,
					"peer_addr", addr,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				err = status.Error(codes.Internal, "agent session failed")
			}
			logger.Debug("agent stream closed",
				"method", info.FullMethod,
				"peer_addr", addr,
				"duration", time.Since(started),
				"error", err,
			)
		}()

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          context.WithValue(ss.Context(), peerKey{}, addr),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
