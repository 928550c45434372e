package handler

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

// metadataUserID is the lower-cased form of HeaderUserID; gRPC metadata keys
// are always lower case.
var metadataUserID = strings.ToLower(HeaderUserID)

// healthPrefix marks calls that bypass authentication.
const healthPrefix = "/grpc.health.v1.Health/"

// UnaryAuthInterceptor resolves the actor of each call from incoming
// metadata. With a verifier the authorization key must carry a valid bearer
// token; without one x-user-id is trusted when present.
func UnaryAuthInterceptor(verifier *TokenVerifier, log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)

		if verifier == nil {
			raw := firstValue(md, metadataUserID)
			if raw == "" {
				return handler(ctx, req)
			}
			id, ok := parseUserID(raw)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "x-user-id must be a positive integer")
			}
			return handler(WithActor(ctx, id), req)
		}

		id, err := verifier.Verify(firstValue(md, "authorization"))
		if err != nil {
			log.Warn().Err(err).Str("method", info.FullMethod).Msg("auth failure")
			return nil, mapErrorToGRPC(err)
		}
		return handler(WithActor(ctx, id), req)
	}
}

// UnaryLoggingInterceptor logs every call with its duration and status code.
func UnaryLoggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := log.Info()
		if err != nil {
			event = log.Warn().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
