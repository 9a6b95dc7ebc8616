// Package api implements the daemon's gRPC services on top of the
// connection, timeline, call and presence components.
package api

import (
	"context"
	"errors"

	"github.com/matheus3301/heartline/internal/backend"
	"github.com/matheus3301/heartline/internal/call"
	"github.com/matheus3301/heartline/internal/conn"
	"github.com/matheus3301/heartline/internal/rpc"
	"github.com/matheus3301/heartline/internal/timeline"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStatus maps component errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	var (
		authErr *conn.AuthError
		negErr  *call.NegotiationError
		sendErr *timeline.SendFailure
	)
	code := codes.Internal
	switch {
	case errors.As(err, &authErr), errors.Is(err, backend.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, conn.ErrNotConnected), errors.As(err, &negErr):
		code = codes.Unavailable
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrStale), errors.Is(err, timeline.ErrNoIdentity),
		errors.Is(err, timeline.ErrNoOutbox):
		code = codes.FailedPrecondition
	case errors.Is(err, call.ErrDuplicate):
		code = codes.AlreadyExists
	case errors.Is(err, timeline.ErrInvalidMessage):
		code = codes.InvalidArgument
	case errors.As(err, &sendErr):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Error(code, err.Error())
}

// handle adapts a typed handler to an rpc.Unary.
func handle[Req, Resp any](fn func(context.Context, Req) (Resp, error)) rpc.Unary {
	return func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		var req Req
		if err := rpc.Decode(in, &req); err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, toStatus(err)
		}
		out, err := rpc.Encode(resp)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
		}
		return out, nil
	}
}

func invalid(msg string) error {
	return grpcstatus.Error(codes.InvalidArgument, msg)
}
