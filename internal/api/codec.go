// Package api exposes the daemon over gRPC on a Unix socket. Requests and
// responses travel as google.protobuf.Struct and are decoded into the plain Go
// types declared in this package.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func decode(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	switch {
	case remote.IsPermission(err):
		return grpcstatus.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, remote.ErrNotFound), errors.Is(err, store.ErrMessageNotFound), errors.Is(err, sql.ErrNoRows):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, outbox.ErrEmptyDraft):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

// unary adapts a typed method to a grpc.MethodHandler over structpb.
func unary[S, Req, Resp any](fullMethod string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			r := new(Req)
			if err := decode(req.(*structpb.Struct), r); err != nil {
				return nil, grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			resp, err := fn(srv.(S), ctx, r)
			if err != nil {
				return nil, toStatus(err)
			}
			return encode(resp)
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

// Empty is the request or response of calls that carry no fields.
type Empty struct{}

// Ack is a generic acknowledgement.
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}
