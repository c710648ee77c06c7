package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/presence"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const presenceServiceName = "chatsync.v1.PresenceService"

type PresenceResponse struct {
	Status string `json:"status"`
}

type AppStateRequest struct {
	State string `json:"state"`
}

type TypingRequest struct {
	ChatID string `json:"chat_id"`
}

type TypingResponse struct {
	ChatID string `json:"chat_id"`
	Active bool   `json:"active"`
}

// PresenceServer is the server API of chatsync.v1.PresenceService.
type PresenceServer interface {
	GetPresence(context.Context, *Empty) (*PresenceResponse, error)
	GoOnline(context.Context, *Empty) (*PresenceResponse, error)
	GoOffline(context.Context, *Empty) (*PresenceResponse, error)
	Activity(context.Context, *Empty) (*PresenceResponse, error)
	SetAppState(context.Context, *AppStateRequest) (*PresenceResponse, error)
	StartTyping(context.Context, *TypingRequest) (*TypingResponse, error)
	StopTyping(context.Context, *TypingRequest) (*TypingResponse, error)
}

// PresenceService implements PresenceServer. Presence write failures never
// reach the caller; the response carries the local state.
type PresenceService struct {
	tracker *presence.Tracker
	typing  *presence.TypingSet
}

// NewPresenceService creates a new presence service.
func NewPresenceService(tracker *presence.Tracker, typing *presence.TypingSet) *PresenceService {
	return &PresenceService{tracker: tracker, typing: typing}
}

func (s *PresenceService) current() *PresenceResponse {
	return &PresenceResponse{Status: string(s.tracker.Status())}
}

func (s *PresenceService) GetPresence(_ context.Context, _ *Empty) (*PresenceResponse, error) {
	return s.current(), nil
}

func (s *PresenceService) GoOnline(ctx context.Context, _ *Empty) (*PresenceResponse, error) {
	s.tracker.GoOnline(ctx)
	return s.current(), nil
}

func (s *PresenceService) GoOffline(ctx context.Context, _ *Empty) (*PresenceResponse, error) {
	s.tracker.GoOffline(ctx)
	s.typing.ClearAll(ctx)
	return s.current(), nil
}

func (s *PresenceService) Activity(ctx context.Context, _ *Empty) (*PresenceResponse, error) {
	s.tracker.ResetActivityTimer(ctx)
	return s.current(), nil
}

func (s *PresenceService) SetAppState(ctx context.Context, req *AppStateRequest) (*PresenceResponse, error) {
	state := presence.AppState(req.State)
	switch state {
	case presence.Foreground, presence.Background:
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown app state %q", req.State)
	}
	s.tracker.HandleAppState(ctx, state)
	if state == presence.Background {
		s.typing.ClearAll(ctx)
	}
	return s.current(), nil
}

func (s *PresenceService) StartTyping(ctx context.Context, req *TypingRequest) (*TypingResponse, error) {
	if req.ChatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	t := s.typing.For(req.ChatID)
	t.OnTypingStart(ctx)
	return &TypingResponse{ChatID: req.ChatID, Active: t.Active()}, nil
}

func (s *PresenceService) StopTyping(ctx context.Context, req *TypingRequest) (*TypingResponse, error) {
	if req.ChatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	t := s.typing.For(req.ChatID)
	t.ClearTyping(ctx)
	return &TypingResponse{ChatID: req.ChatID, Active: t.Active()}, nil
}

// PresenceServiceDesc describes chatsync.v1.PresenceService.
var PresenceServiceDesc = grpc.ServiceDesc{
	ServiceName: presenceServiceName,
	HandlerType: (*PresenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPresence", Handler: unary("/"+presenceServiceName+"/GetPresence", PresenceServer.GetPresence)},
		{MethodName: "GoOnline", Handler: unary("/"+presenceServiceName+"/GoOnline", PresenceServer.GoOnline)},
		{MethodName: "GoOffline", Handler: unary("/"+presenceServiceName+"/GoOffline", PresenceServer.GoOffline)},
		{MethodName: "Activity", Handler: unary("/"+presenceServiceName+"/Activity", PresenceServer.Activity)},
		{MethodName: "SetAppState", Handler: unary("/"+presenceServiceName+"/SetAppState", PresenceServer.SetAppState)},
		{MethodName: "StartTyping", Handler: unary("/"+presenceServiceName+"/StartTyping", PresenceServer.StartTyping)},
		{MethodName: "StopTyping", Handler: unary("/"+presenceServiceName+"/StopTyping", PresenceServer.StopTyping)},
	},
	Metadata: "chatsync/v1/presence.proto",
}

// RegisterPresenceServer registers srv on s.
func RegisterPresenceServer(s grpc.ServiceRegistrar, srv PresenceServer) {
	s.RegisterService(&PresenceServiceDesc, srv)
}
