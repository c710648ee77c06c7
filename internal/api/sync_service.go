package api

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const syncServiceName = "chatsync.v1.SyncService"

// StatusResponse describes the daemon and its engines.
type StatusResponse struct {
	Account     string `json:"account"`
	UserID      string `json:"user_id"`
	State       string `json:"state"`
	StateSince  int64  `json:"state_since"`
	Online      bool   `json:"online"`
	Syncing     bool   `json:"syncing"`
	Listeners   int    `json:"listeners"`
	QueueLength int    `json:"queue_length"`
	Chats       int64  `json:"chats"`
	Messages    int64  `json:"messages"`
}

// ChatSyncResult is the outcome of syncing one chat.
type ChatSyncResult struct {
	ChatID   string `json:"chat_id"`
	Messages int    `json:"messages"`
	Error    string `json:"error,omitempty"`
}

// PreloadResponse lists the per-chat outcomes of a preload.
type PreloadResponse struct {
	Chats  []ChatSyncResult `json:"chats"`
	Synced int              `json:"synced"`
	Failed int              `json:"failed"`
}

// ForceSyncRequest names the chat to sync.
type ForceSyncRequest struct {
	ChatID string `json:"chat_id"`
}

// WatchRequest selects event namespaces; empty means every namespace.
type WatchRequest struct {
	Namespaces []string `json:"namespaces,omitempty"`
}

// StreamReady is the kind of the first envelope of every watch stream, sent
// once the server is subscribed.
const StreamReady = "stream.ready"

// EventEnvelope is one bus event on the watch stream.
type EventEnvelope struct {
	EventID    string `json:"event_id"`
	Account    string `json:"account"`
	Kind       string `json:"kind"`
	OccurredAt int64  `json:"occurred_at_unix_ms"`
	Payload    any    `json:"payload,omitempty"`
}

// SyncServer is the server API of chatsync.v1.SyncService.
type SyncServer interface {
	GetStatus(context.Context, *Empty) (*StatusResponse, error)
	Preload(context.Context, *Empty) (*PreloadResponse, error)
	StartBackgroundSync(context.Context, *Empty) (*Ack, error)
	StopBackgroundSync(context.Context, *Empty) (*Ack, error)
	ForceSyncChat(context.Context, *ForceSyncRequest) (*ChatSyncResult, error)
	WatchEvents(*WatchRequest, grpc.ServerStream) error
}

// SyncService implements SyncServer.
type SyncService struct {
	account string
	userID  string
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	orch    *chatsync.Orchestrator
	live    *live.Engine
	queue   *outbox.Queue
	net     *netstate.Monitor
}

// SyncDeps collects what SyncService reports on and drives.
type SyncDeps struct {
	Account      string
	UserID       string
	DB           *store.DB
	Bus          *bus.Bus
	Machine      *status.Machine
	Orchestrator *chatsync.Orchestrator
	Live         *live.Engine
	Queue        *outbox.Queue
	Network      *netstate.Monitor
}

// NewSyncService creates a new sync service.
func NewSyncService(d SyncDeps) *SyncService {
	return &SyncService{
		account: d.Account,
		userID:  d.UserID,
		db:      d.DB,
		bus:     d.Bus,
		machine: d.Machine,
		orch:    d.Orchestrator,
		live:    d.Live,
		queue:   d.Queue,
		net:     d.Network,
	}
}

func (s *SyncService) GetStatus(_ context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{Account: s.account, UserID: s.userID}
	if s.machine != nil {
		snap := s.machine.Snapshot()
		resp.State = string(snap.State)
		resp.StateSince = snap.Since.UnixMilli()
	}
	if s.net != nil {
		resp.Online = s.net.Online()
	}
	if s.orch != nil {
		resp.Syncing = s.orch.Syncing()
	}
	if s.live != nil {
		resp.Listeners = s.live.Registry().Len()
	}
	if s.queue != nil {
		n, err := s.queue.QueueLength()
		if err != nil {
			return nil, err
		}
		resp.QueueLength = n
	}
	if s.db != nil {
		var err error
		if resp.Chats, err = s.db.ChatCount(); err != nil {
			return nil, err
		}
		if resp.Messages, err = s.db.MessageCount(); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (s *SyncService) Preload(ctx context.Context, _ *Empty) (*PreloadResponse, error) {
	res, err := s.orch.PreloadRecentChats(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	resp := &PreloadResponse{Synced: res.Synced(), Failed: res.Failed()}
	for _, c := range res.Chats {
		resp.Chats = append(resp.Chats, chatSyncResult(c))
	}
	return resp, nil
}

// StartBackgroundSync detaches the run from the request; it lives until it
// finishes or StopBackgroundSync is called.
func (s *SyncService) StartBackgroundSync(_ context.Context, _ *Empty) (*Ack, error) {
	err := s.orch.StartBackgroundSync(context.Background())
	if errors.Is(err, chatsync.ErrAlreadySyncing) {
		return &Ack{OK: false, Message: "already syncing"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Ack{OK: true, Message: "background sync started"}, nil
}

func (s *SyncService) StopBackgroundSync(_ context.Context, _ *Empty) (*Ack, error) {
	if !s.orch.Syncing() {
		return &Ack{OK: true, Message: "not syncing"}, nil
	}
	s.orch.StopBackgroundSync()
	return &Ack{OK: true, Message: "stop requested"}, nil
}

func (s *SyncService) ForceSyncChat(ctx context.Context, req *ForceSyncRequest) (*ChatSyncResult, error) {
	if req.ChatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	res, err := s.orch.ForceSyncChat(ctx, req.ChatID)
	if remote.IsPermission(err) {
		return nil, err
	}
	r := chatSyncResult(res)
	return &r, nil
}

func (s *SyncService) WatchEvents(req *WatchRequest, stream grpc.ServerStream) error {
	namespaces := req.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{""}
	}
	ch, unsub := s.bus.SubscribeMany(256, namespaces...)
	defer unsub()

	ready, err := encode(EventEnvelope{EventID: uuid.NewString(), Account: s.account, Kind: StreamReady})
	if err != nil {
		return toStatus(err)
	}
	if err := stream.SendMsg(ready); err != nil {
		return err
	}

	for {
		select {
		case evt := <-ch:
			out, err := encode(EventEnvelope{
				EventID:    uuid.NewString(),
				Account:    s.account,
				Kind:       evt.Kind,
				OccurredAt: evt.Timestamp.UnixMilli(),
				Payload:    evt.Payload,
			})
			if err != nil {
				return toStatus(err)
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func chatSyncResult(c chatsync.ChatResult) ChatSyncResult {
	r := ChatSyncResult{ChatID: c.ChatID, Messages: c.Messages}
	if c.Err != nil {
		r.Error = c.Err.Error()
	}
	return r
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req := new(WatchRequest)
	if err := decode(in, req); err != nil {
		return toStatus(err)
	}
	return srv.(SyncServer).WatchEvents(req, stream)
}

// SyncServiceDesc describes chatsync.v1.SyncService.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: syncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: unary("/"+syncServiceName+"/GetStatus", SyncServer.GetStatus)},
		{MethodName: "Preload", Handler: unary("/"+syncServiceName+"/Preload", SyncServer.Preload)},
		{MethodName: "StartBackgroundSync", Handler: unary("/"+syncServiceName+"/StartBackgroundSync", SyncServer.StartBackgroundSync)},
		{MethodName: "StopBackgroundSync", Handler: unary("/"+syncServiceName+"/StopBackgroundSync", SyncServer.StopBackgroundSync)},
		{MethodName: "ForceSyncChat", Handler: unary("/"+syncServiceName+"/ForceSyncChat", SyncServer.ForceSyncChat)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "chatsync/v1/sync.proto",
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&SyncServiceDesc, srv)
}
