package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const messageServiceName = "chatsync.v1.MessageService"

type ListChatsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type ListChatsResponse struct {
	Chats   []Chat `json:"chats"`
	HasMore bool   `json:"has_more"`
}

type GetChatRequest struct {
	ChatID string `json:"chat_id"`
}

type GetChatResponse struct {
	Chat         Chat          `json:"chat"`
	Participants []Participant `json:"participants"`
	Typing       []Typing      `json:"typing,omitempty"`
}

type ListMessagesRequest struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit,omitempty"`
}

type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

type SearchRequest struct {
	Query  string `json:"query"`
	ChatID string `json:"chat_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type SearchHit struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

type SearchResponse struct {
	Results []SearchHit `json:"results"`
}

type SendRequest struct {
	ChatID   string `json:"chat_id"`
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`
}

type MessageResponse struct {
	Message Message `json:"message"`
}

type RetryRequest struct {
	MessageID string `json:"message_id"`
}

// MessageServer is the server API of chatsync.v1.MessageService.
type MessageServer interface {
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	GetChat(context.Context, *GetChatRequest) (*GetChatResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*MessagesResponse, error)
	SearchMessages(context.Context, *SearchRequest) (*SearchResponse, error)
	Send(context.Context, *SendRequest) (*MessageResponse, error)
	Retry(context.Context, *RetryRequest) (*MessageResponse, error)
	ListQueue(context.Context, *Empty) (*MessagesResponse, error)
}

// MessageService implements MessageServer over the cache, the live engine's
// merged view and the send queue.
type MessageService struct {
	db    *store.DB
	live  *live.Engine
	queue *outbox.Queue
}

// NewMessageService creates a new message service. A nil engine serves
// ListMessages from the cache alone.
func NewMessageService(db *store.DB, engine *live.Engine, queue *outbox.Queue) *MessageService {
	return &MessageService{db: db, live: engine, queue: queue}
}

func (s *MessageService) ListChats(_ context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	chats, err := s.db.ListChats(limit, req.Offset)
	if err != nil {
		return nil, err
	}
	return &ListChatsResponse{Chats: ChatViews(chats), HasMore: len(chats) == limit}, nil
}

func (s *MessageService) GetChat(_ context.Context, req *GetChatRequest) (*GetChatResponse, error) {
	c, err := s.db.GetChat(req.ChatID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "chat %q not cached", req.ChatID)
	}
	parts, err := s.db.ListParticipants(req.ChatID)
	if err != nil {
		return nil, err
	}
	typing, err := s.db.ListTyping(req.ChatID)
	if err != nil {
		return nil, err
	}

	resp := &GetChatResponse{Chat: chatView(*c), Participants: []Participant{}}
	for _, p := range parts {
		resp.Participants = append(resp.Participants, Participant{
			UserID:            p.UserID,
			DisplayName:       p.DisplayName,
			Role:              p.Role,
			LastReadMessageID: p.LastReadMessageID,
			LastReadAt:        p.LastReadAt,
			LeftAt:            p.LeftAt,
		})
	}
	for _, t := range typing {
		resp.Typing = append(resp.Typing, Typing{UserID: t.UserID, IsTyping: t.IsTyping, UpdatedAt: t.UpdatedAt})
	}
	return resp, nil
}

func (s *MessageService) ListMessages(_ context.Context, req *ListMessagesRequest) (*MessagesResponse, error) {
	if req.ChatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat_id is required")
	}
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	var (
		msgs []store.Message
		err  error
	)
	if s.live != nil {
		msgs, err = s.live.MergedMessages(req.ChatID, limit)
	} else {
		msgs, err = s.db.ListMessages(req.ChatID, limit)
	}
	if err != nil {
		return nil, err
	}
	return &MessagesResponse{Messages: messageViews(msgs)}, nil
}

func (s *MessageService) SearchMessages(_ context.Context, req *SearchRequest) (*SearchResponse, error) {
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}
	results, err := s.db.SearchMessages(req.Query, req.ChatID, limit)
	if err != nil {
		return nil, err
	}
	resp := &SearchResponse{Results: []SearchHit{}}
	for _, r := range results {
		resp.Results = append(resp.Results, SearchHit{Message: messageView(r.Message), Snippet: r.Snippet})
	}
	return resp, nil
}

func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*MessageResponse, error) {
	m, err := s.queue.Send(ctx, outbox.Draft{
		ChatID:   req.ChatID,
		Text:     req.Text,
		MediaURL: req.MediaURL,
		ReplyTo:  req.ReplyTo,
	})
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: messageView(m)}, nil
}

func (s *MessageService) Retry(ctx context.Context, req *RetryRequest) (*MessageResponse, error) {
	m, err := s.queue.ManualRetry(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: messageView(m)}, nil
}

func (s *MessageService) ListQueue(_ context.Context, _ *Empty) (*MessagesResponse, error) {
	msgs, err := s.queue.GetQueuedMessages()
	if err != nil {
		return nil, err
	}
	return &MessagesResponse{Messages: messageViews(msgs)}, nil
}

// MessageServiceDesc describes chatsync.v1.MessageService.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: messageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListChats", Handler: unary("/"+messageServiceName+"/ListChats", MessageServer.ListChats)},
		{MethodName: "GetChat", Handler: unary("/"+messageServiceName+"/GetChat", MessageServer.GetChat)},
		{MethodName: "ListMessages", Handler: unary("/"+messageServiceName+"/ListMessages", MessageServer.ListMessages)},
		{MethodName: "SearchMessages", Handler: unary("/"+messageServiceName+"/SearchMessages", MessageServer.SearchMessages)},
		{MethodName: "Send", Handler: unary("/"+messageServiceName+"/Send", MessageServer.Send)},
		{MethodName: "Retry", Handler: unary("/"+messageServiceName+"/Retry", MessageServer.Retry)},
		{MethodName: "ListQueue", Handler: unary("/"+messageServiceName+"/ListQueue", MessageServer.ListQueue)},
	},
	Metadata: "chatsync/v1/message.proto",
}

// RegisterMessageServer registers srv on s.
func RegisterMessageServer(s grpc.ServiceRegistrar, srv MessageServer) {
	s.RegisterService(&MessageServiceDesc, srv)
}
