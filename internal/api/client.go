package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket. The connection is lazy;
// the first call surfaces a missing daemon.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	in, err := encode(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := decode(out, resp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "/"+syncServiceName+"/GetStatus", Empty{})
}

func (c *Client) Preload(ctx context.Context) (*PreloadResponse, error) {
	return invoke[PreloadResponse](ctx, c, "/"+syncServiceName+"/Preload", Empty{})
}

func (c *Client) StartBackgroundSync(ctx context.Context) (*Ack, error) {
	return invoke[Ack](ctx, c, "/"+syncServiceName+"/StartBackgroundSync", Empty{})
}

func (c *Client) StopBackgroundSync(ctx context.Context) (*Ack, error) {
	return invoke[Ack](ctx, c, "/"+syncServiceName+"/StopBackgroundSync", Empty{})
}

func (c *Client) ForceSyncChat(ctx context.Context, chatID string) (*ChatSyncResult, error) {
	return invoke[ChatSyncResult](ctx, c, "/"+syncServiceName+"/ForceSyncChat", ForceSyncRequest{ChatID: chatID})
}

func (c *Client) ListChats(ctx context.Context, limit, offset int) (*ListChatsResponse, error) {
	return invoke[ListChatsResponse](ctx, c, "/"+messageServiceName+"/ListChats", ListChatsRequest{Limit: limit, Offset: offset})
}

func (c *Client) GetChat(ctx context.Context, chatID string) (*GetChatResponse, error) {
	return invoke[GetChatResponse](ctx, c, "/"+messageServiceName+"/GetChat", GetChatRequest{ChatID: chatID})
}

func (c *Client) ListMessages(ctx context.Context, chatID string, limit int) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, "/"+messageServiceName+"/ListMessages", ListMessagesRequest{ChatID: chatID, Limit: limit})
}

func (c *Client) SearchMessages(ctx context.Context, query, chatID string, limit int) (*SearchResponse, error) {
	return invoke[SearchResponse](ctx, c, "/"+messageServiceName+"/SearchMessages", SearchRequest{Query: query, ChatID: chatID, Limit: limit})
}

func (c *Client) Send(ctx context.Context, req SendRequest) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c, "/"+messageServiceName+"/Send", req)
}

func (c *Client) Retry(ctx context.Context, messageID string) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c, "/"+messageServiceName+"/Retry", RetryRequest{MessageID: messageID})
}

func (c *Client) ListQueue(ctx context.Context) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c, "/"+messageServiceName+"/ListQueue", Empty{})
}

func (c *Client) Presence(ctx context.Context) (*PresenceResponse, error) {
	return invoke[PresenceResponse](ctx, c, "/"+presenceServiceName+"/GetPresence", Empty{})
}

func (c *Client) GoOnline(ctx context.Context) (*PresenceResponse, error) {
	return invoke[PresenceResponse](ctx, c, "/"+presenceServiceName+"/GoOnline", Empty{})
}

func (c *Client) GoOffline(ctx context.Context) (*PresenceResponse, error) {
	return invoke[PresenceResponse](ctx, c, "/"+presenceServiceName+"/GoOffline", Empty{})
}

func (c *Client) Activity(ctx context.Context) (*PresenceResponse, error) {
	return invoke[PresenceResponse](ctx, c, "/"+presenceServiceName+"/Activity", Empty{})
}

func (c *Client) SetAppState(ctx context.Context, state string) (*PresenceResponse, error) {
	return invoke[PresenceResponse](ctx, c, "/"+presenceServiceName+"/SetAppState", AppStateRequest{State: state})
}

func (c *Client) StartTyping(ctx context.Context, chatID string) (*TypingResponse, error) {
	return invoke[TypingResponse](ctx, c, "/"+presenceServiceName+"/StartTyping", TypingRequest{ChatID: chatID})
}

func (c *Client) StopTyping(ctx context.Context, chatID string) (*TypingResponse, error) {
	return invoke[TypingResponse](ctx, c, "/"+presenceServiceName+"/StopTyping", TypingRequest{ChatID: chatID})
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*EventEnvelope, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	evt := new(EventEnvelope)
	if err := decode(out, evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// WatchEvents streams bus events whose kind starts with one of namespaces. It
// returns once the daemon is subscribed. Cancel ctx to end the stream.
func (c *Client) WatchEvents(ctx context.Context, namespaces ...string) (*EventStream, error) {
	desc := &SyncServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+syncServiceName+"/"+desc.StreamName)
	if err != nil {
		return nil, err
	}
	in, err := encode(WatchRequest{Namespaces: namespaces})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	es := &EventStream{stream: stream}
	first, err := es.Recv()
	if err != nil {
		return nil, err
	}
	if first.Kind != StreamReady {
		return nil, fmt.Errorf("watch events: unexpected first event %q", first.Kind)
	}
	return es, nil
}
