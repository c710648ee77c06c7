package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishJSON(ctx context.Context, routingKey string, message any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, message, headers)
	return args.Error(0)
}

func (m *mockPublisher) Close() error { return nil }

func TestBridgeForwardsMatchingEvents(t *testing.T) {
	b := bus.New()
	pub := new(mockPublisher)
	published := make(chan Envelope, 4)
	pub.On("PublishJSON", mock.Anything, "chatsync.message.status_changed", mock.AnythingOfType("export.Envelope"), map[string]string{"account": "work"}).
		Run(func(args mock.Arguments) { published <- args.Get(2).(Envelope) }).
		Return(nil)

	br := NewBridge(b, pub, "work", nil)
	br.Start(context.Background())
	defer br.Stop()

	b.Emit(bus.NetworkOnline, nil)
	b.Emit(bus.MessageStatusChanged, map[string]string{"id": "m1"})

	select {
	case env := <-published:
		assert.Equal(t, "message", env.EventType)
		assert.Equal(t, bus.MessageStatusChanged, env.EventName)
		assert.Equal(t, "work", env.Account)
	case <-time.After(2 * time.Second):
		t.Fatal("event not exported")
	}
	pub.AssertNumberOfCalls(t, "PublishJSON", 1)
}

func TestBridgeSurvivesPublishErrors(t *testing.T) {
	b := bus.New()
	pub := new(mockPublisher)
	calls := make(chan struct{}, 4)
	pub.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { calls <- struct{}{} }).
		Return(errors.New("broker gone"))

	br := NewBridge(b, pub, "a", nil)
	br.Start(context.Background())

	b.Emit(bus.SyncChatSynced, nil)
	b.Emit(bus.SyncChatFailed, nil)
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("publish %d not attempted", i+1)
		}
	}
	br.Stop()
	br.Stop()
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "chatsync.typing.changed", RoutingKey(bus.TypingChanged))
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.PublishJSON(context.Background(), "k", nil, nil))
	assert.NoError(t, p.Close())
}
