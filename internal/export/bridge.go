package export

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/observability"
	"go.uber.org/zap"
)

// Namespaces are the bus prefixes forwarded by a Bridge.
var Namespaces = []string{"message.", "sync.", "presence.", "typing.", "daemon."}

// Envelope is the exported message body.
type Envelope struct {
	EventType string    `json:"event_type"`
	EventName string    `json:"event_name"`
	Account   string    `json:"account"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// RoutingKey maps an event kind to its routing key, e.g.
// "message.status_changed" to "chatsync.message.status_changed".
func RoutingKey(kind string) string {
	return "chatsync." + kind
}

// Bridge subscribes to the bus and publishes each matching event.
type Bridge struct {
	bus     *bus.Bus
	pub     Publisher
	account string
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBridge creates a bridge. A nil publisher exports nothing.
func NewBridge(b *bus.Bus, pub Publisher, account string, logger *zap.Logger) *Bridge {
	if pub == nil {
		pub = Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{bus: b, pub: pub, account: account, timeout: 5 * time.Second, logger: logger}
}

// Start begins forwarding. Calling it twice is a no-op.
func (br *Bridge) Start(ctx context.Context) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.cancel != nil {
		return
	}
	ctx, br.cancel = context.WithCancel(ctx)
	br.done = make(chan struct{})
	ch, unsub := br.bus.SubscribeMany(256, Namespaces...)

	go func() {
		defer close(br.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				br.forward(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends forwarding and waits for the loop to exit.
func (br *Bridge) Stop() {
	br.mu.Lock()
	cancel, done := br.cancel, br.done
	br.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (br *Bridge) forward(ctx context.Context, evt bus.Event) {
	eventType, _, _ := strings.Cut(evt.Kind, ".")
	env := Envelope{
		EventType: eventType,
		EventName: evt.Kind,
		Account:   br.account,
		Timestamp: evt.Timestamp,
		Payload:   evt.Payload,
	}
	pctx, cancel := context.WithTimeout(ctx, br.timeout)
	defer cancel()
	if err := br.pub.PublishJSON(pctx, RoutingKey(evt.Kind), env, map[string]string{"account": br.account}); err != nil {
		observability.IncAMQPPublishError()
		br.logger.Debug("event export failed", zap.String("kind", evt.Kind), zap.Error(err))
	}
}
