package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/memstore"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db     *store.DB
	docs   *memstore.Docs
	bus    *bus.Bus
	h      *Handler
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, docs: memstore.NewDocs(), bus: bus.New()}
	ingest := chatsync.NewIngestor(db, f.bus, nil)
	f.h = New(Deps{
		Account: "test",
		DB:      db,
		Bus:     f.bus,
		Machine: status.NewMachine(nil),
		Live:    live.NewEngine(db, f.docs, ingest, f.bus, live.DefaultOptions(), nil),
		Queue:   outbox.New(db, f.docs, ingest, f.bus, clockwork.NewRealClock(), "u-me", outbox.DefaultOptions(), nil),
	})
	f.router = f.h.Router()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "test", resp["account"])
	assert.Equal(t, "BOOTING", resp["state"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/healthz", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatsync_http_requests_total")
}

func TestPostAndListMessages(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/chats/c1/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var posted struct {
		Message api.Message `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&posted))
	assert.Equal(t, "sent", posted.Message.Status)
	assert.Equal(t, "c1", posted.Message.ChatID)

	rec = f.do(t, http.MethodGet, "/v1/chats/c1/messages?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Messages []api.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Len(t, listed.Messages, 1)
	assert.Equal(t, "hello", listed.Messages[0].Text)

	rec = f.do(t, http.MethodGet, "/v1/chats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var chats struct {
		Chats []api.Chat `json:"chats"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&chats))
	require.Len(t, chats.Chats, 1)
	assert.Equal(t, "hello", chats.Chats[0].LastMessageText)
}

func TestPostMessageOfflineIsAccepted(t *testing.T) {
	f := newFixture(t)
	f.docs.SetOffline(true)

	rec := f.do(t, http.MethodPost, "/v1/chats/c1/messages", `{"text":"later"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var queue struct {
		Messages []api.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&queue))
	require.Len(t, queue.Messages, 1)
	assert.True(t, queue.Messages[0].Queued)

	f.docs.SetOffline(false)
	rec = f.do(t, http.MethodPost, "/v1/messages/"+queue.Messages[0].ID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"sent"`)
}

func TestPostMessageErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/chats/c1/messages", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/chats/c1/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/messages/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.docs.SetFault(func(op memstore.Op, _ string) error {
		if op == memstore.OpWrite {
			return remote.ErrPermissionDenied
		}
		return nil
	})
	rec = f.do(t, http.MethodPost, "/v1/chats/c1/messages", `{"text":"blocked"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events?ns=typing."
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is made right after the upgrade; publish until it lands.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make(chan api.EventEnvelope, 1)
	go func() {
		var env api.EventEnvelope
		if err := conn.ReadJSON(&env); err == nil {
			got <- env
		}
	}()

	f.bus.Emit("message.upserted", map[string]any{"id": "ignored"})
	deadline := time.After(5 * time.Second)
	for {
		f.bus.Emit(bus.TypingChanged, map[string]any{"chat_id": "c1", "user_id": "u-2"})
		select {
		case env := <-got:
			assert.Equal(t, bus.TypingChanged, env.Kind)
			assert.Equal(t, "test", env.Account)
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestEventsClosedOnShutdown(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f.h.Close()
	f.h.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err = %v", err)
}

func TestServerStartStop(t *testing.T) {
	f := newFixture(t)
	s, err := NewServer("127.0.0.1:0", f.h, nil)
	require.NoError(t, err)
	s.Start()

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
