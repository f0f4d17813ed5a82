package eventbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MisterGoodDeal/live-translation/internal/metrics"
	"github.com/MisterGoodDeal/live-translation/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	hub    *Hub
	inbox  chan Message
	server *httptest.Server
	cancel context.CancelFunc
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		hub:    NewHub(Config{SendBuffer: 16}, testLogger(), metrics.NewMetrics(nil)),
		inbox:  make(chan Message, 64),
		cancel: cancel,
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.hub.Serve(ctx, conn, ts.inbox)
	}))

	t.Cleanup(func() {
		cancel()
		ts.hub.Close()
		ts.server.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-ts.inbox:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for inbox message")
		return Message{}
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	return env
}

func TestHubLifecycle(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	connected := ts.next(t)
	if connected.Kind != Connected {
		t.Fatalf("Expected Connected, got %v", connected.Kind)
	}
	if connected.ClientID == "" {
		t.Error("Expected a client id")
	}
	if ts.hub.Count() != 1 {
		t.Errorf("Expected 1 client, got %d", ts.hub.Count())
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	received := ts.next(t)
	if received.Kind != Received {
		t.Fatalf("Expected Received, got %v", received.Kind)
	}
	if received.ClientID != connected.ClientID {
		t.Errorf("Expected client id %s, got %s", connected.ClientID, received.ClientID)
	}
	if string(received.Data) != `{"event":"ping"}` {
		t.Errorf("Unexpected data: %s", received.Data)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	disconnected := ts.next(t)
	if disconnected.Kind != Disconnected {
		t.Fatalf("Expected Disconnected, got %v", disconnected.Kind)
	}
	if disconnected.ClientID != connected.ClientID {
		t.Errorf("Expected client id %s, got %s", connected.ClientID, disconnected.ClientID)
	}
	if ts.hub.Count() != 0 {
		t.Errorf("Expected 0 clients, got %d", ts.hub.Count())
	}
}

func TestHubBroadcastAndSendTo(t *testing.T) {
	ts := newTestServer(t)

	first := ts.dial(t)
	firstID := ts.next(t).ClientID
	second := ts.dial(t)
	ts.next(t)

	ts.hub.SendTo(firstID, protocol.EventPong, protocol.PongPayload{Timestamp: json.RawMessage("42")})
	ts.hub.Broadcast(protocol.EventTranslation, protocol.TranslationPayload{Text: "bonjour"})

	env := readEnvelope(t, first)
	if env.Event != protocol.EventPong {
		t.Errorf("Expected pong first, got %s", env.Event)
	}
	if env = readEnvelope(t, first); env.Event != protocol.EventTranslation {
		t.Errorf("Expected translation, got %s", env.Event)
	}

	env = readEnvelope(t, second)
	if env.Event != protocol.EventTranslation {
		t.Errorf("Second client should only see the broadcast, got %s", env.Event)
	}
	var payload protocol.TranslationPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if payload.Text != "bonjour" {
		t.Errorf("Expected bonjour, got %q", payload.Text)
	}
}

func TestHubLog(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	ts.next(t)

	ts.hub.Log("Transcription started")

	env := readEnvelope(t, conn)
	if env.Event != protocol.EventLogs {
		t.Fatalf("Expected logs event, got %s", env.Event)
	}
	var payload protocol.LogPayload
	json.Unmarshal(env.Data, &payload)
	if payload.Message != "Transcription started" {
		t.Errorf("Expected message, got %q", payload.Message)
	}
}

func TestHubSendToUnknownClient(t *testing.T) {
	hub := NewHub(Config{}, testLogger(), metrics.NewMetrics(nil))
	hub.SendTo("missing", protocol.EventPong, protocol.PongPayload{})
	if hub.Count() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.Count())
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	m := metrics.NewMetrics(nil)
	hub := NewHub(Config{SendBuffer: 1}, testLogger(), m)

	c := newClient("slow", nil, 1)
	hub.clients[c.id] = c

	hub.Broadcast(protocol.EventLogs, protocol.LogPayload{Message: "one"})
	if hub.Count() != 1 {
		t.Fatalf("Client should survive a single event, got %d clients", hub.Count())
	}

	hub.Broadcast(protocol.EventLogs, protocol.LogPayload{Message: "two"})
	if hub.Count() != 0 {
		t.Errorf("Expected slow client to be dropped, got %d clients", hub.Count())
	}
	if got := testutil.ToFloat64(m.ClientsDropped); got != 1 {
		t.Errorf("Expected 1 dropped client, got %v", got)
	}

	// Closing the hub after a drop must not close the channel twice.
	hub.Close()
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{PongWait: 10 * time.Second, PingPeriod: 20 * time.Second}.withDefaults()

	if cfg.SendBuffer != 256 {
		t.Errorf("Expected default buffer 256, got %d", cfg.SendBuffer)
	}
	if cfg.PingPeriod >= cfg.PongWait {
		t.Errorf("Ping period %v must be shorter than pong wait %v", cfg.PingPeriod, cfg.PongWait)
	}
}
