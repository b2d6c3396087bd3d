package websocket_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wargotik/wargot-ha-addons/internal/events"
	ws "github.com/wargotik/wargot-ha-addons/internal/server/websocket"
)

func newTestServer(t *testing.T) (*ws.Broadcaster, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := ws.NewBroadcaster(logger, 16)
	srv := httptest.NewServer(ws.NewHandler(bc, logger, time.Second))
	t.Cleanup(srv.Close)
	return bc, srv
}

// TestHandlerRejectsNonWebSocket verifies that a plain HTTP request returns
// 426 Upgrade Required.
func TestHandlerRejectsNonWebSocket(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("expected status %d, got %d", http.StatusUpgradeRequired, resp.StatusCode)
	}
}

func waitForClients(t *testing.T, bc *ws.Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bc.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount = %d, want %d", bc.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestHandlerStreamsEvents verifies that published events arrive as text
// frames and that disconnecting unregisters the client.
func TestHandlerStreamsEvents(t *testing.T) {
	t.Parallel()

	bc, srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	waitForClients(t, bc, 1)

	bc.Publish(events.Event{Kind: events.KindModeChanged, Mode: "night", PrevMode: "off"})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	typ, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.TextMessage {
		t.Errorf("frame type = %d, want text", typ)
	}
	var msg ws.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "mode_changed" || msg.Data.Mode != "night" || msg.Data.PrevMode != "off" {
		t.Errorf("unexpected message %+v", msg)
	}

	conn.Close()
	waitForClients(t, bc, 0)
}

// TestHandlerClosesOnShutdown verifies that Close on the broadcaster sends a
// close frame to connected clients.
func TestHandlerClosesOnShutdown(t *testing.T) {
	t.Parallel()

	bc, srv := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForClients(t, bc, 1)

	bc.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}
