package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Priya8975/ghost-bluesky-bridge/internal/domain"
	"github.com/gorilla/websocket"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func connectWS(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}

	cleanup := func() {
		conn.Close()
		server.Close()
	}
	return conn, cleanup
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d clients, got %d", want, hub.ClientCount())
}

func readEvent(t *testing.T, conn *websocket.Conn) DeliveryEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var ev DeliveryEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		t.Fatalf("decoding message %s: %v", message, err)
	}
	return ev
}

func TestHub_ClientConnectsAndDisconnects(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_NotifyDeliveryReachesClient(t *testing.T) {
	hub := setupTestHub(t)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()
	waitForClients(t, hub, 1)

	uri := "at://did:plc:abc/app.bsky.feed.post/1"
	hub.NotifyDelivery(domain.DeliveryRecord{
		ID:        "d-1",
		EventKind: domain.EventPostPublished,
		Title:     "Hello",
		URL:       "https://blog.example.com/hello/",
		Text:      "Hello https://blog.example.com/hello/",
		Outcome:   "delivered",
		Attempts:  2,
		Reauths:   1,
		RecordURI: &uri,
		CreatedAt: time.Now(),
	})

	ev := readEvent(t, conn)
	if ev.Type != "delivery_delivered" || ev.ID != "d-1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Attempts != 2 || ev.Reauths != 1 || ev.RecordURI != uri {
		t.Errorf("attempts/reauths/uri = %d/%d/%q", ev.Attempts, ev.Reauths, ev.RecordURI)
	}
}

func TestHub_MultipleClients(t *testing.T) {
	hub := setupTestHub(t)

	conn1, cleanup1 := connectWS(t, hub)
	defer cleanup1()
	conn2, cleanup2 := connectWS(t, hub)
	defer cleanup2()
	waitForClients(t, hub, 2)

	msg := "boom"
	hub.NotifyDelivery(domain.DeliveryRecord{
		EventKind:    domain.EventPostPublished,
		Outcome:      "exhausted",
		ErrorMessage: &msg,
	})

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		ev := readEvent(t, conn)
		if ev.Type != "delivery_exhausted" || ev.Error != "boom" {
			t.Errorf("client %d got %+v", i+1, ev)
		}
	}
}

func TestHub_StopDisconnectsClients(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	conn, cleanup := connectWS(t, hub)
	defer cleanup()
	waitForClients(t, hub, 1)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to close after the hub stopped")
	}
	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients after stop, got %d", count)
	}
}

func TestNewDeliveryEvent_Rejected(t *testing.T) {
	msg := domain.ReasonMissingPostData
	ev := NewDeliveryEvent(domain.DeliveryRecord{
		EventKind:    domain.EventPostPublished,
		Outcome:      "rejected",
		ErrorMessage: &msg,
	})
	if ev.Type != "delivery_rejected" || ev.Error != msg || ev.RecordURI != "" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHub_ClientCountStartsAtZero(t *testing.T) {
	hub := setupTestHub(t)

	if count := hub.ClientCount(); count != 0 {
		t.Errorf("expected 0 clients initially, got %d", count)
	}
}
