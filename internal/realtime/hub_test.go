package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/trustline/internal/auth"
	"github.com/mbd888/trustline/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func event(kind notify.Kind, txID string, recipients ...string) notify.Event {
	return notify.New(kind, txID, recipients...)
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_RecipientsOnly(t *testing.T) {
	buyer := &Client{userID: "usr_buyer"}
	stranger := &Client{userID: "usr_other"}
	ev := event(notify.TransactionPaid, "txn_1", "usr_buyer", "usr_seller")

	if !shouldSend(buyer, ev) {
		t.Error("recipient should receive the event")
	}
	if shouldSend(stranger, ev) {
		t.Error("non-recipient should NOT receive the event")
	}
}

func TestShouldSend_AdminSeesEverything(t *testing.T) {
	ops := &Client{admin: true}
	if !shouldSend(ops, event(notify.DisputeEscalated, "txn_1", "usr_buyer")) {
		t.Error("admin client should receive every event")
	}
}

func TestShouldSend_KindFilter(t *testing.T) {
	client := &Client{userID: "usr_buyer", sub: Subscription{
		Kinds: []notify.Kind{notify.DisputeOpened, notify.DisputeResolved},
	}}

	if !shouldSend(client, event(notify.DisputeOpened, "txn_1", "usr_buyer")) {
		t.Error("should receive dispute.opened")
	}
	if shouldSend(client, event(notify.TransactionPaid, "txn_1", "usr_buyer")) {
		t.Error("should NOT receive transaction.paid")
	}
}

func TestShouldSend_TransactionFilter(t *testing.T) {
	client := &Client{admin: true, sub: Subscription{TransactionIDs: []string{"txn_a"}}}

	if !shouldSend(client, event(notify.TransactionPaid, "txn_a")) {
		t.Error("should receive events for txn_a")
	}
	if shouldSend(client, event(notify.TransactionPaid, "txn_b")) {
		t.Error("should NOT receive events for txn_b")
	}
}

func TestShouldSend_FilterNeverWidens(t *testing.T) {
	// A subscription naming someone else's transaction grants nothing.
	client := &Client{userID: "usr_x", sub: Subscription{TransactionIDs: []string{"txn_a"}}}
	if shouldSend(client, event(notify.TransactionPaid, "txn_a", "usr_buyer")) {
		t.Error("subscription must not widen access")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_NotifyAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := h.Notify(ctx, event(notify.TransactionCreated, "txn_1", "usr_a")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := h.Stats()["totalEvents"].(int64); got != 1 {
		t.Errorf("Expected 1 total event, got %v", got)
	}
}

func TestHub_NotifyBackpressure(t *testing.T) {
	h := testHub()
	// Not running: the queue fills and further events are refused.
	for i := 0; i < cap(h.broadcast); i++ {
		if err := h.Notify(context.Background(), event(notify.TransactionCreated, "txn_1")); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	err := h.Notify(context.Background(), event(notify.TransactionCreated, "txn_1"))
	if !errors.Is(err, ErrBackpressure) {
		t.Errorf("Expected ErrBackpressure, got %v", err)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 256), userID: "usr_a"}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_DeliversToRecipient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	buyer := &Client{hub: h, send: make(chan []byte, 256), userID: "usr_buyer"}
	other := &Client{hub: h, send: make(chan []byte, 256), userID: "usr_other"}
	h.register <- buyer
	h.register <- other
	time.Sleep(50 * time.Millisecond)

	_ = h.Notify(ctx, event(notify.ValidationWindowOpened, "txn_1", "usr_buyer"))

	select {
	case msg := <-buyer.send:
		var got notify.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Kind != notify.ValidationWindowOpened || got.TransactionID != "txn_1" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for delivery")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-other.send:
		t.Error("non-recipient received the event")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

// ---------------------------------------------------------------------------
// WebSocket endpoint
// ---------------------------------------------------------------------------

func wsServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		if u := c.Query("as"); u != "" {
			c.Set(auth.ContextKeyUserID, u)
		}
		c.Next()
	}, h.HandleWebSocket("s3cret"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleWebSocket_RequiresIdentity(t *testing.T) {
	h := testHub()
	srv := wsServer(t, h)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleWebSocket_StreamsEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := wsServer(t, h)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?as=usr_seller"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(Subscription{Kinds: []notify.Kind{notify.DisputeOpened}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	_ = h.Notify(ctx, event(notify.TransactionPaid, "txn_1", "usr_seller"))
	_ = h.Notify(ctx, event(notify.DisputeOpened, "txn_1", "usr_seller"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got notify.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != notify.DisputeOpened {
		t.Errorf("Expected dispute.opened first, got %s", got.Kind)
	}
}
