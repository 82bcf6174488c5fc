package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dhan-mirror/internal/config"
	"dhan-mirror/pkg/types"
)

var upgrader = websocket.Upgrader{}

func streamConfig() config.StreamConfig {
	return config.StreamConfig{
		HeartbeatInterval:    5 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		ReconnectBackoffMax:  time.Second,
		MaxReconnectAttempts: 10,
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestFeed(t *testing.T, handler http.HandlerFunc, stream config.StreamConfig) *WSFeed {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	auth, err := NewAuth(authConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return NewOrderFeed(wsURL(srv), stream, auth, testLogger())
}

func TestOrderFeedLogsInAndDeliversUpdates(t *testing.T) {
	t.Parallel()

	gotLogin := make(chan types.WSLoginMsg, 1)
	feed := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var login types.WSLoginMsg
		if err := conn.ReadJSON(&login); err != nil {
			return
		}
		gotLogin <- login

		_ = conn.WriteJSON(map[string]any{
			"orderId":         "112111182198",
			"orderStatus":     "PENDING",
			"transactionType": "BUY",
			"securityId":      "11536",
			"quantity":        50,
		})

		// Hold the session open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}, streamConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = feed.Run(ctx) }()

	select {
	case login := <-gotLogin:
		if login.LoginReq.MsgCode != 42 {
			t.Errorf("login MsgCode = %d, want 42", login.LoginReq.MsgCode)
		}
		if login.LoginReq.ClientID != "1000000001" {
			t.Errorf("login ClientId = %q, want the leader's", login.LoginReq.ClientID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no login frame received")
	}

	select {
	case update := <-feed.Updates():
		if update.OrderID != "112111182198" {
			t.Errorf("OrderID = %q", update.OrderID)
		}
		if update.Source != types.SourceStream {
			t.Errorf("Source = %q, want stream", update.Source)
		}
		if update.Quantity != 50 {
			t.Errorf("Quantity = %d, want 50", update.Quantity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no order update received")
	}

	if feed.LastHeartbeat().IsZero() {
		t.Error("LastHeartbeat not set after connect")
	}
}

func TestOrderFeedSkipsNonOrderFrames(t *testing.T) {
	t.Parallel()

	feed := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil { // login
			return
		}

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"LoginResp":{"Status":"Ok"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteJSON(map[string]any{"orderId": "42", "orderStatus": "TRADED"})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}, streamConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = feed.Run(ctx) }()

	select {
	case update := <-feed.Updates():
		if update.OrderID != "42" {
			t.Errorf("first delivered update = %q, want the real order frame", update.OrderID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("order frame never delivered")
	}
}

func TestOrderFeedSignalsReconnect(t *testing.T) {
	t.Parallel()

	var session atomic.Int32
	feed := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil { // login
			return
		}

		// First session dies right after login; later ones stay up
		if session.Add(1) == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}, streamConfig())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = feed.Run(ctx) }()

	select {
	case <-feed.Reconnects():
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect never signalled")
	}
	// The feed signals after writing its second login; the handler counts the
	// session only after reading it, so give that read a moment to land.
	deadline := time.Now().Add(2 * time.Second)
	for session.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := session.Load(); got < 2 {
		t.Errorf("sessions = %d, want at least 2", got)
	}
}

func TestOrderFeedGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	auth, err := NewAuth(authConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	stream := streamConfig()
	stream.MaxReconnectAttempts = 2
	feed := NewOrderFeed("ws://127.0.0.1:1", stream, auth, testLogger()) // nothing listens here

	done := make(chan error, 1)
	go func() { done <- feed.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil, want give-up error")
		}
		if !strings.Contains(err.Error(), "giving up") {
			t.Errorf("err = %v, want give-up error", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not give up")
	}
}

func TestOrderFeedZeroAttemptsRetriesForever(t *testing.T) {
	t.Parallel()

	auth, err := NewAuth(authConfig())
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	stream := streamConfig()
	stream.MaxReconnectAttempts = 0
	feed := NewOrderFeed("ws://127.0.0.1:1", stream, auth, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	// Long enough for several failed dials; giving up would surface here.
	select {
	case err := <-done:
		t.Fatalf("Run returned %v, want endless retries", err)
	case <-time.After(2500 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
