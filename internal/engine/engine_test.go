package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"dhan-mirror/internal/config"
	"dhan-mirror/internal/store"
	"dhan-mirror/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEngineConfig points both API endpoints at unroutable addresses; tests
// that need a live surface swap in httptest servers.
func testEngineConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Leader:   config.AccountConfig{ClientID: "1000000001", AccessToken: "leader-token-abcdef1234567890"},
		Follower: config.AccountConfig{ClientID: "1000000002", AccessToken: "follower-token-abcdef1234567890"},
		API: config.APIConfig{
			BaseURL:          "http://127.0.0.1:1",
			WSURL:            "ws://127.0.0.1:1",
			Timeout:          2 * time.Second,
			MaxRPS:           100,
			BreakerThreshold: 50,
			BreakerCooldown:  time.Minute,
		},
		Replication: config.ReplicationConfig{
			Enabled:        true,
			SizingStrategy: types.SizingCapitalProportional,
			CopyRatio:      1.0,
			MaxPositionPct: 100.0,
			FundsTTL:       time.Minute,
			SkewWarnAfter:  time.Minute,
			WorkerCount:    2,
			DrainTimeout:   2 * time.Second,
		},
		Stream: config.StreamConfig{
			HeartbeatInterval:    50 * time.Millisecond,
			HeartbeatTimeout:     5 * time.Second,
			ReconnectBackoffMax:  200 * time.Millisecond,
			MaxReconnectAttempts: 1000,
		},
		Store: config.StoreConfig{Path: filepath.Join(t.TempDir(), "mirror.db")},
		Ops:   config.OpsConfig{ListenAddr: "127.0.0.1:0"},
	}
}

func TestNewStartsInInit(t *testing.T) {
	t.Parallel()

	eng, err := New(testEngineConfig(t), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.store.Close() })

	if eng.State() != StateInit {
		t.Errorf("state = %v, want INIT", eng.State())
	}
}

func TestStatusSnapshotReflectsStore(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig(t)
	cfg.DryRun = true
	eng, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.store.Close() })
	ctx := context.Background()

	if err := eng.store.SetCopyEnabled(ctx, false); err != nil {
		t.Fatalf("SetCopyEnabled: %v", err)
	}
	cursorTS := time.Date(2025, 6, 2, 4, 45, 5, 0, time.UTC)
	now := time.Now()
	err = eng.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.AdvanceCursor(ctx, cursorTS); err != nil {
			return err
		}
		return tx.UpsertMapping(ctx, types.CopyMapping{
			LeaderOrderID:   "L1",
			FollowerOrderID: "F1",
			LeaderQty:       100,
			FollowerQty:     25,
			SizingStrategy:  types.SizingCapitalProportional,
			Status:          types.MappingPlaced,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	err = eng.store.SaveFunds(ctx, types.FundsSnapshot{
		Account:          types.AccountFollower,
		AvailableBalance: decimal.NewFromInt(250000),
		FetchedAt:        now,
	})
	if err != nil {
		t.Fatalf("SaveFunds: %v", err)
	}

	status, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}

	if status.State != string(StateInit) {
		t.Errorf("State = %q, want INIT", status.State)
	}
	if !status.DryRun {
		t.Error("DryRun = false, want true")
	}
	if status.CopyEnabled {
		t.Error("CopyEnabled = true, want false after kill switch")
	}
	if status.Cursor != "2025-06-02T04:45:05Z" {
		t.Errorf("Cursor = %q, want 2025-06-02T04:45:05Z", status.Cursor)
	}
	if status.Mappings["placed"] != 1 {
		t.Errorf("Mappings = %v, want one placed", status.Mappings)
	}
	if status.Breaker != "CLOSED" {
		t.Errorf("Breaker = %q, want CLOSED", status.Breaker)
	}
	if len(status.Funds) != 1 || status.Funds[0].Account != string(types.AccountFollower) {
		t.Fatalf("Funds = %+v, want one follower entry", status.Funds)
	}
	if status.Funds[0].Available != "250000" {
		t.Errorf("Available = %q, want 250000", status.Funds[0].Available)
	}
	if status.Stream.Connected {
		t.Error("Stream.Connected = true before any heartbeat")
	}
	if status.UnknownEvents != 0 {
		t.Errorf("UnknownEvents = %d, want 0", status.UnknownEvents)
	}
}

func TestRunFailsFastOnAuthFailure(t *testing.T) {
	t.Parallel()

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errorCode":"DH-901","errorMessage":"Invalid token"}`))
	}))
	t.Cleanup(rest.Close)

	cfg := testEngineConfig(t)
	cfg.API.BaseURL = rest.URL
	eng, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = eng.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil with bad credentials")
	}
	if kind := types.KindOf(err); kind != types.ErrKindAuthentication {
		t.Errorf("error kind = %s, want authentication (err: %v)", kind, err)
	}
	if !strings.Contains(err.Error(), "leader") {
		t.Errorf("err = %v, want the leader session named first", err)
	}
	if eng.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED", eng.State())
	}
}

// TestRunReplicatesStreamedOrder drives the whole pipeline: a stubbed broker
// serves REST and pushes one leader order over a live WebSocket, and the
// engine must land a sized follower order in the store before a clean stop.
func TestRunReplicatesStreamedOrder(t *testing.T) {
	t.Parallel()

	frame, err := json.Marshal(types.OrderUpdate{
		OrderID:         "L1",
		OrderStatus:     "PENDING",
		TransactionType: types.BUY,
		ExchangeSegment: "NSE_EQ",
		ProductType:     types.ProductCNC,
		OrderType:       string(types.OrderTypeLimit),
		Validity:        string(types.ValidityDay),
		TradingSymbol:   "TCS",
		SecurityID:      "11536",
		Quantity:        100,
		Price:           3400.50,
		CreateTime:      "2025-06-02 10:15:00",
		UpdateTime:      "2025-06-02 10:15:05",
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	var placed atomic.Int32
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v2/fundlimit":
			balance := 1000000.0
			if strings.HasPrefix(r.Header.Get("access-token"), "follower") {
				balance = 250000.0
			}
			_ = json.NewEncoder(w).Encode(map[string]float64{"availableBalance": balance})
		case r.URL.Path == "/v2/orders" && r.Method == http.MethodPost:
			placed.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"orderId": "F900001", "orderStatus": "TRANSIT"})
		case r.URL.Path == "/v2/orders":
			_, _ = w.Write([]byte(`[]`))
		case strings.HasPrefix(r.URL.Path, "/v2/instrument/"):
			_, _ = w.Write([]byte(`[{"securityId":"11536","exchangeSegment":"NSE_EQ","tradingSymbol":"TCS","lotSize":1}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(rest.Close)

	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Login frame first, then push the leader event and keep the
		// session open so pings keep flowing.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ws.Close)

	cfg := testEngineConfig(t)
	cfg.API.BaseURL = rest.URL
	cfg.API.WSURL = "ws" + strings.TrimPrefix(ws.URL, "http")

	eng, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	var mapping *types.CopyMapping
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, ok, err := eng.store.GetMappingByLeader(context.Background(), "L1")
		if err != nil {
			t.Fatalf("GetMappingByLeader: %v", err)
		}
		if ok && m.Status == types.MappingPlaced {
			mapping = m
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if mapping == nil {
		t.Fatal("follower order never placed")
	}
	if mapping.FollowerOrderID != "F900001" {
		t.Errorf("follower order id = %q, want F900001", mapping.FollowerOrderID)
	}
	if mapping.FollowerQty != 25 {
		t.Errorf("follower qty = %d, want 25 at quarter capital", mapping.FollowerQty)
	}
	if got := placed.Load(); got != 1 {
		t.Errorf("order placements = %d, want 1", got)
	}

	for time.Now().Before(deadline) && eng.State() != StateReady {
		time.Sleep(10 * time.Millisecond)
	}
	status, err := eng.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.State != string(StateReady) {
		t.Errorf("State = %q, want READY", status.State)
	}
	if !status.Stream.Connected {
		t.Error("Stream.Connected = false on a live session")
	}
	if status.Mappings["placed"] != 1 {
		t.Errorf("Mappings = %v, want one placed", status.Mappings)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run = %v, want nil on operator stop", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after cancel")
	}
	if eng.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED", eng.State())
	}
}
