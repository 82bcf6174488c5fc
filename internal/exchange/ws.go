// ws.go implements the order-update stream consumer.
//
// The broker pushes one JSON frame per order lifecycle transition on an
// authenticated WebSocket. After dialing, the consumer sends a login frame
// carrying the leader's credentials, then decodes every frame into a
// types.OrderUpdate and hands it to the engine through Updates().
//
// The connection is kept honest with pings every heartbeat interval and a
// read deadline at the heartbeat timeout, so a silent server triggers a
// reconnect. Reconnects back off exponentially (1s doubling up to the
// configured cap) and give up after the configured number of consecutive
// failed attempts. After any re-established session the consumer signals
// Reconnects() so the engine can replay missed events over REST.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"dhan-mirror/internal/config"
	"dhan-mirror/pkg/types"
)

const (
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	updateBufferSize = 256              // buffer for order update frames
)

// WSFeed manages the order-update WebSocket connection: lifecycle, login,
// heartbeats, and automatic reconnection with exponential backoff.
type WSFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes
	auth   *Auth

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	backoffMax        time.Duration
	maxAttempts       int

	updates    chan types.OrderUpdate
	reconnects chan struct{} // one token per re-established session
	sessions   int           // successful logins, touched only by Run

	hbMu          sync.Mutex
	lastHeartbeat time.Time

	slowWarn rate.Sometimes // throttles consumer-lag warnings
	logger   *slog.Logger
}

// NewOrderFeed creates a stream consumer authenticated as the leader account.
func NewOrderFeed(wsURL string, stream config.StreamConfig, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:               wsURL,
		auth:              auth,
		heartbeatInterval: stream.HeartbeatInterval,
		heartbeatTimeout:  stream.HeartbeatTimeout,
		backoffMax:        stream.ReconnectBackoffMax,
		maxAttempts:       stream.MaxReconnectAttempts,
		updates:           make(chan types.OrderUpdate, updateBufferSize),
		reconnects:        make(chan struct{}, 1),
		slowWarn:          rate.Sometimes{Interval: 5 * time.Second},
		logger:            logger.With("component", "ws_orders"),
	}
}

// Updates returns the stream of decoded order updates.
func (f *WSFeed) Updates() <-chan types.OrderUpdate { return f.updates }

// Reconnects signals each session re-established after a disconnect. The
// engine uses it to trigger REST replay of events missed while offline.
func (f *WSFeed) Reconnects() <-chan struct{} { return f.reconnects }

// LastHeartbeat returns when the stream last proved the connection alive.
func (f *WSFeed) LastHeartbeat() time.Time {
	f.hbMu.Lock()
	defer f.hbMu.Unlock()
	return f.lastHeartbeat
}

// Run connects and maintains the stream. It blocks until ctx is cancelled or
// the consecutive-failure budget is spent, which the supervisor treats as
// fatal.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second
	attempts := 0

	for {
		healthy, err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if healthy {
			attempts = 0
			backoff = time.Second
		} else {
			attempts++
			if f.maxAttempts > 0 && attempts >= f.maxAttempts {
				return fmt.Errorf("order stream: giving up after %d failed attempts: %w", attempts, err)
			}
		}

		f.logger.Warn("order stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
			"attempt", attempts,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, ..., capped
		backoff *= 2
		if backoff > f.backoffMax {
			backoff = f.backoffMax
		}
	}
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// connectAndRead holds one session: dial, login, then read until failure.
// healthy reports whether login succeeded, so Run only counts attempts that
// never produced a working session.
func (f *WSFeed) connectAndRead(ctx context.Context) (healthy bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	login := f.auth.LoginMessage(types.AccountLeader)
	if err := f.writeJSON(login); err != nil {
		return false, fmt.Errorf("login: %w", err)
	}

	f.logger.Info("order stream connected",
		"client_id", login.LoginReq.ClientID,
		"token", f.auth.Redacted(types.AccountLeader),
	)
	f.markHeartbeat()

	f.sessions++
	if f.sessions > 1 {
		select {
		case f.reconnects <- struct{}{}:
		default:
		}
	}

	conn.SetPongHandler(func(string) error {
		f.markHeartbeat()
		return conn.SetReadDeadline(time.Now().Add(f.heartbeatTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so a silent server forces a reconnect
	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(f.heartbeatTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		f.markHeartbeat()
		f.dispatch(ctx, msg)
	}
}

// dispatch decodes one frame and hands it to the engine. Frames without an
// order id (login acks, notices) are skipped. Delivery blocks rather than
// drops: losing an update means losing a replication.
func (f *WSFeed) dispatch(ctx context.Context, data []byte) {
	var update types.OrderUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		f.logger.Debug("ignoring non-json stream frame", "data", string(data))
		return
	}
	if update.OrderID == "" {
		f.logger.Debug("ignoring non-order frame", "data", string(data))
		return
	}

	update.Source = types.SourceStream

	select {
	case f.updates <- update:
	default:
		f.slowWarn.Do(func() {
			f.logger.Warn("update buffer full, consumer lagging",
				"order_id", update.OrderID,
				"buffered", len(f.updates),
			)
		})
		select {
		case f.updates <- update:
		case <-ctx.Done():
		}
	}
}

func (f *WSFeed) markHeartbeat() {
	f.hbMu.Lock()
	f.lastHeartbeat = time.Now()
	f.hbMu.Unlock()
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
