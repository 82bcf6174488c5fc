// Package engine is the central supervisor of the order-replication pipeline.
//
// It wires together all subsystems:
//
//  1. Auth/Client validate both broker sessions and carry every REST call.
//  2. The order-update stream delivers leader events over WebSocket.
//  3. A fixed worker pool applies events through the Replicator; events are
//     sharded by leader order id so one order's events apply in arrival
//     order while distinct orders replicate concurrently.
//  4. Recovery replays events missed while offline, at startup and after
//     every stream reconnect.
//  5. The store persists state and serves the operator status snapshot.
//
// Lifecycle: INIT → AUTHENTICATING → CONNECTING → READY → DRAINING → STOPPED.
// Run blocks until its context is cancelled or a component fails fatally,
// then drains in-flight work bounded by the configured drain timeout.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"dhan-mirror/internal/api"
	"dhan-mirror/internal/config"
	"dhan-mirror/internal/exchange"
	"dhan-mirror/internal/market"
	"dhan-mirror/internal/risk"
	"dhan-mirror/internal/store"
	"dhan-mirror/internal/strategy"
	"dhan-mirror/pkg/types"
)

// State is the supervisor's lifecycle phase, exposed on /status.
type State string

const (
	StateInit           State = "INIT"
	StateAuthenticating State = "AUTHENTICATING"
	StateConnecting     State = "CONNECTING"
	StateReady          State = "READY"
	StateDraining       State = "DRAINING"
	StateStopped        State = "STOPPED"
)

// workerQueueSize bounds each worker's event queue. The dispatcher blocks
// when a queue is full rather than dropping, so a slow broker backs pressure
// up to the stream reader instead of losing events.
const workerQueueSize = 64

// statusErrorLimit caps the recent-error list in the status snapshot.
const statusErrorLimit = 10

// Engine owns the lifecycle of all components and the goroutines that
// connect them.
type Engine struct {
	cfg    config.Config
	auth   *exchange.Auth
	client *exchange.Client
	feed   *exchange.WSFeed
	store  *store.Store

	funds       *risk.Funds
	instruments *market.Instruments
	replicator  *strategy.Replicator
	recovery    *strategy.Recovery

	stateMu   sync.RWMutex
	state     State
	startedAt time.Time

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates and wires all engine components. The store opens here so a bad
// database path fails fast, before any session is validated.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, err
	}
	client := exchange.NewClient(cfg, auth, logger)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	client.SetAuditSink(st)

	funds := risk.NewFunds(client, st, cfg.Replication.FundsTTL, logger)
	instruments := market.NewInstruments(st, client, logger)
	replicator := strategy.NewReplicator(cfg, client, st, funds, instruments, logger)
	recovery := strategy.NewRecovery(client, st, replicator, logger)
	feed := exchange.NewOrderFeed(cfg.API.WSURL, cfg.Stream, auth, logger)

	return &Engine{
		cfg:         cfg,
		auth:        auth,
		client:      client,
		feed:        feed,
		store:       st,
		funds:       funds,
		instruments: instruments,
		replicator:  replicator,
		recovery:    recovery,
		state:       StateInit,
		startedAt:   time.Now(),
		logger:      logger.With("component", "engine"),
	}, nil
}

// Run drives the pipeline until ctx is cancelled or a component fails
// fatally. The returned error is nil on a clean operator-initiated stop.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setState(StateStopped)
	defer e.store.Close()

	e.startedAt = time.Now()
	if e.cfg.DryRun {
		e.logger.Warn("dry-run mode: follower orders are logged, never sent")
	}

	e.setState(StateAuthenticating)
	for _, account := range []types.Account{types.AccountLeader, types.AccountFollower} {
		if err := e.client.ValidateSession(ctx, account); err != nil {
			return fmt.Errorf("validate %s session: %w", account, err)
		}
	}

	e.setState(StateConnecting)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 1)

	// Stream reader. Run returns only when the reconnect budget is spent or
	// runCtx is cancelled; the former is fatal.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(runCtx); err != nil && runCtx.Err() == nil {
			e.fail(fatal, fmt.Errorf("order stream: %w", err))
		}
	}()

	queues := make([]chan types.OrderUpdate, e.cfg.Replication.WorkerCount)
	for i := range queues {
		queues[i] = make(chan types.OrderUpdate, workerQueueSize)
		e.wg.Add(1)
		go func(q <-chan types.OrderUpdate) {
			defer e.wg.Done()
			e.worker(runCtx, q, fatal)
		}(queues[i])
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch(runCtx, queues)
	}()

	// Replay whatever the leader did while the process was down. Events
	// arriving on the stream meanwhile queue up behind the dispatcher, and
	// mapping idempotency absorbs any overlap between the two paths.
	if n, err := e.recovery.Replay(runCtx); err != nil {
		cancel()
		e.drain()
		return fmt.Errorf("startup recovery: %w", err)
	} else if n > 0 {
		e.logger.Info("startup recovery replayed missed events", "count", n)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchReconnects(runCtx, fatal)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.healthMonitor(runCtx)
	}()

	e.setState(StateReady)
	e.logger.Info("replication pipeline ready",
		"workers", len(queues),
		"dry_run", e.cfg.DryRun)

	select {
	case <-ctx.Done():
		e.logger.Info("shutdown requested")
		cancel()
		e.drain()
		return nil
	case err := <-fatal:
		e.logger.Error("fatal pipeline error", "error", err)
		cancel()
		e.drain()
		return err
	}
}

// dispatch routes stream updates to the worker that owns the order id.
func (e *Engine) dispatch(ctx context.Context, queues []chan types.OrderUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.feed.Updates():
			q := queues[int(orderShard(ev.OrderID))%len(queues)]
			select {
			case q <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// worker applies events from its queue in order. Replicator errors are fatal
// only when Handle says so; everything recoverable is absorbed downstream.
func (e *Engine) worker(ctx context.Context, queue <-chan types.OrderUpdate, fatal chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			if err := e.replicator.Handle(ctx, ev); err != nil && ctx.Err() == nil {
				e.fail(fatal, fmt.Errorf("replicate order %s: %w", ev.OrderID, err))
			}
		}
	}
}

// watchReconnects replays missed events after every re-established stream
// session. The gap between disconnect and re-login is invisible to the
// stream, so only a REST replay closes it.
func (e *Engine) watchReconnects(ctx context.Context, fatal chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.feed.Reconnects():
			n, err := e.recovery.Replay(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.fail(fatal, fmt.Errorf("post-reconnect recovery: %w", err))
				}
				return
			}
			e.logger.Info("post-reconnect recovery complete", "replayed", n)
		}
	}
}

// healthMonitor periodically logs pipeline health and warns when the stream
// has gone quiet past the configured timeout.
func (e *Engine) healthMonitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Stream.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			age := time.Since(e.feed.LastHeartbeat())
			if age > e.cfg.Stream.HeartbeatTimeout {
				e.logger.Warn("order stream quiet",
					"last_heartbeat_age", age.Round(time.Second).String())
				continue
			}
			e.logger.Debug("pipeline healthy",
				"state", string(e.State()),
				"last_heartbeat_age", age.Round(time.Millisecond).String(),
				"breaker", string(e.client.Breaker().State()))
		}
	}
}

// drain closes the stream first so the blocked reader returns, then waits
// for in-flight work bounded by the drain timeout. Work still in flight at
// the deadline is abandoned; its leader events replay through recovery on
// the next start.
func (e *Engine) drain() {
	e.setState(StateDraining)
	e.feed.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("drain complete")
	case <-time.After(e.cfg.Replication.DrainTimeout):
		e.logger.Warn("drain timeout exceeded, abandoning in-flight work",
			"timeout", e.cfg.Replication.DrainTimeout.String())
	}
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
	e.logger.Info("state transition", "state", string(s))
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// fail delivers the first fatal error; later ones lose the race and are
// already logged at their source.
func (e *Engine) fail(fatal chan<- error, err error) {
	select {
	case fatal <- err:
	default:
	}
}

// orderShard maps a leader order id onto a stable worker index.
func orderShard(orderID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return h.Sum32()
}

// Status assembles the operator snapshot served on /status.
func (e *Engine) Status(ctx context.Context) (api.Status, error) {
	status := api.Status{
		State:         string(e.State()),
		UptimeSeconds: int64(time.Since(e.startedAt).Seconds()),
		DryRun:        e.cfg.DryRun,
		UnknownEvents: e.replicator.UnknownStatusCount(),
		Breaker:       string(e.client.Breaker().State()),
		Mappings:      make(map[string]int),
	}

	enabled, err := e.store.CopyEnabled(ctx, e.cfg.Replication.Enabled)
	if err != nil {
		return api.Status{}, fmt.Errorf("read kill switch: %w", err)
	}
	status.CopyEnabled = enabled

	if hb := e.feed.LastHeartbeat(); !hb.IsZero() {
		age := time.Since(hb)
		status.Stream = api.StreamStatus{
			Connected:      age < e.cfg.Stream.HeartbeatTimeout,
			HeartbeatAgeMS: age.Milliseconds(),
		}
	}

	cursor, ok, err := e.store.Cursor(ctx)
	if err != nil {
		return api.Status{}, fmt.Errorf("read cursor: %w", err)
	}
	if ok {
		status.Cursor = cursor.UTC().Format(time.RFC3339)
	}

	counts, err := e.store.MappingCounts(ctx)
	if err != nil {
		return api.Status{}, fmt.Errorf("count mappings: %w", err)
	}
	for mappingStatus, n := range counts {
		status.Mappings[string(mappingStatus)] = n
	}

	for _, account := range []types.Account{types.AccountLeader, types.AccountFollower} {
		snap, ok, err := e.store.LatestFunds(ctx, account)
		if err != nil {
			return api.Status{}, fmt.Errorf("read %s funds: %w", account, err)
		}
		if ok {
			status.Funds = append(status.Funds, api.FundsStatus{
				Account:   string(account),
				Available: snap.AvailableBalance.String(),
				FetchedAt: snap.FetchedAt.UTC().Format(time.RFC3339),
			})
		}
	}

	recent, err := e.store.RecentErrors(ctx, statusErrorLimit)
	if err != nil {
		return api.Status{}, fmt.Errorf("read recent errors: %w", err)
	}
	for _, rec := range recent {
		status.RecentErrors = append(status.RecentErrors, api.ErrorRecord{
			Action:     rec.Action,
			Account:    string(rec.Account),
			Error:      rec.Error,
			StatusCode: rec.StatusCode,
			At:         rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	return status, nil
}
