package strategy

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"dhan-mirror/internal/store"
	"dhan-mirror/pkg/types"
)

// recoveryLookback bounds the cold-start replay window when no cursor has
// ever been persisted.
const recoveryLookback = time.Hour

// Recovery replays leader orders the stream missed. It runs once at startup
// and again after every reconnect: the leader order book is fetched over
// REST, filtered to orders created after the persisted cursor, and fed
// through the same Replicator entry point as live events. The mapping's
// unique-by-leader-order-id constraint makes a replay of an already handled
// order a no-op.
type Recovery struct {
	client     Broker
	store      *store.Store
	replicator *Replicator
	logger     *slog.Logger
}

func NewRecovery(client Broker, st *store.Store, r *Replicator, logger *slog.Logger) *Recovery {
	return &Recovery{
		client:     client,
		store:      st,
		replicator: r,
		logger:     logger.With("component", "recovery"),
	}
}

// Replay fetches and processes missed leader orders, returning how many were
// replayed. A non-nil error is fatal to the pipeline; per-order failures are
// absorbed by the Replicator the same way they are for live events.
func (rc *Recovery) Replay(ctx context.Context) (int, error) {
	cursor, ok, err := rc.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		cursor = time.Now().Add(-recoveryLookback)
		rc.logger.Info("no cursor persisted, replaying recent history",
			"since", cursor.Format(time.RFC3339))
	}

	book, err := rc.client.ListOrders(ctx, types.AccountLeader)
	if err != nil {
		return 0, types.NewReplicationError(types.ErrKindTransport, "", err)
	}

	missed := make([]types.OrderUpdate, 0, len(book))
	for _, o := range book {
		created, ok := o.CreatedAt()
		if !ok || !created.After(cursor) {
			continue
		}
		o.Source = types.SourceRecovery
		missed = append(missed, o)
	}
	sort.SliceStable(missed, func(i, j int) bool {
		ti, _ := missed[i].CreatedAt()
		tj, _ := missed[j].CreatedAt()
		return ti.Before(tj)
	})

	for i, ev := range missed {
		if err := rc.replicator.Handle(ctx, ev); err != nil {
			return i, err
		}
	}

	if len(missed) > 0 {
		rc.logger.Info("recovery replay complete",
			"replayed", len(missed),
			"since", cursor.Format(time.RFC3339))
	} else {
		rc.logger.Debug("recovery found nothing to replay",
			"since", cursor.Format(time.RFC3339))
	}
	return len(missed), nil
}
