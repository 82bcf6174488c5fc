package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"dhan-mirror/pkg/types"
)

// UpsertMapping writes one leader→follower mapping row. The leader order id
// primary key enforces the 1:1 invariant; re-running a replication can only
// update the single existing row, never create a second follower order record.
func (t *Tx) UpsertMapping(ctx context.Context, m types.CopyMapping) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO copy_mappings
			(leader_order_id, follower_order_id, leader_qty, follower_qty,
			 sizing_strategy, capital_ratio, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(leader_order_id) DO UPDATE SET
			follower_order_id = excluded.follower_order_id,
			leader_qty        = excluded.leader_qty,
			follower_qty      = excluded.follower_qty,
			sizing_strategy   = excluded.sizing_strategy,
			capital_ratio     = excluded.capital_ratio,
			status            = excluded.status,
			error_message     = excluded.error_message,
			updated_at        = excluded.updated_at
	`, m.LeaderOrderID, m.FollowerOrderID, m.LeaderQty, m.FollowerQty,
		string(m.SizingStrategy), m.CapitalRatio.String(), string(m.Status),
		m.ErrorMessage, fmtTime(createdAt), fmtTime(updatedAt),
	); err != nil {
		return fmt.Errorf("store.UpsertMapping: %s: %w", m.LeaderOrderID, err)
	}
	return nil
}

// GetMappingByLeader reads the mapping for one leader order. ok is false when
// the leader order has never been processed.
func (s *Store) GetMappingByLeader(ctx context.Context, leaderOrderID string) (*types.CopyMapping, bool, error) {
	var m types.CopyMapping
	var strategy, ratio, status, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT leader_order_id, follower_order_id, leader_qty, follower_qty,
		       sizing_strategy, capital_ratio, status, error_message, created_at, updated_at
		FROM copy_mappings WHERE leader_order_id = ?
	`, leaderOrderID).Scan(
		&m.LeaderOrderID, &m.FollowerOrderID, &m.LeaderQty, &m.FollowerQty,
		&strategy, &ratio, &status, &m.ErrorMessage, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store.GetMappingByLeader: %s: %w", leaderOrderID, err)
	}

	m.SizingStrategy = types.SizingStrategy(strategy)
	m.CapitalRatio = parseDec(ratio)
	m.Status = types.MappingStatus(status)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, true, nil
}

// GetMappingByFollower reads the mapping owning one follower order.
func (s *Store) GetMappingByFollower(ctx context.Context, followerOrderID string) (*types.CopyMapping, bool, error) {
	var leaderOrderID string
	err := s.db.QueryRowContext(ctx,
		`SELECT leader_order_id FROM copy_mappings WHERE follower_order_id = ?`,
		followerOrderID,
	).Scan(&leaderOrderID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store.GetMappingByFollower: %s: %w", followerOrderID, err)
	}
	return s.GetMappingByLeader(ctx, leaderOrderID)
}

// MappingCounts reports mapping rows per status, for the ops surface.
func (s *Store) MappingCounts(ctx context.Context) (map[types.MappingStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM copy_mappings GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("store.MappingCounts: query: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.MappingStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store.MappingCounts: scan: %w", err)
		}
		counts[types.MappingStatus(status)] = n
	}
	return counts, rows.Err()
}

// UpsertBracketLeg writes one bracket-leg row keyed by (parent, account, leg).
func (t *Tx) UpsertBracketLeg(ctx context.Context, leg types.BracketLeg) error {
	updatedAt := leg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO bracket_legs (parent_order_id, account, leg_type, leg_order_id, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(parent_order_id, account, leg_type) DO UPDATE SET
			leg_order_id = excluded.leg_order_id,
			status       = excluded.status,
			updated_at   = excluded.updated_at
	`, leg.ParentOrderID, string(leg.Account), string(leg.LegType),
		leg.LegOrderID, string(leg.Status), fmtTime(updatedAt),
	); err != nil {
		return fmt.Errorf("store.UpsertBracketLeg: %s/%s: %w", leg.ParentOrderID, leg.LegType, err)
	}
	return nil
}

// BracketLegs returns all legs recorded under one parent order and account.
func (s *Store) BracketLegs(ctx context.Context, account types.Account, parentOrderID string) ([]types.BracketLeg, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_order_id, account, leg_type, leg_order_id, status, updated_at
		FROM bracket_legs WHERE account = ? AND parent_order_id = ? ORDER BY leg_type
	`, string(account), parentOrderID)
	if err != nil {
		return nil, fmt.Errorf("store.BracketLegs: query: %w", err)
	}
	defer rows.Close()
	return collectLegs(rows, "store.BracketLegs")
}

// ActiveBracketLegs returns the account's non-terminal legs across parents.
func (s *Store) ActiveBracketLegs(ctx context.Context, account types.Account) ([]types.BracketLeg, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_order_id, account, leg_type, leg_order_id, status, updated_at
		FROM v_active_bracket_legs WHERE account = ?
	`, string(account))
	if err != nil {
		return nil, fmt.Errorf("store.ActiveBracketLegs: query: %w", err)
	}
	defer rows.Close()
	return collectLegs(rows, "store.ActiveBracketLegs")
}

func collectLegs(rows *sql.Rows, op string) ([]types.BracketLeg, error) {
	var legs []types.BracketLeg
	for rows.Next() {
		var leg types.BracketLeg
		var account, legType, status, updatedAt string
		if err := rows.Scan(&leg.ParentOrderID, &account, &legType, &leg.LegOrderID, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		leg.Account = types.Account(account)
		leg.LegType = types.LegType(legType)
		leg.Status = types.OrderStatus(status)
		leg.UpdatedAt = parseTime(updatedAt)
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

// Replication bundles everything one handled event writes. Zero-value fields
// are skipped.
type Replication struct {
	Orders  []types.Order
	Mapping *types.CopyMapping
	Legs    []types.BracketLeg
	Event   *types.OrderEvent
	Cursor  time.Time // zero = leave the cursor alone
}

// CommitReplication lands one handled event in a single transaction: order
// rows, the mapping, bracket legs, the event append and the cursor advance
// all commit together or not at all.
func (s *Store) CommitReplication(ctx context.Context, rep Replication) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, o := range rep.Orders {
			if err := tx.UpsertOrder(ctx, o); err != nil {
				return err
			}
		}
		if rep.Mapping != nil {
			if err := tx.UpsertMapping(ctx, *rep.Mapping); err != nil {
				return err
			}
		}
		for _, leg := range rep.Legs {
			if err := tx.UpsertBracketLeg(ctx, leg); err != nil {
				return err
			}
		}
		if rep.Event != nil {
			if err := tx.AppendEvent(ctx, *rep.Event); err != nil {
				return err
			}
		}
		if !rep.Cursor.IsZero() {
			if err := tx.AdvanceCursor(ctx, rep.Cursor); err != nil {
				return err
			}
		}
		return nil
	})
}
