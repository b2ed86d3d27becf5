package trade

import (
	"context"
	"fmt"
	"time"
)

// LockManager pairs every ledger reserve/release with a Reservation record so
// that escrow can be released exactly once per (trade, direction).
type LockManager struct {
	clock func() time.Time
}

func NewLockManager(clock func() time.Time) *LockManager {
	if clock == nil {
		clock = time.Now
	}
	return &LockManager{clock: clock}
}

// Reserve locks items of one direction for the trade. Availability is checked
// by the ledger's conditional write at the instant of the call, so a value read
// earlier in the same operation is never trusted.
func (m *LockManager) Reserve(ctx context.Context, tx Tx, t *Trade, dir Direction, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	existing, err := tx.Reservation(ctx, t.ID, dir)
	if err != nil {
		return err
	}
	if existing.Held() {
		return fmt.Errorf("trade %s: %s side already reserved: %w", t.ID, dir, ErrInvalidState)
	}

	inv := t.source(dir)
	for _, it := range items {
		if err := tx.Reserve(ctx, inv, it.CardID, it.Quantity); err != nil {
			return err
		}
	}
	return tx.SaveReservation(ctx, &Reservation{
		TradeID:     t.ID,
		Direction:   dir,
		InventoryID: inv,
		ReservedAt:  m.clock(),
	})
}

// Release unlocks one direction. Returns false when nothing was held: the
// reservation never existed, was already released, or was consumed by the exchange.
func (m *LockManager) Release(ctx context.Context, tx Tx, id TradeID, dir Direction) (bool, error) {
	r, err := tx.Reservation(ctx, id, dir)
	if err != nil {
		return false, err
	}
	if !r.Held() {
		return false, nil
	}
	items, err := tx.Items(ctx, id)
	if err != nil {
		return false, err
	}
	for _, it := range filterItems(items, dir) {
		if err := tx.Release(ctx, r.InventoryID, it.CardID, it.Quantity); err != nil {
			return false, fmt.Errorf("release %s of trade %s: %w", dir, id, err)
		}
	}
	now := m.clock()
	r.ReleasedAt = &now
	return true, tx.SaveReservation(ctx, r)
}

// ReleaseAll releases both directions and reports which ones were held.
func (m *LockManager) ReleaseAll(ctx context.Context, tx Tx, id TradeID) ([]Direction, error) {
	var released []Direction
	for _, dir := range []Direction{DirectionOffer, DirectionRequest} {
		ok, err := m.Release(ctx, tx, id, dir)
		if err != nil {
			return released, err
		}
		if ok {
			released = append(released, dir)
		}
	}
	return released, nil
}

// Settle marks a reservation as consumed by a completed exchange.
func (m *LockManager) Settle(ctx context.Context, tx Tx, id TradeID, dir Direction) error {
	r, err := tx.Reservation(ctx, id, dir)
	if err != nil {
		return err
	}
	if !r.Held() {
		return nil
	}
	now := m.clock()
	r.SettledAt = &now
	return tx.SaveReservation(ctx, r)
}

// Held returns the directions of the trade whose cards are still locked.
func (m *LockManager) Held(ctx context.Context, tx Tx, id TradeID) ([]Direction, error) {
	var held []Direction
	for _, dir := range []Direction{DirectionOffer, DirectionRequest} {
		r, err := tx.Reservation(ctx, id, dir)
		if err != nil {
			return nil, err
		}
		if r.Held() {
			held = append(held, dir)
		}
	}
	return held, nil
}
