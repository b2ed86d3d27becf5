package trade

import (
	"context"
	"fmt"
	"sort"
)

// Executor performs the ownership swap of a fully confirmed trade.
//
// The swap runs inside the caller's store transaction. Every involved row is
// re-validated before the first write; if any check or write fails the
// caller rolls the transaction back, so no partial exchange is ever visible.
type Executor struct {
	locks *LockManager
}

func NewExecutor(locks *LockManager) *Executor {
	return &Executor{locks: locks}
}

type move struct {
	from, to InventoryID
	card     CardID
	qty      int
}

type holdingKey struct {
	inv  InventoryID
	card CardID
}

// Execute transfers every offer item initiator->recipient and every request
// item recipient->initiator, then settles both reservations.
func (x *Executor) Execute(ctx context.Context, tx Tx, t *Trade, items []Item) error {
	moves := planMoves(t, items)

	if err := x.preflight(ctx, tx, t, moves); err != nil {
		return &ExchangeError{TradeID: t.ID, Err: err}
	}
	for _, mv := range moves {
		if err := tx.Transfer(ctx, mv.from, mv.to, mv.card, mv.qty); err != nil {
			return &ExchangeError{TradeID: t.ID, Err: fmt.Errorf("transfer %d of %s from %s to %s: %w", mv.qty, mv.card, mv.from, mv.to, err)}
		}
	}
	for _, dir := range []Direction{DirectionOffer, DirectionRequest} {
		if err := x.locks.Settle(ctx, tx, t.ID, dir); err != nil {
			return &ExchangeError{TradeID: t.ID, Err: err}
		}
	}
	return nil
}

// planMoves merges items into one move per (source, destination, card) in a
// stable order so concurrent exchanges touch rows in the same sequence.
func planMoves(t *Trade, items []Item) []move {
	type key struct {
		from, to InventoryID
		card     CardID
	}
	sum := map[key]int{}
	var order []key
	for _, it := range items {
		k := key{from: it.OwnerInventoryID, to: t.destination(it.Direction), card: it.CardID}
		if _, ok := sum[k]; !ok {
			order = append(order, k)
		}
		sum[k] += it.Quantity
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.from != b.from {
			return a.from < b.from
		}
		if a.card != b.card {
			return a.card < b.card
		}
		return a.to < b.to
	})
	moves := make([]move, 0, len(order))
	for _, k := range order {
		moves = append(moves, move{from: k.from, to: k.to, card: k.card, qty: sum[k]})
	}
	return moves
}

// preflight checks every source row holds and has locked at least what
// leaves it, and every destination inventory exists.
func (x *Executor) preflight(ctx context.Context, tx Tx, t *Trade, moves []move) error {
	need := map[holdingKey]int{}
	dests := map[InventoryID]bool{}
	for _, mv := range moves {
		need[holdingKey{mv.from, mv.card}] += mv.qty
		dests[mv.to] = true
	}
	for k, qty := range need {
		h, err := tx.Holding(ctx, k.inv, k.card)
		if err != nil {
			return fmt.Errorf("preflight %s/%s: %w", k.inv, k.card, err)
		}
		if h.Quantity < qty {
			return fmt.Errorf("preflight %s/%s: quantity %d below %d", k.inv, k.card, h.Quantity, qty)
		}
		if h.LockedQuantity < qty {
			return fmt.Errorf("preflight %s/%s: locked quantity %d below %d", k.inv, k.card, h.LockedQuantity, qty)
		}
	}
	for inv := range dests {
		if _, err := tx.Inventory(ctx, inv); err != nil {
			return fmt.Errorf("preflight destination %s: %w", inv, err)
		}
	}
	return nil
}
