// Package store provides an in-memory trade.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/card-escrow/trade"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes writers with one mutex. A transaction writes in place and
// restores a snapshot when fn returns an error.
type Memory struct {
	mu           sync.RWMutex
	inventories  map[trade.InventoryID]trade.Inventory
	holdings     map[holdingKey]trade.Holding
	trades       map[trade.TradeID]trade.Trade
	items        map[trade.TradeID][]trade.Item
	reservations map[reservationKey]trade.Reservation
	history      map[trade.TradeID][]trade.HistoryEntry
}

type holdingKey struct {
	inv  trade.InventoryID
	card trade.CardID
}

type reservationKey struct {
	id  trade.TradeID
	dir trade.Direction
}

func NewMemory() *Memory {
	return &Memory{
		inventories:  make(map[trade.InventoryID]trade.Inventory),
		holdings:     make(map[holdingKey]trade.Holding),
		trades:       make(map[trade.TradeID]trade.Trade),
		items:        make(map[trade.TradeID][]trade.Item),
		reservations: make(map[reservationKey]trade.Reservation),
		history:      make(map[trade.TradeID][]trade.HistoryEntry),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(trade.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// View runs fn under the read lock.
func (m *Memory) View(ctx context.Context, fn func(trade.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTx{m: m, readOnly: true})
}

type memorySnapshot struct {
	inventories  map[trade.InventoryID]trade.Inventory
	holdings     map[holdingKey]trade.Holding
	trades       map[trade.TradeID]trade.Trade
	items        map[trade.TradeID][]trade.Item
	reservations map[reservationKey]trade.Reservation
	history      map[trade.TradeID][]trade.HistoryEntry
}

func (m *Memory) snapshot() memorySnapshot {
	return memorySnapshot{
		inventories:  cloneMap(m.inventories),
		holdings:     cloneMap(m.holdings),
		trades:       cloneMap(m.trades),
		items:        cloneSlices(m.items),
		reservations: cloneMap(m.reservations),
		history:      cloneSlices(m.history),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.inventories = s.inventories
	m.holdings = s.holdings
	m.trades = s.trades
	m.items = s.items
	m.reservations = s.reservations
	m.history = s.history
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSlices[K comparable, V any](in map[K][]V) map[K][]V {
	out := make(map[K][]V, len(in))
	for k, v := range in {
		out[k] = append([]V(nil), v...)
	}
	return out
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type memoryTx struct {
	m        *Memory
	readOnly bool
}

var errReadOnly = fmt.Errorf("write inside read-only view")

func (tx *memoryTx) writable() error {
	if tx.readOnly {
		return errReadOnly
	}
	return nil
}

// LockChain is a no-op: the store mutex already serializes every writer.
func (tx *memoryTx) LockChain(context.Context, trade.TradeID) error { return nil }

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

func (tx *memoryTx) Inventory(_ context.Context, id trade.InventoryID) (*trade.Inventory, error) {
	inv, ok := tx.m.inventories[id]
	if !ok {
		return nil, &trade.NotFoundError{Kind: "inventory", ID: string(id)}
	}
	return &inv, nil
}

func (tx *memoryTx) Holding(_ context.Context, inv trade.InventoryID, card trade.CardID) (*trade.Holding, error) {
	h, ok := tx.m.holdings[holdingKey{inv, card}]
	if !ok {
		return nil, &trade.NotFoundError{Kind: "holding", ID: string(inv) + "/" + string(card)}
	}
	return &h, nil
}

func (tx *memoryTx) Reserve(_ context.Context, inv trade.InventoryID, card trade.CardID, qty int) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if err := positive(qty); err != nil {
		return err
	}
	k := holdingKey{inv, card}
	h := tx.m.holdings[k]
	if h.Available() < qty {
		return &trade.InsufficientQuantityError{InventoryID: inv, CardID: card, Available: h.Available(), Requested: qty}
	}
	h.LockedQuantity += qty
	tx.m.holdings[k] = h
	return nil
}

func (tx *memoryTx) Release(_ context.Context, inv trade.InventoryID, card trade.CardID, qty int) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if err := positive(qty); err != nil {
		return err
	}
	k := holdingKey{inv, card}
	h, ok := tx.m.holdings[k]
	if !ok || h.LockedQuantity < qty {
		return fmt.Errorf("release %d of %s/%s: only %d locked", qty, inv, card, h.LockedQuantity)
	}
	h.LockedQuantity -= qty
	tx.m.holdings[k] = h
	return nil
}

func (tx *memoryTx) Transfer(_ context.Context, from, to trade.InventoryID, card trade.CardID, qty int) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if err := positive(qty); err != nil {
		return err
	}
	if _, ok := tx.m.inventories[to]; !ok {
		return &trade.NotFoundError{Kind: "inventory", ID: string(to)}
	}
	src := holdingKey{from, card}
	h, ok := tx.m.holdings[src]
	if !ok || h.Quantity < qty || h.LockedQuantity < qty {
		return fmt.Errorf("transfer %d of %s from %s: quantity %d, locked %d", qty, card, from, h.Quantity, h.LockedQuantity)
	}
	h.Quantity -= qty
	h.LockedQuantity -= qty
	tx.m.holdings[src] = h

	dst := holdingKey{to, card}
	d, ok := tx.m.holdings[dst]
	if !ok {
		d = trade.Holding{InventoryID: to, CardID: card, Tradeable: true}
	}
	d.Quantity += qty
	tx.m.holdings[dst] = d
	return nil
}

func (tx *memoryTx) SaveInventory(_ context.Context, inv trade.Inventory) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.m.inventories[inv.ID] = inv
	return nil
}

func (tx *memoryTx) SetHolding(_ context.Context, h trade.Holding) error {
	if err := tx.writable(); err != nil {
		return err
	}
	k := holdingKey{h.InventoryID, h.CardID}
	cur := tx.m.holdings[k]
	if h.Quantity < cur.LockedQuantity {
		return &trade.ValidationError{Field: "quantity", Message: fmt.Sprintf("%d cards are locked by open trades", cur.LockedQuantity)}
	}
	h.LockedQuantity = cur.LockedQuantity
	tx.m.holdings[k] = h
	return nil
}

// -----------------------------------------------------------------------------
// Trades
// -----------------------------------------------------------------------------

func (tx *memoryTx) InsertTrade(_ context.Context, t *trade.Trade) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.m.trades[t.ID]; ok {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	tx.m.trades[t.ID] = *t
	return nil
}

func (tx *memoryTx) GetTrade(_ context.Context, id trade.TradeID) (*trade.Trade, error) {
	t, ok := tx.m.trades[id]
	if !ok {
		return nil, &trade.NotFoundError{Kind: "trade", ID: string(id)}
	}
	return &t, nil
}

func (tx *memoryTx) UpdateTrade(_ context.Context, t *trade.Trade, expected trade.Status) error {
	if err := tx.writable(); err != nil {
		return err
	}
	cur, ok := tx.m.trades[t.ID]
	if !ok {
		return &trade.NotFoundError{Kind: "trade", ID: string(t.ID)}
	}
	if cur.Status != expected {
		return &trade.InvalidStateError{TradeID: t.ID, Status: cur.Status, Reason: "status changed concurrently"}
	}
	tx.m.trades[t.ID] = *t
	return nil
}

func (tx *memoryTx) ChainTrades(_ context.Context, root trade.TradeID) ([]trade.Trade, error) {
	var out []trade.Trade
	for _, t := range tx.m.trades {
		if t.RootTradeID == root {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterCount < out[j].CounterCount })
	return out, nil
}

func (tx *memoryTx) ListTrades(_ context.Context, f trade.ListFilter) ([]trade.Trade, int, error) {
	var all []trade.Trade
	for _, t := range tx.m.trades {
		if f.Matches(&t) {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := len(all)
	if f.Limit <= 0 {
		return all, total, nil
	}
	if f.Offset >= total {
		return nil, total, nil
	}
	end := min(f.Offset+f.Limit, total)
	return all[f.Offset:end], total, nil
}

func (tx *memoryTx) DueTrades(_ context.Context, now time.Time, limit int) ([]trade.TradeID, error) {
	var due []trade.Trade
	for _, t := range tx.m.trades {
		if t.IsDue(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]trade.TradeID, len(due))
	for i, t := range due {
		ids[i] = t.ID
	}
	return ids, nil
}

// -----------------------------------------------------------------------------
// Items and reservations
// -----------------------------------------------------------------------------

func (tx *memoryTx) InsertItems(_ context.Context, items []trade.Item) error {
	if err := tx.writable(); err != nil {
		return err
	}
	for _, it := range items {
		tx.m.items[it.TradeID] = append(tx.m.items[it.TradeID], it)
	}
	return nil
}

func (tx *memoryTx) Items(_ context.Context, id trade.TradeID) ([]trade.Item, error) {
	return append([]trade.Item(nil), tx.m.items[id]...), nil
}

func (tx *memoryTx) SaveReservation(_ context.Context, r *trade.Reservation) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.m.reservations[reservationKey{r.TradeID, r.Direction}] = *r
	return nil
}

func (tx *memoryTx) Reservation(_ context.Context, id trade.TradeID, dir trade.Direction) (*trade.Reservation, error) {
	r, ok := tx.m.reservations[reservationKey{id, dir}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

func (tx *memoryTx) AppendHistory(_ context.Context, e *trade.HistoryEntry) error {
	if err := tx.writable(); err != nil {
		return err
	}
	entries := tx.m.history[e.RootTradeID]
	for _, existing := range entries {
		if existing.SequenceNumber == e.SequenceNumber {
			return fmt.Errorf("history sequence %d already used in chain %s", e.SequenceNumber, e.RootTradeID)
		}
	}
	tx.m.history[e.RootTradeID] = append(entries, *e)
	return nil
}

func (tx *memoryTx) LastSequence(_ context.Context, root trade.TradeID) (int64, error) {
	var last int64
	for _, e := range tx.m.history[root] {
		last = max(last, e.SequenceNumber)
	}
	return last, nil
}

func (tx *memoryTx) ChainHistory(_ context.Context, root trade.TradeID) ([]trade.HistoryEntry, error) {
	out := append([]trade.HistoryEntry(nil), tx.m.history[root]...)
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

func (tx *memoryTx) ResolvedRoots(_ context.Context, cutoff time.Time) ([]trade.TradeID, error) {
	type chain struct {
		open     bool
		resolved time.Time
	}
	chains := map[trade.TradeID]*chain{}
	for _, t := range tx.m.trades {
		c, ok := chains[t.RootTradeID]
		if !ok {
			c = &chain{}
			chains[t.RootTradeID] = c
		}
		if !t.Status.IsTerminal() || t.ResolvedAt == nil {
			c.open = true
			continue
		}
		if t.ResolvedAt.After(c.resolved) {
			c.resolved = *t.ResolvedAt
		}
	}
	var roots []trade.TradeID
	for root, c := range chains {
		if !c.open && c.resolved.Before(cutoff) {
			roots = append(roots, root)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots, nil
}

func (tx *memoryTx) DeleteChain(_ context.Context, root trade.TradeID) (trade.ChainCounts, error) {
	var counts trade.ChainCounts
	if err := tx.writable(); err != nil {
		return counts, err
	}
	for id, t := range tx.m.trades {
		if t.RootTradeID != root {
			continue
		}
		counts.Trades++
		counts.Items += len(tx.m.items[id])
		delete(tx.m.items, id)
		for _, dir := range []trade.Direction{trade.DirectionOffer, trade.DirectionRequest} {
			k := reservationKey{id, dir}
			if _, ok := tx.m.reservations[k]; ok {
				counts.Reservations++
				delete(tx.m.reservations, k)
			}
		}
		delete(tx.m.trades, id)
	}
	counts.History = len(tx.m.history[root])
	delete(tx.m.history, root)
	return counts, nil
}

// positive keeps the ledger from moving zero or negative amounts, which would
// let locked_quantity drop below zero.
func positive(qty int) error {
	if qty <= 0 {
		return &trade.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be positive, got %d", qty)}
	}
	return nil
}
