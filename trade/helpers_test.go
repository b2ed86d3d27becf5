package trade_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/card-escrow/trade"
	"github.com/warp/card-escrow/trade/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	alice trade.UserID = "alice"
	bob   trade.UserID = "bob"
	carol trade.UserID = "carol"

	aliceInv   trade.InventoryID = "inv-alice"
	aliceVault trade.InventoryID = "inv-alice-vault"
	bobInv     trade.InventoryID = "inv-bob"
	carolInv   trade.InventoryID = "inv-carol"

	c1 trade.CardID = "C1"
	c2 trade.CardID = "C2"
	c3 trade.CardID = "C3"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store trade.Store
	mem   *store.Memory
	svc   *trade.Service
	clock *fakeClock
}

func newFixture(t *testing.T, opts ...trade.Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	return newFixtureWithStore(t, mem, mem, opts...)
}

func newFixtureWithStore(t *testing.T, mem *store.Memory, st trade.Store, opts ...trade.Option) *fixture {
	t.Helper()
	clock := newFakeClock()
	opts = append([]trade.Option{trade.WithClock(clock.Now)}, opts...)
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: st,
		mem:   mem,
		svc:   trade.NewService(st, opts...),
		clock: clock,
	}
	f.inventory(aliceInv, alice)
	f.inventory(aliceVault, alice)
	f.inventory(bobInv, bob)
	f.inventory(carolInv, carol)
	return f
}

func (f *fixture) inventory(id trade.InventoryID, owner trade.UserID) {
	f.t.Helper()
	require.NoError(f.t, f.svc.SaveInventory(f.ctx, trade.Inventory{ID: id, OwnerID: owner, Name: string(id)}))
}

func (f *fixture) holding(inv trade.InventoryID, card trade.CardID, qty int) {
	f.t.Helper()
	_, err := f.svc.SetHolding(f.ctx, trade.Holding{InventoryID: inv, CardID: card, Quantity: qty, Tradeable: true})
	require.NoError(f.t, err)
}

func (f *fixture) untradeable(inv trade.InventoryID, card trade.CardID, qty int) {
	f.t.Helper()
	_, err := f.svc.SetHolding(f.ctx, trade.Holding{InventoryID: inv, CardID: card, Quantity: qty, Tradeable: false})
	require.NoError(f.t, err)
}

// held returns (quantity, locked) of a holding, zeros when absent.
func (f *fixture) held(inv trade.InventoryID, card trade.CardID) (int, int) {
	f.t.Helper()
	h, err := f.svc.Holding(f.ctx, inv, card)
	if trade.IsNotFound(err) {
		return 0, 0
	}
	require.NoError(f.t, err)
	return h.Quantity, h.LockedQuantity
}

func (f *fixture) status(id trade.TradeID) trade.Status {
	f.t.Helper()
	d, err := f.svc.Get(f.ctx, id)
	require.NoError(f.t, err)
	return d.Trade.Status
}

func (f *fixture) actions(id trade.TradeID) []trade.Action {
	f.t.Helper()
	h, err := f.svc.History(f.ctx, id)
	require.NoError(f.t, err)
	out := make([]trade.Action, len(h))
	for i, e := range h {
		out[i] = e.Action
	}
	return out
}

func cards(pairs ...any) []trade.ItemInput {
	var out []trade.ItemInput
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, trade.ItemInput{CardID: pairs[i].(trade.CardID), Quantity: pairs[i+1].(int)})
	}
	return out
}

// propose creates alice -> bob offering/requesting the given cards.
func (f *fixture) propose(offered, requested []trade.ItemInput) *trade.Trade {
	f.t.Helper()
	tr, err := f.svc.Create(f.ctx, trade.CreateInput{
		InitiatorID:          alice,
		RecipientID:          bob,
		InitiatorInventoryID: aliceInv,
		RecipientInventoryID: bobInv,
		Offered:              offered,
		Requested:            requested,
	})
	require.NoError(f.t, err)
	return tr
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

var errLedgerDown = errors.New("ledger unavailable")

// flakyStore fails the Nth ledger transfer of every transaction.
type flakyStore struct {
	trade.Store
	mu        sync.Mutex
	failAfter int // transfers allowed before the failing one; negative disables

	// afterExchangeFailure runs once, right after a transaction aborted by a
	// failed exchange has rolled back.
	afterExchangeFailure func()
}

func (s *flakyStore) onExchangeFailure(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterExchangeFailure = fn
}

func (s *flakyStore) setFailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(trade.Tx) error) error {
	s.mu.Lock()
	n := s.failAfter
	s.mu.Unlock()
	err := s.Store.WithTx(ctx, func(tx trade.Tx) error {
		return fn(&flakyTx{Tx: tx, remaining: n})
	})
	if errors.Is(err, trade.ErrExchangeFailed) {
		s.mu.Lock()
		hook := s.afterExchangeFailure
		s.afterExchangeFailure = nil
		s.mu.Unlock()
		if hook != nil {
			hook()
		}
	}
	return err
}

type flakyTx struct {
	trade.Tx
	remaining int
}

func (tx *flakyTx) Transfer(ctx context.Context, from, to trade.InventoryID, card trade.CardID, qty int) error {
	if tx.remaining == 0 {
		return errLedgerDown
	}
	tx.remaining--
	return tx.Tx.Transfer(ctx, from, to, card, qty)
}
