package trade_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/warp/card-escrow/trade"
	"github.com/warp/card-escrow/trade/store"
)

// TestEscrowProperties drives random sequences of trade operations and checks
// after every step that the ledger and the chains stay consistent.
func TestEscrowProperties(t *testing.T) {
	rapid.Check(t, rapid.Run(&escrowModel{}))
}

var (
	modelUsers = []trade.UserID{alice, bob, carol}
	modelInv   = map[trade.UserID]trade.InventoryID{alice: aliceInv, bob: bobInv, carol: carolInv}
	modelCards = []trade.CardID{c1, c2, c3}
)

const modelStartQty = 4

type escrowModel struct {
	ctx    context.Context
	mem    *store.Memory
	svc    *trade.Service
	clock  *fakeClock
	trades []trade.TradeID
}

func (m *escrowModel) Init(t *rapid.T) {
	m.ctx = context.Background()
	m.mem = store.NewMemory()
	m.clock = newFakeClock()
	m.svc = trade.NewService(m.mem, trade.WithClock(m.clock.Now))
	m.trades = nil
	for _, u := range modelUsers {
		require.NoError(t, m.svc.SaveInventory(m.ctx, trade.Inventory{ID: modelInv[u], OwnerID: u}))
		for _, c := range modelCards {
			_, err := m.svc.SetHolding(m.ctx, trade.Holding{InventoryID: modelInv[u], CardID: c, Quantity: modelStartQty, Tradeable: true})
			require.NoError(t, err)
		}
	}
}

func (m *escrowModel) drawItems(t *rapid.T, label string, minCount int) []trade.ItemInput {
	n := rapid.IntRange(minCount, 2).Draw(t, label+"_count").(int)
	items := make([]trade.ItemInput, n)
	for i := range items {
		items[i] = trade.ItemInput{
			CardID:   rapid.SampledFrom(modelCards).Draw(t, label+"_card").(trade.CardID),
			Quantity: rapid.IntRange(1, 3).Draw(t, label+"_qty").(int),
		}
	}
	return items
}

func (m *escrowModel) pick(t *rapid.T) (trade.TradeID, bool) {
	if len(m.trades) == 0 {
		return "", false
	}
	return rapid.SampledFrom(m.trades).Draw(t, "trade").(trade.TradeID), true
}

func (m *escrowModel) actor(t *rapid.T) trade.UserID {
	return rapid.SampledFrom(modelUsers).Draw(t, "actor").(trade.UserID)
}

// expectKnown fails on errors outside the engine taxonomy.
func expectKnown(t *rapid.T, err error) {
	if err == nil || trade.IsClientError(err) {
		return
	}
	t.Fatalf("unexpected error: %v", err)
}

func (m *escrowModel) Create(t *rapid.T) {
	from := m.actor(t)
	to := rapid.SampledFrom(modelUsers).Draw(t, "recipient").(trade.UserID)
	recipientInv := modelInv[to]
	if from == to {
		return
	}
	tr, err := m.svc.Create(m.ctx, trade.CreateInput{
		InitiatorID: from, RecipientID: to,
		InitiatorInventoryID: modelInv[from], RecipientInventoryID: recipientInv,
		Offered:   m.drawItems(t, "offer", 1),
		Requested: m.drawItems(t, "request", 0),
	})
	expectKnown(t, err)
	if err == nil {
		m.trades = append(m.trades, tr.ID)
	}
}

// Oversized proposals must be refused before anything is locked.
func (m *escrowModel) CreateOversized(t *rapid.T) {
	from := m.actor(t)
	to := rapid.SampledFrom(modelUsers).Draw(t, "recipient").(trade.UserID)
	if from == to {
		return
	}
	card := rapid.SampledFrom(modelCards).Draw(t, "card").(trade.CardID)
	first := rapid.IntRange(1, math.MaxInt).Draw(t, "first_qty").(int)
	second := rapid.IntRange(max(1, trade.MaxItemQuantity-first+1), math.MaxInt).Draw(t, "second_qty").(int)
	_, err := m.svc.Create(m.ctx, trade.CreateInput{
		InitiatorID: from, RecipientID: to,
		InitiatorInventoryID: modelInv[from], RecipientInventoryID: modelInv[to],
		Offered: []trade.ItemInput{{CardID: card, Quantity: first}, {CardID: card, Quantity: second}},
	})
	require.ErrorIs(t, err, trade.ErrValidation)
}

func (m *escrowModel) Accept(t *rapid.T) {
	id, ok := m.pick(t)
	if !ok {
		return
	}
	_, err := m.svc.Accept(m.ctx, id, m.actor(t), "")
	expectKnown(t, err)
}

func (m *escrowModel) Counter(t *rapid.T) {
	id, ok := m.pick(t)
	if !ok {
		return
	}
	child, err := m.svc.Counter(m.ctx, id, m.actor(t), trade.CounterInput{
		Offered:   m.drawItems(t, "counter_offer", 1),
		Requested: m.drawItems(t, "counter_request", 0),
	})
	expectKnown(t, err)
	if err == nil {
		m.trades = append(m.trades, child.ID)
	}
}

func (m *escrowModel) Confirm(t *rapid.T) {
	id, ok := m.pick(t)
	if !ok {
		return
	}
	_, err := m.svc.Confirm(m.ctx, id, m.actor(t))
	expectKnown(t, err)
}

func (m *escrowModel) Unconfirm(t *rapid.T) {
	id, ok := m.pick(t)
	if !ok {
		return
	}
	_, err := m.svc.Unconfirm(m.ctx, id, m.actor(t))
	expectKnown(t, err)
}

func (m *escrowModel) Reject(t *rapid.T) {
	id, ok := m.pick(t)
	if !ok {
		return
	}
	_, err := m.svc.Reject(m.ctx, id, m.actor(t), "")
	expectKnown(t, err)
}

func (m *escrowModel) Cancel(t *rapid.T) {
	id, ok := m.pick(t)
	if !ok {
		return
	}
	_, err := m.svc.Cancel(m.ctx, id, m.actor(t), "")
	expectKnown(t, err)
}

func (m *escrowModel) Expire(t *rapid.T) {
	hours := rapid.IntRange(1, 80).Draw(t, "hours").(int)
	m.clock.Advance(time.Duration(hours) * time.Hour)
	_, err := m.svc.ExpireDue(m.ctx)
	require.NoError(t, err)
}

func (m *escrowModel) Check(t *rapid.T) {
	err := m.mem.View(m.ctx, func(tx trade.Tx) error {
		// locked quantity equals what held reservations account for
		expectLocked := map[[2]string]int{}
		roots := map[trade.TradeID]int{}
		for _, u := range modelUsers {
			trades, _, err := tx.ListTrades(m.ctx, trade.ListFilter{UserID: u, Role: trade.RoleInitiator, IncludeExpired: true})
			if err != nil {
				return err
			}
			for _, tr := range trades {
				if !tr.Status.IsTerminal() {
					roots[tr.RootTradeID]++
				}
				items, err := tx.Items(m.ctx, tr.ID)
				if err != nil {
					return err
				}
				for _, dir := range []trade.Direction{trade.DirectionOffer, trade.DirectionRequest} {
					r, err := tx.Reservation(m.ctx, tr.ID, dir)
					if err != nil {
						return err
					}
					if !r.Held() {
						continue
					}
					for _, it := range items {
						if it.Direction == dir {
							expectLocked[[2]string{string(it.OwnerInventoryID), string(it.CardID)}] += it.Quantity
						}
					}
				}
			}
		}
		for root, open := range roots {
			require.LessOrEqual(t, open, 1, "chain %s has %d open trades", root, open)
		}

		for _, c := range modelCards {
			total := 0
			for _, u := range modelUsers {
				h, err := tx.Holding(m.ctx, modelInv[u], c)
				if err != nil {
					return err
				}
				require.GreaterOrEqual(t, h.LockedQuantity, 0)
				require.LessOrEqual(t, h.LockedQuantity, h.Quantity)
				require.Equal(t, expectLocked[[2]string{string(modelInv[u]), string(c)}], h.LockedQuantity,
					"locked %s/%s", modelInv[u], c)
				total += h.Quantity
			}
			require.Equal(t, modelStartQty*len(modelUsers), total, "card %s is conserved", c)
		}
		return nil
	})
	require.NoError(t, err)
}
