package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/card-escrow/store/sqlite"
	"github.com/warp/card-escrow/trade"
)

var start = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seed(t *testing.T, svc *trade.Service) {
	t.Helper()
	ctx := context.Background()
	for _, inv := range []trade.Inventory{
		{ID: "inv-alice", OwnerID: "alice"},
		{ID: "inv-bob", OwnerID: "bob"},
	} {
		require.NoError(t, svc.SaveInventory(ctx, inv))
	}
	for _, h := range []trade.Holding{
		{InventoryID: "inv-alice", CardID: "C1", Quantity: 5, Tradeable: true},
		{InventoryID: "inv-bob", CardID: "C2", Quantity: 3, Tradeable: true},
	} {
		_, err := svc.SetHolding(ctx, h)
		require.NoError(t, err)
	}
}

func propose(t *testing.T, svc *trade.Service) *trade.Trade {
	t.Helper()
	tr, err := svc.Create(context.Background(), trade.CreateInput{
		InitiatorID: "alice", RecipientID: "bob",
		InitiatorInventoryID: "inv-alice", RecipientInventoryID: "inv-bob",
		Offered:   []trade.ItemInput{{CardID: "C1", Quantity: 2}},
		Requested: []trade.ItemInput{{CardID: "C2", Quantity: 1}},
		Message:   "fair swap",
	})
	require.NoError(t, err)
	return tr
}

func holding(t *testing.T, svc *trade.Service, inv trade.InventoryID, card trade.CardID) trade.Holding {
	t.Helper()
	h, err := svc.Holding(context.Background(), inv, card)
	require.NoError(t, err)
	return *h
}

func TestSQLite_ExchangeRoundTrip(t *testing.T) {
	// GIVEN: Alice offers 2 of C1 for 1 of Bob's C2
	// WHEN: Bob accepts and both parties confirm
	// THEN: Ownership moves, locks are cleared and the history is sequenced

	ctx := context.Background()
	st := newStore(t)
	c := &clock{now: start}
	svc := trade.NewService(st, trade.WithClock(c.Now))
	seed(t, svc)

	tr := propose(t, svc)
	assert.Equal(t, 2, holding(t, svc, "inv-alice", "C1").LockedQuantity)

	_, err := svc.Accept(ctx, tr.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, 1, holding(t, svc, "inv-bob", "C2").LockedQuantity)

	_, err = svc.Confirm(ctx, tr.ID, "alice")
	require.NoError(t, err)

	detail, err := svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusCompleted, detail.Trade.Status)
	assert.True(t, detail.Trade.BothConfirmed())
	require.NotNil(t, detail.Trade.ResolvedAt)
	assert.Equal(t, start, detail.Trade.CreatedAt)
	assert.Equal(t, "fair swap", detail.Trade.Message)
	assert.Len(t, detail.Offered(), 1)
	assert.Len(t, detail.Requested(), 1)

	assert.Equal(t, trade.Holding{InventoryID: "inv-alice", CardID: "C1", Quantity: 3, Tradeable: true}, holding(t, svc, "inv-alice", "C1"))
	assert.Equal(t, 2, holding(t, svc, "inv-bob", "C1").Quantity)
	assert.Equal(t, 1, holding(t, svc, "inv-alice", "C2").Quantity)
	assert.Equal(t, trade.Holding{InventoryID: "inv-bob", CardID: "C2", Quantity: 2, Tradeable: true}, holding(t, svc, "inv-bob", "C2"))

	history, err := svc.History(ctx, tr.ID)
	require.NoError(t, err)
	var actions []trade.Action
	for i, e := range history {
		assert.Equal(t, int64(i+1), e.SequenceNumber)
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []trade.Action{trade.ActionCreated, trade.ActionAccepted, trade.ActionConfirmed, trade.ActionCompleted}, actions)
	assert.Equal(t, float64(1), history[0].Details["offered"], "details survive a JSON round trip")
}

func TestSQLite_ReserveIsConditional(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := trade.NewService(st)
	seed(t, svc)

	err := st.WithTx(ctx, func(tx trade.Tx) error {
		if err := tx.Reserve(ctx, "inv-alice", "C1", 4); err != nil {
			return err
		}
		return tx.Reserve(ctx, "inv-alice", "C1", 2)
	})
	var short *trade.InsufficientQuantityError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 1, short.Available)
	assert.Equal(t, 2, short.Requested)

	// the failed transaction rolled back the first reservation too
	assert.Equal(t, 0, holding(t, svc, "inv-alice", "C1").LockedQuantity)

	err = st.WithTx(ctx, func(tx trade.Tx) error {
		return tx.Reserve(ctx, "inv-alice", "C9", 1)
	})
	require.True(t, errors.As(err, &short))
	assert.Equal(t, 0, short.Available)
}

func TestSQLite_UpdateTradeComparesStatus(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := trade.NewService(st)
	seed(t, svc)
	tr := propose(t, svc)

	err := st.WithTx(ctx, func(tx trade.Tx) error {
		cur, err := tx.GetTrade(ctx, tr.ID)
		if err != nil {
			return err
		}
		cur.Status = trade.StatusCancelled
		return tx.UpdateTrade(ctx, cur, trade.StatusAccepted)
	})
	assert.ErrorIs(t, err, trade.ErrInvalidState)

	err = st.WithTx(ctx, func(tx trade.Tx) error {
		_, err := tx.GetTrade(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, trade.ErrNotFound)
}

func TestSQLite_HistorySequenceIsUnique(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	svc := trade.NewService(st)
	seed(t, svc)
	tr := propose(t, svc)

	err := st.WithTx(ctx, func(tx trade.Tx) error {
		return tx.AppendHistory(ctx, &trade.HistoryEntry{
			ID: "dup", TradeID: tr.ID, RootTradeID: tr.ID, SequenceNumber: 1,
			ActorID: "alice", Action: trade.ActionCreated, CreatedAt: start,
		})
	})
	assert.ErrorContains(t, err, "already used")
}

func TestSQLite_ViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	err := st.View(ctx, func(tx trade.Tx) error {
		return tx.SaveInventory(ctx, trade.Inventory{ID: "x", OwnerID: "alice"})
	})
	assert.Error(t, err)
}

func TestSQLite_ListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	c := &clock{now: start}
	svc := trade.NewService(st, trade.WithClock(c.Now))
	seed(t, svc)

	var ids []trade.TradeID
	for i := 0; i < 3; i++ {
		tr, err := svc.Create(ctx, trade.CreateInput{
			InitiatorID: "alice", RecipientID: "bob",
			InitiatorInventoryID: "inv-alice", RecipientInventoryID: "inv-bob",
			Offered: []trade.ItemInput{{CardID: "C1", Quantity: 1}},
		})
		require.NoError(t, err)
		ids = append(ids, tr.ID)
		c.now = c.now.Add(time.Minute)
	}
	_, err := svc.Reject(ctx, ids[0], "bob", "no thanks")
	require.NoError(t, err)

	page, err := svc.List(ctx, trade.ListFilter{UserID: "bob", Role: trade.RoleRecipient, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Trades, 2)
	assert.Equal(t, ids[2], page.Trades[0].ID, "newest first")

	page, err = svc.List(ctx, trade.ListFilter{UserID: "alice", Statuses: []trade.Status{trade.StatusRejected}})
	require.NoError(t, err)
	require.Len(t, page.Trades, 1)
	assert.Equal(t, "no thanks", page.Trades[0].CancelReason)

	page, err = svc.List(ctx, trade.ListFilter{UserID: "carol"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestSQLite_ExpireAndCleanup(t *testing.T) {
	// GIVEN: A pending trade whose deadline has passed
	// WHEN: The sweep runs and, much later, retention cleanup
	// THEN: The trade expires with its escrow released, then the chain is removed

	ctx := context.Background()
	st := newStore(t)
	c := &clock{now: start}
	svc := trade.NewService(st, trade.WithClock(c.Now))
	seed(t, svc)
	tr := propose(t, svc)

	c.now = c.now.Add(trade.DefaultExpiry + time.Minute)
	report, err := svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	detail, err := svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusExpired, detail.Trade.Status)
	assert.Equal(t, 0, holding(t, svc, "inv-alice", "C1").LockedQuantity)

	c.now = c.now.Add(100 * 24 * time.Hour)
	dry, err := svc.Cleanup(ctx, trade.CleanupInput{RetentionDays: 90, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, dry.Chains)

	done, err := svc.Cleanup(ctx, trade.CleanupInput{RetentionDays: 90})
	require.NoError(t, err)
	assert.Equal(t, dry.ChainCounts, done.ChainCounts)
	assert.Equal(t, 1, done.Trades)
	assert.Equal(t, 2, done.Items)

	_, err = svc.Get(ctx, tr.ID)
	assert.ErrorIs(t, err, trade.ErrNotFound)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "escrow.db")

	st, err := sqlite.New(path)
	require.NoError(t, err)
	svc := trade.NewService(st)
	seed(t, svc)
	tr := propose(t, svc)
	require.NoError(t, st.Close())

	st, err = sqlite.New(path)
	require.NoError(t, err)
	defer st.Close()
	svc = trade.NewService(st)

	detail, err := svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusPending, detail.Trade.Status)
	assert.Equal(t, 2, holding(t, svc, "inv-alice", "C1").LockedQuantity)
}
