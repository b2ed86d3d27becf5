package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/card-escrow/trade"
	"github.com/warp/card-escrow/trade/store"
)

func TestMemoryLedger_RejectsNonPositiveQuantities(t *testing.T) {
	// GIVEN: A holding of 5 cards with 2 locked
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.WithTx(ctx, func(tx trade.Tx) error {
		if err := tx.SaveInventory(ctx, trade.Inventory{ID: "inv-a", OwnerID: "alice"}); err != nil {
			return err
		}
		if err := tx.SaveInventory(ctx, trade.Inventory{ID: "inv-b", OwnerID: "bob"}); err != nil {
			return err
		}
		if err := tx.SetHolding(ctx, trade.Holding{InventoryID: "inv-a", CardID: "C1", Quantity: 5, Tradeable: true}); err != nil {
			return err
		}
		return tx.Reserve(ctx, "inv-a", "C1", 2)
	}))

	// WHEN: Moving zero or negative amounts
	for _, qty := range []int{0, -3} {
		err := mem.WithTx(ctx, func(tx trade.Tx) error { return tx.Reserve(ctx, "inv-a", "C1", qty) })
		assert.ErrorIs(t, err, trade.ErrValidation, "reserve %d", qty)
		err = mem.WithTx(ctx, func(tx trade.Tx) error { return tx.Release(ctx, "inv-a", "C1", qty) })
		assert.ErrorIs(t, err, trade.ErrValidation, "release %d", qty)
		err = mem.WithTx(ctx, func(tx trade.Tx) error { return tx.Transfer(ctx, "inv-a", "inv-b", "C1", qty) })
		assert.ErrorIs(t, err, trade.ErrValidation, "transfer %d", qty)
	}

	// THEN: The holding is untouched
	require.NoError(t, mem.View(ctx, func(tx trade.Tx) error {
		h, err := tx.Holding(ctx, "inv-a", "C1")
		if err != nil {
			return err
		}
		assert.Equal(t, 5, h.Quantity)
		assert.Equal(t, 2, h.LockedQuantity)
		return nil
	}))
}
