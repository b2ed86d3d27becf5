package trade_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/card-escrow/trade"
)

func TestLockManager_ReleaseIsIdempotent(t *testing.T) {
	// GIVEN: A trade holding 2 of C1 on the offer side
	// WHEN: The offer side is released twice
	// THEN: The second release reports nothing held and the ledger is unchanged by it

	f := newFixture(t)
	f.holding(aliceInv, c1, 5)
	tr := f.propose(cards(c1, 2), nil)
	locks := trade.NewLockManager(f.clock.Now)

	var first, second bool
	err := f.mem.WithTx(f.ctx, func(tx trade.Tx) error {
		var err error
		if first, err = locks.Release(f.ctx, tx, tr.ID, trade.DirectionOffer); err != nil {
			return err
		}
		second, err = locks.Release(f.ctx, tx, tr.ID, trade.DirectionOffer)
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	_, locked := f.held(aliceInv, c1)
	assert.Equal(t, 0, locked)

	err = f.mem.WithTx(f.ctx, func(tx trade.Tx) error {
		released, err := locks.Release(f.ctx, tx, tr.ID, trade.DirectionOffer)
		assert.False(t, released)
		return err
	})
	require.NoError(t, err)
	qty, locked := f.held(aliceInv, c1)
	assert.Equal(t, [2]int{5, 0}, [2]int{qty, locked})
}

func TestLockManager_ReleaseUnknownDirection(t *testing.T) {
	f := newFixture(t)
	f.holding(aliceInv, c1, 5)
	tr := f.propose(cards(c1, 2), nil)
	locks := trade.NewLockManager(f.clock.Now)

	err := f.mem.WithTx(f.ctx, func(tx trade.Tx) error {
		released, err := locks.Release(f.ctx, tx, tr.ID, trade.DirectionRequest)
		assert.False(t, released, "nothing was requested")

		held, err2 := locks.Held(f.ctx, tx, tr.ID)
		assert.Equal(t, []trade.Direction{trade.DirectionOffer}, held)
		if err != nil {
			return err
		}
		return err2
	})
	require.NoError(t, err)
}

func TestLockManager_SettledIsNotReleased(t *testing.T) {
	f := newFixture(t)
	f.holding(aliceInv, c1, 5)
	tr := f.propose(cards(c1, 2), nil)
	_, err := f.svc.Accept(f.ctx, tr.ID, bob, "")
	require.NoError(t, err)
	_, err = f.svc.Confirm(f.ctx, tr.ID, alice)
	require.NoError(t, err)

	locks := trade.NewLockManager(f.clock.Now)
	err = f.mem.WithTx(f.ctx, func(tx trade.Tx) error {
		released, err := locks.Release(f.ctx, tx, tr.ID, trade.DirectionOffer)
		assert.False(t, released)
		return err
	})
	require.NoError(t, err)
	qty, locked := f.held(aliceInv, c1)
	assert.Equal(t, [2]int{3, 0}, [2]int{qty, locked})
}
