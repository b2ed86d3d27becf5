package trade_test

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/card-escrow/trade"
)

func TestConcurrentCreate_NoDoubleSpend(t *testing.T) {
	// GIVEN: Alice owns 3 of C1
	// WHEN: Two trades offering 2 of C1 each are created at the same time
	// THEN: Exactly one succeeds, the other gets InsufficientAvailableQuantity

	f := newFixture(t)
	f.holding(aliceInv, c1, 3)

	var ok, short atomic.Int32
	var g errgroup.Group
	for _, recipient := range []struct {
		user trade.UserID
		inv  trade.InventoryID
	}{{bob, bobInv}, {carol, carolInv}} {
		g.Go(func() error {
			_, err := f.svc.Create(f.ctx, trade.CreateInput{
				InitiatorID: alice, RecipientID: recipient.user,
				InitiatorInventoryID: aliceInv, RecipientInventoryID: recipient.inv,
				Offered: cards(c1, 2),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, trade.ErrInsufficientAvailableQuantity):
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), short.Load())
	qty, locked := f.held(aliceInv, c1)
	assert.Equal(t, [2]int{3, 2}, [2]int{qty, locked})
}

func TestConcurrentAccept_RevalidatesAvailability(t *testing.T) {
	// GIVEN: Bob owns 3 of C2, and both Alice and Carol request 2 of C2
	// WHEN: Bob accepts both trades concurrently
	// THEN: One accept wins; the other fails and its trade stays PENDING

	f := newFixture(t)
	f.holding(aliceInv, c1, 1)
	f.holding(carolInv, c3, 1)
	f.holding(bobInv, c2, 3)

	fromAlice := f.propose(cards(c1, 1), cards(c2, 2))
	fromCarol, err := f.svc.Create(f.ctx, trade.CreateInput{
		InitiatorID: carol, RecipientID: bob,
		InitiatorInventoryID: carolInv, RecipientInventoryID: bobInv,
		Offered: cards(c3, 1), Requested: cards(c2, 2),
	})
	require.NoError(t, err)

	var accepted, short atomic.Int32
	var g errgroup.Group
	for _, id := range []trade.TradeID{fromAlice.ID, fromCarol.ID} {
		g.Go(func() error {
			_, err := f.svc.Accept(f.ctx, id, bob, "")
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, trade.ErrInsufficientAvailableQuantity):
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(1), short.Load())
	_, locked := f.held(bobInv, c2)
	assert.Equal(t, 2, locked)

	statuses := []trade.Status{f.status(fromAlice.ID), f.status(fromCarol.ID)}
	assert.ElementsMatch(t, []trade.Status{trade.StatusAccepted, trade.StatusPending}, statuses)
}

func TestConcurrentActions_SameTradeOneWinner(t *testing.T) {
	// GIVEN: A PENDING trade
	// WHEN: The recipient counters while the initiator cancels
	// THEN: Exactly one wins, the loser gets InvalidState, and the chain has one open member at most

	for i := 0; i < 20; i++ {
		f := newFixture(t)
		f.holding(aliceInv, c1, 5)
		f.holding(bobInv, c2, 5)
		tr := f.propose(cards(c1, 1), nil)

		var wins, lost atomic.Int32
		tally := func(err error) error {
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, trade.ErrInvalidState):
				lost.Add(1)
			default:
				return err
			}
			return nil
		}
		var g errgroup.Group
		g.Go(func() error {
			_, err := f.svc.Counter(f.ctx, tr.ID, bob, trade.CounterInput{Offered: cards(c2, 1)})
			return tally(err)
		})
		g.Go(func() error {
			_, err := f.svc.Cancel(f.ctx, tr.ID, alice, "")
			return tally(err)
		})
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(1), lost.Load())

		chain, err := f.svc.Chain(f.ctx, tr.ID)
		require.NoError(t, err)
		open := 0
		for _, m := range chain {
			if !m.Status.IsTerminal() {
				open++
			}
		}
		assert.LessOrEqual(t, open, 1)

		h, err := f.svc.History(f.ctx, tr.ID)
		require.NoError(t, err)
		for j, e := range h {
			assert.Equal(t, int64(j+1), e.SequenceNumber)
		}
	}
}
