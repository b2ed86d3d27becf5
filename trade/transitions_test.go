package trade_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/card-escrow/trade"
)

func TestTransitions_Table(t *testing.T) {
	allowed := map[trade.Status][]trade.Status{
		trade.StatusPending:  {trade.StatusCountered, trade.StatusAccepted, trade.StatusCancelled, trade.StatusRejected, trade.StatusExpired},
		trade.StatusAccepted: {trade.StatusCompleted, trade.StatusCancelled, trade.StatusExpired, trade.StatusFailed},
	}
	for _, from := range trade.AllStatuses {
		for _, to := range trade.AllStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, trade.CanTransition(from, to), "%s -> %s", from, to)

			err := trade.ValidateTransition("t1", trade.ActionAccepted, from, to)
			if want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, trade.ErrInvalidState)
			}
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range trade.AllStatuses {
		open := s == trade.StatusPending || s == trade.StatusAccepted
		assert.Equal(t, !open, s.IsTerminal(), string(s))
		if s.IsTerminal() {
			assert.False(t, trade.CanTransition(s, trade.StatusCancelled))
		}
	}
}

func TestParseStatus(t *testing.T) {
	s, err := trade.ParseStatus("accepted")
	require.NoError(t, err)
	assert.Equal(t, trade.StatusAccepted, s)

	_, err = trade.ParseStatus("done")
	assert.Error(t, err)
}

func TestNormalizeItems(t *testing.T) {
	out, err := trade.NormalizeItems([]trade.ItemInput{
		{CardID: "C1", Quantity: 1},
		{CardID: "C2", Quantity: 4},
		{CardID: "C1", Quantity: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []trade.ItemInput{{CardID: "C1", Quantity: 3}, {CardID: "C2", Quantity: 4}}, out)

	_, err = trade.NormalizeItems([]trade.ItemInput{{CardID: "C1", Quantity: 0}})
	assert.ErrorIs(t, err, trade.ErrValidation)
	_, err = trade.NormalizeItems([]trade.ItemInput{{Quantity: 1}})
	assert.ErrorIs(t, err, trade.ErrValidation)

	// duplicate lines may not wrap around or exceed the per-card limit
	_, err = trade.NormalizeItems([]trade.ItemInput{{CardID: "C1", Quantity: math.MaxInt}, {CardID: "C1", Quantity: 2}})
	assert.ErrorIs(t, err, trade.ErrValidation)
	_, err = trade.NormalizeItems([]trade.ItemInput{{CardID: "C1", Quantity: trade.MaxItemQuantity}, {CardID: "C1", Quantity: 1}})
	assert.ErrorIs(t, err, trade.ErrValidation)
	out, err = trade.NormalizeItems([]trade.ItemInput{{CardID: "C1", Quantity: trade.MaxItemQuantity - 1}, {CardID: "C1", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, []trade.ItemInput{{CardID: "C1", Quantity: trade.MaxItemQuantity}}, out)
}

func TestErrors_Classification(t *testing.T) {
	assert.True(t, trade.IsNotFound(&trade.NotFoundError{Kind: "trade", ID: "x"}))
	assert.True(t, trade.IsConflict(&trade.InsufficientQuantityError{}))
	assert.True(t, trade.IsConflict(&trade.ExchangeError{Err: assert.AnError}))
	assert.True(t, trade.IsClientError(&trade.ForbiddenError{}))
	assert.False(t, trade.IsClientError(&trade.ExchangeError{Err: assert.AnError}))
	assert.ErrorIs(t, &trade.ExchangeError{Err: assert.AnError}, assert.AnError)
}
