package trade

import "context"

// ChainTracker resolves negotiation chains through root_trade_id. No recursive
// parent walks: every member carries the root, and stores index on it.
type ChainTracker struct{}

// Chain returns every trade of the negotiation, ordered by counter_count.
func (ChainTracker) Chain(ctx context.Context, tx Tx, root TradeID) ([]Trade, error) {
	trades, err := tx.ChainTrades(ctx, root)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, &NotFoundError{Kind: "trade", ID: string(root)}
	}
	return trades, nil
}

// EnsureSingleActive fails if a member other than except is still open.
// Callers must hold the chain lock.
func (c ChainTracker) EnsureSingleActive(ctx context.Context, tx Tx, root, except TradeID) error {
	trades, err := tx.ChainTrades(ctx, root)
	if err != nil {
		return err
	}
	for _, t := range trades {
		if t.ID != except && !t.Status.IsTerminal() {
			return &InvalidStateError{
				TradeID: except,
				Action:  ActionCounterOffered,
				Status:  t.Status,
				Reason:  "trade " + string(t.ID) + " of the same chain is still open",
			}
		}
	}
	return nil
}

// Link makes child the next proposal after parent.
func (ChainTracker) Link(parent, child *Trade) {
	pid := parent.ID
	child.RootTradeID = parent.RootTradeID
	child.ParentTradeID = &pid
	child.CounterCount = parent.CounterCount + 1
}

// History returns the merged timeline of the chain that member belongs to.
func (ChainTracker) History(ctx context.Context, tx Tx, member TradeID) ([]HistoryEntry, error) {
	t, err := tx.GetTrade(ctx, member)
	if err != nil {
		return nil, err
	}
	return tx.ChainHistory(ctx, t.RootTradeID)
}
