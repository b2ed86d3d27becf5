package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditLog appends history entries. The sequence counter belongs to the chain
// root; it is read and advanced under the chain lock so concurrent writers of
// one chain can neither skip nor reuse a number.
type AuditLog struct {
	clock func() time.Time
}

func NewAuditLog(clock func() time.Time) *AuditLog {
	if clock == nil {
		clock = time.Now
	}
	return &AuditLog{clock: clock}
}

// Record appends one entry for t and returns it.
func (a *AuditLog) Record(ctx context.Context, tx Tx, t *Trade, actor UserID, action Action, prev, next Status, details map[string]any) (*HistoryEntry, error) {
	if err := tx.LockChain(ctx, t.RootTradeID); err != nil {
		return nil, fmt.Errorf("lock chain %s: %w", t.RootTradeID, err)
	}
	last, err := tx.LastSequence(ctx, t.RootTradeID)
	if err != nil {
		return nil, err
	}
	if details == nil {
		details = map[string]any{}
	}
	e := &HistoryEntry{
		ID:             HistoryID(uuid.NewString()),
		TradeID:        t.ID,
		RootTradeID:    t.RootTradeID,
		SequenceNumber: last + 1,
		ActorID:        actor,
		Action:         action,
		PreviousStatus: prev,
		NewStatus:      next,
		Details:        details,
		CreatedAt:      a.clock(),
	}
	if err := tx.AppendHistory(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s history for trade %s: %w", action, t.ID, err)
	}
	return e, nil
}
