package trade

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	Scanned int
	Expired int
	Skipped int // resolved by a participant between scan and expiry
	Failed  int
}

// Expire moves a PENDING or ACCEPTED trade past its deadline to EXPIRED and
// releases its reservations exactly like cancel does.
func (s *Service) Expire(ctx context.Context, id TradeID) (*Trade, error) {
	var out *Trade
	var events []transition
	err := s.store.WithTx(ctx, func(tx Tx) error {
		t, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !t.IsDue(s.now()) {
			return &InvalidStateError{TradeID: id, Action: ActionExpired, Status: t.Status, Reason: "trade is not due"}
		}
		released, err := s.locks.ReleaseAll(ctx, tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		t.ResolvedAt = &now
		events, err = s.transition(ctx, tx, t, SystemActor, ActionExpired, StatusExpired, map[string]any{
			"expires_at": t.ExpiresAt.Format(time.RFC3339),
			"released":   directionNames(released),
		})
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(out, SystemActor, events)
	return out, nil
}

// ExpireDue expires every open trade whose deadline has passed, one
// transaction per trade. A trade resolved concurrently by its participants
// is skipped, not reported as a failure.
func (s *Service) ExpireDue(ctx context.Context) (SweepReport, error) {
	var ids []TradeID
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		ids, err = tx.DueTrades(ctx, s.now(), s.sweepBatchSize)
		return err
	})
	if err != nil {
		return SweepReport{}, err
	}

	var expired, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.sweepWorkers))
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := s.Expire(gctx, id)
			switch {
			case err == nil:
				expired.Add(1)
			case errors.Is(err, ErrInvalidState):
				skipped.Add(1)
			default:
				failed.Add(1)
				s.logger.Error("expire trade", "trade_id", id, "error", err)
			}
			return nil
		})
	}
	err = g.Wait()

	report := SweepReport{
		Scanned: len(ids),
		Expired: int(expired.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	s.observer.Swept(report.Expired, report.Failed)
	if report.Scanned > 0 {
		s.logger.Info("expiry sweep",
			"scanned", report.Scanned,
			"expired", report.Expired,
			"skipped", report.Skipped,
			"failed", report.Failed)
	}
	return report, err
}
