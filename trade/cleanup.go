package trade

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultRetentionDays = 90
	MaxRetentionDays     = 36500
)

type CleanupInput struct {
	RetentionDays int
	DryRun        bool
}

// CleanupReport counts the rows removed, or that would be removed on a dry run.
type CleanupReport struct {
	Cutoff time.Time
	DryRun bool
	Chains int
	ChainCounts
}

// Cleanup deletes chains resolved longer ago than the retention window.
// A chain qualifies only if every member is terminal and no reservation is
// still held, so FAILED trades awaiting manual release are never removed.
func (s *Service) Cleanup(ctx context.Context, in CleanupInput) (*CleanupReport, error) {
	if in.RetentionDays < 1 || in.RetentionDays > MaxRetentionDays {
		return nil, &ValidationError{Field: "retention_days", Message: fmt.Sprintf("must be between 1 and %d", MaxRetentionDays)}
	}
	report := &CleanupReport{
		Cutoff: s.now().AddDate(0, 0, -in.RetentionDays),
		DryRun: in.DryRun,
	}

	run := s.store.WithTx
	if in.DryRun {
		run = s.store.View
	}
	err := run(ctx, func(tx Tx) error {
		*report = CleanupReport{Cutoff: report.Cutoff, DryRun: in.DryRun}
		roots, err := tx.ResolvedRoots(ctx, report.Cutoff)
		if err != nil {
			return err
		}
		for _, root := range roots {
			counts, eligible, err := s.cleanChain(ctx, tx, root, in.DryRun)
			if err != nil {
				return err
			}
			if !eligible {
				continue
			}
			report.Chains++
			report.add(counts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("retention cleanup",
		"retention_days", in.RetentionDays,
		"dry_run", in.DryRun,
		"chains", report.Chains,
		"trades", report.Trades,
		"history", report.History)
	return report, nil
}

func (s *Service) cleanChain(ctx context.Context, tx Tx, root TradeID, dryRun bool) (ChainCounts, bool, error) {
	var counts ChainCounts
	trades, err := tx.ChainTrades(ctx, root)
	if err != nil {
		return counts, false, err
	}
	for _, t := range trades {
		if !t.Status.IsTerminal() {
			return counts, false, nil
		}
		held, err := s.locks.Held(ctx, tx, t.ID)
		if err != nil {
			return counts, false, err
		}
		if len(held) > 0 {
			return counts, false, nil
		}
	}
	if !dryRun {
		counts, err = tx.DeleteChain(ctx, root)
		return counts, err == nil, err
	}

	counts.Trades = len(trades)
	for _, t := range trades {
		items, err := tx.Items(ctx, t.ID)
		if err != nil {
			return counts, false, err
		}
		counts.Items += len(items)
		for _, dir := range []Direction{DirectionOffer, DirectionRequest} {
			r, err := tx.Reservation(ctx, t.ID, dir)
			if err != nil {
				return counts, false, err
			}
			if r != nil {
				counts.Reservations++
			}
		}
	}
	history, err := tx.ChainHistory(ctx, root)
	if err != nil {
		return counts, false, err
	}
	counts.History = len(history)
	return counts, true, nil
}
