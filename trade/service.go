/*
service.go - Trade state machine

PURPOSE:
  Service is the only writer of trades. Each operation is one store
  transaction that re-reads the trade, checks caller and status, moves
  escrow through the LockManager, updates the trade with a compare-and-swap
  on the status it read, and appends history. A stale status surfaces as
  ErrInvalidState to the losing caller.

LIFECYCLE:
  PENDING  --accept-->  ACCEPTED  --confirm x2-->  COMPLETED
     |                     |                 \-->  FAILED (exchange aborted)
     |--counter--> COUNTERED (+ new PENDING child in the same chain)
     |--reject---> REJECTED
     |--cancel---> CANCELLED  <--cancel--|
     \--expire---> EXPIRED    <--expire--/

REFUSALS:
  An action refused on an existing trade (state, permission, availability,
  tradeability) leaves trade and ledger unchanged and is recorded as an
  ACTION_FAILED history entry in a separate transaction.

SEE ALSO:
  - transitions.go: Allowed transitions
  - expiry.go: Deadline sweep
  - cleanup.go: Retention cleanup
*/
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultExpiry    = 72 * time.Hour
	MinExpiry        = time.Hour
	MaxExpiry        = 168 * time.Hour
	MaxMessageLength = 500
	MaxReasonLength  = 200
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    Store
	locks    *LockManager
	chains   ChainTracker
	exchange *Executor
	audit    *AuditLog
	observer Observer
	logger   *slog.Logger
	clock    func() time.Time
	newID    func() string

	defaultExpiry  time.Duration
	sweepBatchSize int
	sweepWorkers   int
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithDefaultExpiry sets the deadline used when a caller gives none.
func WithDefaultExpiry(d time.Duration) Option {
	return func(s *Service) { s.defaultExpiry = d }
}

// WithSweep bounds one expiry sweep: at most batch trades, workers at a time.
func WithSweep(batch, workers int) Option {
	return func(s *Service) {
		s.sweepBatchSize = batch
		s.sweepWorkers = workers
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:          store,
		observer:       nopObserver{},
		logger:         slog.Default(),
		clock:          time.Now,
		newID:          uuid.NewString,
		defaultExpiry:  DefaultExpiry,
		sweepBatchSize: 500,
		sweepWorkers:   4,
	}
	for _, opt := range opts {
		opt(s)
	}
	now := func() time.Time { return s.clock().UTC() }
	s.locks = NewLockManager(now)
	s.exchange = NewExecutor(s.locks)
	s.audit = NewAuditLog(now)
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// =============================================================================
// INPUTS
// =============================================================================

type CreateInput struct {
	InitiatorID          UserID
	RecipientID          UserID
	InitiatorInventoryID InventoryID
	RecipientInventoryID InventoryID
	// InitiatorDestInventoryID receives requested cards; defaults to InitiatorInventoryID.
	InitiatorDestInventoryID InventoryID
	Offered                  []ItemInput
	Requested                []ItemInput
	ExpiresIn                time.Duration // zero means the service default
	Message                  string
}

// CounterInput describes the counter-offer made by the current recipient.
// Inventories default to the ones the recipient already uses in the trade.
type CounterInput struct {
	InventoryID     InventoryID
	DestInventoryID InventoryID
	Offered         []ItemInput
	Requested       []ItemInput
	ExpiresIn       time.Duration
	Message         string
}

// =============================================================================
// CREATE
// =============================================================================

// Create proposes a trade. A self-transfer (initiator == recipient) completes
// within the same call.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Trade, error) {
	if in.InitiatorID == "" || in.RecipientID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "initiator and recipient are required"}
	}
	if in.InitiatorInventoryID == "" || in.RecipientInventoryID == "" {
		return nil, &ValidationError{Field: "inventory_id", Message: "initiator and recipient inventories are required"}
	}
	offered, requested, err := normalizeProposal(in.Offered, in.Requested)
	if err != nil {
		return nil, err
	}
	expiresIn, err := s.expiry(in.ExpiresIn)
	if err != nil {
		return nil, err
	}
	if err := checkText("message", in.Message, MaxMessageLength); err != nil {
		return nil, err
	}
	self := in.InitiatorID == in.RecipientID
	if self && in.InitiatorInventoryID == in.RecipientInventoryID {
		return nil, &ValidationError{Field: "inventory_id", Message: "self-transfer needs two different inventories"}
	}

	now := s.now()
	id := TradeID(s.newID())
	t := &Trade{
		ID:                       id,
		InitiatorID:              in.InitiatorID,
		RecipientID:              in.RecipientID,
		InitiatorInventoryID:     in.InitiatorInventoryID,
		RecipientInventoryID:     in.RecipientInventoryID,
		InitiatorDestInventoryID: in.InitiatorDestInventoryID,
		RecipientDestInventoryID: in.RecipientInventoryID,
		Status:                   StatusPending,
		RootTradeID:              id,
		Message:                  in.Message,
		CreatedAt:                now,
		UpdatedAt:                now,
		ExpiresAt:                now.Add(expiresIn),
	}
	if t.InitiatorDestInventoryID == "" {
		t.InitiatorDestInventoryID = t.InitiatorInventoryID
	}
	items := buildItems(t, offered, requested)

	var events []transition
	err = s.store.WithTx(ctx, func(tx Tx) error {
		events = events[:0]
		if err := s.checkOwnership(ctx, tx, t); err != nil {
			return err
		}
		if !self {
			if err := checkTradeable(ctx, tx, filterItems(items, DirectionOffer)); err != nil {
				return err
			}
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return err
		}
		if err := tx.InsertItems(ctx, items); err != nil {
			return err
		}
		if err := s.locks.Reserve(ctx, tx, t, DirectionOffer, filterItems(items, DirectionOffer)); err != nil {
			return err
		}
		if _, err := s.audit.Record(ctx, tx, t, t.InitiatorID, ActionCreated, "", StatusPending, map[string]any{
			"offered":    len(offered),
			"requested":  len(requested),
			"expires_at": t.ExpiresAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
		events = append(events, transition{ActionCreated, "", StatusPending})
		if !self {
			return nil
		}
		ev, err := s.completeSelfTransfer(ctx, tx, t, items)
		events = append(events, ev...)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientAvailableQuantity) || errors.Is(err, ErrCardNotTradeable) {
			s.observer.Refused(ActionCreated, err)
		}
		if errors.Is(err, ErrExchangeFailed) {
			s.observer.Exchanged(0, err)
		}
		return nil, err
	}
	s.emit(t, in.InitiatorID, events)
	return t, nil
}

// completeSelfTransfer reserves the request side, runs PENDING -> ACCEPTED ->
// COMPLETED and executes the exchange, all in the creating transaction.
func (s *Service) completeSelfTransfer(ctx context.Context, tx Tx, t *Trade, items []Item) ([]transition, error) {
	if err := s.locks.Reserve(ctx, tx, t, DirectionRequest, filterItems(items, DirectionRequest)); err != nil {
		return nil, err
	}
	if err := ValidateTransition(t.ID, ActionAccepted, t.Status, StatusAccepted); err != nil {
		return nil, err
	}
	now := s.now()
	t.Status = StatusAccepted
	t.setConfirmed(t.InitiatorID, &now)
	if err := ValidateTransition(t.ID, ActionCompleted, t.Status, StatusCompleted); err != nil {
		return nil, err
	}
	start := time.Now()
	if err := s.exchange.Execute(ctx, tx, t, items); err != nil {
		return nil, err
	}
	s.observer.Exchanged(time.Since(start), nil)
	t.Status = StatusCompleted
	t.ResolvedAt = &now
	t.UpdatedAt = now
	if err := tx.UpdateTrade(ctx, t, StatusPending); err != nil {
		return nil, err
	}
	if _, err := s.audit.Record(ctx, tx, t, t.InitiatorID, ActionCompleted, StatusPending, StatusCompleted, map[string]any{
		"self_transfer": true,
	}); err != nil {
		return nil, err
	}
	return []transition{{ActionCompleted, StatusPending, StatusCompleted}}, nil
}

// =============================================================================
// ACCEPT / COUNTER
// =============================================================================

// Accept reserves the requested cards and records the recipient's consent.
// dest optionally names the recipient inventory that receives offered cards.
func (s *Service) Accept(ctx context.Context, id TradeID, actor UserID, dest InventoryID) (*Trade, error) {
	return s.mutate(ctx, id, actor, ActionAccepted, func(ctx context.Context, tx Tx, t *Trade) ([]transition, error) {
		if actor != t.RecipientID {
			return nil, &ForbiddenError{TradeID: id, Actor: actor, Action: ActionAccepted, Reason: "only the recipient can accept"}
		}
		if err := s.requireOpen(t, ActionAccepted, StatusPending); err != nil {
			return nil, err
		}
		if dest != "" {
			if err := ownedBy(ctx, tx, dest, actor); err != nil {
				return nil, err
			}
			t.RecipientDestInventoryID = dest
		}
		items, err := tx.Items(ctx, id)
		if err != nil {
			return nil, err
		}
		requested := filterItems(items, DirectionRequest)
		if err := checkTradeable(ctx, tx, requested); err != nil {
			return nil, err
		}
		if err := s.locks.Reserve(ctx, tx, t, DirectionRequest, requested); err != nil {
			return nil, err
		}
		now := s.now()
		t.setConfirmed(t.RecipientID, &now)
		return s.transition(ctx, tx, t, actor, ActionAccepted, StatusAccepted, map[string]any{
			"dest_inventory_id": string(t.RecipientDestInventoryID),
		})
	})
}

// Counter supersedes a PENDING trade with a new proposal in which the
// recipient becomes the initiator. Returns the new trade.
func (s *Service) Counter(ctx context.Context, id TradeID, actor UserID, in CounterInput) (*Trade, error) {
	offered, requested, err := normalizeProposal(in.Offered, in.Requested)
	if err != nil {
		return nil, err
	}
	expiresIn, err := s.expiry(in.ExpiresIn)
	if err != nil {
		return nil, err
	}
	if err := checkText("message", in.Message, MaxMessageLength); err != nil {
		return nil, err
	}

	var child *Trade
	_, err = s.mutate(ctx, id, actor, ActionCounterOffered, func(ctx context.Context, tx Tx, parent *Trade) ([]transition, error) {
		if actor != parent.RecipientID {
			return nil, &ForbiddenError{TradeID: id, Actor: actor, Action: ActionCounterOffered, Reason: "only the recipient can counter"}
		}
		if err := s.requireOpen(parent, ActionCounterOffered, StatusPending); err != nil {
			return nil, err
		}

		now := s.now()
		child = &Trade{
			ID:                       TradeID(s.newID()),
			InitiatorID:              parent.RecipientID,
			RecipientID:              parent.InitiatorID,
			InitiatorInventoryID:     parent.RecipientInventoryID,
			RecipientInventoryID:     parent.InitiatorInventoryID,
			InitiatorDestInventoryID: parent.RecipientDestInventoryID,
			RecipientDestInventoryID: parent.InitiatorDestInventoryID,
			Status:                   StatusPending,
			Message:                  in.Message,
			CreatedAt:                now,
			UpdatedAt:                now,
			ExpiresAt:                now.Add(expiresIn),
		}
		if in.InventoryID != "" {
			child.InitiatorInventoryID = in.InventoryID
			child.InitiatorDestInventoryID = in.InventoryID
		}
		if in.DestInventoryID != "" {
			child.InitiatorDestInventoryID = in.DestInventoryID
		}
		if err := s.checkOwnership(ctx, tx, child); err != nil {
			return nil, err
		}
		s.chains.Link(parent, child)
		items := buildItems(child, offered, requested)
		if err := checkTradeable(ctx, tx, filterItems(items, DirectionOffer)); err != nil {
			return nil, err
		}

		if _, err := s.locks.Release(ctx, tx, parent.ID, DirectionOffer); err != nil {
			return nil, err
		}
		parent.ResolvedAt = &now
		events, err := s.transition(ctx, tx, parent, actor, ActionCounterOffered, StatusCountered, map[string]any{
			"counter_trade_id": string(child.ID),
			"counter_count":    child.CounterCount,
		})
		if err != nil {
			return nil, err
		}
		if err := s.chains.EnsureSingleActive(ctx, tx, parent.RootTradeID, ""); err != nil {
			return nil, err
		}

		if err := tx.InsertTrade(ctx, child); err != nil {
			return nil, err
		}
		if err := tx.InsertItems(ctx, items); err != nil {
			return nil, err
		}
		if err := s.locks.Reserve(ctx, tx, child, DirectionOffer, filterItems(items, DirectionOffer)); err != nil {
			return nil, err
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// =============================================================================
// CONFIRM / UNCONFIRM
// =============================================================================

// Confirm records the actor's consent on an ACCEPTED trade. The second
// confirmation runs the exchange. When the exchange aborts the trade is left
// FAILED with its reservations still locked, and Confirm returns that trade
// together with an error wrapping ErrExchangeFailed.
func (s *Service) Confirm(ctx context.Context, id TradeID, actor UserID) (*Trade, error) {
	var elapsed time.Duration
	t, err := s.mutate(ctx, id, actor, ActionConfirmed, func(ctx context.Context, tx Tx, t *Trade) ([]transition, error) {
		events, err := s.confirm(ctx, tx, t, actor)
		if err != nil || !t.BothConfirmed() {
			return events, err
		}
		if err := ValidateTransition(id, ActionCompleted, t.Status, StatusCompleted); err != nil {
			return nil, err
		}
		items, err := tx.Items(ctx, id)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		if err := s.exchange.Execute(ctx, tx, t, items); err != nil {
			return nil, err
		}
		elapsed = time.Since(start)
		now := s.now()
		t.ResolvedAt = &now
		more, err := s.transition(ctx, tx, t, actor, ActionCompleted, StatusCompleted, map[string]any{
			"items": len(items),
		})
		return append(events, more...), err
	})
	if err == nil {
		if t.Status == StatusCompleted {
			s.observer.Exchanged(elapsed, nil)
		}
		return t, nil
	}
	if !errors.Is(err, ErrExchangeFailed) {
		return nil, err
	}
	s.observer.Exchanged(elapsed, err)
	failed, ferr := s.markFailed(ctx, id, actor, err)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return failed, err
}

// confirm sets the actor's flag and writes CONFIRMED. Status is unchanged.
func (s *Service) confirm(ctx context.Context, tx Tx, t *Trade, actor UserID) ([]transition, error) {
	if !t.IsParticipant(actor) {
		return nil, &ForbiddenError{TradeID: t.ID, Actor: actor, Action: ActionConfirmed, Reason: "not a participant"}
	}
	if err := s.requireOpen(t, ActionConfirmed, StatusAccepted); err != nil {
		return nil, err
	}
	if t.Confirmed(actor) {
		return nil, &InvalidStateError{TradeID: t.ID, Action: ActionConfirmed, Status: t.Status, Reason: "already confirmed"}
	}
	now := s.now()
	t.setConfirmed(actor, &now)
	t.UpdatedAt = now
	if err := tx.UpdateTrade(ctx, t, StatusAccepted); err != nil {
		return nil, err
	}
	if _, err := s.audit.Record(ctx, tx, t, actor, ActionConfirmed, StatusAccepted, StatusAccepted, nil); err != nil {
		return nil, err
	}
	return []transition{{ActionConfirmed, StatusAccepted, StatusAccepted}}, nil
}

// markFailed runs after the exchange transaction rolled back. It re-applies
// the confirmation that triggered the exchange and moves the trade to FAILED.
// Reservations are not touched. If the counterpart cancelled or unconfirmed in
// between, the trade is left as they left it and an error is returned.
func (s *Service) markFailed(ctx context.Context, id TradeID, actor UserID, cause error) (*Trade, error) {
	var out *Trade
	var events []transition
	err := s.store.WithTx(ctx, func(tx Tx) error {
		events = events[:0]
		t, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		ev, err := s.confirm(ctx, tx, t, actor)
		if err != nil {
			return err
		}
		if !t.BothConfirmed() {
			return &InvalidStateError{TradeID: id, Action: ActionFailed, Status: t.Status, Reason: "counterpart withdrew confirmation"}
		}
		events = append(events, ev...)
		now := s.now()
		t.ResolvedAt = &now
		ev, err = s.transition(ctx, tx, t, actor, ActionFailed, StatusFailed, map[string]any{
			"error": cause.Error(),
		})
		if err != nil {
			return err
		}
		events = append(events, ev...)
		out = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark trade %s failed: %w", id, err)
	}
	s.emit(out, actor, events)
	s.logger.Error("trade exchange failed, reservations kept locked",
		"trade_id", id, "actor", actor, "error", cause)
	return out, nil
}

// Unconfirm withdraws the actor's consent while the counterpart has not confirmed.
func (s *Service) Unconfirm(ctx context.Context, id TradeID, actor UserID) (*Trade, error) {
	return s.mutate(ctx, id, actor, ActionUnconfirmed, func(ctx context.Context, tx Tx, t *Trade) ([]transition, error) {
		if !t.IsParticipant(actor) {
			return nil, &ForbiddenError{TradeID: id, Actor: actor, Action: ActionUnconfirmed, Reason: "not a participant"}
		}
		if err := s.requireOpen(t, ActionUnconfirmed, StatusAccepted); err != nil {
			return nil, err
		}
		if !t.Confirmed(actor) {
			return nil, &InvalidStateError{TradeID: id, Action: ActionUnconfirmed, Status: t.Status, Reason: "not confirmed by caller"}
		}
		if t.BothConfirmed() {
			return nil, &InvalidStateError{TradeID: id, Action: ActionUnconfirmed, Status: t.Status, Reason: "both parties already confirmed"}
		}
		now := s.now()
		t.setConfirmed(actor, nil)
		t.UpdatedAt = now
		if err := tx.UpdateTrade(ctx, t, StatusAccepted); err != nil {
			return nil, err
		}
		if _, err := s.audit.Record(ctx, tx, t, actor, ActionUnconfirmed, StatusAccepted, StatusAccepted, nil); err != nil {
			return nil, err
		}
		return []transition{{ActionUnconfirmed, StatusAccepted, StatusAccepted}}, nil
	})
}

// =============================================================================
// REJECT / CANCEL
// =============================================================================

func (s *Service) Reject(ctx context.Context, id TradeID, actor UserID, reason string) (*Trade, error) {
	if err := checkText("reason", reason, MaxReasonLength); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, actor, ActionRejected, func(ctx context.Context, tx Tx, t *Trade) ([]transition, error) {
		if actor != t.RecipientID {
			return nil, &ForbiddenError{TradeID: id, Actor: actor, Action: ActionRejected, Reason: "only the recipient can reject"}
		}
		if err := ValidateTransition(id, ActionRejected, t.Status, StatusRejected); err != nil {
			return nil, err
		}
		if _, err := s.locks.Release(ctx, tx, id, DirectionOffer); err != nil {
			return nil, err
		}
		now := s.now()
		t.ResolvedAt = &now
		t.CancelReason = reason
		return s.transition(ctx, tx, t, actor, ActionRejected, StatusRejected, map[string]any{
			"reason": reason,
		})
	})
}

// Cancel withdraws a PENDING trade (initiator only) or an ACCEPTED trade
// (either participant), releasing whatever is reserved. Cancelling a trade
// that already expired is a no-op.
func (s *Service) Cancel(ctx context.Context, id TradeID, actor UserID, reason string) (*Trade, error) {
	if err := checkText("reason", reason, MaxReasonLength); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, actor, ActionCancelled, func(ctx context.Context, tx Tx, t *Trade) ([]transition, error) {
		if !t.IsParticipant(actor) {
			return nil, &ForbiddenError{TradeID: id, Actor: actor, Action: ActionCancelled, Reason: "not a participant"}
		}
		switch t.Status {
		case StatusExpired:
			return nil, nil
		case StatusPending:
			if actor != t.InitiatorID {
				return nil, &ForbiddenError{TradeID: id, Actor: actor, Action: ActionCancelled, Reason: "only the initiator can cancel a pending trade"}
			}
		}
		if err := ValidateTransition(id, ActionCancelled, t.Status, StatusCancelled); err != nil {
			return nil, err
		}
		released, err := s.locks.ReleaseAll(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		now := s.now()
		t.ResolvedAt = &now
		t.CancelReason = reason
		return s.transition(ctx, tx, t, actor, ActionCancelled, StatusCancelled, map[string]any{
			"reason":   reason,
			"released": directionNames(released),
		})
	})
}

// =============================================================================
// ADMINISTRATIVE RELEASE
// =============================================================================

// ReleaseFailed unlocks the reservations of a FAILED trade after manual review.
// The trade stays FAILED. Releasing twice is a no-op.
func (s *Service) ReleaseFailed(ctx context.Context, id TradeID, admin UserID, note string) (*Trade, error) {
	if err := checkText("note", note, MaxReasonLength); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, admin, ActionReleased, func(ctx context.Context, tx Tx, t *Trade) ([]transition, error) {
		if t.Status != StatusFailed {
			return nil, &InvalidStateError{TradeID: id, Action: ActionReleased, Status: t.Status, Reason: "only failed trades are released manually"}
		}
		released, err := s.locks.ReleaseAll(ctx, tx, id)
		if err != nil || len(released) == 0 {
			return nil, err
		}
		if _, err := s.audit.Record(ctx, tx, t, admin, ActionReleased, StatusFailed, StatusFailed, map[string]any{
			"note":     note,
			"released": directionNames(released),
		}); err != nil {
			return nil, err
		}
		return []transition{{ActionReleased, StatusFailed, StatusFailed}}, nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

type transition struct {
	action   Action
	from, to Status
}

type mutation func(ctx context.Context, tx Tx, t *Trade) ([]transition, error)

// mutate runs fn against a freshly loaded trade in one transaction and
// records refusals afterwards.
func (s *Service) mutate(ctx context.Context, id TradeID, actor UserID, action Action, fn mutation) (*Trade, error) {
	var out *Trade
	var events []transition
	err := s.store.WithTx(ctx, func(tx Tx) error {
		t, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		events, err = fn(ctx, tx, t)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		if isRefusal(err) {
			s.observer.Refused(action, err)
			s.recordRefusal(ctx, id, actor, action, err)
		}
		return nil, err
	}
	s.emit(out, actor, events)
	return out, nil
}

// load reads the trade, takes the chain lock, and reads it again so the
// status checked by the caller is the one current under the lock.
func (s *Service) load(ctx context.Context, tx Tx, id TradeID) (*Trade, error) {
	t, err := tx.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.LockChain(ctx, t.RootTradeID); err != nil {
		return nil, err
	}
	return tx.GetTrade(ctx, id)
}

// transition validates, persists with a status CAS, and appends history.
func (s *Service) transition(ctx context.Context, tx Tx, t *Trade, actor UserID, action Action, to Status, details map[string]any) ([]transition, error) {
	from := t.Status
	if err := ValidateTransition(t.ID, action, from, to); err != nil {
		return nil, err
	}
	t.Status = to
	t.UpdatedAt = s.now()
	if err := tx.UpdateTrade(ctx, t, from); err != nil {
		return nil, err
	}
	if _, err := s.audit.Record(ctx, tx, t, actor, action, from, to, details); err != nil {
		return nil, err
	}
	return []transition{{action, from, to}}, nil
}

// requireOpen checks the expected status and that the deadline has not passed.
func (s *Service) requireOpen(t *Trade, action Action, want Status) error {
	if t.Status != want {
		return &InvalidStateError{TradeID: t.ID, Action: action, Status: t.Status}
	}
	if t.IsDue(s.now()) {
		return &InvalidStateError{TradeID: t.ID, Action: action, Status: t.Status, Reason: "trade has expired"}
	}
	return nil
}

func (s *Service) recordRefusal(ctx context.Context, id TradeID, actor UserID, action Action, cause error) {
	err := s.store.WithTx(ctx, func(tx Tx) error {
		t, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = s.audit.Record(ctx, tx, t, actor, ActionAttemptFailed, t.Status, t.Status, map[string]any{
			"attempted": string(action),
			"error":     cause.Error(),
		})
		return err
	})
	if err != nil && !IsNotFound(err) {
		s.logger.Warn("failed to record refused action",
			"trade_id", id, "action", action, "error", err)
	}
}

func (s *Service) emit(t *Trade, actor UserID, events []transition) {
	for _, ev := range events {
		s.observer.Transitioned(ev.action, ev.from, ev.to)
		s.logger.Info("trade transition",
			"trade_id", t.ID,
			"root_trade_id", t.RootTradeID,
			"actor", actor,
			"action", ev.action,
			"from", ev.from,
			"to", ev.to,
		)
	}
}

func (s *Service) expiry(d time.Duration) (time.Duration, error) {
	if d == 0 {
		return s.defaultExpiry, nil
	}
	if d < MinExpiry || d > MaxExpiry {
		return 0, &ValidationError{Field: "expires_in_hours", Message: fmt.Sprintf("must be between %v and %v", MinExpiry, MaxExpiry)}
	}
	return d, nil
}

// checkOwnership verifies every inventory of t exists and belongs to the
// party that uses it.
func (s *Service) checkOwnership(ctx context.Context, tx Tx, t *Trade) error {
	checks := []struct {
		inv   InventoryID
		owner UserID
	}{
		{t.InitiatorInventoryID, t.InitiatorID},
		{t.InitiatorDestInventoryID, t.InitiatorID},
		{t.RecipientInventoryID, t.RecipientID},
		{t.RecipientDestInventoryID, t.RecipientID},
	}
	for _, c := range checks {
		if c.inv == "" {
			continue
		}
		if err := ownedBy(ctx, tx, c.inv, c.owner); err != nil {
			return err
		}
	}
	return nil
}

func ownedBy(ctx context.Context, tx Tx, id InventoryID, owner UserID) error {
	inv, err := tx.Inventory(ctx, id)
	if err != nil {
		return err
	}
	if inv.OwnerID != owner {
		return &ForbiddenError{Actor: owner, Action: "use inventory", Reason: fmt.Sprintf("inventory %s belongs to another user", id)}
	}
	return nil
}

// checkTradeable fails for cards flagged non-tradeable. Missing holdings are
// left to the reservation, which reports them as unavailable.
func checkTradeable(ctx context.Context, tx Tx, items []Item) error {
	for _, it := range items {
		h, err := tx.Holding(ctx, it.OwnerInventoryID, it.CardID)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if !h.Tradeable {
			return &NotTradeableError{InventoryID: it.OwnerInventoryID, CardID: it.CardID}
		}
	}
	return nil
}

func normalizeProposal(offered, requested []ItemInput) ([]ItemInput, []ItemInput, error) {
	off, err := NormalizeItems(offered)
	if err != nil {
		return nil, nil, err
	}
	if len(off) == 0 {
		return nil, nil, &ValidationError{Field: "offered_cards", Message: "at least one card must be offered"}
	}
	req, err := NormalizeItems(requested)
	if err != nil {
		return nil, nil, err
	}
	return off, req, nil
}

func buildItems(t *Trade, offered, requested []ItemInput) []Item {
	items := make([]Item, 0, len(offered)+len(requested))
	for _, in := range offered {
		items = append(items, Item{TradeID: t.ID, OwnerInventoryID: t.InitiatorInventoryID, CardID: in.CardID, Quantity: in.Quantity, Direction: DirectionOffer})
	}
	for _, in := range requested {
		items = append(items, Item{TradeID: t.ID, OwnerInventoryID: t.RecipientInventoryID, CardID: in.CardID, Quantity: in.Quantity, Direction: DirectionRequest})
	}
	return items
}

func checkText(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
	}
	return nil
}

func directionNames(dirs []Direction) []string {
	out := make([]string, len(dirs))
	for i, d := range dirs {
		out[i] = string(d)
	}
	return out
}
