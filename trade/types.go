/*
Package trade provides the card trade escrow and exchange engine.

PURPOSE:
  Two users swap card holdings without a trusted intermediary. The engine
  owns the trade lifecycle: it reserves cards while a proposal is being
  negotiated, chains counter-offers under one negotiation, and swaps
  ownership atomically once both parties have confirmed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Trade: One proposal between an initiator and a recipient
  - Item: A card line of a proposal (offer or request)
  - Holding: Per-inventory, per-card quantity and locked quantity
  - Reservation: Escrow record for one (trade, direction)
  - HistoryEntry: Append-only event of a negotiation chain

DESIGN PRINCIPLES:
  1. Escrow first: cards are locked before anyone can rely on them
  2. Closed state machine: only transitions listed in transitions.go exist
  3. Immutability: items never change; a counter-offer is a new Trade
  4. Auditability: every transition appends to the chain history

SEE ALSO:
  - service.go: State machine operations
  - locks.go: Escrow lock manager
  - exchange.go: Atomic exchange executor
  - store.go: Persistence interfaces
*/
package trade

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TradeID string
type UserID string
type InventoryID string
type CardID string
type HistoryID string

// SystemActor is recorded as actor for transitions nobody asked for (expiry).
const SystemActor UserID = "system"

// =============================================================================
// STATUS - Closed enumeration, see transitions.go
// =============================================================================

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCountered Status = "COUNTERED"
	StatusAccepted  Status = "ACCEPTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusCountered, StatusAccepted, StatusCompleted,
	StatusCancelled, StatusRejected, StatusExpired, StatusFailed,
}

// IsTerminal reports whether no further transition is possible.
// COUNTERED is terminal for its own row; the negotiation continues on the child trade.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPending, StatusAccepted:
		return false
	}
	return true
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// ParseStatus accepts the canonical upper-case form or its lower-case spelling.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown trade status %q", s)
	}
	return st, nil
}

// =============================================================================
// DIRECTION
// =============================================================================

type Direction string

const (
	// DirectionOffer items are owned by the initiator and move to the recipient.
	DirectionOffer Direction = "offer"
	// DirectionRequest items are owned by the recipient and move to the initiator.
	DirectionRequest Direction = "request"
)

// =============================================================================
// TRADE
// =============================================================================

// Trade is one proposal in a negotiation chain.
type Trade struct {
	ID          TradeID
	InitiatorID UserID
	RecipientID UserID

	// Source inventories: offers leave InitiatorInventoryID,
	// requests leave RecipientInventoryID.
	InitiatorInventoryID InventoryID
	RecipientInventoryID InventoryID

	// Destination inventories: requested cards land in InitiatorDestInventoryID,
	// offered cards land in RecipientDestInventoryID (chosen on accept).
	InitiatorDestInventoryID InventoryID
	RecipientDestInventoryID InventoryID

	Status Status

	// Chain linkage
	RootTradeID   TradeID
	ParentTradeID *TradeID
	CounterCount  int

	// Dual confirmation
	InitiatorConfirmed   bool
	InitiatorConfirmedAt *time.Time
	RecipientConfirmed   bool
	RecipientConfirmedAt *time.Time

	Message      string
	CancelReason string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
}

// IsSelfTransfer reports whether both sides belong to the same user.
func (t *Trade) IsSelfTransfer() bool {
	return t.InitiatorID == t.RecipientID
}

// IsParticipant reports whether user is the initiator or the recipient.
func (t *Trade) IsParticipant(user UserID) bool {
	return user == t.InitiatorID || user == t.RecipientID
}

// Confirmed reports the confirmation flag of the given participant.
func (t *Trade) Confirmed(user UserID) bool {
	if user == t.InitiatorID {
		return t.InitiatorConfirmed
	}
	return t.RecipientConfirmed
}

// BothConfirmed reports whether the exchange may run.
func (t *Trade) BothConfirmed() bool {
	return t.InitiatorConfirmed && t.RecipientConfirmed
}

func (t *Trade) setConfirmed(user UserID, at *time.Time) {
	confirmed := at != nil
	if user == t.InitiatorID {
		t.InitiatorConfirmed = confirmed
		t.InitiatorConfirmedAt = at
	}
	if user == t.RecipientID {
		t.RecipientConfirmed = confirmed
		t.RecipientConfirmedAt = at
	}
}

// IsDue reports whether the trade is still open but past its deadline.
func (t *Trade) IsDue(now time.Time) bool {
	return !t.Status.IsTerminal() && !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// source returns the inventory that owns items of the given direction.
func (t *Trade) source(dir Direction) InventoryID {
	if dir == DirectionOffer {
		return t.InitiatorInventoryID
	}
	return t.RecipientInventoryID
}

// destination returns the inventory that receives items of the given direction.
func (t *Trade) destination(dir Direction) InventoryID {
	if dir == DirectionOffer {
		if t.RecipientDestInventoryID != "" {
			return t.RecipientDestInventoryID
		}
		return t.RecipientInventoryID
	}
	if t.InitiatorDestInventoryID != "" {
		return t.InitiatorDestInventoryID
	}
	return t.InitiatorInventoryID
}

// =============================================================================
// ITEM - Card line of a proposal, immutable once stored
// =============================================================================

type Item struct {
	TradeID          TradeID
	OwnerInventoryID InventoryID
	CardID           CardID
	Quantity         int
	Direction        Direction
}

// MaxItemQuantity bounds one normalized card line, so sums of duplicate
// lines stay far from int overflow.
const MaxItemQuantity = 10000

// ItemInput is a card line as supplied by a caller, before normalization.
type ItemInput struct {
	CardID   CardID
	Quantity int
}

// NormalizeItems validates quantities and sums duplicate cards into one line.
// Output order follows the first occurrence of each card.
func NormalizeItems(inputs []ItemInput) ([]ItemInput, error) {
	index := make(map[CardID]int, len(inputs))
	var out []ItemInput
	for _, in := range inputs {
		if in.CardID == "" {
			return nil, &ValidationError{Field: "card_id", Message: "card id is required"}
		}
		if in.Quantity <= 0 {
			return nil, &ValidationError{Field: "quantity", Message: fmt.Sprintf("quantity for card %s must be positive", in.CardID)}
		}
		if in.Quantity > MaxItemQuantity {
			return nil, tooMany(in.CardID)
		}
		if i, ok := index[in.CardID]; ok {
			if out[i].Quantity > MaxItemQuantity-in.Quantity {
				return nil, tooMany(in.CardID)
			}
			out[i].Quantity += in.Quantity
			continue
		}
		index[in.CardID] = len(out)
		out = append(out, in)
	}
	return out, nil
}

func tooMany(card CardID) error {
	return &ValidationError{Field: "quantity", Message: fmt.Sprintf("quantity for card %s exceeds %d", card, MaxItemQuantity)}
}

// filterItems returns the items of one direction.
func filterItems(items []Item, dir Direction) []Item {
	var out []Item
	for _, it := range items {
		if it.Direction == dir {
			out = append(out, it)
		}
	}
	return out
}

// =============================================================================
// HOLDINGS - Owned by the holdings ledger, consumed by the engine
// =============================================================================

// Inventory is a named card collection owned by one user.
type Inventory struct {
	ID      InventoryID
	OwnerID UserID
	Name    string
}

// Holding is the (inventory, card) counter pair.
// INVARIANT: 0 <= LockedQuantity <= Quantity
type Holding struct {
	InventoryID    InventoryID
	CardID         CardID
	Quantity       int
	LockedQuantity int
	Tradeable      bool
}

// Available is the quantity eligible for new reservations.
func (h Holding) Available() int { return h.Quantity - h.LockedQuantity }

// =============================================================================
// RESERVATION - Escrow record per (trade, direction)
// =============================================================================

type Reservation struct {
	TradeID     TradeID
	Direction   Direction
	InventoryID InventoryID
	ReservedAt  time.Time
	ReleasedAt  *time.Time
	SettledAt   *time.Time
}

// Held reports whether the reserved cards are still locked for this trade.
func (r *Reservation) Held() bool {
	return r != nil && r.ReleasedAt == nil && r.SettledAt == nil
}

// =============================================================================
// HISTORY - Append-only chain events
// =============================================================================

type Action string

const (
	ActionCreated        Action = "CREATED"
	ActionCounterOffered Action = "COUNTER_OFFERED"
	ActionAccepted       Action = "ACCEPTED"
	ActionConfirmed      Action = "CONFIRMED"
	ActionUnconfirmed    Action = "UNCONFIRMED"
	ActionCompleted      Action = "COMPLETED"
	ActionFailed         Action = "FAILED"
	ActionRejected       Action = "REJECTED"
	ActionCancelled      Action = "CANCELLED"
	ActionExpired        Action = "EXPIRED"
	ActionReleased       Action = "RELEASED"      // administrative release of a FAILED trade
	ActionAttemptFailed  Action = "ACTION_FAILED" // refused action, no state change
)

type HistoryEntry struct {
	ID             HistoryID
	TradeID        TradeID
	RootTradeID    TradeID
	SequenceNumber int64
	ActorID        UserID
	Action         Action
	PreviousStatus Status
	NewStatus      Status
	Details        map[string]any
	CreatedAt      time.Time
}
