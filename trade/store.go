/*
store.go - Persistence interfaces for trades, escrow and history

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never holds state of its own: every operation runs inside one Store
  transaction, so a trade row, its reservations, the holdings it touches
  and its history entry commit together or not at all.

KEY INTERFACES:
  Ledger:      Holdings ledger (availability, reserve, release, transfer)
  AdminLedger: Seeding of inventories and holdings
  Tx:          Everything reachable inside one transaction
  Store:       Transaction boundary (WithTx for writes, View for reads)

CONDITIONAL WRITES:
  Ledger.Reserve and Ledger.Transfer must be conditional writes evaluated
  at the instant of the call (e.g. UPDATE ... WHERE quantity - locked >= ?).
  A read-then-write check is NOT sufficient.

CHAIN LOCK:
  Tx.LockChain serializes writers of one negotiation chain for the rest of
  the transaction. History sequence numbers are computed under this lock.

IMPLEMENTATIONS:
  - trade/store/memory.go: In-memory, snapshot rollback
  - store/sqlite/sqlite.go: SQLite (WAL)
  - store/postgres/postgres.go: PostgreSQL (advisory locks)
*/
package trade

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER - Holdings consumed by the engine
// =============================================================================

// Ledger is the holdings ledger. Quantities are whole cards.
type Ledger interface {
	// Inventory returns *NotFoundError when the inventory does not exist.
	Inventory(ctx context.Context, id InventoryID) (*Inventory, error)

	// Holding returns *NotFoundError when the inventory has never held the card.
	Holding(ctx context.Context, inv InventoryID, card CardID) (*Holding, error)

	// Reserve increments locked_quantity iff quantity - locked_quantity >= qty.
	// Returns *InsufficientQuantityError otherwise.
	Reserve(ctx context.Context, inv InventoryID, card CardID, qty int) error

	// Release decrements locked_quantity. Fails if fewer than qty are locked.
	Release(ctx context.Context, inv InventoryID, card CardID, qty int) error

	// Transfer moves qty locked cards from one inventory to another:
	// source quantity and locked_quantity decrease, destination quantity increases.
	Transfer(ctx context.Context, from, to InventoryID, card CardID, qty int) error
}

// AdminLedger seeds inventories and holdings. Not used by trade operations.
type AdminLedger interface {
	SaveInventory(ctx context.Context, inv Inventory) error

	// SetHolding sets quantity and tradeable flag, keeping locked_quantity.
	// Fails with ErrValidation if quantity would drop below locked_quantity.
	SetHolding(ctx context.Context, h Holding) error
}

// =============================================================================
// TX - Transaction-scoped view of the store
// =============================================================================

// Tx is a unit of work. Changes are visible only after WithTx commits.
type Tx interface {
	Ledger
	AdminLedger

	// LockChain blocks other writers of the chain until the transaction ends.
	LockChain(ctx context.Context, root TradeID) error

	// Trades
	InsertTrade(ctx context.Context, t *Trade) error
	GetTrade(ctx context.Context, id TradeID) (*Trade, error)
	// UpdateTrade persists t iff the stored status still equals expected.
	// Returns *InvalidStateError when another writer got there first.
	UpdateTrade(ctx context.Context, t *Trade, expected Status) error
	ChainTrades(ctx context.Context, root TradeID) ([]Trade, error)
	ListTrades(ctx context.Context, filter ListFilter) ([]Trade, int, error)
	DueTrades(ctx context.Context, now time.Time, limit int) ([]TradeID, error)

	// Items
	InsertItems(ctx context.Context, items []Item) error
	Items(ctx context.Context, id TradeID) ([]Item, error)

	// Reservations, keyed by (trade, direction). Reservation returns nil, nil when absent.
	SaveReservation(ctx context.Context, r *Reservation) error
	Reservation(ctx context.Context, id TradeID, dir Direction) (*Reservation, error)

	// History. AppendHistory fails if (root, sequence) is already taken.
	AppendHistory(ctx context.Context, e *HistoryEntry) error
	LastSequence(ctx context.Context, root TradeID) (int64, error)
	ChainHistory(ctx context.Context, root TradeID) ([]HistoryEntry, error)

	// Retention
	// ResolvedRoots returns roots whose members are all terminal and whose
	// newest resolved_at is before cutoff.
	ResolvedRoots(ctx context.Context, cutoff time.Time) ([]TradeID, error)
	DeleteChain(ctx context.Context, root TradeID) (ChainCounts, error)
}

// Store is the transaction boundary.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// View executes fn with read access. Writes through the Tx are not allowed.
	View(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// QUERY TYPES
// =============================================================================

type Role string

const (
	RoleAny       Role = ""
	RoleInitiator Role = "initiator"
	RoleRecipient Role = "recipient"
)

// ListFilter selects trades for one user. Results are newest first.
// A Limit of zero or less returns every match.
type ListFilter struct {
	UserID         UserID
	Role           Role
	Statuses       []Status
	IncludeExpired bool
	Limit          int
	Offset         int
}

// Matches applies the filter to a single trade; stores use it when they
// cannot push the predicate down.
func (f ListFilter) Matches(t *Trade) bool {
	switch f.Role {
	case RoleInitiator:
		if t.InitiatorID != f.UserID {
			return false
		}
	case RoleRecipient:
		if t.RecipientID != f.UserID {
			return false
		}
	default:
		if !t.IsParticipant(f.UserID) {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	} else if !f.IncludeExpired && t.Status == StatusExpired {
		return false
	}
	return true
}

// ChainCounts is the number of rows removed with one chain.
type ChainCounts struct {
	Trades       int
	Items        int
	Reservations int
	History      int
}

func (c *ChainCounts) add(o ChainCounts) {
	c.Trades += o.Trades
	c.Items += o.Items
	c.Reservations += o.Reservations
	c.History += o.History
}
