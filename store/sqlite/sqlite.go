/*
Package sqlite provides a SQLite-backed implementation of trade.Store.

PURPOSE:
  Persists inventories, holdings, trades, escrow reservations and the
  negotiation history in one SQLite file. The same schema runs on
  PostgreSQL (store/postgres) with minor dialect differences.

INTERFACES IMPLEMENTED:
  trade.Store: Transaction boundary (WithTx, View)
  trade.Tx:    Ledger, trades, items, reservations, history, retention

CONDITIONAL WRITES:
  Reserve, Release and Transfer are single UPDATE statements whose WHERE
  clause carries the availability check. Zero affected rows means the
  check failed; nothing is read first and written later.

KEY TABLES:
  inventories:   Card collections per user
  holdings:      (inventory, card) quantity and locked_quantity
  trades:        One row per proposal, chained by root_trade_id
  trade_items:   Immutable card lines (offer / request)
  reservations:  Escrow record per (trade, direction)
  trade_history: Append-only chain events, unique (root, sequence)

INDEXES:
  - idx_trades_initiator / idx_trades_recipient: Trade listing per user
  - idx_trades_root: Chain lookups and retention
  - idx_trades_due: Expiry sweep (open trades by expires_at)
  - idx_history_root_seq: Enforces per-chain sequence uniqueness

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Writers are fully serialized, so
  LockChain has nothing left to do. In production with PostgreSQL,
  advisory locks and row locks handle this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  st, err := sqlite.New("./data/escrow.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  svc := trade.NewService(st)

MIGRATION:
  Schema is auto-migrated on New(). The statements are idempotent
  (CREATE ... IF NOT EXISTS) and can be re-run with Migrate.

SEE ALSO:
  - trade/store.go: Interface definitions
  - trade/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/card-escrow/trade"
)

// Store implements trade.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ trade.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
	-- Inventories
	CREATE TABLE IF NOT EXISTS inventories (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);

	-- Holdings: one row per (inventory, card)
	CREATE TABLE IF NOT EXISTS holdings (
		inventory_id TEXT NOT NULL REFERENCES inventories(id),
		card_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		locked_quantity INTEGER NOT NULL DEFAULT 0 CHECK (locked_quantity >= 0),
		tradeable INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (inventory_id, card_id),
		CHECK (locked_quantity <= quantity)
	);

	-- Trades
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		initiator_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		initiator_inventory_id TEXT NOT NULL,
		recipient_inventory_id TEXT NOT NULL,
		initiator_dest_inventory_id TEXT,
		recipient_dest_inventory_id TEXT,
		status TEXT NOT NULL,
		root_trade_id TEXT NOT NULL,
		parent_trade_id TEXT,
		counter_count INTEGER NOT NULL DEFAULT 0,
		initiator_confirmed INTEGER NOT NULL DEFAULT 0,
		initiator_confirmed_at TEXT,
		recipient_confirmed INTEGER NOT NULL DEFAULT 0,
		recipient_confirmed_at TEXT,
		message TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_trades_initiator
		ON trades(initiator_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_trades_recipient
		ON trades(recipient_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_trades_root
		ON trades(root_trade_id, counter_count);
	CREATE INDEX IF NOT EXISTS idx_trades_due
		ON trades(expires_at) WHERE status IN ('PENDING', 'ACCEPTED');

	-- Trade items (immutable)
	CREATE TABLE IF NOT EXISTS trade_items (
		trade_id TEXT NOT NULL REFERENCES trades(id),
		owner_inventory_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		direction TEXT NOT NULL CHECK (direction IN ('offer', 'request')),
		PRIMARY KEY (trade_id, direction, card_id)
	);

	-- Escrow reservations
	CREATE TABLE IF NOT EXISTS reservations (
		trade_id TEXT NOT NULL REFERENCES trades(id),
		direction TEXT NOT NULL,
		inventory_id TEXT NOT NULL,
		reserved_at TEXT NOT NULL,
		released_at TEXT,
		settled_at TEXT,
		PRIMARY KEY (trade_id, direction)
	);

	-- Negotiation history (append-only)
	CREATE TABLE IF NOT EXISTS trade_history (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL,
		root_trade_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		previous_status TEXT NOT NULL DEFAULT '',
		new_status TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_root_seq
		ON trade_history(root_trade_id, sequence_number);
`

// =============================================================================
// TRANSACTION BOUNDARY (trade.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(trade.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// View runs fn inside a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(trade.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	return fn(&txStore{tx: sqlTx, readOnly: true})
}

type txStore struct {
	tx       *sql.Tx
	readOnly bool
}

var errReadOnly = errors.New("write inside read-only view")

func (ts *txStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if ts.readOnly {
		return nil, errReadOnly
	}
	return ts.tx.ExecContext(ctx, query, args...)
}

// execOne runs a conditional write and reports whether a row matched.
func (ts *txStore) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := ts.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LockChain is a no-op: the store mutex already serializes every writer.
func (ts *txStore) LockChain(context.Context, trade.TradeID) error { return nil }

// =============================================================================
// LEDGER
// =============================================================================

func (ts *txStore) Inventory(ctx context.Context, id trade.InventoryID) (*trade.Inventory, error) {
	var inv trade.Inventory
	err := ts.tx.QueryRowContext(ctx,
		`SELECT id, owner_id, name FROM inventories WHERE id = ?`, id,
	).Scan(&inv.ID, &inv.OwnerID, &inv.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &trade.NotFoundError{Kind: "inventory", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory: %w", err)
	}
	return &inv, nil
}

func (ts *txStore) Holding(ctx context.Context, inv trade.InventoryID, card trade.CardID) (*trade.Holding, error) {
	var h trade.Holding
	err := ts.tx.QueryRowContext(ctx, `
		SELECT inventory_id, card_id, quantity, locked_quantity, tradeable
		FROM holdings WHERE inventory_id = ? AND card_id = ?
	`, inv, card).Scan(&h.InventoryID, &h.CardID, &h.Quantity, &h.LockedQuantity, &h.Tradeable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &trade.NotFoundError{Kind: "holding", ID: string(inv) + "/" + string(card)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return &h, nil
}

func (ts *txStore) Reserve(ctx context.Context, inv trade.InventoryID, card trade.CardID, qty int) error {
	if qty <= 0 {
		return &trade.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be positive, got %d", qty)}
	}
	ok, err := ts.execOne(ctx, `
		UPDATE holdings SET locked_quantity = locked_quantity + ?
		WHERE inventory_id = ? AND card_id = ? AND quantity - locked_quantity >= ?
	`, qty, inv, card, qty)
	if err != nil {
		return fmt.Errorf("failed to reserve: %w", err)
	}
	if ok {
		return nil
	}
	available := 0
	if h, err := ts.Holding(ctx, inv, card); err == nil {
		available = h.Available()
	} else if !trade.IsNotFound(err) {
		return err
	}
	return &trade.InsufficientQuantityError{InventoryID: inv, CardID: card, Available: available, Requested: qty}
}

func (ts *txStore) Release(ctx context.Context, inv trade.InventoryID, card trade.CardID, qty int) error {
	if qty <= 0 {
		return &trade.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be positive, got %d", qty)}
	}
	ok, err := ts.execOne(ctx, `
		UPDATE holdings SET locked_quantity = locked_quantity - ?
		WHERE inventory_id = ? AND card_id = ? AND locked_quantity >= ?
	`, qty, inv, card, qty)
	if err != nil {
		return fmt.Errorf("failed to release: %w", err)
	}
	if !ok {
		return fmt.Errorf("release %d of %s/%s: not enough locked", qty, inv, card)
	}
	return nil
}

func (ts *txStore) Transfer(ctx context.Context, from, to trade.InventoryID, card trade.CardID, qty int) error {
	if qty <= 0 {
		return &trade.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be positive, got %d", qty)}
	}
	if _, err := ts.Inventory(ctx, to); err != nil {
		return err
	}
	ok, err := ts.execOne(ctx, `
		UPDATE holdings
		SET quantity = quantity - ?, locked_quantity = locked_quantity - ?
		WHERE inventory_id = ? AND card_id = ? AND quantity >= ? AND locked_quantity >= ?
	`, qty, qty, from, card, qty, qty)
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", from, err)
	}
	if !ok {
		return fmt.Errorf("transfer %d of %s from %s: not enough locked", qty, card, from)
	}
	_, err = ts.exec(ctx, `
		INSERT INTO holdings (inventory_id, card_id, quantity, locked_quantity, tradeable)
		VALUES (?, ?, ?, 0, 1)
		ON CONFLICT (inventory_id, card_id) DO UPDATE SET quantity = quantity + excluded.quantity
	`, to, card, qty)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", to, err)
	}
	return nil
}

func (ts *txStore) SaveInventory(ctx context.Context, inv trade.Inventory) error {
	_, err := ts.exec(ctx, `
		INSERT INTO inventories (id, owner_id, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name
	`, inv.ID, inv.OwnerID, inv.Name)
	if err != nil {
		return fmt.Errorf("failed to save inventory: %w", err)
	}
	return nil
}

func (ts *txStore) SetHolding(ctx context.Context, h trade.Holding) error {
	locked := 0
	if cur, err := ts.Holding(ctx, h.InventoryID, h.CardID); err == nil {
		locked = cur.LockedQuantity
	} else if !trade.IsNotFound(err) {
		return err
	}
	if h.Quantity < locked {
		return &trade.ValidationError{Field: "quantity", Message: fmt.Sprintf("%d cards are locked by open trades", locked)}
	}
	_, err := ts.exec(ctx, `
		INSERT INTO holdings (inventory_id, card_id, quantity, locked_quantity, tradeable)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (inventory_id, card_id) DO UPDATE SET
			quantity = excluded.quantity, tradeable = excluded.tradeable
	`, h.InventoryID, h.CardID, h.Quantity, h.Tradeable)
	if err != nil {
		return fmt.Errorf("failed to set holding: %w", err)
	}
	return nil
}

// =============================================================================
// TRADES
// =============================================================================

const tradeColumns = `
	id, initiator_id, recipient_id, initiator_inventory_id, recipient_inventory_id,
	initiator_dest_inventory_id, recipient_dest_inventory_id, status,
	root_trade_id, parent_trade_id, counter_count,
	initiator_confirmed, initiator_confirmed_at, recipient_confirmed, recipient_confirmed_at,
	message, cancel_reason, created_at, updated_at, expires_at, resolved_at`

func (ts *txStore) InsertTrade(ctx context.Context, t *trade.Trade) error {
	_, err := ts.exec(ctx, `INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tradeArgs(t)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("trade %s already exists", t.ID)
		}
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (ts *txStore) GetTrade(ctx context.Context, id trade.TradeID) (*trade.Trade, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &trade.NotFoundError{Kind: "trade", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (ts *txStore) UpdateTrade(ctx context.Context, t *trade.Trade, expected trade.Status) error {
	args := tradeArgs(t)
	// id moves to the WHERE clause, followed by the expected status
	args = append(args[1:], t.ID, expected)
	ok, err := ts.execOne(ctx, `
		UPDATE trades SET
			initiator_id = ?, recipient_id = ?, initiator_inventory_id = ?, recipient_inventory_id = ?,
			initiator_dest_inventory_id = ?, recipient_dest_inventory_id = ?, status = ?,
			root_trade_id = ?, parent_trade_id = ?, counter_count = ?,
			initiator_confirmed = ?, initiator_confirmed_at = ?, recipient_confirmed = ?, recipient_confirmed_at = ?,
			message = ?, cancel_reason = ?, created_at = ?, updated_at = ?, expires_at = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	if ok {
		return nil
	}
	cur, err := ts.GetTrade(ctx, t.ID)
	if err != nil {
		return err
	}
	return &trade.InvalidStateError{TradeID: t.ID, Status: cur.Status, Reason: "status changed concurrently"}
}

func (ts *txStore) ChainTrades(ctx context.Context, root trade.TradeID) ([]trade.Trade, error) {
	return ts.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE root_trade_id = ? ORDER BY counter_count`, root)
}

func (ts *txStore) ListTrades(ctx context.Context, f trade.ListFilter) ([]trade.Trade, int, error) {
	var (
		where []string
		args  []any
	)
	switch f.Role {
	case trade.RoleInitiator:
		where = append(where, "initiator_id = ?")
		args = append(args, f.UserID)
	case trade.RoleRecipient:
		where = append(where, "recipient_id = ?")
		args = append(args, f.UserID)
	default:
		where = append(where, "(initiator_id = ? OR recipient_id = ?)")
		args = append(args, f.UserID, f.UserID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	} else if !f.IncludeExpired {
		where = append(where, "status <> ?")
		args = append(args, trade.StatusExpired)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := ts.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	query := `SELECT ` + tradeColumns + ` FROM trades WHERE ` + cond + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	trades, err := ts.queryTrades(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return trades, total, nil
}

func (ts *txStore) DueTrades(ctx context.Context, now time.Time, limit int) ([]trade.TradeID, error) {
	query := `SELECT id FROM trades
		WHERE status IN ('PENDING', 'ACCEPTED') AND expires_at < ?
		ORDER BY expires_at`
	args := []any{formatTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due trades: %w", err)
	}
	defer rows.Close()

	var ids []trade.TradeID
	for rows.Next() {
		var id trade.TradeID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (ts *txStore) queryTrades(ctx context.Context, query string, args ...any) ([]trade.Trade, error) {
	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []trade.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func tradeArgs(t *trade.Trade) []any {
	var parent sql.NullString
	if t.ParentTradeID != nil {
		parent = nullString(string(*t.ParentTradeID))
	}
	return []any{
		t.ID, t.InitiatorID, t.RecipientID, t.InitiatorInventoryID, t.RecipientInventoryID,
		nullString(string(t.InitiatorDestInventoryID)), nullString(string(t.RecipientDestInventoryID)), t.Status,
		t.RootTradeID, parent, t.CounterCount,
		t.InitiatorConfirmed, nullTime(t.InitiatorConfirmedAt), t.RecipientConfirmed, nullTime(t.RecipientConfirmedAt),
		t.Message, t.CancelReason, formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTime(t.ExpiresAt), nullTime(t.ResolvedAt),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (*trade.Trade, error) {
	var (
		t                        trade.Trade
		initiatorDest, recipDest sql.NullString
		parent                   sql.NullString
		initiatorAt, recipientAt sql.NullString
		createdAt, updatedAt     string
		expiresAt                string
		resolvedAt               sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.InitiatorID, &t.RecipientID, &t.InitiatorInventoryID, &t.RecipientInventoryID,
		&initiatorDest, &recipDest, &t.Status,
		&t.RootTradeID, &parent, &t.CounterCount,
		&t.InitiatorConfirmed, &initiatorAt, &t.RecipientConfirmed, &recipientAt,
		&t.Message, &t.CancelReason, &createdAt, &updatedAt, &expiresAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan trade: %w", err)
	}

	t.InitiatorDestInventoryID = trade.InventoryID(initiatorDest.String)
	t.RecipientDestInventoryID = trade.InventoryID(recipDest.String)
	if parent.Valid {
		p := trade.TradeID(parent.String)
		t.ParentTradeID = &p
	}
	t.InitiatorConfirmedAt = parseNullTime(initiatorAt)
	t.RecipientConfirmedAt = parseNullTime(recipientAt)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.ExpiresAt = parseTime(expiresAt)
	t.ResolvedAt = parseNullTime(resolvedAt)
	return &t, nil
}

// =============================================================================
// ITEMS AND RESERVATIONS
// =============================================================================

func (ts *txStore) InsertItems(ctx context.Context, items []trade.Item) error {
	for _, it := range items {
		_, err := ts.exec(ctx, `
			INSERT INTO trade_items (trade_id, owner_inventory_id, card_id, quantity, direction)
			VALUES (?, ?, ?, ?, ?)
		`, it.TradeID, it.OwnerInventoryID, it.CardID, it.Quantity, it.Direction)
		if err != nil {
			return fmt.Errorf("failed to insert item %s: %w", it.CardID, err)
		}
	}
	return nil
}

func (ts *txStore) Items(ctx context.Context, id trade.TradeID) ([]trade.Item, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT trade_id, owner_inventory_id, card_id, quantity, direction
		FROM trade_items WHERE trade_id = ? ORDER BY rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []trade.Item
	for rows.Next() {
		var it trade.Item
		if err := rows.Scan(&it.TradeID, &it.OwnerInventoryID, &it.CardID, &it.Quantity, &it.Direction); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (ts *txStore) SaveReservation(ctx context.Context, r *trade.Reservation) error {
	_, err := ts.exec(ctx, `
		INSERT INTO reservations (trade_id, direction, inventory_id, reserved_at, released_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (trade_id, direction) DO UPDATE SET
			inventory_id = excluded.inventory_id,
			reserved_at = excluded.reserved_at,
			released_at = excluded.released_at,
			settled_at = excluded.settled_at
	`, r.TradeID, r.Direction, r.InventoryID, formatTime(r.ReservedAt), nullTime(r.ReleasedAt), nullTime(r.SettledAt))
	if err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}
	return nil
}

func (ts *txStore) Reservation(ctx context.Context, id trade.TradeID, dir trade.Direction) (*trade.Reservation, error) {
	var (
		r                    trade.Reservation
		reservedAt           string
		releasedAt, settleAt sql.NullString
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT trade_id, direction, inventory_id, reserved_at, released_at, settled_at
		FROM reservations WHERE trade_id = ? AND direction = ?
	`, id, dir).Scan(&r.TradeID, &r.Direction, &r.InventoryID, &reservedAt, &releasedAt, &settleAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	r.ReservedAt = parseTime(reservedAt)
	r.ReleasedAt = parseNullTime(releasedAt)
	r.SettledAt = parseNullTime(settleAt)
	return &r, nil
}

// =============================================================================
// HISTORY
// =============================================================================

func (ts *txStore) AppendHistory(ctx context.Context, e *trade.HistoryEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode history details: %w", err)
	}
	_, err = ts.exec(ctx, `
		INSERT INTO trade_history
		(id, trade_id, root_trade_id, sequence_number, actor_id, action,
		 previous_status, new_status, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TradeID, e.RootTradeID, e.SequenceNumber, e.ActorID, e.Action,
		e.PreviousStatus, e.NewStatus, string(details), formatTime(e.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("history sequence %d already used in chain %s", e.SequenceNumber, e.RootTradeID)
		}
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (ts *txStore) LastSequence(ctx context.Context, root trade.TradeID) (int64, error) {
	var last int64
	err := ts.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM trade_history WHERE root_trade_id = ?`, root,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return last, nil
}

func (ts *txStore) ChainHistory(ctx context.Context, root trade.TradeID) ([]trade.HistoryEntry, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT id, trade_id, root_trade_id, sequence_number, actor_id, action,
		       previous_status, new_status, details_json, created_at
		FROM trade_history WHERE root_trade_id = ? ORDER BY sequence_number
	`, root)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []trade.HistoryEntry
	for rows.Next() {
		var (
			e         trade.HistoryEntry
			details   string
			createdAt string
		)
		err := rows.Scan(&e.ID, &e.TradeID, &e.RootTradeID, &e.SequenceNumber, &e.ActorID, &e.Action,
			&e.PreviousStatus, &e.NewStatus, &details, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode history details: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// RETENTION
// =============================================================================

func (ts *txStore) ResolvedRoots(ctx context.Context, cutoff time.Time) ([]trade.TradeID, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT root_trade_id FROM trades
		GROUP BY root_trade_id
		HAVING SUM(CASE WHEN status IN ('PENDING', 'ACCEPTED') OR resolved_at IS NULL THEN 1 ELSE 0 END) = 0
		   AND MAX(resolved_at) < ?
		ORDER BY root_trade_id
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query resolved chains: %w", err)
	}
	defer rows.Close()

	var roots []trade.TradeID
	for rows.Next() {
		var root trade.TradeID
		if err := rows.Scan(&root); err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return roots, rows.Err()
}

func (ts *txStore) DeleteChain(ctx context.Context, root trade.TradeID) (trade.ChainCounts, error) {
	var counts trade.ChainCounts
	steps := []struct {
		query string
		count *int
	}{
		{`DELETE FROM trade_items WHERE trade_id IN (SELECT id FROM trades WHERE root_trade_id = ?)`, &counts.Items},
		{`DELETE FROM reservations WHERE trade_id IN (SELECT id FROM trades WHERE root_trade_id = ?)`, &counts.Reservations},
		{`DELETE FROM trade_history WHERE root_trade_id = ?`, &counts.History},
		{`DELETE FROM trades WHERE root_trade_id = ?`, &counts.Trades},
	}
	for _, step := range steps {
		res, err := ts.exec(ctx, step.query, root)
		if err != nil {
			return counts, fmt.Errorf("failed to delete chain %s: %w", root, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return counts, err
		}
		*step.count = int(n)
	}
	return counts, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout has a fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
