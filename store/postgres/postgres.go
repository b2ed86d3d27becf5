/*
Package postgres provides a PostgreSQL-backed implementation of trade.Store.

PURPOSE:
  Production store. Unlike the SQLite store, writers are not serialized
  in-process: several service replicas can run against one database.

CONCURRENCY:
  - LockChain takes pg_advisory_xact_lock(hashtext(root)), held until
    commit or rollback. Two writers of one chain queue; writers of
    different chains proceed in parallel.
  - Holdings are guarded by conditional UPDATEs. Under READ COMMITTED
    a blocked UPDATE re-evaluates its WHERE clause against the row
    version that won, so two reservations can never both pass.
  - UpdateTrade compares the stored status, so a stale writer fails with
    InvalidState instead of overwriting.

SEE ALSO:
  - trade/store.go: Interface definitions
  - store/sqlite/sqlite.go: Same schema for SQLite
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/card-escrow/trade"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ trade.Store = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewFromPool wraps an existing pool without migrating.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS inventories (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS holdings (
		inventory_id TEXT NOT NULL REFERENCES inventories(id),
		card_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity >= 0),
		locked_quantity INTEGER NOT NULL DEFAULT 0 CHECK (locked_quantity >= 0),
		tradeable BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (inventory_id, card_id),
		CHECK (locked_quantity <= quantity)
	);

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
		initiator_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		initiator_confirmed_at TIMESTAMPTZ,
		recipient_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		recipient_confirmed_at TIMESTAMPTZ,
		message TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_trades_initiator ON trades(initiator_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_trades_recipient ON trades(recipient_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_trades_root ON trades(root_trade_id, counter_count);
	CREATE INDEX IF NOT EXISTS idx_trades_due ON trades(expires_at) WHERE status IN ('PENDING', 'ACCEPTED');

	CREATE TABLE IF NOT EXISTS trade_items (
		id BIGSERIAL PRIMARY KEY,
		trade_id TEXT NOT NULL REFERENCES trades(id),
		owner_inventory_id TEXT NOT NULL,
		card_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		direction TEXT NOT NULL CHECK (direction IN ('offer', 'request')),
		UNIQUE (trade_id, direction, card_id)
	);

	CREATE TABLE IF NOT EXISTS reservations (
		trade_id TEXT NOT NULL REFERENCES trades(id),
		direction TEXT NOT NULL,
		inventory_id TEXT NOT NULL,
		reserved_at TIMESTAMPTZ NOT NULL,
		released_at TIMESTAMPTZ,
		settled_at TIMESTAMPTZ,
		PRIMARY KEY (trade_id, direction)
	);

	CREATE TABLE IF NOT EXISTS trade_history (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL,
		root_trade_id TEXT NOT NULL,
		sequence_number BIGINT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		previous_status TEXT NOT NULL DEFAULT '',
		new_status TEXT NOT NULL DEFAULT '',
		details JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (root_trade_id, sequence_number)
	);
`

// =============================================================================
// TRANSACTION BOUNDARY
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(trade.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{}, false, fn)
}

func (s *Store) View(ctx context.Context, fn func(trade.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(trade.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&txStore{tx: tx, readOnly: readOnly}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

type txStore struct {
	tx       pgx.Tx
	readOnly bool
}

var errReadOnly = errors.New("write inside read-only view")

func (ts *txStore) exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	if ts.readOnly {
		return pgconn.CommandTag{}, errReadOnly
	}
	return ts.tx.Exec(ctx, query, args...)
}

func (ts *txStore) LockChain(ctx context.Context, root trade.TradeID) error {
	if _, err := ts.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(root)); err != nil {
		return fmt.Errorf("failed to lock chain %s: %w", root, err)
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (ts *txStore) Inventory(ctx context.Context, id trade.InventoryID) (*trade.Inventory, error) {
	var inv trade.Inventory
	var invID, owner string
	err := ts.tx.QueryRow(ctx, `SELECT id, owner_id, name FROM inventories WHERE id = $1`, string(id)).
		Scan(&invID, &owner, &inv.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &trade.NotFoundError{Kind: "inventory", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("get inventory: %w", err)
	}
	inv.ID, inv.OwnerID = trade.InventoryID(invID), trade.UserID(owner)
	return &inv, nil
}

func (ts *txStore) Holding(ctx context.Context, inv trade.InventoryID, card trade.CardID) (*trade.Holding, error) {
	h := trade.Holding{InventoryID: inv, CardID: card}
	err := ts.tx.QueryRow(ctx, `
		SELECT quantity, locked_quantity, tradeable
		FROM holdings WHERE inventory_id = $1 AND card_id = $2
	`, string(inv), string(card)).Scan(&h.Quantity, &h.LockedQuantity, &h.Tradeable)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &trade.NotFoundError{Kind: "holding", ID: string(inv) + "/" + string(card)}
	}
	if err != nil {
		return nil, fmt.Errorf("get holding: %w", err)
	}
	return &h, nil
}

func (ts *txStore) Reserve(ctx context.Context, inv trade.InventoryID, card trade.CardID, qty int) error {
	if qty <= 0 {
		return &trade.ValidationError{Field: "quantity", Message: fmt.Sprintf("must be positive, got %d", qty)}
	}
	tag, err := ts.exec(ctx, `
		UPDATE holdings SET locked_quantity = locked_quantity + $1
		WHERE inventory_id = $2 AND card_id = $3 AND quantity - locked_quantity >= $1
	`, qty, string(inv), string(card))
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if tag.RowsAffected() == 1 {
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
	tag, err := ts.exec(ctx, `
		UPDATE holdings SET locked_quantity = locked_quantity - $1
		WHERE inventory_id = $2 AND card_id = $3 AND locked_quantity >= $1
	`, qty, string(inv), string(card))
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if tag.RowsAffected() != 1 {
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
	tag, err := ts.exec(ctx, `
		UPDATE holdings
		SET quantity = quantity - $1, locked_quantity = locked_quantity - $1
		WHERE inventory_id = $2 AND card_id = $3 AND quantity >= $1 AND locked_quantity >= $1
	`, qty, string(from), string(card))
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("transfer %d of %s from %s: not enough locked", qty, card, from)
	}
	_, err = ts.exec(ctx, `
		INSERT INTO holdings (inventory_id, card_id, quantity, locked_quantity, tradeable)
		VALUES ($1, $2, $3, 0, TRUE)
		ON CONFLICT (inventory_id, card_id) DO UPDATE SET quantity = holdings.quantity + EXCLUDED.quantity
	`, string(to), string(card), qty)
	if err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}
	return nil
}

func (ts *txStore) SaveInventory(ctx context.Context, inv trade.Inventory) error {
	_, err := ts.exec(ctx, `
		INSERT INTO inventories (id, owner_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, name = EXCLUDED.name
	`, string(inv.ID), string(inv.OwnerID), inv.Name)
	if err != nil {
		return fmt.Errorf("save inventory: %w", err)
	}
	return nil
}

func (ts *txStore) SetHolding(ctx context.Context, h trade.Holding) error {
	// the conditional upsert refuses to drop quantity below what is locked
	tag, err := ts.exec(ctx, `
		INSERT INTO holdings (inventory_id, card_id, quantity, locked_quantity, tradeable)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (inventory_id, card_id) DO UPDATE
			SET quantity = EXCLUDED.quantity, tradeable = EXCLUDED.tradeable
			WHERE holdings.locked_quantity <= EXCLUDED.quantity
	`, string(h.InventoryID), string(h.CardID), h.Quantity, h.Tradeable)
	if err != nil {
		return fmt.Errorf("set holding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &trade.ValidationError{Field: "quantity", Message: "cards are locked by open trades"}
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		tradeArgs(t)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trade %s already exists", t.ID)
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetTrade locks the row for the rest of a writing transaction.
func (ts *txStore) GetTrade(ctx context.Context, id trade.TradeID) (*trade.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`
	if !ts.readOnly {
		query += ` FOR UPDATE`
	}
	t, err := scanTrade(ts.tx.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &trade.NotFoundError{Kind: "trade", ID: string(id)}
	}
	return t, err
}

func (ts *txStore) UpdateTrade(ctx context.Context, t *trade.Trade, expected trade.Status) error {
	args := append(tradeArgs(t), string(expected))
	tag, err := ts.exec(ctx, `
		UPDATE trades SET
			initiator_id = $2, recipient_id = $3, initiator_inventory_id = $4, recipient_inventory_id = $5,
			initiator_dest_inventory_id = $6, recipient_dest_inventory_id = $7, status = $8,
			root_trade_id = $9, parent_trade_id = $10, counter_count = $11,
			initiator_confirmed = $12, initiator_confirmed_at = $13, recipient_confirmed = $14, recipient_confirmed_at = $15,
			message = $16, cancel_reason = $17, created_at = $18, updated_at = $19, expires_at = $20, resolved_at = $21
		WHERE id = $1 AND status = $22
	`, args...)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	if tag.RowsAffected() == 1 {
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
		WHERE root_trade_id = $1 ORDER BY counter_count`, string(root))
}

func (ts *txStore) ListTrades(ctx context.Context, f trade.ListFilter) ([]trade.Trade, int, error) {
	args := []any{string(f.UserID)}
	var where []string
	switch f.Role {
	case trade.RoleInitiator:
		where = append(where, "initiator_id = $1")
	case trade.RoleRecipient:
		where = append(where, "recipient_id = $1")
	default:
		where = append(where, "(initiator_id = $1 OR recipient_id = $1)")
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	} else if !f.IncludeExpired {
		args = append(args, string(trade.StatusExpired))
		where = append(where, fmt.Sprintf("status <> $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := ts.tx.QueryRow(ctx, `SELECT COUNT(*) FROM trades WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count trades: %w", err)
	}

	query := `SELECT ` + tradeColumns + ` FROM trades WHERE ` + cond + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	trades, err := ts.queryTrades(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return trades, total, nil
}

func (ts *txStore) DueTrades(ctx context.Context, now time.Time, limit int) ([]trade.TradeID, error) {
	query := `SELECT id FROM trades
		WHERE status IN ('PENDING', 'ACCEPTED') AND expires_at < $1
		ORDER BY expires_at`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := ts.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due trades: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]trade.TradeID, len(ids))
	for i, id := range ids {
		out[i] = trade.TradeID(id)
	}
	return out, nil
}

func (ts *txStore) queryTrades(ctx context.Context, query string, args ...any) ([]trade.Trade, error) {
	rows, err := ts.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
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
	var parent *string
	if t.ParentTradeID != nil {
		p := string(*t.ParentTradeID)
		parent = &p
	}
	return []any{
		string(t.ID), string(t.InitiatorID), string(t.RecipientID),
		string(t.InitiatorInventoryID), string(t.RecipientInventoryID),
		optional(string(t.InitiatorDestInventoryID)), optional(string(t.RecipientDestInventoryID)), string(t.Status),
		string(t.RootTradeID), parent, t.CounterCount,
		t.InitiatorConfirmed, t.InitiatorConfirmedAt, t.RecipientConfirmed, t.RecipientConfirmedAt,
		t.Message, t.CancelReason, t.CreatedAt, t.UpdatedAt, t.ExpiresAt, t.ResolvedAt,
	}
}

func scanTrade(row pgx.Row) (*trade.Trade, error) {
	var (
		t                            trade.Trade
		id, initiator, recipient     string
		initiatorInv, recipientInv   string
		initiatorDest, recipientDest *string
		status, root                 string
		parent                       *string
	)
	err := row.Scan(
		&id, &initiator, &recipient, &initiatorInv, &recipientInv,
		&initiatorDest, &recipientDest, &status,
		&root, &parent, &t.CounterCount,
		&t.InitiatorConfirmed, &t.InitiatorConfirmedAt, &t.RecipientConfirmed, &t.RecipientConfirmedAt,
		&t.Message, &t.CancelReason, &t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt, &t.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	t.ID = trade.TradeID(id)
	t.InitiatorID, t.RecipientID = trade.UserID(initiator), trade.UserID(recipient)
	t.InitiatorInventoryID, t.RecipientInventoryID = trade.InventoryID(initiatorInv), trade.InventoryID(recipientInv)
	if initiatorDest != nil {
		t.InitiatorDestInventoryID = trade.InventoryID(*initiatorDest)
	}
	if recipientDest != nil {
		t.RecipientDestInventoryID = trade.InventoryID(*recipientDest)
	}
	t.Status = trade.Status(status)
	t.RootTradeID = trade.TradeID(root)
	if parent != nil {
		p := trade.TradeID(*parent)
		t.ParentTradeID = &p
	}
	utc(&t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt)
	utc(t.InitiatorConfirmedAt, t.RecipientConfirmedAt, t.ResolvedAt)
	return &t, nil
}

// =============================================================================
// ITEMS AND RESERVATIONS
// =============================================================================

func (ts *txStore) InsertItems(ctx context.Context, items []trade.Item) error {
	if ts.readOnly {
		return errReadOnly
	}
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO trade_items (trade_id, owner_inventory_id, card_id, quantity, direction)
			VALUES ($1, $2, $3, $4, $5)
		`, string(it.TradeID), string(it.OwnerInventoryID), string(it.CardID), it.Quantity, string(it.Direction))
	}
	if err := ts.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	return nil
}

func (ts *txStore) Items(ctx context.Context, id trade.TradeID) ([]trade.Item, error) {
	rows, err := ts.tx.Query(ctx, `
		SELECT owner_inventory_id, card_id, quantity, direction
		FROM trade_items WHERE trade_id = $1 ORDER BY id
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (trade.Item, error) {
		var inv, card, dir string
		it := trade.Item{TradeID: id}
		if err := row.Scan(&inv, &card, &it.Quantity, &dir); err != nil {
			return it, err
		}
		it.OwnerInventoryID, it.CardID, it.Direction = trade.InventoryID(inv), trade.CardID(card), trade.Direction(dir)
		return it, nil
	})
}

func (ts *txStore) SaveReservation(ctx context.Context, r *trade.Reservation) error {
	_, err := ts.exec(ctx, `
		INSERT INTO reservations (trade_id, direction, inventory_id, reserved_at, released_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trade_id, direction) DO UPDATE SET
			inventory_id = EXCLUDED.inventory_id,
			reserved_at = EXCLUDED.reserved_at,
			released_at = EXCLUDED.released_at,
			settled_at = EXCLUDED.settled_at
	`, string(r.TradeID), string(r.Direction), string(r.InventoryID), r.ReservedAt, r.ReleasedAt, r.SettledAt)
	if err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	return nil
}

func (ts *txStore) Reservation(ctx context.Context, id trade.TradeID, dir trade.Direction) (*trade.Reservation, error) {
	r := trade.Reservation{TradeID: id, Direction: dir}
	var inv string
	err := ts.tx.QueryRow(ctx, `
		SELECT inventory_id, reserved_at, released_at, settled_at
		FROM reservations WHERE trade_id = $1 AND direction = $2
	`, string(id), string(dir)).Scan(&inv, &r.ReservedAt, &r.ReleasedAt, &r.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	r.InventoryID = trade.InventoryID(inv)
	utc(&r.ReservedAt)
	utc(r.ReleasedAt, r.SettledAt)
	return &r, nil
}

// =============================================================================
// HISTORY
// =============================================================================

func (ts *txStore) AppendHistory(ctx context.Context, e *trade.HistoryEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode history details: %w", err)
	}
	_, err = ts.exec(ctx, `
		INSERT INTO trade_history
		(id, trade_id, root_trade_id, sequence_number, actor_id, action,
		 previous_status, new_status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, string(e.ID), string(e.TradeID), string(e.RootTradeID), e.SequenceNumber, string(e.ActorID), string(e.Action),
		string(e.PreviousStatus), string(e.NewStatus), details, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("history sequence %d already used in chain %s", e.SequenceNumber, e.RootTradeID)
		}
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (ts *txStore) LastSequence(ctx context.Context, root trade.TradeID) (int64, error) {
	var last int64
	err := ts.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM trade_history WHERE root_trade_id = $1`, string(root),
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	return last, nil
}

func (ts *txStore) ChainHistory(ctx context.Context, root trade.TradeID) ([]trade.HistoryEntry, error) {
	rows, err := ts.tx.Query(ctx, `
		SELECT id, trade_id, sequence_number, actor_id, action,
		       previous_status, new_status, details, created_at
		FROM trade_history WHERE root_trade_id = $1 ORDER BY sequence_number
	`, string(root))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (trade.HistoryEntry, error) {
		var (
			e                          trade.HistoryEntry
			id, tradeID, actor, action string
			prev, next                 string
			details                    []byte
		)
		err := row.Scan(&id, &tradeID, &e.SequenceNumber, &actor, &action, &prev, &next, &details, &e.CreatedAt)
		if err != nil {
			return e, err
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return e, fmt.Errorf("decode history details: %w", err)
		}
		e.ID, e.TradeID, e.RootTradeID = trade.HistoryID(id), trade.TradeID(tradeID), root
		e.ActorID, e.Action = trade.UserID(actor), trade.Action(action)
		e.PreviousStatus, e.NewStatus = trade.Status(prev), trade.Status(next)
		utc(&e.CreatedAt)
		return e, nil
	})
}

// =============================================================================
// RETENTION
// =============================================================================

func (ts *txStore) ResolvedRoots(ctx context.Context, cutoff time.Time) ([]trade.TradeID, error) {
	rows, err := ts.tx.Query(ctx, `
		SELECT root_trade_id FROM trades
		GROUP BY root_trade_id
		HAVING bool_and(status NOT IN ('PENDING', 'ACCEPTED') AND resolved_at IS NOT NULL)
		   AND MAX(resolved_at) < $1
		ORDER BY root_trade_id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query resolved chains: %w", err)
	}
	roots, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]trade.TradeID, len(roots))
	for i, r := range roots {
		out[i] = trade.TradeID(r)
	}
	return out, nil
}

func (ts *txStore) DeleteChain(ctx context.Context, root trade.TradeID) (trade.ChainCounts, error) {
	var counts trade.ChainCounts
	steps := []struct {
		query string
		count *int
	}{
		{`DELETE FROM trade_items WHERE trade_id IN (SELECT id FROM trades WHERE root_trade_id = $1)`, &counts.Items},
		{`DELETE FROM reservations WHERE trade_id IN (SELECT id FROM trades WHERE root_trade_id = $1)`, &counts.Reservations},
		{`DELETE FROM trade_history WHERE root_trade_id = $1`, &counts.History},
		{`DELETE FROM trades WHERE root_trade_id = $1`, &counts.Trades},
	}
	for _, step := range steps {
		tag, err := ts.exec(ctx, step.query, string(root))
		if err != nil {
			return counts, fmt.Errorf("delete chain %s: %w", root, err)
		}
		*step.count = int(tag.RowsAffected())
	}
	return counts, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// utc normalizes timestamps read back from TIMESTAMPTZ columns.
func utc(ts ...*time.Time) {
	for _, t := range ts {
		if t != nil {
			*t = t.UTC()
		}
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
