package trade

import (
	"context"
	"fmt"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// MaxHoldingQuantity caps seeded holdings; transfers of at most
	// MaxItemQuantity per line cannot push a holding near int overflow.
	MaxHoldingQuantity = 1_000_000_000
)

// TradeDetail is a trade with its items.
type TradeDetail struct {
	Trade Trade
	Items []Item
}

func (d *TradeDetail) Offered() []Item   { return filterItems(d.Items, DirectionOffer) }
func (d *TradeDetail) Requested() []Item { return filterItems(d.Items, DirectionRequest) }

type Page struct {
	Trades []Trade
	Total  int
	Limit  int
	Offset int
}

// Summary aggregates a user's trading activity.
type Summary struct {
	UserID        UserID
	Total         int
	Active        int
	ByStatus      map[Status]int
	CardsGiven    int
	CardsReceived int
}

func (s *Service) Get(ctx context.Context, id TradeID) (*TradeDetail, error) {
	var out *TradeDetail
	err := s.store.View(ctx, func(tx Tx) error {
		t, err := tx.GetTrade(ctx, id)
		if err != nil {
			return err
		}
		items, err := tx.Items(ctx, id)
		if err != nil {
			return err
		}
		out = &TradeDetail{Trade: *t, Items: items}
		return nil
	})
	return out, err
}

// History returns the whole negotiation timeline of the chain id belongs to.
func (s *Service) History(ctx context.Context, id TradeID) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = s.chains.History(ctx, tx, id)
		return err
	})
	return out, err
}

// Chain returns every proposal of the negotiation id belongs to.
func (s *Service) Chain(ctx context.Context, id TradeID) ([]Trade, error) {
	var out []Trade
	err := s.store.View(ctx, func(tx Tx) error {
		t, err := tx.GetTrade(ctx, id)
		if err != nil {
			return err
		}
		out, err = s.chains.Chain(ctx, tx, t.RootTradeID)
		return err
	})
	return out, err
}

func (s *Service) List(ctx context.Context, f ListFilter) (*Page, error) {
	if f.UserID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "user is required"}
	}
	switch f.Role {
	case RoleAny, RoleInitiator, RoleRecipient:
	default:
		return nil, &ValidationError{Field: "role", Message: "must be initiator or recipient"}
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	page := &Page{Limit: f.Limit, Offset: f.Offset}
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		page.Trades, page.Total, err = tx.ListTrades(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// Summary counts the user's trades per status and the cards moved by
// completed trades. Self-transfers are counted but move no cards between users.
func (s *Service) Summary(ctx context.Context, user UserID) (*Summary, error) {
	sum := &Summary{UserID: user, ByStatus: map[Status]int{}}
	for _, st := range AllStatuses {
		sum.ByStatus[st] = 0
	}
	err := s.store.View(ctx, func(tx Tx) error {
		trades, _, err := tx.ListTrades(ctx, ListFilter{UserID: user, IncludeExpired: true})
		if err != nil {
			return err
		}
		for _, t := range trades {
			sum.Total++
			sum.ByStatus[t.Status]++
			if !t.Status.IsTerminal() {
				sum.Active++
			}
			if t.Status != StatusCompleted || t.IsSelfTransfer() {
				continue
			}
			items, err := tx.Items(ctx, t.ID)
			if err != nil {
				return err
			}
			for _, it := range items {
				mine := (it.Direction == DirectionOffer) == (t.InitiatorID == user)
				if mine {
					sum.CardsGiven += it.Quantity
				} else {
					sum.CardsReceived += it.Quantity
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// =============================================================================
// HOLDINGS
// =============================================================================

// Holding returns the escrow view of one (inventory, card).
func (s *Service) Holding(ctx context.Context, inv InventoryID, card CardID) (*Holding, error) {
	var out *Holding
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.Holding(ctx, inv, card)
		return err
	})
	return out, err
}

func (s *Service) Inventory(ctx context.Context, id InventoryID) (*Inventory, error) {
	var out *Inventory
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		out, err = tx.Inventory(ctx, id)
		return err
	})
	return out, err
}

// SaveInventory creates or renames an inventory. The owner cannot change.
func (s *Service) SaveInventory(ctx context.Context, inv Inventory) error {
	if inv.ID == "" || inv.OwnerID == "" {
		return &ValidationError{Field: "inventory", Message: "id and owner are required"}
	}
	return s.store.WithTx(ctx, func(tx Tx) error {
		existing, err := tx.Inventory(ctx, inv.ID)
		if err != nil && !IsNotFound(err) {
			return err
		}
		if existing != nil && existing.OwnerID != inv.OwnerID {
			return &ValidationError{Field: "owner_id", Message: "inventory owner cannot change"}
		}
		return tx.SaveInventory(ctx, inv)
	})
}

// SetHolding sets the owned quantity of a card. Locked cards stay locked,
// so the quantity may not drop below the locked quantity.
func (s *Service) SetHolding(ctx context.Context, h Holding) (*Holding, error) {
	if h.CardID == "" {
		return nil, &ValidationError{Field: "card_id", Message: "card id is required"}
	}
	if h.Quantity < 0 || h.Quantity > MaxHoldingQuantity {
		return nil, &ValidationError{Field: "quantity", Message: fmt.Sprintf("must be between 0 and %d", MaxHoldingQuantity)}
	}
	var out *Holding
	err := s.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.Inventory(ctx, h.InventoryID); err != nil {
			return err
		}
		if err := tx.SetHolding(ctx, h); err != nil {
			return err
		}
		var err error
		out, err = tx.Holding(ctx, h.InventoryID, h.CardID)
		return err
	})
	return out, err
}
