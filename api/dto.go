/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the trade engine's model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific defaults (hours instead of durations)
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Trades:
    TradeDTO, CardDTO, TradePageDTO, HistoryEntryDTO
    CreateTradeRequest, CounterTradeRequest, AcceptTradeRequest, ReasonRequest

  Holdings:
    HoldingDTO, InventoryDTO, InventoryRequest, HoldingRequest

  Admin:
    CleanupRequest, CleanupDTO, SweepDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the trade service, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - trade/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/card-escrow/trade"
)

// =============================================================================
// TRADES
// =============================================================================

// CardDTO is one card line of a proposal.
type CardDTO struct {
	CardID   string `json:"card_id"`
	Quantity int    `json:"quantity"`
}

// CreateTradeRequest is the request to propose a trade. The caller is the initiator.
type CreateTradeRequest struct {
	RecipientID              string    `json:"recipient_id"`
	InitiatorInventoryID     string    `json:"initiator_inventory_id"`
	RecipientInventoryID     string    `json:"recipient_inventory_id"`
	InitiatorDestInventoryID string    `json:"initiator_dest_inventory_id,omitempty"`
	OfferedCards             []CardDTO `json:"offered_cards"`
	RequestedCards           []CardDTO `json:"requested_cards"`
	ExpiresInHours           int       `json:"expires_in_hours,omitempty"`
	Message                  string    `json:"message,omitempty"`
}

// CounterTradeRequest supersedes a pending trade. The caller is the recipient.
type CounterTradeRequest struct {
	InventoryID     string    `json:"inventory_id,omitempty"`
	DestInventoryID string    `json:"dest_inventory_id,omitempty"`
	OfferedCards    []CardDTO `json:"offered_cards"`
	RequestedCards  []CardDTO `json:"requested_cards"`
	ExpiresInHours  int       `json:"expires_in_hours,omitempty"`
	Message         string    `json:"message,omitempty"`
}

type AcceptTradeRequest struct {
	DestInventoryID string `json:"dest_inventory_id,omitempty"`
}

// ReasonRequest is the optional body of reject, cancel and release.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TradeDTO represents a trade in API responses.
type TradeDTO struct {
	ID                       string    `json:"id"`
	InitiatorID              string    `json:"initiator_id"`
	RecipientID              string    `json:"recipient_id"`
	InitiatorInventoryID     string    `json:"initiator_inventory_id"`
	RecipientInventoryID     string    `json:"recipient_inventory_id"`
	InitiatorDestInventoryID string    `json:"initiator_dest_inventory_id,omitempty"`
	RecipientDestInventoryID string    `json:"recipient_dest_inventory_id,omitempty"`
	Status                   string    `json:"status"`
	RootTradeID              string    `json:"root_trade_id"`
	ParentTradeID            *string   `json:"parent_trade_id,omitempty"`
	CounterCount             int       `json:"counter_count"`
	InitiatorConfirmed       bool      `json:"initiator_confirmed"`
	InitiatorConfirmedAt     *string   `json:"initiator_confirmed_at,omitempty"`
	RecipientConfirmed       bool      `json:"recipient_confirmed"`
	RecipientConfirmedAt     *string   `json:"recipient_confirmed_at,omitempty"`
	Message                  string    `json:"message,omitempty"`
	CancelReason             string    `json:"cancel_reason,omitempty"`
	OfferedCards             []CardDTO `json:"offered_cards,omitempty"`
	RequestedCards           []CardDTO `json:"requested_cards,omitempty"`
	CreatedAt                string    `json:"created_at"`
	UpdatedAt                string    `json:"updated_at"`
	ExpiresAt                string    `json:"expires_at"`
	ResolvedAt               *string   `json:"resolved_at,omitempty"`
}

// TradePageDTO is one page of a trade listing.
type TradePageDTO struct {
	Trades   []TradeDTO `json:"trades"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

type HistoryEntryDTO struct {
	ID             string         `json:"id"`
	TradeID        string         `json:"trade_id"`
	SequenceNumber int64          `json:"sequence_number"`
	ActorID        string         `json:"actor_id"`
	Action         string         `json:"action"`
	PreviousStatus string         `json:"previous_status,omitempty"`
	NewStatus      string         `json:"new_status,omitempty"`
	Details        map[string]any `json:"details"`
	CreatedAt      string         `json:"created_at"`
}

type SummaryDTO struct {
	UserID        string         `json:"user_id"`
	Total         int            `json:"total_trades"`
	Active        int            `json:"active_trades"`
	ByStatus      map[string]int `json:"by_status"`
	CardsGiven    int            `json:"cards_given"`
	CardsReceived int            `json:"cards_received"`
}

// =============================================================================
// HOLDINGS
// =============================================================================

type HoldingDTO struct {
	InventoryID    string `json:"inventory_id"`
	CardID         string `json:"card_id"`
	Quantity       int    `json:"quantity"`
	LockedQuantity int    `json:"locked_quantity"`
	Available      int    `json:"available"`
	Tradeable      bool   `json:"tradeable"`
}

type InventoryDTO struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name,omitempty"`
}

type InventoryRequest struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name,omitempty"`
}

// HoldingRequest sets a holding. Tradeable defaults to true.
type HoldingRequest struct {
	Quantity  int   `json:"quantity"`
	Tradeable *bool `json:"tradeable,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type CleanupRequest struct {
	RetentionDays int  `json:"retention_days,omitempty"`
	DryRun        bool `json:"dry_run"`
}

type CleanupDTO struct {
	Cutoff       string `json:"cutoff"`
	DryRun       bool   `json:"dry_run"`
	Chains       int    `json:"chains"`
	Trades       int    `json:"trades"`
	Items        int    `json:"items"`
	Reservations int    `json:"reservations"`
	History      int    `json:"history"`
}

type SweepDTO struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// =============================================================================
// SCENARIOS AND ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response. Trade is set when the
// request failed but still changed the trade (exchange failure).
type ErrorResponse struct {
	Error   string    `json:"error"`
	Code    string    `json:"code,omitempty"`
	Details any       `json:"details,omitempty"`
	Trade   *TradeDTO `json:"trade,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toItemInputs(cards []CardDTO) []trade.ItemInput {
	out := make([]trade.ItemInput, len(cards))
	for i, c := range cards {
		out[i] = trade.ItemInput{CardID: trade.CardID(c.CardID), Quantity: c.Quantity}
	}
	return out
}

func toCardDTOs(items []trade.Item) []CardDTO {
	out := make([]CardDTO, len(items))
	for i, it := range items {
		out[i] = CardDTO{CardID: string(it.CardID), Quantity: it.Quantity}
	}
	return out
}

func toTradeDTO(t *trade.Trade) TradeDTO {
	dto := TradeDTO{
		ID:                       string(t.ID),
		InitiatorID:              string(t.InitiatorID),
		RecipientID:              string(t.RecipientID),
		InitiatorInventoryID:     string(t.InitiatorInventoryID),
		RecipientInventoryID:     string(t.RecipientInventoryID),
		InitiatorDestInventoryID: string(t.InitiatorDestInventoryID),
		RecipientDestInventoryID: string(t.RecipientDestInventoryID),
		Status:                   string(t.Status),
		RootTradeID:              string(t.RootTradeID),
		CounterCount:             t.CounterCount,
		InitiatorConfirmed:       t.InitiatorConfirmed,
		InitiatorConfirmedAt:     formatTimePtr(t.InitiatorConfirmedAt),
		RecipientConfirmed:       t.RecipientConfirmed,
		RecipientConfirmedAt:     formatTimePtr(t.RecipientConfirmedAt),
		Message:                  t.Message,
		CancelReason:             t.CancelReason,
		CreatedAt:                formatTime(t.CreatedAt),
		UpdatedAt:                formatTime(t.UpdatedAt),
		ExpiresAt:                formatTime(t.ExpiresAt),
		ResolvedAt:               formatTimePtr(t.ResolvedAt),
	}
	if t.ParentTradeID != nil {
		p := string(*t.ParentTradeID)
		dto.ParentTradeID = &p
	}
	return dto
}

func toTradeDetailDTO(d *trade.TradeDetail) TradeDTO {
	dto := toTradeDTO(&d.Trade)
	dto.OfferedCards = toCardDTOs(d.Offered())
	dto.RequestedCards = toCardDTOs(d.Requested())
	return dto
}

func toHistoryDTOs(entries []trade.HistoryEntry) []HistoryEntryDTO {
	out := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntryDTO{
			ID:             string(e.ID),
			TradeID:        string(e.TradeID),
			SequenceNumber: e.SequenceNumber,
			ActorID:        string(e.ActorID),
			Action:         string(e.Action),
			PreviousStatus: string(e.PreviousStatus),
			NewStatus:      string(e.NewStatus),
			Details:        e.Details,
			CreatedAt:      formatTime(e.CreatedAt),
		}
	}
	return out
}

func toHoldingDTO(h *trade.Holding) HoldingDTO {
	return HoldingDTO{
		InventoryID:    string(h.InventoryID),
		CardID:         string(h.CardID),
		Quantity:       h.Quantity,
		LockedQuantity: h.LockedQuantity,
		Available:      h.Available(),
		Tradeable:      h.Tradeable,
	}
}

func toSummaryDTO(s *trade.Summary) SummaryDTO {
	byStatus := make(map[string]int, len(s.ByStatus))
	for st, n := range s.ByStatus {
		byStatus[string(st)] = n
	}
	return SummaryDTO{
		UserID:        string(s.UserID),
		Total:         s.Total,
		Active:        s.Active,
		ByStatus:      byStatus,
		CardsGiven:    s.CardsGiven,
		CardsReceived: s.CardsReceived,
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
