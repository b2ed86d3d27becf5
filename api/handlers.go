/*
handlers.go - HTTP API handlers for the trade escrow engine

PURPOSE:
  Exposes the trade engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every decision to trade.Service.

ENDPOINTS:
  Trades:
    POST   /api/trades                    Propose a trade
    GET    /api/trades                    List the caller's trades
    GET    /api/trades/{id}               Trade with its items
    GET    /api/trades/{id}/history       History of the whole chain
    POST   /api/trades/{id}/accept        Accept (recipient)
    POST   /api/trades/{id}/counter       Counter-offer (recipient)
    POST   /api/trades/{id}/confirm       Confirm (participant)
    POST   /api/trades/{id}/unconfirm     Withdraw confirmation
    POST   /api/trades/{id}/reject        Reject (recipient)
    POST   /api/trades/{id}/cancel        Cancel (participant)

  Users and holdings:
    GET    /api/users/{id}/trade-summary       Trading statistics
    GET    /api/inventories/{id}/cards/{card}  Quantity, locked, available

  Admin:
    PUT    /api/admin/inventories/{id}              Seed inventory
    PUT    /api/admin/inventories/{id}/cards/{card} Seed holding
    POST   /api/admin/trades/{id}/release           Release a FAILED trade
    POST   /api/admin/cleanup                       Retention cleanup
    POST   /api/admin/expire                        Run the expiry sweep now

REQUEST FLOW:
  1. Resolve the caller (auth.go)
  2. Parse the request
  3. Call trade.Service
  4. Serialize response
  5. Map errors to HTTP status

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401: Missing or invalid identity
  - 403: Caller may not act on the trade
  - 404: Trade, inventory or holding not found
  - 409: Invalid state, insufficient quantity, exchange failed
  - 422: Card not tradeable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Caller identity
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/card-escrow/trade"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *trade.Service
	Auth    *Authenticator
	Logger  *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around the trade service.
func NewHandler(svc *trade.Service, auth *Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Auth: auth, Logger: logger}
}

// =============================================================================
// TRADE HANDLERS
// =============================================================================

// CreateTrade proposes a trade from the caller to the recipient.
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req CreateTradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	expiresIn, err := expiresInHours(req.ExpiresInHours)
	if err != nil {
		h.writeServiceError(w, r, "Failed to create trade", nil, err)
		return
	}
	t, err := h.Service.Create(r.Context(), trade.CreateInput{
		InitiatorID:              callerFrom(r.Context()),
		RecipientID:              trade.UserID(req.RecipientID),
		InitiatorInventoryID:     trade.InventoryID(req.InitiatorInventoryID),
		RecipientInventoryID:     trade.InventoryID(req.RecipientInventoryID),
		InitiatorDestInventoryID: trade.InventoryID(req.InitiatorDestInventoryID),
		Offered:                  toItemInputs(req.OfferedCards),
		Requested:                toItemInputs(req.RequestedCards),
		ExpiresIn:                expiresIn,
		Message:                  req.Message,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to create trade", nil, err)
		return
	}
	h.writeTradeDetail(w, r, http.StatusCreated, t)
}

// ListTrades returns a page of the caller's trades.
// Query: role=initiator|recipient, status=PENDING,ACCEPTED, include_expired, page, page_size.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := trade.ListFilter{
		UserID: callerFrom(r.Context()),
		Role:   trade.Role(strings.ToLower(q.Get("role"))),
	}
	for _, raw := range strings.Split(q.Get("status"), ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		st, err := trade.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status filter", err)
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	if v := q.Get("include_expired"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid include_expired", err)
			return
		}
		filter.IncludeExpired = b
	}
	page, err := queryInt(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	size, err := queryInt(q.Get("page_size"), trade.DefaultPageSize)
	if err != nil || size < 1 {
		writeError(w, http.StatusBadRequest, "Invalid page_size", err)
		return
	}
	if size > trade.MaxPageSize {
		size = trade.MaxPageSize
	}
	filter.Limit = size
	filter.Offset = (page - 1) * size

	result, err := h.Service.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list trades", nil, err)
		return
	}
	dtos := make([]TradeDTO, len(result.Trades))
	for i := range result.Trades {
		dtos[i] = toTradeDTO(&result.Trades[i])
	}
	writeJSON(w, http.StatusOK, TradePageDTO{
		Trades:   dtos,
		Total:    result.Total,
		Page:     page,
		PageSize: result.Limit,
	})
}

// GetTrade returns a trade and its items. Only participants and admins may read it.
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Service.Get(r.Context(), tradeID(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get trade", nil, err)
		return
	}
	if !h.canRead(r, &detail.Trade) {
		writeError(w, http.StatusForbidden, "Not a participant of this trade", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTradeDetailDTO(detail))
}

// GetHistory returns the chain history the trade belongs to.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	detail, err := h.Service.Get(ctx, tradeID(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get trade", nil, err)
		return
	}
	if !h.canRead(r, &detail.Trade) {
		writeError(w, http.StatusForbidden, "Not a participant of this trade", nil)
		return
	}
	entries, err := h.Service.History(ctx, detail.Trade.ID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get history", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(entries))
}

func (h *Handler) AcceptTrade(w http.ResponseWriter, r *http.Request) {
	var req AcceptTradeRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	t, err := h.Service.Accept(r.Context(), tradeID(r), callerFrom(r.Context()), trade.InventoryID(req.DestInventoryID))
	if err != nil {
		h.writeServiceError(w, r, "Failed to accept trade", nil, err)
		return
	}
	h.writeTradeDetail(w, r, http.StatusOK, t)
}

// CounterTrade returns the new counter-offer; the original is COUNTERED.
func (h *Handler) CounterTrade(w http.ResponseWriter, r *http.Request) {
	var req CounterTradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	expiresIn, err := expiresInHours(req.ExpiresInHours)
	if err != nil {
		h.writeServiceError(w, r, "Failed to counter trade", nil, err)
		return
	}
	t, err := h.Service.Counter(r.Context(), tradeID(r), callerFrom(r.Context()), trade.CounterInput{
		InventoryID:     trade.InventoryID(req.InventoryID),
		DestInventoryID: trade.InventoryID(req.DestInventoryID),
		Offered:         toItemInputs(req.OfferedCards),
		Requested:       toItemInputs(req.RequestedCards),
		ExpiresIn:       expiresIn,
		Message:         req.Message,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to counter trade", nil, err)
		return
	}
	h.writeTradeDetail(w, r, http.StatusCreated, t)
}

// ConfirmTrade records consent. An aborted exchange answers 409 with the
// FAILED trade in the body.
func (h *Handler) ConfirmTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.Service.Confirm(r.Context(), tradeID(r), callerFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "Failed to confirm trade", t, err)
		return
	}
	h.writeTradeDetail(w, r, http.StatusOK, t)
}

func (h *Handler) UnconfirmTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.Service.Unconfirm(r.Context(), tradeID(r), callerFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "Failed to unconfirm trade", nil, err)
		return
	}
	h.writeTradeDetail(w, r, http.StatusOK, t)
}

func (h *Handler) RejectTrade(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	t, err := h.Service.Reject(r.Context(), tradeID(r), callerFrom(r.Context()), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "Failed to reject trade", nil, err)
		return
	}
	h.writeTradeDetail(w, r, http.StatusOK, t)
}

func (h *Handler) CancelTrade(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	t, err := h.Service.Cancel(r.Context(), tradeID(r), callerFrom(r.Context()), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "Failed to cancel trade", nil, err)
		return
	}
	h.writeTradeDetail(w, r, http.StatusOK, t)
}

// =============================================================================
// USER AND HOLDING HANDLERS
// =============================================================================

// GetTradeSummary returns statistics for a user. Users see their own; admins see anyone's.
func (h *Handler) GetTradeSummary(w http.ResponseWriter, r *http.Request) {
	user := trade.UserID(chi.URLParam(r, "id"))
	if user != callerFrom(r.Context()) && !h.isAdmin(r) {
		writeError(w, http.StatusForbidden, "Cannot read another user's summary", nil)
		return
	}
	summary, err := h.Service.Summary(r.Context(), user)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get summary", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

func (h *Handler) GetHolding(w http.ResponseWriter, r *http.Request) {
	holding, err := h.Service.Holding(r.Context(), trade.InventoryID(chi.URLParam(r, "id")), trade.CardID(chi.URLParam(r, "card")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get holding", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldingDTO(holding))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) PutInventory(w http.ResponseWriter, r *http.Request) {
	var req InventoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	inv := trade.Inventory{
		ID:      trade.InventoryID(chi.URLParam(r, "id")),
		OwnerID: trade.UserID(req.OwnerID),
		Name:    req.Name,
	}
	if err := h.Service.SaveInventory(r.Context(), inv); err != nil {
		h.writeServiceError(w, r, "Failed to save inventory", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, InventoryDTO{ID: string(inv.ID), OwnerID: string(inv.OwnerID), Name: inv.Name})
}

func (h *Handler) PutHolding(w http.ResponseWriter, r *http.Request) {
	var req HoldingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tradeable := true
	if req.Tradeable != nil {
		tradeable = *req.Tradeable
	}
	holding, err := h.Service.SetHolding(r.Context(), trade.Holding{
		InventoryID: trade.InventoryID(chi.URLParam(r, "id")),
		CardID:      trade.CardID(chi.URLParam(r, "card")),
		Quantity:    req.Quantity,
		Tradeable:   tradeable,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to set holding", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldingDTO(holding))
}

// ReleaseTrade unlocks the reservations of a FAILED trade.
func (h *Handler) ReleaseTrade(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	t, err := h.Service.ReleaseFailed(r.Context(), tradeID(r), callerFrom(r.Context()), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, "Failed to release trade", nil, err)
		return
	}
	h.writeTradeDetail(w, r, http.StatusOK, t)
}

// RunCleanup deletes resolved chains older than the retention window.
func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	if req.RetentionDays == 0 {
		req.RetentionDays = trade.DefaultRetentionDays
	}
	report, err := h.Service.Cleanup(r.Context(), trade.CleanupInput{
		RetentionDays: req.RetentionDays,
		DryRun:        req.DryRun,
	})
	if err != nil {
		h.writeServiceError(w, r, "Cleanup failed", nil, err)
		return
	}
	h.Logger.Info("cleanup finished",
		"actor", callerFrom(r.Context()),
		"dry_run", report.DryRun,
		"chains", report.Chains,
		"trades", report.Trades)
	writeJSON(w, http.StatusOK, CleanupDTO{
		Cutoff:       formatTime(report.Cutoff),
		DryRun:       report.DryRun,
		Chains:       report.Chains,
		Trades:       report.Trades,
		Items:        report.Items,
		Reservations: report.Reservations,
		History:      report.History,
	})
}

// RunExpirySweep expires every due trade now.
func (h *Handler) RunExpirySweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.ExpireDue(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Expiry sweep failed", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{
		Scanned: report.Scanned,
		Expired: report.Expired,
		Skipped: report.Skipped,
		Failed:  report.Failed,
	})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) isAdmin(r *http.Request) bool {
	if h.Auth == nil {
		return false
	}
	_, ok := h.Auth.admins[callerFrom(r.Context())]
	return ok
}

func (h *Handler) canRead(r *http.Request, t *trade.Trade) bool {
	return t.IsParticipant(callerFrom(r.Context())) || h.isAdmin(r)
}

// writeTradeDetail reloads the trade so the response carries its items.
func (h *Handler) writeTradeDetail(w http.ResponseWriter, r *http.Request, status int, t *trade.Trade) {
	detail, err := h.Service.Get(r.Context(), t.ID)
	if err != nil {
		writeJSON(w, status, toTradeDTO(t))
		return
	}
	writeJSON(w, status, toTradeDetailDTO(detail))
}

// writeServiceError maps engine errors to HTTP status codes. t is the trade
// left behind by a failed request, if any.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, t *trade.Trade, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "error", err, "path", r.URL.Path)
		writeError(w, status, message, nil)
		return
	}
	resp := ErrorResponse{Error: err.Error(), Code: code}
	var insufficient *trade.InsufficientQuantityError
	if errors.As(err, &insufficient) {
		resp.Details = map[string]any{
			"inventory_id": insufficient.InventoryID,
			"card_id":      insufficient.CardID,
			"available":    insufficient.Available,
			"requested":    insufficient.Requested,
		}
	}
	var invalid *trade.ValidationError
	if errors.As(err, &invalid) {
		resp.Details = map[string]string{"field": invalid.Field}
	}
	if t != nil {
		dto := toTradeDTO(t)
		resp.Trade = &dto
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, trade.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, trade.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, trade.ErrExchangeFailed):
		return http.StatusConflict, "exchange_failed"
	case errors.Is(err, trade.ErrInsufficientAvailableQuantity):
		return http.StatusConflict, "insufficient_available_quantity"
	case errors.Is(err, trade.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, trade.ErrCardNotTradeable):
		return http.StatusUnprocessableEntity, "card_not_tradeable"
	case errors.Is(err, trade.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func tradeID(r *http.Request) trade.TradeID {
	return trade.TradeID(chi.URLParam(r, "id"))
}

// expiresInHours converts the request field, bounds-checked before the
// multiplication so large values cannot wrap. Zero selects the default.
func expiresInHours(hours int) (time.Duration, error) {
	minHours, maxHours := int(trade.MinExpiry/time.Hour), int(trade.MaxExpiry/time.Hour)
	if hours != 0 && (hours < minHours || hours > maxHours) {
		return 0, &trade.ValidationError{Field: "expires_in_hours", Message: fmt.Sprintf("must be between %d and %d", minHours, maxHours)}
	}
	return time.Duration(hours) * time.Hour, nil
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
