/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	collections and trades. Each scenario seeds inventories and holdings,
	then drives the trade service so every row is produced by the same
	code path a real client would use.

AVAILABLE SCENARIOS:

	basic-swap:      Two collectors, one pending trade
	counter-chain:   A proposal countered twice, latest awaiting an answer
	ready-to-settle: Accepted trade confirmed by one side
	self-transfer:   A user moving cards between their own inventories
	not-tradeable:   A locked holding that cannot be offered

HOW SCENARIOS WORK:
 1. Upsert inventories (owner cannot change)
 2. Set holdings to the scenario quantities
 3. Create trades through trade.Service

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "counter-chain"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description and loader

NOTE:

	Holdings are overwritten, so loading a scenario twice resets the demo
	collections. Setting a holding below its locked quantity fails; cancel
	the open demo trades first. Only use in development/demo environments.

SEE ALSO:
  - server.go: Mounted only when scenarios are enabled
  - trade/service.go: Trade lifecycle
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/card-escrow/trade"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, svc *trade.Service) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "basic-swap",
			Name:        "Basic Swap",
			Description: "Alice offers a Pikachu for Bob's Mewtwo; the trade is pending",
		},
		load: loadBasicSwap,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "counter-chain",
			Name:        "Counter Chain",
			Description: "A proposal countered twice; Bob must answer the latest offer",
		},
		load: loadCounterChain,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "ready-to-settle",
			Name:        "Ready To Settle",
			Description: "Bob accepted then withdrew consent; Alice confirmed, so Bob's confirmation runs the exchange",
		},
		load: loadReadyToSettle,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "self-transfer",
			Name:        "Self Transfer",
			Description: "Alice moves a Charizard from her binder to her vault",
		},
		load: loadSelfTransfer,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "not-tradeable",
			Name:        "Not Tradeable",
			Description: "Bob's Mew is flagged non-tradeable and cannot be requested",
		},
		load: loadNotTradeable,
	},
}

const (
	alice = trade.UserID("alice")
	bob   = trade.UserID("bob")

	aliceBinder = trade.InventoryID("alice-binder")
	aliceVault  = trade.InventoryID("alice-vault")
	bobBinder   = trade.InventoryID("bob-binder")
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s.ScenarioDTO)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var found *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			found = &scenarios[i]
			break
		}
	}
	if found == nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := found.load(r.Context(), h.Service); err != nil {
		h.writeServiceError(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), nil, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID, "actor", callerFrom(r.Context()))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type seedHolding struct {
	inv       trade.InventoryID
	card      trade.CardID
	qty       int
	tradeable bool
}

// seedCollections creates the demo inventories and sets their holdings.
func seedCollections(ctx context.Context, svc *trade.Service, extra ...seedHolding) error {
	inventories := []trade.Inventory{
		{ID: aliceBinder, OwnerID: alice, Name: "Alice's binder"},
		{ID: aliceVault, OwnerID: alice, Name: "Alice's vault"},
		{ID: bobBinder, OwnerID: bob, Name: "Bob's binder"},
	}
	for _, inv := range inventories {
		if err := svc.SaveInventory(ctx, inv); err != nil {
			return fmt.Errorf("seed inventory %s: %w", inv.ID, err)
		}
	}
	holdings := append([]seedHolding{
		{aliceBinder, "pikachu-base-58", 3, true},
		{aliceBinder, "charizard-base-4", 1, true},
		{aliceBinder, "squirtle-base-63", 2, true},
		{bobBinder, "mewtwo-base-10", 2, true},
		{bobBinder, "bulbasaur-base-44", 4, true},
	}, extra...)
	for _, s := range holdings {
		_, err := svc.SetHolding(ctx, trade.Holding{
			InventoryID: s.inv,
			CardID:      s.card,
			Quantity:    s.qty,
			Tradeable:   s.tradeable,
		})
		if err != nil {
			return fmt.Errorf("seed holding %s/%s: %w", s.inv, s.card, err)
		}
	}
	return nil
}

func propose(ctx context.Context, svc *trade.Service, offered, requested []trade.ItemInput, message string) (*trade.Trade, error) {
	return svc.Create(ctx, trade.CreateInput{
		InitiatorID:          alice,
		RecipientID:          bob,
		InitiatorInventoryID: aliceBinder,
		RecipientInventoryID: bobBinder,
		Offered:              offered,
		Requested:            requested,
		Message:              message,
	})
}

func cards(card trade.CardID, qty int) []trade.ItemInput {
	return []trade.ItemInput{{CardID: card, Quantity: qty}}
}

func loadBasicSwap(ctx context.Context, svc *trade.Service) error {
	if err := seedCollections(ctx, svc); err != nil {
		return err
	}
	_, err := propose(ctx, svc, cards("pikachu-base-58", 1), cards("mewtwo-base-10", 1), "Pikachu for your Mewtwo?")
	return err
}

func loadCounterChain(ctx context.Context, svc *trade.Service) error {
	if err := seedCollections(ctx, svc); err != nil {
		return err
	}
	first, err := propose(ctx, svc, cards("squirtle-base-63", 1), cards("mewtwo-base-10", 1), "Squirtle for Mewtwo")
	if err != nil {
		return err
	}
	// Bob wants more; the counter flips the roles.
	second, err := svc.Counter(ctx, first.ID, bob, trade.CounterInput{
		Offered:   cards("mewtwo-base-10", 1),
		Requested: cards("squirtle-base-63", 2),
		Message:   "Two Squirtles and it's yours",
	})
	if err != nil {
		return err
	}
	_, err = svc.Counter(ctx, second.ID, alice, trade.CounterInput{
		Offered:   []trade.ItemInput{{CardID: "squirtle-base-63", Quantity: 1}, {CardID: "pikachu-base-58", Quantity: 1}},
		Requested: cards("mewtwo-base-10", 1),
		Message:   "One Squirtle and a Pikachu",
	})
	return err
}

func loadReadyToSettle(ctx context.Context, svc *trade.Service) error {
	if err := seedCollections(ctx, svc); err != nil {
		return err
	}
	t, err := propose(ctx, svc, cards("pikachu-base-58", 2), cards("bulbasaur-base-44", 3), "")
	if err != nil {
		return err
	}
	if _, err := svc.Accept(ctx, t.ID, bob, ""); err != nil {
		return err
	}
	// Accepting counts as Bob's confirmation; take it back so Bob settles last.
	if _, err := svc.Unconfirm(ctx, t.ID, bob); err != nil {
		return err
	}
	_, err = svc.Confirm(ctx, t.ID, alice)
	return err
}

func loadSelfTransfer(ctx context.Context, svc *trade.Service) error {
	if err := seedCollections(ctx, svc); err != nil {
		return err
	}
	_, err := svc.Create(ctx, trade.CreateInput{
		InitiatorID:          alice,
		RecipientID:          alice,
		InitiatorInventoryID: aliceBinder,
		RecipientInventoryID: aliceVault,
		Offered:              cards("charizard-base-4", 1),
		Message:              "Into the vault",
	})
	return err
}

func loadNotTradeable(ctx context.Context, svc *trade.Service) error {
	return seedCollections(ctx, svc, seedHolding{bobBinder, "mew-promo-8", 1, false})
}
