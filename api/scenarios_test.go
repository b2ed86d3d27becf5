/*
scenarios_test.go - Tests for demo scenario loaders

Each scenario is loaded through the HTTP endpoint and the resulting
trades and holdings are checked through the public API.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *testServer) loadScenario(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", admin, LoadScenarioRequest{ScenarioID: id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) trades(user, query string) TradePageDTO {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/api/trades"+query, user, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[TradePageDTO](s.t, rec)
}

func TestScenario_BasicSwap(t *testing.T) {
	s := newTestServer(t, "")
	s.loadScenario("basic-swap")

	page := s.trades("bob", "?role=recipient")
	require.Len(t, page.Trades, 1)
	assert.Equal(t, "PENDING", page.Trades[0].Status)
	assert.Equal(t, 1, s.holding("alice-binder", "pikachu-base-58").LockedQuantity)
}

func TestScenario_CounterChain(t *testing.T) {
	s := newTestServer(t, "")
	s.loadScenario("counter-chain")

	page := s.trades("bob", "?status=PENDING")
	require.Len(t, page.Trades, 1)
	latest := page.Trades[0]
	assert.Equal(t, "alice", latest.InitiatorID)
	assert.Equal(t, 2, latest.CounterCount)

	rec := s.do(http.MethodGet, "/api/trades/"+latest.ID+"/history", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var actions []string
	for _, e := range decode[[]HistoryEntryDTO](t, rec) {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"CREATED", "COUNTER_OFFERED", "COUNTER_OFFERED"}, actions)

	// Only the latest offer holds cards.
	assert.Equal(t, 1, s.holding("alice-binder", "squirtle-base-63").LockedQuantity)
	assert.Equal(t, 1, s.holding("alice-binder", "pikachu-base-58").LockedQuantity)
	assert.Equal(t, 0, s.holding("bob-binder", "mewtwo-base-10").LockedQuantity)
}

func TestScenario_ReadyToSettle(t *testing.T) {
	s := newTestServer(t, "")
	s.loadScenario("ready-to-settle")

	page := s.trades("bob", "?status=ACCEPTED")
	require.Len(t, page.Trades, 1)
	tr := page.Trades[0]
	assert.True(t, tr.InitiatorConfirmed)
	assert.False(t, tr.RecipientConfirmed)

	rec := s.do(http.MethodPost, "/api/trades/"+tr.ID+"/confirm", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", decode[TradeDTO](t, rec).Status)
	assert.Equal(t, 3, s.holding("alice-binder", "bulbasaur-base-44").Quantity)
	assert.Equal(t, 2, s.holding("bob-binder", "pikachu-base-58").Quantity)
}

func TestScenario_SelfTransfer(t *testing.T) {
	s := newTestServer(t, "")
	s.loadScenario("self-transfer")

	assert.Equal(t, 0, s.holding("alice-binder", "charizard-base-4").Quantity)
	assert.Equal(t, 1, s.holding("alice-vault", "charizard-base-4").Quantity)
	page := s.trades("alice", "?status=COMPLETED")
	assert.Equal(t, 1, page.Total)
}

func TestScenario_NotTradeable(t *testing.T) {
	s := newTestServer(t, "")
	s.loadScenario("not-tradeable")

	h := s.holding("bob-binder", "mew-promo-8")
	assert.False(t, h.Tradeable)
	assert.Equal(t, 1, h.Available)
}

func TestScenario_CurrentAndUnknown(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(http.MethodGet, "/api/scenarios/current", admin, nil)
	assert.Equal(t, "null\n", rec.Body.String())

	s.loadScenario("basic-swap")
	rec = s.do(http.MethodGet, "/api/scenarios/current", admin, nil)
	assert.Equal(t, "basic-swap", decode[ScenarioDTO](t, rec).ID)

	rec = s.do(http.MethodPost, "/api/scenarios/load", admin, LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/scenarios/load", "alice", LoadScenarioRequest{ScenarioID: "basic-swap"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			s := newTestServer(t, "")
			s.loadScenario(sc.ID)
		})
	}

	s := newTestServer(t, "")
	rec := s.do(http.MethodGet, "/api/scenarios", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}
