package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/warp/card-escrow/trade"
)

func TestObserver_CountsEngineEvents(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Transitioned(trade.ActionAccepted, trade.StatusPending, trade.StatusAccepted)
	m.Transitioned(trade.ActionAccepted, trade.StatusPending, trade.StatusAccepted)
	m.Refused(trade.ActionCreated, &trade.InsufficientQuantityError{})
	m.Refused(trade.ActionCancelled, &trade.ForbiddenError{})
	m.Exchanged(time.Millisecond, nil)
	m.Exchanged(0, &trade.ExchangeError{Err: assert.AnError})
	m.Swept(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("ACCEPTED", "ACCEPTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refusals.WithLabelValues("CREATED", "insufficient_quantity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refusals.WithLabelValues("CANCELLED", "forbidden")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.swept.WithLabelValues("expired")))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/trades/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/trades/"+id, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/api/trades/{id}", "GET", "404")))
}
