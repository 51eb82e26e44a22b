package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-ledger/internal/approval"
	"github.com/atmx/prediction-ledger/internal/market"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/settlement"
	"github.com/atmx/prediction-ledger/internal/store"
	"github.com/atmx/prediction-ledger/internal/trade"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newLedger starts a ledger whose confirmations need a signature from priv,
// with one pending request to sell 40 of u1's 100 yes shares in m1.
func newLedger(t *testing.T) (srv *httptest.Server, priv, requestID string) {
	t.Helper()
	ctx := context.Background()

	pub, priv, err := approval.GenerateKey()
	require.NoError(t, err)
	verifier, err := approval.NewEd25519Verifier(pub)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	book := market.NewBook(pricing.DefaultEngine())
	fees := pricing.NewFeeSchedule(pricing.DefaultFeeRate)
	sells := settlement.NewWorkflow(st, book, fees, verifier, nil)
	svc := trade.NewService(st, book, fees, nil, sells, nil)
	require.NoError(t, svc.EnsureMarkets(ctx, []market.OpenRequest{{ID: "m1", Title: "Rain tomorrow"}}))

	res, err := svc.Buy(ctx, trade.BuyRequest{
		UserID: "u1", MarketID: "m1", Outcome: model.OutcomeYes,
		Quantity: d("100"), OfferPrice: d("0.5"), PaymentRef: "pay-1",
	})
	require.NoError(t, err)
	sr, err := svc.RequestSell(ctx, settlement.SellRequestInput{
		UserID: "u1", PositionID: res.Position.ID, Quantity: d("40"), MinPrice: d("0.45"),
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) { svc.Mount(r, nil) })
	srv = httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, priv, sr.ID
}

func TestClient_ConfirmWithSignedKey(t *testing.T) {
	srv, priv, id := newLedger(t)
	c := NewClient(srv.URL, 5*time.Second)
	ctx := context.Background()

	pending, err := c.PendingSells(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.True(t, pending[0].NetProceeds.Equal(d("19.992")), "net %s", pending[0].NetProceeds)

	var out bytes.Buffer
	printPending(&out, pending)
	assert.Contains(t, out.String(), id)

	_, err = c.Confirm(ctx, id, "not-a-signature")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_signature")

	sig, err := approval.Sign(priv, id)
	require.NoError(t, err)
	res, err := c.Confirm(ctx, id, sig)
	require.NoError(t, err)
	assert.Equal(t, model.SellCompleted, res.Request.Status)
	assert.True(t, res.Payout.Amount.Equal(d("19.992")))
	assert.Equal(t, "u1", res.Payout.Destination, "no wallet linked")

	pending, err = c.PendingSells(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var empty bytes.Buffer
	printPending(&empty, pending)
	assert.Equal(t, "no pending sell requests\n", empty.String())
}

func TestClient_CancelAndErrors(t *testing.T) {
	srv, _, id := newLedger(t)
	c := NewClient(srv.URL, 5*time.Second)
	ctx := context.Background()

	sr, err := c.Cancel(ctx, id, "", "price moved")
	require.NoError(t, err)
	assert.Equal(t, model.SellCancelled, sr.Status)
	assert.Equal(t, "price moved", sr.CancellationReason)

	_, err = c.Cancel(ctx, id, "", "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already_processed")

	_, err = c.Confirm(ctx, "missing", "sig")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_not_found")

	views, err := c.Markets(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].YesPrice.Equal(d("0.51")))
}
