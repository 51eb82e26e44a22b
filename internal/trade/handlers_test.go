package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-ledger/internal/store"
)

func newRouter(t *testing.T) chi.Router {
	t.Helper()
	svc := newService(t, store.NewMemoryStore(), nil)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Mount(r, nil)
	})
	return r
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHTTP_BuySellFlow(t *testing.T) {
	router := newRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/buy",
		`{"user_id":"u1","market_id":"m1","outcome":"yes","quantity":"100","offer_price":"0.5","payment_ref":"tx-abc"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	buy := decodeBody(t, w)
	assert.Equal(t, "0.51", buy["yes_price"])
	assert.Equal(t, "0.49", buy["no_price"])
	positionID := buy["position"].(map[string]any)["id"].(string)

	w = do(t, router, http.MethodPut, "/api/v1/users/u1/wallet", `{"wallet_address":"EQ-u1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/sell",
		`{"user_id":"u1","position_id":"`+positionID+`","quantity":"40","min_price":"0.45"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sell := decodeBody(t, w)
	assert.Equal(t, "pending", sell["status"])
	requestID := sell["id"].(string)

	w = do(t, router, http.MethodGet, "/api/v1/sells/pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), requestID)

	w = do(t, router, http.MethodPost, "/api/v1/sells/"+requestID+"/confirm", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_signature", decodeBody(t, w)["code"])

	w = do(t, router, http.MethodPost, "/api/v1/sells/"+requestID+"/confirm", `{"signature":"ok"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	settled := decodeBody(t, w)
	payout := settled["payout"].(map[string]any)
	assert.Equal(t, "19.992", payout["amount"])
	assert.Equal(t, "EQ-u1", payout["destination"])

	w = do(t, router, http.MethodPost, "/api/v1/sells/"+requestID+"/cancel", `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_processed", decodeBody(t, w)["code"])

	w = do(t, router, http.MethodGet, "/api/v1/users/u1/transactions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var txs []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	require.Len(t, txs, 2)
	assert.Equal(t, "deposit", txs[0]["type"])
	assert.Equal(t, "payout", txs[1]["type"])

	w = do(t, router, http.MethodGet, "/api/v1/portfolio/u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", decodeBody(t, w)["user_id"])

	w = do(t, router, http.MethodGet, "/api/v1/users/u1/positions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"market_price"`)
}

func TestHTTP_Markets(t *testing.T) {
	router := newRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/markets", `{"id":"m2","title":"Snow","yes_price":"0.25"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody(t, w)
	assert.Equal(t, "4", created["yes_coefficient"])
	assert.Equal(t, "1.33", created["no_coefficient"])

	w = do(t, router, http.MethodGet, "/api/v1/markets", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	w = do(t, router, http.MethodGet, "/api/v1/markets/m2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Snow", decodeBody(t, w)["title"])

	w = do(t, router, http.MethodGet, "/api/v1/markets/m2/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"transaction_type":"open"`)

	w = do(t, router, http.MethodPost, "/api/v1/markets/m2/close", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", decodeBody(t, w)["status"])

	w = do(t, router, http.MethodGet, "/api/v1/markets/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "market_not_found", decodeBody(t, w)["code"])
}

func TestHTTP_Errors(t *testing.T) {
	router := newRouter(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown field", http.MethodPost, "/api/v1/buy", `{"user_id":"u1","side":"YES"}`, http.StatusBadRequest, "invalid_request"},
		{"malformed", http.MethodPost, "/api/v1/buy", `{`, http.StatusBadRequest, "invalid_request"},
		{"bad outcome", http.MethodPost, "/api/v1/buy",
			`{"user_id":"u1","market_id":"m1","outcome":"maybe","quantity":"1","offer_price":"0.5","payment_ref":"p"}`,
			http.StatusBadRequest, "invalid_outcome"},
		{"no payment", http.MethodPost, "/api/v1/buy",
			`{"user_id":"u1","market_id":"m1","outcome":"yes","quantity":"1","offer_price":"0.5"}`,
			http.StatusBadRequest, "missing_payment_proof"},
		{"lowball", http.MethodPost, "/api/v1/buy",
			`{"user_id":"u1","market_id":"m1","outcome":"no","quantity":"1","offer_price":"0.1","payment_ref":"p"}`,
			http.StatusConflict, "offer_too_low"},
		{"unknown position", http.MethodPost, "/api/v1/sell",
			`{"user_id":"u1","position_id":"nope","quantity":"1","min_price":"0"}`,
			http.StatusNotFound, "not_found"},
		{"unknown request", http.MethodPost, "/api/v1/sells/nope/confirm", `{"signature":"s"}`, http.StatusNotFound, "request_not_found"},
		{"unknown user", http.MethodGet, "/api/v1/users/ghost", "", http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			body := decodeBody(t, w)
			assert.Equal(t, tc.code, body["code"])
			assert.True(t, strings.TrimSpace(body["error"].(string)) != "")
		})
	}
}

func TestHTTP_ReportingHistories(t *testing.T) {
	router := newRouter(t)

	w := do(t, router, http.MethodPost, "/api/v1/buy",
		`{"user_id":"u1","market_id":"m1","outcome":"yes","quantity":"100","offer_price":"0.5","payment_ref":"tx-abc"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for path, want := range map[string]string{
		"/api/v1/portfolio/u1/history":  `{"date":"2026-05-01","value":"51"}`,
		"/api/v1/users/u1/cashflow":     `"balance":"-51"`,
		"/api/v1/users/u1/performance":  `{"month":"2026-05","deposits":"51","payouts":"0","net":"-51"}`,
		"/api/v1/users/nobody/cashflow": `[]`,
	} {
		w = do(t, router, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), want, path)
	}
}
