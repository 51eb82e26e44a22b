package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/prediction-ledger/internal/apperr"
	"github.com/atmx/prediction-ledger/internal/market"
	"github.com/atmx/prediction-ledger/internal/settlement"
)

const maxBodyBytes = 1 << 20

// ConfirmRequest is the JSON body for POST /sells/{requestID}/confirm.
type ConfirmRequest struct {
	Signature string `json:"signature"`
}

// CancelRequest is the JSON body for POST /sells/{requestID}/cancel.
type CancelRequest struct {
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Mount registers the API routes on r. hub may be nil.
func (s *Service) Mount(r chi.Router, hub *WSHub) {
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	r.Get("/markets", s.handleListMarkets)
	r.Post("/markets", s.handleCreateMarket)
	r.Get("/markets/{marketID}", s.handleGetMarket)
	r.Get("/markets/{marketID}/history", s.handlePriceHistory)
	r.Post("/markets/{marketID}/close", s.handleCloseMarket)

	r.Post("/buy", s.handleBuy)
	r.Post("/sell", s.handleRequestSell)
	r.Get("/sells/pending", s.handleListPending)
	r.Post("/sells/{requestID}/confirm", s.handleConfirmSell)
	r.Post("/sells/{requestID}/cancel", s.handleCancelSell)

	r.Get("/users/{userID}", s.handleGetUser)
	r.Put("/users/{userID}/wallet", s.handleLinkWallet)
	r.Get("/users/{userID}/positions", s.handleListPositions)
	r.Get("/users/{userID}/transactions", s.handleListTransactions)
	r.Get("/users/{userID}/cashflow", s.handleCashflow)
	r.Get("/users/{userID}/performance", s.handleMonthlyPerformance)
	r.Get("/portfolio/{userID}", s.handlePortfolio)
	r.Get("/portfolio/{userID}/history", s.handlePortfolioHistory)
}

// --- Markets ---

// handleListMarkets handles GET /api/v1/markets
func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	views, err := s.ListMarkets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// handleCreateMarket handles POST /api/v1/markets
func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req market.OpenRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.CreateMarket(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, market.Coefficients(*m))
}

// handleGetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	v, err := s.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handlePriceHistory handles GET /api/v1/markets/{marketID}/history
func (s *Service) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	points, err := s.PriceHistory(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// handleCloseMarket handles POST /api/v1/markets/{marketID}/close
func (s *Service) handleCloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.CloseMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market.Coefficients(*m))
}

// --- Trading ---

// handleBuy handles POST /api/v1/buy
func (s *Service) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Buy(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRequestSell handles POST /api/v1/sell
func (s *Service) handleRequestSell(w http.ResponseWriter, r *http.Request) {
	var req settlement.SellRequestInput
	if !decode(w, r, &req) {
		return
	}
	sr, err := s.RequestSell(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sr)
}

// handleListPending handles GET /api/v1/sells/pending
func (s *Service) handleListPending(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.ListPendingSells(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// handleConfirmSell handles POST /api/v1/sells/{requestID}/confirm
func (s *Service) handleConfirmSell(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ConfirmSell(r.Context(), chi.URLParam(r, "requestID"), req.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCancelSell handles POST /api/v1/sells/{requestID}/cancel
func (s *Service) handleCancelSell(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	sr, err := s.CancelSell(r.Context(), chi.URLParam(r, "requestID"), req.Signature, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

// --- Users ---

// handleGetUser handles GET /api/v1/users/{userID}
func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleLinkWallet handles PUT /api/v1/users/{userID}/wallet
func (s *Service) handleLinkWallet(w http.ResponseWriter, r *http.Request) {
	var req LinkWalletRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := s.LinkWallet(r.Context(), chi.URLParam(r, "userID"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// handleListPositions handles GET /api/v1/users/{userID}/positions
func (s *Service) handleListPositions(w http.ResponseWriter, r *http.Request) {
	vals, err := s.ListPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vals)
}

// handleListTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Service) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.ListTransactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// handlePortfolio handles GET /api/v1/portfolio/{userID}
// Returns repriced positions, totals and exposure per market.
func (s *Service) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// handlePortfolioHistory handles GET /api/v1/portfolio/{userID}/history
func (s *Service) handlePortfolioHistory(w http.ResponseWriter, r *http.Request) {
	points, err := s.PortfolioHistory(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// handleCashflow handles GET /api/v1/users/{userID}/cashflow
func (s *Service) handleCashflow(w http.ResponseWriter, r *http.Request) {
	points, err := s.CashflowHistory(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// handleMonthlyPerformance handles GET /api/v1/users/{userID}/performance
func (s *Service) handleMonthlyPerformance(w http.ResponseWriter, r *http.Request) {
	flows, err := s.MonthlyPerformance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

// decode reads a JSON body, rejecting unknown fields. It writes the error
// response itself and reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, apperr.New(apperr.CodeInvalidRequest, "invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

// writeError writes a JSON error response with the status mapped from the
// error code. Internal errors are logged and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	msg := apperr.MessageOf(err)
	if code == apperr.CodeInternal {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{
		"code":  string(code),
		"error": msg,
	})
}
