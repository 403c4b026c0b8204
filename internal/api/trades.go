package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/levmarket/margin-engine/internal/margin"
	"github.com/levmarket/margin-engine/internal/model"
)

// OpenTrade handles POST /api/v1/trades/open
// Opens or adds to a leveraged position; see margin.MarginTradeRequest.
func (s *Service) OpenTrade(w http.ResponseWriter, r *http.Request) {
	var req margin.MarginTradeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.MarginTrade(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CloseTrade handles POST /api/v1/trades/close
func (s *Service) CloseTrade(w http.ResponseWriter, r *http.Request) {
	var req margin.CloseTradeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.CloseTrade(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PayoffTrade handles POST /api/v1/trades/payoff
func (s *Service) PayoffTrade(w http.ResponseWriter, r *http.Request) {
	var req margin.PayoffRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.PayoffTrade(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LiqRequest is the JSON body of liq-mark and liq-reset.
type LiqRequest struct {
	Caller     string `json:"caller"`
	Trader     string `json:"trader"`
	MarketID   uint16 `json:"market_id"`
	LongToken1 bool   `json:"long_token1"`
}

// LiqMark handles POST /api/v1/trades/liq-mark
func (s *Service) LiqMark(w http.ResponseWriter, r *http.Request) {
	var req LiqRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ratio, err := s.engine.LiqMarker(r.Context(), req.Caller, req.Trader, req.MarketID, req.LongToken1)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ratio)
}

// LiqReset handles POST /api/v1/trades/liq-reset
func (s *Service) LiqReset(w http.ResponseWriter, r *http.Request) {
	var req LiqRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ratio, err := s.engine.LiqMarkerReset(r.Context(), req.Caller, req.Trader, req.MarketID, req.LongToken1)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ratio)
}

// Liquidate handles POST /api/v1/trades/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req margin.LiquidateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.Liquidate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListTrades handles GET /api/v1/trades/{trader}
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.engine.TradesOf(chi.URLParam(r, "trader"))
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func tradeKeyParam(r *http.Request) (model.TradeKey, error) {
	id, err := marketIDParam(r)
	if err != nil {
		return model.TradeKey{}, err
	}
	side, err := sideParam(r)
	if err != nil {
		return model.TradeKey{}, err
	}
	return model.TradeKey{Trader: chi.URLParam(r, "trader"), MarketID: id, LongToken1: side}, nil
}

// GetTrade handles GET /api/v1/trades/{trader}/{marketID}/{side}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	key, err := tradeKeyParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, ok := s.engine.Trade(key)
	if !ok {
		writeError(w, notFound("trade %s", key))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetMarginRatio handles GET /api/v1/trades/{trader}/{marketID}/{side}/margin-ratio
func (s *Service) GetMarginRatio(w http.ResponseWriter, r *http.Request) {
	key, err := tradeKeyParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ratio, err := s.engine.MarginRatio(r.Context(), key.Trader, key.MarketID, key.LongToken1)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ratio)
}
