package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/controller"
	"github.com/levmarket/margin-engine/internal/interest"
	"github.com/levmarket/margin-engine/internal/model"
)

// ListMarkets handles GET /api/v1/markets
// Optional ?token=<symbol> keeps markets trading that token.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.engine.Markets()
	if token := r.URL.Query().Get("token"); token != "" {
		filtered := []model.Market{}
		for _, m := range markets {
			if m.Token0 == token || m.Token1 == token {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	m, ok := s.engine.Market(id)
	if !ok {
		writeError(w, notFound("market %d", id))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
// Returns the guarded snapshot and whether it is due for a refresh.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.engine.PriceSnapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	due, err := s.engine.ShouldUpdatePrice(r.Context(), id, r.URL.Query().Get("dex_data"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":     id,
		"price":         snap.Price,
		"avg_price":     snap.AvgPrice,
		"block":         snap.Block,
		"observations":  len(snap.History),
		"should_update": due,
	})
}

// UpdatePriceRequest is the JSON body of POST /markets/{marketID}/price.
type UpdatePriceRequest struct {
	Caller  string `json:"caller"`
	DexData string `json:"dex_data,omitempty"`
}

// UpdatePrice handles POST /api/v1/markets/{marketID}/price
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req UpdatePriceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.engine.UpdatePrice(r.Context(), req.Caller, id, req.DexData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListMarketEvents handles GET /api/v1/markets/{marketID}/events
func (s *Service) ListMarketEvents(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.events.ListMarketEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListEvents handles GET /api/v1/events/{account}
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.ListEvents(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ReferrerRequest registers the caller as a referrer.
type ReferrerRequest struct {
	Caller string `json:"caller"`
}

// RegisterReferrer handles POST /api/v1/referrers
func (s *Service) RegisterReferrer(w http.ResponseWriter, r *http.Request) {
	var req ReferrerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.RegisterReferrer(req.Caller, req.Caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"referrer": req.Caller})
}

// --- Admin ---

// CreateMarketRequest is the JSON body of POST /admin/markets.
type CreateMarketRequest struct {
	Caller string `json:"caller"`
	controller.CreateMarketParams
}

// CreateMarket handles POST /api/v1/admin/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.ctl.CreateMarket(r.Context(), req.Caller, req.CreateMarketParams)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// MarketConfigRequest changes market switches. Nil fields are left alone.
type MarketConfigRequest struct {
	Caller             string `json:"caller"`
	MarginLimit        *int64 `json:"margin_limit,omitempty"`
	Suspended          *bool  `json:"suspended,omitempty"`
	MarginTradeAllowed *bool  `json:"margin_trade_allowed,omitempty"`
}

// ConfigureMarket handles POST /api/v1/admin/markets/{marketID}/config
func (s *Service) ConfigureMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req MarketConfigRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	steps := []func() error{}
	if req.MarginLimit != nil {
		steps = append(steps, func() error {
			_, err := s.ctl.SetMarginLimit(ctx, req.Caller, id, *req.MarginLimit)
			return err
		})
	}
	if req.Suspended != nil {
		steps = append(steps, func() error {
			_, err := s.ctl.SetMarketSuspended(ctx, req.Caller, id, *req.Suspended)
			return err
		})
	}
	if req.MarginTradeAllowed != nil {
		steps = append(steps, func() error {
			return s.ctl.SetMarginTradeAllowed(req.Caller, id, *req.MarginTradeAllowed)
		})
	}
	for _, step := range steps {
		if err := step(); err != nil {
			writeError(w, err)
			return
		}
	}
	m, _ := s.engine.Market(id)
	slog.Info("market configured", "market", id, "caller", req.Caller)
	writeJSON(w, http.StatusOK, map[string]any{
		"market":               m,
		"margin_trade_allowed": s.ctl.MarginTradeAllowed(id),
	})
}

// PoolConfigRequest changes pool risk parameters. Nil fields are left alone.
type PoolConfigRequest struct {
	Caller        string           `json:"caller"`
	Allowed       *bool            `json:"allowed,omitempty"`
	ReserveFactor *decimal.Decimal `json:"reserve_factor,omitempty"`
	InterestModel string           `json:"interest_model,omitempty"`
	Interest      *interest.Params `json:"interest,omitempty"`
}

// ConfigurePool handles POST /api/v1/admin/pools/{pool}/config
func (s *Service) ConfigurePool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pool")
	var req PoolConfigRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.configurePool(r.Context(), name, req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.ctl.Pool(name)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := viewOf(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Service) configurePool(ctx context.Context, name string, req PoolConfigRequest) error {
	if req.Allowed != nil {
		if err := s.ctl.SetPoolAllowed(req.Caller, name, *req.Allowed); err != nil {
			return err
		}
	}
	if req.ReserveFactor != nil {
		if err := s.ctl.SetReserveFactor(ctx, req.Caller, name, *req.ReserveFactor); err != nil {
			return err
		}
	}
	if req.Interest != nil {
		if err := s.ctl.SetInterestParams(ctx, req.Caller, name, req.InterestModel, *req.Interest); err != nil {
			return err
		}
	}
	return nil
}

// SuspendRequest toggles the global suspension.
type SuspendRequest struct {
	Caller    string `json:"caller"`
	Suspended bool   `json:"suspended"`
}

// Suspend handles POST /api/v1/admin/suspend
func (s *Service) Suspend(w http.ResponseWriter, r *http.Request) {
	var req SuspendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.ctl.SetSuspended(req.Caller, req.Suspended); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"suspended": s.ctl.IsSuspended()})
}
