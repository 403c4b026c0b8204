// Package api exposes the margin engine over HTTP and WebSocket.
//
// Identities travel in request bodies. Authentication is the job of the
// gateway in front of the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/controller"
	"github.com/levmarket/margin-engine/internal/dex"
	"github.com/levmarket/margin-engine/internal/dexdata"
	"github.com/levmarket/margin-engine/internal/interest"
	"github.com/levmarket/margin-engine/internal/margin"
	"github.com/levmarket/margin-engine/internal/metrics"
	"github.com/levmarket/margin-engine/internal/model"
	"github.com/levmarket/margin-engine/internal/pool"
	"github.com/levmarket/margin-engine/internal/priceguard"
)

var (
	errBadRequest = errors.New("api: bad request")
	errNotFound   = errors.New("api: not found")
)

// EventReader is the journal surface the API serves.
type EventReader interface {
	ListEvents(ctx context.Context, account string) ([]model.Event, error)
	ListMarketEvents(ctx context.Context, marketID uint16) ([]model.Event, error)
}

// Service holds the components the handlers call.
type Service struct {
	engine  *margin.Engine
	ctl     *controller.Controller
	events  EventReader
	hub     *Hub
	limiter *RateLimiter
}

// NewService creates the HTTP service. hub and limiter may be nil.
func NewService(engine *margin.Engine, ctl *controller.Controller, events EventReader, hub *Hub, limiter *RateLimiter) *Service {
	return &Service{engine: engine, ctl: ctl, events: events, hub: hub, limiter: limiter}
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Get("/pools", s.ListPools)
		r.Get("/pools/{pool}", s.GetPool)
		r.Get("/markets", s.ListMarkets)
		r.Get("/markets/{marketID}", s.GetMarket)
		r.Get("/markets/{marketID}/price", s.GetPrice)
		r.Get("/markets/{marketID}/events", s.ListMarketEvents)
		r.Get("/trades/{trader}", s.ListTrades)
		r.Get("/trades/{trader}/{marketID}/{side}", s.GetTrade)
		r.Get("/trades/{trader}/{marketID}/{side}/margin-ratio", s.GetMarginRatio)
		r.Get("/events/{account}", s.ListEvents)

		// Mutating routes share the per-client limiter.
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware)
			}
			r.Post("/pools/{pool}/mint", s.Mint)
			r.Post("/pools/{pool}/redeem", s.Redeem)
			r.Post("/pools/{pool}/redeem-underlying", s.RedeemUnderlying)
			r.Post("/pools/{pool}/repay", s.Repay)

			r.Post("/markets/{marketID}/price", s.UpdatePrice)

			r.Post("/trades/open", s.OpenTrade)
			r.Post("/trades/close", s.CloseTrade)
			r.Post("/trades/payoff", s.PayoffTrade)
			r.Post("/trades/liq-mark", s.LiqMark)
			r.Post("/trades/liq-reset", s.LiqReset)
			r.Post("/trades/liquidate", s.Liquidate)

			r.Post("/referrers", s.RegisterReferrer)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/markets", s.CreateMarket)
				r.Post("/markets/{marketID}/config", s.ConfigureMarket)
				r.Post("/pools/{pool}/config", s.ConfigurePool)
				r.Post("/suspend", s.Suspend)
			})
		})
	})
}

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "margin-engine",
		"markets": len(s.engine.Markets()),
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, margin.ErrUnauthorized),
		errors.Is(err, pool.ErrUnauthorized),
		errors.Is(err, controller.ErrUnauthorized):
		return http.StatusForbidden

	case errors.Is(err, errNotFound),
		errors.Is(err, margin.ErrMarketNotFound),
		errors.Is(err, margin.ErrHeldIsZero),
		errors.Is(err, controller.ErrPoolNotFound):
		return http.StatusNotFound

	case errors.Is(err, errBadRequest),
		errors.Is(err, margin.ErrInvalidAmount),
		errors.Is(err, margin.ErrInvalidMarket),
		errors.Is(err, margin.ErrNoLeverage),
		errors.Is(err, margin.ErrDepositTooSmall),
		errors.Is(err, margin.ErrDepositTokenMismatch),
		errors.Is(err, margin.ErrCloseAmountExceedsHeld),
		errors.Is(err, margin.ErrInvalidRepayPath),
		errors.Is(err, margin.ErrTaxedBorrowToken),
		errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrInvalidParam),
		errors.Is(err, pool.ErrMintTooSmall),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrUnknownToken),
		errors.Is(err, interest.ErrUnknownModel),
		errors.Is(err, interest.ErrInvalidParams),
		errors.Is(err, controller.ErrIdenticalTokens),
		errors.Is(err, dexdata.ErrInvalidDescriptor),
		errors.Is(err, dexdata.ErrUnsupportedDex),
		errors.Is(err, dexdata.ErrInvalidFee),
		errors.Is(err, dexdata.ErrPathMismatch),
		errors.Is(err, dex.ErrInvalidAmount):
		return http.StatusBadRequest

	case errors.Is(err, margin.ErrMarketSuspended),
		errors.Is(err, margin.ErrMarketExists),
		errors.Is(err, margin.ErrInsufficientBuyAmount),
		errors.Is(err, margin.ErrMarginRatioTooLow),
		errors.Is(err, margin.ErrSameBlock),
		errors.Is(err, margin.ErrInsufficientBalance),
		errors.Is(err, margin.ErrExceedsMaxSell),
		errors.Is(err, margin.ErrPositionHealthy),
		errors.Is(err, margin.ErrPositionNotHealthy),
		errors.Is(err, margin.ErrNotMarked),
		errors.Is(err, priceguard.ErrPriceStale),
		errors.Is(err, priceguard.ErrPriceInsufficientHistory),
		errors.Is(err, priceguard.ErrUpdateTooFrequent),
		errors.Is(err, pool.ErrPoolPaused),
		errors.Is(err, pool.ErrBorrowOutOfRange),
		errors.Is(err, pool.ErrInsufficientCash),
		errors.Is(err, pool.ErrInsufficientShares),
		errors.Is(err, pool.ErrInsufficientReserves),
		errors.Is(err, pool.ErrTransferFallthroughFailed),
		errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, dex.ErrNoPrice),
		errors.Is(err, dex.ErrInsufficientOutput),
		errors.Is(err, dex.ErrExcessiveInput),
		errors.Is(err, controller.ErrPairExists),
		errors.Is(err, controller.ErrMarketExposureExceeded),
		errors.Is(err, controller.ErrTokenExposureExceeded):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

// errorf builds a validation error.
func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errNotFound}, args...)...)
}

func marketIDParam(r *http.Request) (uint16, error) {
	raw := chi.URLParam(r, "marketID")
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: market id %q", errBadRequest, raw)
	}
	return uint16(id), nil
}

// sideParam accepts "0"/"1" or the token names "token0"/"token1".
func sideParam(r *http.Request) (bool, error) {
	switch raw := chi.URLParam(r, "side"); raw {
	case "0", "token0":
		return false, nil
	case "1", "token1":
		return true, nil
	default:
		return false, fmt.Errorf("%w: side %q, want 0 or 1", errBadRequest, raw)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the mapped status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
