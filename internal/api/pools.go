package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/model"
	"github.com/levmarket/margin-engine/internal/pool"
)

// PoolRequest is the JSON body of the pool operations. Borrower defaults to
// Account; Max on repay clears the whole debt. Borrowing only happens
// through the engine, so there is no borrow operation here.
type PoolRequest struct {
	Account  string          `json:"account"`
	Borrower string          `json:"borrower,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Max      bool            `json:"max,omitempty"`
}

// PoolView is a pool's ledger with its derived rates.
type PoolView struct {
	model.PoolState
	ExchangeRate       decimal.Decimal `json:"exchange_rate"`
	BorrowRatePerBlock decimal.Decimal `json:"borrow_rate_per_block"`
	SupplyRatePerBlock decimal.Decimal `json:"supply_rate_per_block"`
	Utilization        decimal.Decimal `json:"utilization"`
	AvailableForBorrow decimal.Decimal `json:"available_for_borrow"`
}

// PoolResult is the response of a pool operation.
type PoolResult struct {
	Pool    string          `json:"pool"`
	Account string          `json:"account"`
	Shares  decimal.Decimal `json:"shares"`
	Amount  decimal.Decimal `json:"amount"`
}

func viewOf(p *pool.Pool) (PoolView, error) {
	rate, err := p.ExchangeRateCurrent()
	if err != nil {
		return PoolView{}, err
	}
	state := p.State()
	state.Accounts = nil
	return PoolView{
		PoolState:          state,
		ExchangeRate:       rate,
		BorrowRatePerBlock: p.BorrowRatePerBlock(),
		SupplyRatePerBlock: p.SupplyRatePerBlock(),
		Utilization:        p.Utilization(),
		AvailableForBorrow: p.AvailableForBorrow(),
	}, nil
}

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, _ *http.Request) {
	views := []PoolView{}
	for _, name := range s.ctl.PoolNames() {
		p, err := s.ctl.Pool(name)
		if err != nil {
			continue
		}
		v, err := viewOf(p)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPool handles GET /api/v1/pools/{pool}
// ?account=<id> adds that account's position.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.ctl.Pool(chi.URLParam(r, "pool"))
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := viewOf(p)
	if err != nil {
		writeError(w, err)
		return
	}
	account := r.URL.Query().Get("account")
	if account == "" {
		writeJSON(w, http.StatusOK, v)
		return
	}
	underlying, err := p.BalanceOfUnderlying(account)
	if err != nil {
		writeError(w, err)
		return
	}
	borrow, err := p.BorrowBalanceCurrent(account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool": v,
		"account": map[string]any{
			"id":         account,
			"shares":     p.SharesOf(account),
			"underlying": underlying,
			"borrow":     borrow,
		},
	})
}

// poolOp decodes a PoolRequest and runs op against the named pool.
func (s *Service) poolOp(w http.ResponseWriter, r *http.Request, kind string, op func(*pool.Pool, PoolRequest) (PoolResult, error)) {
	p, err := s.ctl.Pool(chi.URLParam(r, "pool"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req PoolRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Account == "" {
		writeError(w, errorf("account is required"))
		return
	}
	res, err := op(p, req)
	if err != nil {
		writeError(w, err)
		return
	}
	res.Pool, res.Account = p.Name(), req.Account

	slog.Info("pool operation", "pool", p.Name(), "kind", kind, "account", req.Account, "amount", res.Amount.String())
	writeJSON(w, http.StatusOK, res)
}

// Mint handles POST /api/v1/pools/{pool}/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	s.poolOp(w, r, model.EventMint, func(p *pool.Pool, req PoolRequest) (PoolResult, error) {
		shares, err := p.Mint(r.Context(), req.Account, req.Amount)
		return PoolResult{Shares: shares, Amount: req.Amount}, err
	})
}

// Redeem handles POST /api/v1/pools/{pool}/redeem; Amount is in shares.
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	s.poolOp(w, r, model.EventRedeem, func(p *pool.Pool, req PoolRequest) (PoolResult, error) {
		out, err := p.Redeem(r.Context(), req.Account, req.Amount)
		return PoolResult{Shares: req.Amount, Amount: out}, err
	})
}

// RedeemUnderlying handles POST /api/v1/pools/{pool}/redeem-underlying
func (s *Service) RedeemUnderlying(w http.ResponseWriter, r *http.Request) {
	s.poolOp(w, r, model.EventRedeem, func(p *pool.Pool, req PoolRequest) (PoolResult, error) {
		burned, err := p.RedeemUnderlying(r.Context(), req.Account, req.Amount)
		return PoolResult{Shares: burned, Amount: req.Amount}, err
	})
}

// Repay handles POST /api/v1/pools/{pool}/repay
func (s *Service) Repay(w http.ResponseWriter, r *http.Request) {
	s.poolOp(w, r, model.EventRepay, func(p *pool.Pool, req PoolRequest) (PoolResult, error) {
		borrower := req.Borrower
		if borrower == "" {
			borrower = req.Account
		}
		amount := req.Amount
		if req.Max {
			amount = pool.RepayMax
		}
		repaid, err := p.RepayBorrowBehalf(r.Context(), req.Account, borrower, amount)
		return PoolResult{Amount: repaid}, err
	})
}
