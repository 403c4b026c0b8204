package margin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/dex"
	"github.com/levmarket/margin-engine/internal/metrics"
	"github.com/levmarket/margin-engine/internal/model"
)

// LiqMarker flags a trade whose margin ratio breached the market limit.
// Marking an already marked trade is a no-op.
func (e *Engine) LiqMarker(ctx context.Context, caller, trader string, marketID uint16, longToken1 bool) (Ratio, error) {
	var r Ratio
	err := e.execute(ctx, model.EventLiqMark, marketID, func(u *unit) error {
		key := model.TradeKey{Trader: trader, MarketID: marketID, LongToken1: longToken1}
		t, err := u.openTrade(key)
		if err != nil {
			return err
		}
		prices, err := u.checkPrices(u.market.DexData)
		if err != nil {
			return err
		}
		if r, err = u.ratio(t, sideOf(u.market, longToken1), prices); err != nil {
			return err
		}
		if !breached(u.market.LiquidationPolicy, r) {
			return fmt.Errorf("%w: current %d, avg %d, limit %d", ErrPositionHealthy, r.Current, r.Avg, r.Limit)
		}
		if t.LiqMarker != "" {
			return nil
		}
		t.LiqMarker, t.LiqBlock = caller, u.now
		u.putTrade(t)
		u.record(model.EventLiqMark, trader, ratioAmounts(r))
		slog.Info("trade marked for liquidation", "market", marketID, "trader", trader, "marker", caller,
			"ratio", r.Current, "avg_ratio", r.Avg)
		return nil
	})
	return r, err
}

// LiqMarkerReset clears the mark of a trade that recovered.
func (e *Engine) LiqMarkerReset(ctx context.Context, caller, trader string, marketID uint16, longToken1 bool) (Ratio, error) {
	var r Ratio
	err := e.execute(ctx, model.EventLiqReset, marketID, func(u *unit) error {
		key := model.TradeKey{Trader: trader, MarketID: marketID, LongToken1: longToken1}
		t, err := u.openTrade(key)
		if err != nil {
			return err
		}
		if t.LiqMarker == "" {
			return fmt.Errorf("%w: %s", ErrNotMarked, key)
		}
		prices, err := u.checkPrices(u.market.DexData)
		if err != nil {
			return err
		}
		if r, err = u.ratio(t, sideOf(u.market, longToken1), prices); err != nil {
			return err
		}
		if !healthy(u.market.LiquidationPolicy, r) {
			return fmt.Errorf("%w: current %d, avg %d, limit %d", ErrPositionNotHealthy, r.Current, r.Avg, r.Limit)
		}
		t.LiqMarker, t.LiqBlock = "", 0
		u.putTrade(t)
		u.record(model.EventLiqReset, trader, ratioAmounts(r))
		return nil
	})
	return r, err
}

// LiquidateRequest executes a marked liquidation. MinOrMaxAmount bounds the
// swap the same way it does for CloseTrade.
type LiquidateRequest struct {
	Caller         string          `json:"caller"`
	Trader         string          `json:"trader"`
	MarketID       uint16          `json:"market_id"`
	LongToken1     bool            `json:"long_token1"`
	MinOrMaxAmount decimal.Decimal `json:"min_or_max_amount"`
	DexData        string          `json:"dex_data,omitempty"`
}

type LiquidateResult struct {
	Trade          model.Trade     `json:"trade"`
	Fees           decimal.Decimal `json:"fees"`
	Owed           decimal.Decimal `json:"owed"`
	Repaid         decimal.Decimal `json:"repaid"`
	DepositReturn  decimal.Decimal `json:"deposit_return"`
	ReturnToken    string          `json:"return_token,omitempty"`
	InsuranceDrawn decimal.Decimal `json:"insurance_drawn"`
	BadDebt        decimal.Decimal `json:"bad_debt"`
	BlownUp        bool            `json:"blown_up"`
}

// Liquidate sells a marked trade's position to repay its debt. When the
// proceeds fall short the borrow side's insurance covers what it can and
// the pool writes off the rest.
func (e *Engine) Liquidate(ctx context.Context, req LiquidateRequest) (LiquidateResult, error) {
	if req.MinOrMaxAmount.IsNegative() {
		return LiquidateResult{}, ErrInvalidAmount
	}
	var res LiquidateResult
	err := e.execute(ctx, model.EventLiquidate, req.MarketID, func(u *unit) error {
		m := u.market
		s := sideOf(m, req.LongToken1)
		key := model.TradeKey{Trader: req.Trader, MarketID: req.MarketID, LongToken1: req.LongToken1}
		t, err := u.openTrade(key)
		if err != nil {
			return err
		}
		if t.LiqMarker == "" {
			return fmt.Errorf("%w: %s", ErrNotMarked, key)
		}
		if t.LiqBlock == u.now {
			return fmt.Errorf("%w: marked at block %d", ErrSameBlock, t.LiqBlock)
		}
		dexData := u.dexData(req.DexData)
		if _, err := u.e.cfg.Guard.Prices(u.ctx, m.Token0, m.Token1, dexData); err != nil {
			return err
		}
		prices, err := u.checkPrices(dexData)
		if err != nil {
			return err
		}
		r, err := u.ratio(t, s, prices)
		if err != nil {
			return err
		}
		if !breached(m.LiquidationPolicy, r) {
			return fmt.Errorf("%w: current %d, avg %d, limit %d", ErrPositionHealthy, r.Current, r.Avg, r.Limit)
		}
		res.Trade, res.Owed = *t, r.Owed

		fees := u.splitFees(req.Trader, "", t.Held)
		if err := u.chargeFees(s.held, s.heldIdx, "", fees); err != nil {
			return err
		}
		res.Fees = fees.Charged
		remaining := t.Held.Sub(fees.Charged)
		pt := u.pools[s.borrowIdx]
		owed := r.Owed
		settled := false

		if t.DepositToken1 == s.long1 && owed.IsPositive() {
			maxIn := remaining
			if req.MinOrMaxAmount.IsPositive() && req.MinOrMaxAmount.LessThan(maxIn) {
				maxIn = req.MinOrMaxAmount
			}
			sold, err := u.e.cfg.Swapper.Buy(u.ctx, u.bank, u.e.cfg.Account, s.held, s.borrow, owed, maxIn, dexData)
			switch {
			case err == nil:
				if res.Repaid, err = pt.RepayBorrowBehalf(u.e.cfg.Account, req.Trader, owed); err != nil {
					return err
				}
				res.DepositReturn, res.ReturnToken = remaining.Sub(sold), s.held
				settled = true
			case !errors.Is(err, dex.ErrExcessiveInput):
				return err
			}
		}

		if !settled {
			minOut := decimal.Zero
			if t.DepositToken1 != s.long1 {
				minOut = req.MinOrMaxAmount
			}
			proceeds, err := u.e.cfg.Swapper.Sell(u.ctx, u.bank, u.e.cfg.Account, s.held, s.borrow, remaining, minOut, dexData)
			if errors.Is(err, dex.ErrInsufficientOutput) {
				return fmt.Errorf("%w: %v", ErrInsufficientBuyAmount, err)
			}
			if err != nil {
				return err
			}
			if proceeds.GreaterThanOrEqual(owed) {
				if res.Repaid, err = pt.RepayBorrowBehalf(u.e.cfg.Account, req.Trader, owed); err != nil {
					return err
				}
				res.DepositReturn, res.ReturnToken = proceeds.Sub(owed), s.borrow
			} else if err := u.blowUp(&res, s, req.Trader, proceeds, owed); err != nil {
				return err
			}
		}
		if err := u.pay(res.ReturnToken, req.Trader, res.DepositReturn); err != nil {
			return err
		}

		u.deleteTrade(key)
		u.record(model.EventLiquidate, req.Trader, map[string]decimal.Decimal{
			"held": t.Held, "fees": res.Fees, "owed": owed, "repaid": res.Repaid,
			"deposit_return": res.DepositReturn, "insurance_drawn": res.InsuranceDrawn, "bad_debt": res.BadDebt,
		})
		u.after = append(u.after, func() {
			metrics.Liquidations.WithLabelValues(marketLabel(m.ID), strconv.FormatBool(res.BlownUp)).Inc()
			if res.InsuranceDrawn.IsPositive() {
				metrics.AddDecimal(metrics.InsuranceDrawn.WithLabelValues(marketLabel(m.ID), s.borrow), res.InsuranceDrawn)
			}
		})
		slog.Info("trade liquidated", "market", m.ID, "trader", req.Trader, "liquidator", req.Caller,
			"owed", owed.String(), "deposit_return", res.DepositReturn.String(), "blown_up", res.BlownUp)
		return nil
	})
	return res, err
}

// blowUp settles a liquidation whose proceeds do not cover the debt.
func (u *unit) blowUp(res *LiquidateResult, s side, trader string, proceeds, owed decimal.Decimal) error {
	covered := decimal.Min(u.insurance(s.borrowIdx), owed.Sub(proceeds))
	if covered.IsPositive() {
		u.addInsurance(s.borrowIdx, covered.Neg())
	} else {
		covered = decimal.Zero
	}
	rr, err := u.pools[s.borrowIdx].RepayBorrowEndByEngine(u.e.cfg.Account, u.e.cfg.Account, trader, proceeds.Add(covered))
	if err != nil {
		return err
	}
	res.Repaid, res.BadDebt, res.InsuranceDrawn = rr.Repaid, rr.BadDebt, covered
	res.DepositReturn, res.ReturnToken = decimal.Zero, ""
	res.BlownUp = true
	return nil
}

func ratioAmounts(r Ratio) map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"ratio":     decimal.NewFromInt(r.Current),
		"avg_ratio": decimal.NewFromInt(r.Avg),
		"limit":     decimal.NewFromInt(r.Limit),
		"owed":      r.Owed,
	}
}
