package margin

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/dex"
	"github.com/levmarket/margin-engine/internal/model"
	"github.com/levmarket/margin-engine/internal/pool"
	"github.com/levmarket/margin-engine/internal/priceguard"
)

// MarginTradeRequest opens a trade or adds to it.
type MarginTradeRequest struct {
	Trader        string          `json:"trader"`
	MarketID      uint16          `json:"market_id"`
	LongToken1    bool            `json:"long_token1"`
	DepositToken1 bool            `json:"deposit_token1"`
	DepositAmount decimal.Decimal `json:"deposit_amount"`
	BorrowAmount  decimal.Decimal `json:"borrow_amount"`
	MinBuyAmount  decimal.Decimal `json:"min_buy_amount"`
	Referrer      string          `json:"referrer,omitempty"`
	DexData       string          `json:"dex_data,omitempty"`
}

type TradeResult struct {
	Trade    model.Trade     `json:"trade"`
	Fees     decimal.Decimal `json:"fees"`
	Borrowed decimal.Decimal `json:"borrowed"`
	Bought   decimal.Decimal `json:"bought"`
}

// MarginTrade deposits collateral, borrows from the counter pool and swaps
// into the long token. A request without a borrow only adds collateral: a
// deposit of the borrowed token pays down debt, a deposit of the held token
// adds to the position at the snapshot price. Fees must be covered by the
// deposit. Tokens with a transfer tax cannot be borrowed.
func (e *Engine) MarginTrade(ctx context.Context, req MarginTradeRequest) (TradeResult, error) {
	if req.Trader == "" || req.DepositAmount.IsNegative() || req.BorrowAmount.IsNegative() || req.MinBuyAmount.IsNegative() {
		return TradeResult{}, ErrInvalidAmount
	}
	if !req.DepositAmount.IsPositive() && !req.BorrowAmount.IsPositive() {
		return TradeResult{}, fmt.Errorf("%w: nothing to deposit or borrow", ErrInvalidAmount)
	}

	var res TradeResult
	err := e.execute(ctx, model.EventOpen, req.MarketID, func(u *unit) error {
		if err := u.checkGate(); err != nil {
			return err
		}
		m := u.market
		s := sideOf(m, req.LongToken1)
		key := model.TradeKey{Trader: req.Trader, MarketID: m.ID, LongToken1: req.LongToken1}
		t := u.trade(key)
		if !t.IsOpen() {
			if !req.DepositAmount.IsPositive() {
				return ErrDepositTooSmall
			}
			if !req.BorrowAmount.IsPositive() {
				return ErrNoLeverage
			}
			t = &model.Trade{Key: key, DepositToken1: req.DepositToken1}
		} else if t.DepositToken1 != req.DepositToken1 {
			return fmt.Errorf("%w: trade deposits token%d", ErrDepositTokenMismatch, boolIdx(t.DepositToken1))
		}

		depositToken, depositIdx := m.Token0, 0
		if req.DepositToken1 {
			depositToken, depositIdx = m.Token1, 1
		}
		depositIsHeld := depositToken == s.held
		leveraged := req.BorrowAmount.IsPositive()
		dexData := u.dexData(req.DexData)

		var prices priceguard.Prices
		if leveraged {
			if tok, _ := u.bank.Token(s.borrow); tok.TransferTaxBps > 0 {
				return fmt.Errorf("%w: %s takes %d bps", ErrTaxedBorrowToken, s.borrow, tok.TransferTaxBps)
			}
			var err error
			if prices, err = u.checkPrices(dexData); err != nil {
				return err
			}
		}
		var snap priceguard.Snapshot
		if !leveraged && depositIsHeld {
			var ok bool
			if snap, ok = u.e.cfg.Guard.Snapshot(m.Token0, m.Token1); !ok {
				return fmt.Errorf("%w: no snapshot for %s/%s", ErrPriceStale, m.Token0, m.Token1)
			}
		}

		deposit := decimal.Zero
		if req.DepositAmount.IsPositive() {
			var err error
			if deposit, err = u.pull(depositToken, req.Trader, req.DepositAmount); err != nil {
				return err
			}
		}
		base := deposit
		if leveraged {
			if depositIsHeld {
				base = base.Add(s.inHeld(req.BorrowAmount, prices.Spot))
			} else {
				base = base.Add(req.BorrowAmount)
			}
		}
		fees := u.splitFees(req.Trader, req.Referrer, base)
		if fees.Charged.GreaterThan(deposit) {
			return fmt.Errorf("%w: fees %s exceed deposit %s", ErrDepositTooSmall, fees.Charged, deposit)
		}
		if err := u.chargeFees(depositToken, depositIdx, req.Referrer, fees); err != nil {
			return err
		}
		net := deposit.Sub(fees.Charged)
		pt := u.pools[s.borrowIdx]

		if !leveraged {
			if depositIsHeld {
				t.Held = t.Held.Add(net)
				t.Deposited = t.Deposited.Add(net)
				t.DepositFixedValue = t.DepositFixedValue.Add(s.heldValue(net, snap.Price))
			} else {
				owed, err := pt.BorrowBalanceCurrent(req.Trader)
				if err != nil {
					return err
				}
				applied := decimal.Min(net, owed)
				if applied.IsPositive() {
					if _, err := pt.RepayBorrowBehalf(u.e.cfg.Account, req.Trader, applied); err != nil {
						return err
					}
				}
				if err := u.pay(depositToken, req.Trader, net.Sub(applied)); err != nil {
					return err
				}
				t.Deposited = t.Deposited.Add(applied)
				t.DepositFixedValue = t.DepositFixedValue.Add(applied)
			}
		} else {
			if err := u.checkExposure(key, s, req.BorrowAmount); err != nil {
				return err
			}
			borrowed, err := pt.BorrowBehalf(u.e.cfg.Account, req.Trader, req.BorrowAmount)
			if err != nil {
				return err
			}
			sell, depositValue := borrowed, net
			if depositIsHeld {
				depositValue = s.heldValue(net, prices.Spot)
			} else {
				sell = sell.Add(net)
			}
			bought, err := u.e.cfg.Swapper.Sell(u.ctx, u.bank, u.e.cfg.Account, s.borrow, s.held, sell, req.MinBuyAmount, dexData)
			if errors.Is(err, dex.ErrInsufficientOutput) {
				return fmt.Errorf("%w: %v", ErrInsufficientBuyAmount, err)
			}
			if err != nil {
				return err
			}
			held := bought
			if depositIsHeld {
				held = held.Add(net)
			}
			t.Held = t.Held.Add(held)
			t.Deposited = t.Deposited.Add(net)
			t.DepositFixedValue = t.DepositFixedValue.Add(depositValue)
			t.MarketValueOpen = t.MarketValueOpen.Add(req.BorrowAmount).Add(depositValue)
			res.Borrowed, res.Bought = borrowed, bought

			r, err := u.ratio(t, s, prices)
			if err != nil {
				return err
			}
			if !healthy(m.LiquidationPolicy, r) {
				return fmt.Errorf("%w: current %d, avg %d, limit %d", ErrMarginRatioTooLow, r.Current, r.Avg, r.Limit)
			}
		}

		t.LastBlock = u.now
		u.putTrade(t)
		u.record(model.EventOpen, req.Trader, map[string]decimal.Decimal{
			"deposit": deposit, "fees": fees.Charged, "borrow": res.Borrowed, "bought": res.Bought, "held": t.Held,
		})
		res.Trade, res.Fees = *t, fees.Charged
		return nil
	})
	return res, err
}

// CloseTradeRequest closes part or all of a trade. MinOrMaxAmount is the
// minimum proceeds when the deposit is the borrowed token, and the maximum
// held amount to sell when the deposit is the held token. Zero disables it.
type CloseTradeRequest struct {
	Trader         string          `json:"trader"`
	MarketID       uint16          `json:"market_id"`
	LongToken1     bool            `json:"long_token1"`
	CloseAmount    decimal.Decimal `json:"close_amount"`
	MinOrMaxAmount decimal.Decimal `json:"min_or_max_amount"`
	DexData        string          `json:"dex_data,omitempty"`
}

type CloseResult struct {
	Trade       model.Trade     `json:"trade"`
	Full        bool            `json:"full"`
	Fees        decimal.Decimal `json:"fees"`
	Repaid      decimal.Decimal `json:"repaid"`
	Returned    decimal.Decimal `json:"returned"`
	ReturnToken string          `json:"return_token"`
}

func (e *Engine) CloseTrade(ctx context.Context, req CloseTradeRequest) (CloseResult, error) {
	if !req.CloseAmount.IsPositive() || req.MinOrMaxAmount.IsNegative() {
		return CloseResult{}, ErrInvalidAmount
	}
	var res CloseResult
	err := e.execute(ctx, model.EventClose, req.MarketID, func(u *unit) error {
		s := sideOf(u.market, req.LongToken1)
		key := model.TradeKey{Trader: req.Trader, MarketID: req.MarketID, LongToken1: req.LongToken1}
		t, err := u.openTrade(key)
		if err != nil {
			return err
		}
		if req.CloseAmount.GreaterThan(t.Held) {
			return fmt.Errorf("%w: closing %s of %s", ErrCloseAmountExceedsHeld, req.CloseAmount, t.Held)
		}
		if t.LastBlock == u.now {
			return fmt.Errorf("%w: trade changed at block %d", ErrSameBlock, u.now)
		}
		dexData := u.dexData(req.DexData)
		if _, err := u.checkPrices(dexData); err != nil {
			return err
		}

		full := req.CloseAmount.Equal(t.Held)
		fees := u.splitFees(req.Trader, "", req.CloseAmount)
		if err := u.chargeFees(s.held, s.heldIdx, "", fees); err != nil {
			return err
		}
		remaining := req.CloseAmount.Sub(fees.Charged)

		pt := u.pools[s.borrowIdx]
		owed, err := pt.BorrowBalanceCurrent(req.Trader)
		if err != nil {
			return err
		}
		repay := owed
		if !full {
			repay = owed.Mul(req.CloseAmount).DivRound(t.Held, bank.AmountScale+4).Truncate(bank.AmountScale)
		}

		var returned decimal.Decimal
		if t.DepositToken1 == s.long1 {
			sold := decimal.Zero
			if repay.IsPositive() {
				maxIn := remaining
				if req.MinOrMaxAmount.IsPositive() && req.MinOrMaxAmount.LessThan(maxIn) {
					maxIn = req.MinOrMaxAmount
				}
				sold, err = u.e.cfg.Swapper.Buy(u.ctx, u.bank, u.e.cfg.Account, s.held, s.borrow, repay, maxIn, dexData)
				if errors.Is(err, dex.ErrExcessiveInput) {
					return fmt.Errorf("%w: %v", ErrExceedsMaxSell, err)
				}
				if err != nil {
					return err
				}
			}
			returned = remaining.Sub(sold)
			res.ReturnToken = s.held
		} else {
			proceeds, err := u.e.cfg.Swapper.Sell(u.ctx, u.bank, u.e.cfg.Account, s.held, s.borrow, remaining, req.MinOrMaxAmount, dexData)
			if errors.Is(err, dex.ErrInsufficientOutput) {
				return fmt.Errorf("%w: %v", ErrInsufficientBuyAmount, err)
			}
			if err != nil {
				return err
			}
			if proceeds.LessThan(repay) {
				got, err := u.pull(s.borrow, req.Trader, repay.Sub(proceeds))
				if err != nil {
					return err
				}
				proceeds = proceeds.Add(got)
			}
			returned = floorZero(proceeds.Sub(repay))
			res.ReturnToken = s.borrow
		}
		if repay.IsPositive() {
			if _, err := pt.RepayBorrowBehalf(u.e.cfg.Account, req.Trader, repay); err != nil {
				return err
			}
		}
		if err := u.pay(res.ReturnToken, req.Trader, returned); err != nil {
			return err
		}

		if full {
			u.deleteTrade(key)
			t.Held = decimal.Zero
		} else {
			keep := func(x decimal.Decimal) decimal.Decimal {
				return x.Sub(x.Mul(req.CloseAmount).DivRound(t.Held, bank.AmountScale+4).Truncate(bank.AmountScale))
			}
			t.Deposited = keep(t.Deposited)
			t.DepositFixedValue = keep(t.DepositFixedValue)
			t.MarketValueOpen = keep(t.MarketValueOpen)
			t.Held = t.Held.Sub(req.CloseAmount)
			t.LastBlock = u.now
			u.putTrade(t)
		}
		u.record(model.EventClose, req.Trader, map[string]decimal.Decimal{
			"closed": req.CloseAmount, "fees": fees.Charged, "repaid": repay, "returned": returned,
		})
		res.Trade, res.Full, res.Fees, res.Repaid, res.Returned = *t, full, fees.Charged, repay, returned
		return nil
	})
	return res, err
}

// PayoffRequest repays a trade's debt from the trader's wallet and hands
// the held position back. RepayToken defaults to the borrowed token.
type PayoffRequest struct {
	Trader     string `json:"trader"`
	MarketID   uint16 `json:"market_id"`
	LongToken1 bool   `json:"long_token1"`
	RepayToken string `json:"repay_token,omitempty"`
}

type PayoffResult struct {
	Repaid   decimal.Decimal `json:"repaid"`
	Returned decimal.Decimal `json:"returned"`
	Token    string          `json:"token"`
}

func (e *Engine) PayoffTrade(ctx context.Context, req PayoffRequest) (PayoffResult, error) {
	var res PayoffResult
	err := e.execute(ctx, model.EventPayoff, req.MarketID, func(u *unit) error {
		s := sideOf(u.market, req.LongToken1)
		key := model.TradeKey{Trader: req.Trader, MarketID: req.MarketID, LongToken1: req.LongToken1}
		t, err := u.openTrade(key)
		if err != nil {
			return err
		}
		if req.RepayToken != "" && req.RepayToken != s.borrow {
			rt, _ := u.bank.Token(req.RepayToken)
			bt, _ := u.bank.Token(s.borrow)
			if bank.Counterpart(rt, bt) {
				return fmt.Errorf("%w: %s must be converted to %s first", ErrInvalidRepayPath, req.RepayToken, s.borrow)
			}
			return fmt.Errorf("%w: debt is in %s, not %s", ErrInvalidRepayPath, s.borrow, req.RepayToken)
		}

		repaid, err := u.pools[s.borrowIdx].RepayBorrowBehalf(req.Trader, req.Trader, pool.RepayMax)
		if errors.Is(err, bank.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
		if err != nil {
			return err
		}
		if err := u.pay(s.held, req.Trader, t.Held); err != nil {
			return err
		}
		u.deleteTrade(key)
		u.record(model.EventPayoff, req.Trader, map[string]decimal.Decimal{
			"repaid": repaid, "returned": t.Held,
		})
		res = PayoffResult{Repaid: repaid, Returned: t.Held, Token: s.held}
		return nil
	})
	return res, err
}

// checkExposure asks the gate whether the trader may owe debt+borrow in
// the unit's market, given what they owe everywhere else.
func (u *unit) checkExposure(key model.TradeKey, s side, borrow decimal.Decimal) error {
	g := u.e.gate
	if g == nil {
		return nil
	}
	owed, err := u.pools[s.borrowIdx].BorrowBalanceCurrent(key.Trader)
	if err != nil {
		return err
	}
	var others []Exposure
	for k := range u.e.trades {
		if k.Trader != key.Trader || k == key {
			continue
		}
		var (
			ks     side
			amount decimal.Decimal
		)
		if k.MarketID == u.market.ID {
			ks = sideOf(u.market, k.LongToken1)
			st := u.pools[ks.borrowIdx].State()
			amount = pool.BorrowBalance(st.Accounts[k.Trader], st.BorrowIndex)
		} else {
			entry, ok := u.e.markets[k.MarketID]
			if !ok {
				continue
			}
			ks = sideOf(entry.market, k.LongToken1)
			amount = entry.pools[ks.borrowIdx].BorrowBalanceStored(k.Trader)
		}
		others = append(others, Exposure{MarketID: k.MarketID, Token: ks.borrow, Amount: amount})
	}
	return g.CheckExposure(u.market.ID, s.borrow, owed.Add(borrow), others)
}

func floorZero(x decimal.Decimal) decimal.Decimal {
	if x.IsNegative() {
		return decimal.Zero
	}
	return x
}

func boolIdx(b bool) int {
	if b {
		return 1
	}
	return 0
}
