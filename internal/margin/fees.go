package margin

import (
	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
)

// feeSplit is where one charged fee went.
type feeSplit struct {
	Charged   decimal.Decimal
	Discount  decimal.Decimal
	Referral  decimal.Decimal
	Insurance decimal.Decimal
	Treasury  decimal.Decimal
}

// splitFees computes the fee on base. A registered referrer other than
// the trader earns the trader a discount and takes a share of what is left.
// Insurance takes InsuranceRatio percent of the charged fee and the
// treasury the rest.
func (u *unit) splitFees(trader, referrer string, base decimal.Decimal) feeSplit {
	fee := base.Mul(decimal.NewFromInt(u.market.FeesRate)).Div(bps).Truncate(bank.AmountScale)
	var f feeSplit
	if referrer != "" && referrer != trader && u.e.referrers[referrer] {
		f.Discount = fee.Mul(decimal.NewFromInt(u.e.cfg.ReferralDiscount)).Div(percent).Truncate(bank.AmountScale)
		fee = fee.Sub(f.Discount)
		f.Referral = fee.Mul(decimal.NewFromInt(u.e.cfg.ReferralReward)).Div(percent).Truncate(bank.AmountScale)
	}
	f.Charged = fee
	f.Insurance = fee.Mul(decimal.NewFromInt(u.market.InsuranceRatio)).Div(percent).Truncate(bank.AmountScale)
	f.Treasury = fee.Sub(f.Referral).Sub(f.Insurance)
	return f
}

// chargeFees distributes a fee held in engine custody in token, which is
// the market's token idx. The insurance share stays in custody.
func (u *unit) chargeFees(token string, idx int, referrer string, f feeSplit) error {
	if err := u.pay(token, referrer, f.Referral); err != nil {
		return err
	}
	if err := u.pay(token, u.e.cfg.Treasury, f.Treasury); err != nil {
		return err
	}
	u.addInsurance(idx, f.Insurance)
	return nil
}

func (u *unit) insurance(idx int) decimal.Decimal {
	if idx == 0 {
		return u.market.Pool0Insurance
	}
	return u.market.Pool1Insurance
}

func (u *unit) addInsurance(idx int, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	if idx == 0 {
		u.market.Pool0Insurance = u.market.Pool0Insurance.Add(amount)
	} else {
		u.market.Pool1Insurance = u.market.Pool1Insurance.Add(amount)
	}
	u.marketDirty = true
}
