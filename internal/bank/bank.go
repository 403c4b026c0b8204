// Package bank is the in-process token layer: a registry of tokens and the
// balances every account holds in them. Pools, the DEX venue and the margin
// engine move value exclusively through a bank transaction so that a failed
// operation can be rolled back as a unit.
package bank

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/model"
)

var (
	ErrUnknownToken        = errors.New("bank: unknown token")
	ErrTokenExists         = errors.New("bank: token already registered")
	ErrInvalidAmount       = errors.New("bank: amount must not be negative")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrTxClosed            = errors.New("bank: transaction already closed")
)

// AmountScale is the number of decimal places token amounts are kept at.
const AmountScale int32 = 18

var bpsDenominator = decimal.NewFromInt(10000)

// Token describes a transferable asset.
type Token struct {
	Symbol string `json:"symbol" toml:"symbol"`
	// TransferTaxBps is burned from every transfer, so the receiver gets less
	// than the sender paid.
	TransferTaxBps int64 `json:"transfer_tax_bps" toml:"transfer_tax_bps"`
	// Native marks the chain's native asset.
	Native bool `json:"native" toml:"native"`
	// WrappedOf names the native asset this token wraps, if any.
	WrappedOf string `json:"wrapped_of,omitempty" toml:"wrapped_of"`
}

// Counterpart reports whether a and b are the native and wrapped
// representations of the same asset.
func Counterpart(a, b Token) bool {
	if a.Native && b.WrappedOf == a.Symbol {
		return true
	}
	return b.Native && a.WrappedOf == b.Symbol
}

// Ledger is the subset of token operations pools and swap venues need.
type Ledger interface {
	Transfer(token, from, to string, amount decimal.Decimal) (decimal.Decimal, error)
	BalanceOf(token, account string) decimal.Decimal
	Token(symbol string) (Token, bool)
}

type balanceKey struct {
	token   string
	account string
}

// Bank holds all balances. A single mutex serialises every transaction.
type Bank struct {
	mu       sync.Mutex
	tokens   map[string]Token
	balances map[balanceKey]decimal.Decimal
}

// New creates an empty bank.
func New() *Bank {
	return &Bank{
		tokens:   make(map[string]Token),
		balances: make(map[balanceKey]decimal.Decimal),
	}
}

// Register adds a token to the registry.
func (b *Bank) Register(t Token) error {
	t.Symbol = strings.TrimSpace(t.Symbol)
	if t.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrUnknownToken)
	}
	if t.TransferTaxBps < 0 || t.TransferTaxBps >= 10000 {
		return fmt.Errorf("bank: transfer tax %d bps out of range", t.TransferTaxBps)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tokens[t.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrTokenExists, t.Symbol)
	}
	b.tokens[t.Symbol] = t
	return nil
}

// Token looks up a registered token.
func (b *Bank) Token(symbol string) (Token, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tokens[symbol]
	return t, ok
}

// BalanceOf returns the committed balance of account in token.
func (b *Bank) BalanceOf(token, account string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[balanceKey{token, account}]
}

// Transfer runs a single transfer in its own transaction.
func (b *Bank) Transfer(token, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	tx := b.Begin()
	received, err := tx.Transfer(token, from, to, amount)
	if err != nil {
		tx.Rollback()
		return decimal.Zero, err
	}
	tx.Commit()
	return received, nil
}

// Faucet credits amount of token to an account. Development and tests only.
func (b *Bank) Faucet(token, to string, amount decimal.Decimal) error {
	tx := b.Begin()
	if err := tx.Mint(token, to, amount); err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	return nil
}

// Restore loads persisted balances, replacing any existing value per key.
func (b *Bank) Restore(balances []model.Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bal := range balances {
		b.balances[balanceKey{bal.Token, bal.Account}] = bal.Amount
	}
}

// Begin opens a transaction. The bank stays locked until Commit or Rollback.
func (b *Bank) Begin() *Tx {
	b.mu.Lock()
	return &Tx{b: b, prev: make(map[balanceKey]decimal.Decimal)}
}

// Tx is an open bank transaction. It records the original value of every
// balance it touches so Rollback can restore them.
type Tx struct {
	b    *Bank
	prev map[balanceKey]decimal.Decimal
	done bool
}

func (tx *Tx) Token(symbol string) (Token, bool) {
	t, ok := tx.b.tokens[symbol]
	return t, ok
}

func (tx *Tx) BalanceOf(token, account string) decimal.Decimal {
	return tx.b.balances[balanceKey{token, account}]
}

// Transfer moves amount from one account to another and returns what the
// receiver actually got after transfer tax.
func (tx *Tx) Transfer(token, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	if tx.done {
		return decimal.Zero, ErrTxClosed
	}
	t, ok := tx.b.tokens[token]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.IsZero() || from == to {
		return amount, nil
	}
	src := balanceKey{token, from}
	if tx.b.balances[src].LessThan(amount) {
		return decimal.Zero, fmt.Errorf("%w: %s has %s %s, needs %s",
			ErrInsufficientBalance, from, tx.b.balances[src], token, amount)
	}
	received := amount
	if t.TransferTaxBps > 0 {
		tax := amount.Mul(decimal.NewFromInt(t.TransferTaxBps)).Div(bpsDenominator).Truncate(AmountScale)
		received = amount.Sub(tax)
	}
	tx.set(src, tx.b.balances[src].Sub(amount))
	dst := balanceKey{token, to}
	tx.set(dst, tx.b.balances[dst].Add(received))
	return received, nil
}

// Mint creates new units of token for an account.
func (tx *Tx) Mint(token, to string, amount decimal.Decimal) error {
	if tx.done {
		return ErrTxClosed
	}
	if _, ok := tx.b.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	k := balanceKey{token, to}
	tx.set(k, tx.b.balances[k].Add(amount))
	return nil
}

func (tx *Tx) set(k balanceKey, v decimal.Decimal) {
	if _, seen := tx.prev[k]; !seen {
		tx.prev[k] = tx.b.balances[k]
	}
	tx.b.balances[k] = v
}

// Dirty returns the current value of every balance touched by the transaction,
// sorted for deterministic persistence.
func (tx *Tx) Dirty() []model.Balance {
	out := make([]model.Balance, 0, len(tx.prev))
	for k := range tx.prev {
		out = append(out, model.Balance{Token: k.token, Account: k.account, Amount: tx.b.balances[k]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Token != out[j].Token {
			return out[i].Token < out[j].Token
		}
		return out[i].Account < out[j].Account
	})
	return out
}

// Commit keeps all changes and releases the bank.
func (tx *Tx) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	tx.b.mu.Unlock()
}

// Rollback restores every touched balance and releases the bank.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	for k, v := range tx.prev {
		tx.b.balances[k] = v
	}
	tx.done = true
	tx.b.mu.Unlock()
}
