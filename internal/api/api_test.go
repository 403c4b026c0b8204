package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/levmarket/margin-engine/internal/bank"
	"github.com/levmarket/margin-engine/internal/clock"
	"github.com/levmarket/margin-engine/internal/controller"
	"github.com/levmarket/margin-engine/internal/dex"
	"github.com/levmarket/margin-engine/internal/interest"
	"github.com/levmarket/margin-engine/internal/margin"
	"github.com/levmarket/margin-engine/internal/metrics"
	"github.com/levmarket/margin-engine/internal/model"
	"github.com/levmarket/margin-engine/internal/pool"
	"github.com/levmarket/margin-engine/internal/priceguard"
	"github.com/levmarket/margin-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router chi.Router
	bank   *bank.Bank
	clock  *clock.Manual
	venue  *dex.Memory
	store  *store.MemoryStore
}

// newTestEnv wires a full service over an in-memory store with LINK and
// USDC quoted at 1.
func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	b := bank.New()
	for _, sym := range []string{"LINK", "USDC"} {
		if err := b.Register(bank.Token{Symbol: sym}); err != nil {
			t.Fatal(err)
		}
		for _, acct := range []string{"alice", "bob", "dex"} {
			if err := b.Faucet(sym, acct, d(100000)); err != nil {
				t.Fatal(err)
			}
		}
	}
	c := clock.NewManual(100)
	venue := dex.NewMemory("dex", 0)
	if err := venue.SetPrice("LINK", "USDC", d(1)); err != nil {
		t.Fatal(err)
	}
	ms := store.NewMemoryStore()
	e, err := margin.New(margin.Config{
		Account: "engine", Treasury: "treasury", Controller: "controller",
		Bank: b, Clock: c, Guard: priceguard.New(venue, c, priceguard.DefaultConfig()), Swapper: venue,
		Store: ms,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctl, err := controller.New(controller.Config{
		Admin: "admin", Account: "controller", Bank: b, Clock: c, Engine: e, Store: ms,
	})
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	NewService(e, ctl, ms, NewHub(), limiter).Routes(r)
	return &testEnv{router: r, bank: b, clock: c, venue: venue, store: ms}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func linkUSDC(caller string) CreateMarketRequest {
	params := interest.Params{BaseRate: d(0.02), Multiplier: d(0.1), JumpMultiplier: d(1), Kink: d(0.8)}
	return CreateMarketRequest{
		Caller: caller,
		CreateMarketParams: controller.CreateMarketParams{
			Token0: "LINK", Token1: "USDC",
			InterestModel: interest.JumpV1, Interest0: params, Interest1: params,
			ReserveFactor: d(0.1), MarginLimit: 1000, InsuranceRatio: 10, PriceDiffRatio: 10,
		},
	}
}

// seedMarket creates LINK/USDC as market 1, funds both pools from bob and
// takes the first price observation.
func seedMarket(t *testing.T, env *testEnv) model.Market {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/admin/markets", linkUSDC("admin"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var m model.Market
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{m.Pool0, m.Pool1} {
		w := env.do(t, "POST", "/api/v1/pools/"+name+"/mint", PoolRequest{Account: "bob", Amount: d(10000)})
		if w.Code != http.StatusOK {
			t.Fatalf("mint %s: expected 200, got %d: %s", name, w.Code, w.Body.String())
		}
	}
	w = env.do(t, "POST", "/api/v1/markets/1/price", UpdatePriceRequest{Caller: "keeper"})
	if w.Code != http.StatusOK {
		t.Fatalf("update price: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return m
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("wrapped: %w", margin.ErrUnauthorized), http.StatusForbidden},
		{controller.ErrUnauthorized, http.StatusForbidden},
		{margin.ErrMarketNotFound, http.StatusNotFound},
		{notFound("trade %s", "x"), http.StatusNotFound},
		{errorf("account is required"), http.StatusBadRequest},
		{pool.ErrInvalidAmount, http.StatusBadRequest},
		{priceguard.ErrPriceStale, http.StatusConflict},
		{controller.ErrPairExists, http.StatusConflict},
		{margin.ErrMarginRatioTooLow, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCreateMarket(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/admin/markets", linkUSDC("alice"))
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin create: expected 403, got %d", w.Code)
	}

	m := seedMarket(t, env)
	if m.ID != 1 || m.Pool1 != "pool-1-USDC" {
		t.Errorf("unexpected market %+v", m)
	}

	w = env.do(t, "POST", "/api/v1/admin/markets", linkUSDC("admin"))
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate pair: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/markets?token=LINK", nil)
	var markets []model.Market
	json.NewDecoder(w.Body).Decode(&markets)
	if len(markets) != 1 {
		t.Errorf("expected 1 LINK market, got %d", len(markets))
	}
	w = env.do(t, "GET", "/api/v1/markets?token=WETH", nil)
	if body := w.Body.String(); body != "[]\n" {
		t.Errorf("expected empty list, got %q", body)
	}
}

func TestPoolEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	seedMarket(t, env)

	w := env.do(t, "POST", "/api/v1/pools/pool-1-USDC/mint", PoolRequest{Account: "alice", Amount: d(500)})
	if w.Code != http.StatusOK {
		t.Fatalf("mint: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res PoolResult
	json.NewDecoder(w.Body).Decode(&res)
	if !res.Shares.Equal(d(500)) {
		t.Errorf("expected 500 shares at the initial rate, got %s", res.Shares)
	}

	w = env.do(t, "GET", "/api/v1/pools/pool-1-USDC?account=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get pool: expected 200, got %d", w.Code)
	}
	var got struct {
		Pool    PoolView `json:"pool"`
		Account struct {
			Shares decimal.Decimal `json:"shares"`
		} `json:"account"`
	}
	json.NewDecoder(w.Body).Decode(&got)
	if !got.Pool.Cash.Equal(d(10500)) {
		t.Errorf("expected cash 10500, got %s", got.Pool.Cash)
	}
	if !got.Account.Shares.Equal(d(500)) {
		t.Errorf("expected alice to hold 500 shares, got %s", got.Account.Shares)
	}

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown pool", "/api/v1/pools/pool-9-USDC/mint", PoolRequest{Account: "alice", Amount: d(1)}, http.StatusNotFound},
		{"missing account", "/api/v1/pools/pool-1-USDC/mint", PoolRequest{Amount: d(1)}, http.StatusBadRequest},
		{"unknown field", "/api/v1/pools/pool-1-USDC/mint", map[string]any{"acount": "alice"}, http.StatusBadRequest},
		{"no direct borrow", "/api/v1/pools/pool-1-USDC/borrow", PoolRequest{Account: "alice", Amount: d(1)}, http.StatusNotFound},
		{"redeem too many shares", "/api/v1/pools/pool-1-USDC/redeem", PoolRequest{Account: "alice", Amount: d(501)}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", tt.path, tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	w = env.do(t, "GET", "/api/v1/events/alice", nil)
	var events []model.Event
	json.NewDecoder(w.Body).Decode(&events)
	if len(events) != 1 || events[0].Kind != model.EventMint {
		t.Errorf("expected one mint event for alice, got %+v", events)
	}
}

func TestTradeLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	seedMarket(t, env)

	open := margin.MarginTradeRequest{
		Trader: "alice", MarketID: 1, DepositToken1: true,
		DepositAmount: d(400), BorrowAmount: d(500),
	}
	w := env.do(t, "POST", "/api/v1/trades/open", open)
	if w.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res margin.TradeResult
	json.NewDecoder(w.Body).Decode(&res)
	if !res.Trade.Held.Equal(d(900)) {
		t.Errorf("expected 900 LINK held, got %s", res.Trade.Held)
	}

	w = env.do(t, "GET", "/api/v1/trades/alice/1/token0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get trade: expected 200, got %d", w.Code)
	}
	var tr model.Trade
	json.NewDecoder(w.Body).Decode(&tr)
	if tr.Key.Trader != "alice" || !tr.Deposited.Equal(d(400)) {
		t.Errorf("unexpected trade %+v", tr)
	}

	w = env.do(t, "GET", "/api/v1/trades/alice/1/0/margin-ratio", nil)
	var ratio margin.Ratio
	json.NewDecoder(w.Body).Decode(&ratio)
	if ratio.Current != 8000 || ratio.Limit != 1000 {
		t.Errorf("expected ratio 8000 over limit 1000, got %+v", ratio)
	}

	w = env.do(t, "POST", "/api/v1/trades/liq-mark", LiqRequest{Caller: "keeper", Trader: "alice", MarketID: 1})
	if w.Code != http.StatusConflict {
		t.Errorf("marking a healthy trade: expected 409, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/trades/alice", nil)
	var trades []model.Trade
	json.NewDecoder(w.Body).Decode(&trades)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}

	w = env.do(t, "GET", "/api/v1/markets/1/events", nil)
	var events []model.Event
	json.NewDecoder(w.Body).Decode(&events)
	var opened bool
	for _, ev := range events {
		if ev.Kind == model.EventOpen && ev.Account == "alice" {
			opened = true
		}
	}
	if !opened {
		t.Errorf("expected an open event in the market journal, got %+v", events)
	}
}

func TestReadErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	seedMarket(t, env)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown market", "/api/v1/markets/9", http.StatusNotFound},
		{"market id zero", "/api/v1/markets/0", http.StatusBadRequest},
		{"market id overflow", "/api/v1/markets/70000", http.StatusBadRequest},
		{"unknown pool", "/api/v1/pools/pool-1-DOGE", http.StatusNotFound},
		{"bad side", "/api/v1/trades/alice/1/long", http.StatusBadRequest},
		{"no trade", "/api/v1/trades/bob/1/1", http.StatusNotFound},
		{"never priced", "/api/v1/markets/9/price", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "GET", tt.path, nil); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestGetPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	seedMarket(t, env)

	w := env.do(t, "GET", "/api/v1/markets/1/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got struct {
		Price        decimal.Decimal `json:"price"`
		ShouldUpdate bool            `json:"should_update"`
	}
	json.NewDecoder(w.Body).Decode(&got)
	if !got.Price.Equal(d(1)) || got.ShouldUpdate {
		t.Errorf("fresh price should be 1 and not due, got %+v", got)
	}

	env.clock.Advance(priceguard.DefaultConfig().UpdateInterval)
	w = env.do(t, "GET", "/api/v1/markets/1/price", nil)
	json.NewDecoder(w.Body).Decode(&got)
	if !got.ShouldUpdate {
		t.Error("price should be due after the update interval")
	}
}

func TestAdminConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	seedMarket(t, env)

	limit := int64(2500)
	off := false
	w := env.do(t, "POST", "/api/v1/admin/markets/1/config", MarketConfigRequest{
		Caller: "admin", MarginLimit: &limit, MarginTradeAllowed: &off,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("configure market: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got struct {
		Market             model.Market `json:"market"`
		MarginTradeAllowed bool         `json:"margin_trade_allowed"`
	}
	json.NewDecoder(w.Body).Decode(&got)
	if got.Market.MarginLimit != 2500 || got.MarginTradeAllowed {
		t.Errorf("config not applied: %+v", got)
	}

	rf := d(0.2)
	w = env.do(t, "POST", "/api/v1/admin/pools/pool-1-USDC/config", PoolConfigRequest{Caller: "admin", ReserveFactor: &rf})
	if w.Code != http.StatusOK {
		t.Fatalf("configure pool: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view PoolView
	json.NewDecoder(w.Body).Decode(&view)
	if !view.ReserveFactor.Equal(rf) {
		t.Errorf("expected reserve factor 0.2, got %s", view.ReserveFactor)
	}

	w = env.do(t, "POST", "/api/v1/admin/suspend", SuspendRequest{Caller: "bob", Suspended: true})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin suspend: expected 403, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/admin/suspend", SuspendRequest{Caller: "admin", Suspended: true})
	if w.Code != http.StatusOK {
		t.Fatalf("suspend: expected 200, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/pools/pool-1-USDC/mint", PoolRequest{Account: "alice", Amount: d(1)})
	if w.Code != http.StatusConflict {
		t.Errorf("mint while suspended: expected 409, got %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	env := newTestEnv(t, NewRateLimiter(2))
	before := testutil.ToFloat64(metrics.RateLimited)

	for i, want := range []int{http.StatusForbidden, http.StatusForbidden, http.StatusTooManyRequests} {
		if w := env.do(t, "POST", "/api/v1/admin/suspend", SuspendRequest{Caller: "bob"}); w.Code != want {
			t.Errorf("request %d: expected %d, got %d", i, want, w.Code)
		}
	}
	if w := env.do(t, "GET", "/api/v1/markets", nil); w.Code != http.StatusOK {
		t.Errorf("reads are not limited, got %d", w.Code)
	}
	if got := testutil.ToFloat64(metrics.RateLimited) - before; got != 1 {
		t.Errorf("expected one rejection counted, got %v", got)
	}
}

func TestRateLimiter_RefillsAndSweeps(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewRateLimiter(60)
	l.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d should fit the burst", i)
		}
	}
	if l.allow("10.0.0.1") {
		t.Error("burst exhausted, expected a rejection")
	}
	if !l.allow("10.0.0.2") {
		t.Error("clients are limited independently")
	}

	now = now.Add(time.Second)
	if !l.allow("10.0.0.1") {
		t.Error("one token should refill per second")
	}

	now = now.Add(visitorTTL + time.Second)
	l.allow("10.0.0.3")
	if len(l.visitors) != 1 {
		t.Errorf("idle visitors should be swept, have %d", len(l.visitors))
	}

	if NewRateLimiter(0) != nil {
		t.Error("zero rate disables limiting")
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"real ip", map[string]string{"X-Real-IP": "1.2.3.4"}, "9.9.9.9:1", "1.2.3.4"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "5.6.7.8, 10.0.0.1"}, "9.9.9.9:1", "5.6.7.8"},
		{"remote addr", nil, "9.9.9.9:1234", "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := clientID(r); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestHub_PublishesToClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := &client{send: make(chan []byte, 1)}
	hub.register <- c
	hub.PublishEvents([]model.Event{{Kind: model.EventOpen, Account: "alice"}})

	select {
	case raw := <-c.send:
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != "events" || len(msg.Events) != 1 || msg.Events[0].Account != "alice" {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected the send channel to close on shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("hub did not drop clients on shutdown")
	}
}
