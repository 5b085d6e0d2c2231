package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/quotes"
	"github.com/spreadcore/spread-api/internal/session"
	"github.com/spreadcore/spread-api/internal/types"
	"github.com/spreadcore/spread-api/internal/venue"
)

type testEnv struct {
	db       *gorm.DB
	trades   *Database
	pairings *pairing.Database
	cache    *quotes.Cache
	sessions *session.Manager
	executor *Executor
	pairing  *pairing.Pairing
	futureGW *venue.Mock
	spotGW   *venue.Mock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&pairing.VenueAccount{}, &pairing.Pairing{}, &Trade{}, &ClosedTrade{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	futureGW := venue.NewMock(venue.TerminalMT5)
	spotGW := venue.NewMock(venue.TerminalMT4)
	gateways := map[string]venue.Gateway{
		venue.TerminalMT5: futureGW,
		venue.TerminalMT4: spotGW,
	}

	pairings := pairing.NewDatabase(db)
	future := &pairing.VenueAccount{
		AccountID: "acct-future", Name: "Alpha", Terminal: venue.TerminalMT5,
		Server: "alpha-demo", AccountNumber: "1", Password: "x", Company: "alpha",
	}
	spot := &pairing.VenueAccount{
		AccountID: "acct-spot", Name: "Beta", Terminal: venue.TerminalMT4,
		Server: "beta-demo", AccountNumber: "2", Password: "x", Company: "beta",
	}
	for _, acct := range []*pairing.VenueAccount{future, spot} {
		if err := pairings.CreateAccount(acct); err != nil {
			t.Fatalf("creating account: %v", err)
		}
	}
	p := &pairing.Pairing{
		PairingID: "pair-1", UserID: "user-1", Name: "alpha beta",
		FutureAccountID: future.AccountID, SpotAccountID: spot.AccountID,
		FutureSymbol: "BTCUSD.f", SpotSymbol: "BTCUSD",
		SymbolsLocked: true, PremiumTable: "premium_alpha_beta",
	}
	if err := pairings.CreatePairing(p); err != nil {
		t.Fatalf("creating pairing: %v", err)
	}

	sessions := session.NewManager(pairings, gateways, 22*time.Hour, 5*time.Minute)
	cache := quotes.NewCache(db, time.Hour)
	cache.Put("alpha", types.Quote{Symbol: "BTCUSD.f", Bid: 100.50, Ask: 100.80, Timestamp: time.Now(), Source: types.SourceStream})
	cache.Put("beta", types.Quote{Symbol: "BTCUSD", Bid: 99.90, Ask: 100.30, Timestamp: time.Now(), Source: types.SourceStream})

	trades := NewDatabase(db)
	executor := NewExecutor(trades, pairings, sessions, cache, ExecutorConfig{
		QuoteMaxAge:    5 * time.Second,
		LegTimeout:     2 * time.Second,
		OverallTimeout: 5 * time.Second,
		LockTTL:        time.Minute,
	})

	return &testEnv{
		db: db, trades: trades, pairings: pairings, cache: cache, sessions: sessions,
		executor: executor, pairing: p, futureGW: futureGW, spotGW: spotGW,
	}
}

func marketBuy(env *testEnv) ExecuteRequest {
	return ExecuteRequest{
		PairingID: env.pairing.PairingID,
		UserID:    "user-1",
		Direction: types.Buy,
		Volume:    0.5,
	}
}

func TestExecuteAtMarketBothLegsFill(t *testing.T) {
	env := newTestEnv(t)

	trade, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env))
	if err != nil {
		t.Fatalf("ExecuteAtMarket: %v", err)
	}
	if trade.Status != StatusActive {
		t.Fatalf("status = %q, expected %q", trade.Status, StatusActive)
	}
	if trade.FutureTicket == "" || trade.SpotTicket == "" {
		t.Fatalf("expected both tickets, got %q/%q", trade.FutureTicket, trade.SpotTicket)
	}
	if trade.FutureDirection != types.Buy || trade.SpotDirection != types.Sell {
		t.Fatalf("leg directions %s/%s, expected Buy/Sell", trade.FutureDirection, trade.SpotDirection)
	}
	// Premium captured from the priced quotes: 100.80 - 99.90.
	if math.Abs(trade.ExecutionPremium-0.90) > 1e-9 {
		t.Fatalf("execution premium = %v, expected 0.90", trade.ExecutionPremium)
	}

	persisted, err := env.trades.GetTrade(trade.TradeID)
	if err != nil || persisted == nil {
		t.Fatalf("trade not persisted: %v", err)
	}
	if persisted.Status != StatusActive {
		t.Fatalf("persisted status = %q, expected %q", persisted.Status, StatusActive)
	}
}

func TestExecuteAtMarketValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  ExecuteRequest
	}{
		{"bad direction", ExecuteRequest{PairingID: env.pairing.PairingID, UserID: "user-1", Direction: "Hold", Volume: 1}},
		{"zero volume", ExecuteRequest{PairingID: env.pairing.PairingID, UserID: "user-1", Direction: types.Buy, Volume: 0}},
		{"unknown pairing", ExecuteRequest{PairingID: "missing", UserID: "user-1", Direction: types.Buy, Volume: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.executor.ExecuteAtMarket(context.Background(), tt.req)
			var vErr *types.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	// No order may reach a venue on a validation failure.
	if len(env.futureGW.SentOrders) != 0 || len(env.spotGW.SentOrders) != 0 {
		t.Fatal("validation failures must not submit orders")
	}
}

func TestExecuteAtMarketDeduplicatesInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.futureGW.Latency = 150 * time.Millisecond
	env.spotGW.Latency = 150 * time.Millisecond

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, rejected int

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyPending):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("%d submissions succeeded, expected exactly 1 in flight", succeeded)
	}
	if rejected != attempts-1 {
		t.Fatalf("%d submissions rejected, expected %d", rejected, attempts-1)
	}

	// The lock releases once the attempt settles; a later identical
	// submission must go through.
	if _, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env)); err != nil {
		t.Fatalf("submission after release: %v", err)
	}
}

func TestExecuteAtMarketOppositeDirectionsNotDeduplicated(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell := marketBuy(env)
	sell.Direction = types.Sell
	if _, err := env.executor.ExecuteAtMarket(context.Background(), sell); err != nil {
		t.Fatalf("sell with its own lock key: %v", err)
	}
}

func TestPartialFillRollsBackLoneLeg(t *testing.T) {
	env := newTestEnv(t)
	env.spotGW.SendErr = func(venue.OrderRequest) error {
		return fmt.Errorf("%w: off quotes", venue.ErrTransient)
	}

	trade, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env))
	if err != nil {
		t.Fatalf("ExecuteAtMarket: %v", err)
	}
	if trade.Status != StatusFailed {
		t.Fatalf("status = %q, expected %q after successful rollback", trade.Status, StatusFailed)
	}
	if len(env.futureGW.ClosedOrders) != 1 || env.futureGW.ClosedOrders[0] != trade.FutureTicket {
		t.Fatalf("expected the lone future fill %q to be closed, closes: %v", trade.FutureTicket, env.futureGW.ClosedOrders)
	}
	if trade.SpotError == "" {
		t.Fatal("expected the spot rejection to be recorded")
	}
}

func TestPartialFillSurvivingRollbackHandsToRecovery(t *testing.T) {
	env := newTestEnv(t)
	env.spotGW.SendErr = func(venue.OrderRequest) error {
		return fmt.Errorf("%w: off quotes", venue.ErrTransient)
	}
	env.futureGW.CloseErr = errors.New("market closed")

	var handed *Trade
	env.executor.OnPartial(func(tr *Trade) { handed = tr })

	trade, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env))
	if err != nil {
		t.Fatalf("ExecuteAtMarket: %v", err)
	}
	if trade.Status != StatusPartiallyFilled {
		t.Fatalf("status = %q, expected %q when rollback fails", trade.Status, StatusPartiallyFilled)
	}
	if handed == nil || handed.TradeID != trade.TradeID {
		t.Fatal("partially filled trade was not handed to recovery")
	}
	// The filled leg must still be recorded for the recovery service.
	if trade.FutureTicket == "" || trade.SpotTicket != "" {
		t.Fatalf("leg tickets %q/%q, expected only the future fill", trade.FutureTicket, trade.SpotTicket)
	}
}

func TestBothLegsRejectedFailsTrade(t *testing.T) {
	env := newTestEnv(t)
	reject := func(venue.OrderRequest) error {
		return fmt.Errorf("%w: off quotes", venue.ErrTransient)
	}
	env.futureGW.SendErr = reject
	env.spotGW.SendErr = reject

	trade, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env))
	if err != nil {
		t.Fatalf("ExecuteAtMarket: %v", err)
	}
	if trade.Status != StatusFailed {
		t.Fatalf("status = %q, expected %q", trade.Status, StatusFailed)
	}
	if len(env.futureGW.ClosedOrders) != 0 && len(env.spotGW.ClosedOrders) != 0 {
		t.Fatal("nothing filled, nothing should be closed")
	}
}

func TestExecuteAtMarketStaleCacheFallsBackToGateway(t *testing.T) {
	env := newTestEnv(t)

	// Age out the cached quotes; the gateways hold the live market.
	env.cache.Put("alpha", types.Quote{Symbol: "BTCUSD.f", Bid: 1, Ask: 2, Timestamp: time.Now().Add(-time.Minute)})
	env.cache.Put("beta", types.Quote{Symbol: "BTCUSD", Bid: 1, Ask: 2, Timestamp: time.Now().Add(-time.Minute)})
	env.futureGW.SetQuote("BTCUSD.f", 100.50, 100.80)
	env.spotGW.SetQuote("BTCUSD", 99.90, 100.30)

	trade, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env))
	if err != nil {
		t.Fatalf("ExecuteAtMarket: %v", err)
	}
	if math.Abs(trade.ExecutionPremium-0.90) > 1e-9 {
		t.Fatalf("execution premium = %v, expected 0.90 from the gateway pull", trade.ExecutionPremium)
	}
}
