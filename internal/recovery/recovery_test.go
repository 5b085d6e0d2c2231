package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/session"
	"github.com/spreadcore/spread-api/internal/trading"
	"github.com/spreadcore/spread-api/internal/types"
	"github.com/spreadcore/spread-api/internal/venue"
)

type testEnv struct {
	trades   *trading.Database
	service  *Service
	futureGW *venue.Mock
	spotGW   *venue.Mock
	pairing  *pairing.Pairing
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&pairing.VenueAccount{}, &pairing.Pairing{}, &trading.Trade{}, &trading.ClosedTrade{}); err != nil {
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
		AccountID: "acct-future", Terminal: venue.TerminalMT5,
		Server: "alpha-demo", AccountNumber: "1", Password: "x", Company: "alpha",
	}
	spot := &pairing.VenueAccount{
		AccountID: "acct-spot", Terminal: venue.TerminalMT4,
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
	trades := trading.NewDatabase(db)
	return &testEnv{
		trades:   trades,
		service:  NewService(trades, pairings, sessions, cfg),
		futureGW: futureGW,
		spotGW:   spotGW,
		pairing:  p,
	}
}

// partialTrade seeds a trade where the future leg filled and the spot
// leg is missing.
func partialTrade(t *testing.T, env *testEnv, id string) *trading.Trade {
	t.Helper()
	trade := &trading.Trade{
		TradeID:         id,
		PairingID:       env.pairing.PairingID,
		UserID:          "user-1",
		Status:          trading.StatusPartiallyFilled,
		Direction:       types.Buy,
		Volume:          0.5,
		FutureTicket:    "100555",
		FutureSymbol:    "BTCUSD.f",
		FutureDirection: types.Buy,
		FutureVolume:    0.5,
		SpotSymbol:      "BTCUSD",
		SpotDirection:   types.Sell,
		SpotVolume:      0.5,
		SpotError:       "off quotes",
	}
	if err := env.trades.CreateTrade(trade); err != nil {
		t.Fatalf("seeding trade: %v", err)
	}
	return trade
}

func TestAttemptRecoversMissingLeg(t *testing.T) {
	env := newTestEnv(t, Config{RetryInterval: time.Hour, MaxAttempts: 50, LegTimeout: time.Second})
	trade := partialTrade(t, env, "trade-1")

	done, err := env.service.Attempt(context.Background(), trade)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if !done {
		t.Fatal("expected recovery to finish in one attempt")
	}

	recovered, err := env.trades.GetTrade("trade-1")
	if err != nil || recovered == nil {
		t.Fatalf("reloading trade: %v", err)
	}
	if recovered.Status != trading.StatusActive {
		t.Fatalf("status = %q, expected %q", recovered.Status, trading.StatusActive)
	}
	if recovered.SpotTicket == "" {
		t.Fatal("expected the spot leg ticket to be populated")
	}
	if recovered.RecoveryAttempts != 1 {
		t.Fatalf("attempts = %d, expected 1", recovered.RecoveryAttempts)
	}

	// The placed leg hedges the filled one and maps back to it.
	sent := env.spotGW.SentTo("BTCUSD")
	if len(sent) != 1 {
		t.Fatalf("expected 1 spot order, got %d", len(sent))
	}
	if sent[0].Direction != types.Sell {
		t.Fatalf("recovered leg direction = %s, expected Sell opposite the filled Buy", sent[0].Direction)
	}
	if sent[0].Comment != "Mapped:100555" {
		t.Fatalf("comment = %q, expected Mapped:100555", sent[0].Comment)
	}
	if sent[0].Volume != 0.5 {
		t.Fatalf("volume = %v, expected the filled leg's 0.5", sent[0].Volume)
	}
}

func TestAttemptRecoversMissingFutureLeg(t *testing.T) {
	env := newTestEnv(t, Config{RetryInterval: time.Hour, MaxAttempts: 50, LegTimeout: time.Second})
	trade := &trading.Trade{
		TradeID:       "trade-2",
		PairingID:     env.pairing.PairingID,
		UserID:        "user-1",
		Status:        trading.StatusPartiallyFilled,
		Direction:     types.Buy,
		Volume:        0.5,
		FutureSymbol:  "BTCUSD.f",
		SpotTicket:    "200777",
		SpotSymbol:    "BTCUSD",
		SpotDirection: types.Sell,
		SpotVolume:    0.5,
	}
	if err := env.trades.CreateTrade(trade); err != nil {
		t.Fatalf("seeding trade: %v", err)
	}

	done, err := env.service.Attempt(context.Background(), trade)
	if err != nil || !done {
		t.Fatalf("Attempt: done=%v err=%v", done, err)
	}

	sent := env.futureGW.SentTo("BTCUSD.f")
	if len(sent) != 1 {
		t.Fatalf("expected 1 future order, got %d", len(sent))
	}
	if sent[0].Direction != types.Buy {
		t.Fatalf("recovered leg direction = %s, expected Buy opposite the filled Sell", sent[0].Direction)
	}
	if !strings.HasPrefix(sent[0].Comment, "Mapped:200777") {
		t.Fatalf("comment = %q, expected Mapped:200777", sent[0].Comment)
	}
}

func TestConcurrentAttemptsPlaceTheLegOnce(t *testing.T) {
	env := newTestEnv(t, Config{RetryInterval: time.Hour, MaxAttempts: 50, LegTimeout: time.Second})
	partialTrade(t, env, "trade-race")
	env.spotGW.Latency = 100 * time.Millisecond

	// The periodic loop and the manual retry endpoint both read the
	// trade as partially filled before either places the leg.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr, err := env.trades.GetTrade("trade-race")
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = env.service.Attempt(context.Background(), tr)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	if sent := env.spotGW.SentTo("BTCUSD"); len(sent) != 1 {
		t.Fatalf("expected exactly 1 spot order, got %d", len(sent))
	}
	final, err := env.trades.GetTrade("trade-race")
	if err != nil || final == nil {
		t.Fatalf("reloading trade: %v", err)
	}
	if final.Status != trading.StatusActive {
		t.Fatalf("status = %q, expected %q", final.Status, trading.StatusActive)
	}
	if final.RecoveryAttempts != 1 {
		t.Fatalf("attempts = %d, expected 1 for a single placement", final.RecoveryAttempts)
	}
}

func TestRecoveryStopsAtAttemptCapAndFailsOpen(t *testing.T) {
	env := newTestEnv(t, Config{RetryInterval: 20 * time.Millisecond, MaxAttempts: 3, LegTimeout: time.Second})
	env.spotGW.SendErr = func(venue.OrderRequest) error {
		return fmt.Errorf("%w: off quotes", venue.ErrTransient)
	}
	trade := partialTrade(t, env, "trade-3")

	env.service.Watch(trade)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if len(env.service.Active()) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recovery loop did not terminate")
		}
		time.Sleep(10 * time.Millisecond)
	}

	final, err := env.trades.GetTrade("trade-3")
	if err != nil || final == nil {
		t.Fatalf("reloading trade: %v", err)
	}
	// Fail open: the trade stays visible as partially filled.
	if final.Status != trading.StatusPartiallyFilled {
		t.Fatalf("status = %q, expected %q after giving up", final.Status, trading.StatusPartiallyFilled)
	}
	if final.RecoveryAttempts != 3 {
		t.Fatalf("attempts = %d, expected exactly the cap of 3", final.RecoveryAttempts)
	}
}

func TestRecoveryLoopStopsWhenTradeNoLongerPartial(t *testing.T) {
	env := newTestEnv(t, Config{RetryInterval: 20 * time.Millisecond, MaxAttempts: 50, LegTimeout: time.Second})
	trade := partialTrade(t, env, "trade-4")

	// Settle the trade out from under the loop.
	trade.Status = trading.StatusFailed
	if err := env.trades.UpdateTrade(trade); err != nil {
		t.Fatalf("updating trade: %v", err)
	}

	env.service.Watch(trade)

	deadline := time.Now().Add(2 * time.Second)
	for len(env.service.Active()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop should stop once the trade no longer needs recovery")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if orders := env.spotGW.SentTo("BTCUSD"); len(orders) != 0 {
		t.Fatalf("no orders expected for a settled trade, got %d", len(orders))
	}
}

func TestStartResumesFromDurableState(t *testing.T) {
	env := newTestEnv(t, Config{RetryInterval: 20 * time.Millisecond, MaxAttempts: 50, LegTimeout: time.Second})
	partialTrade(t, env, "trade-5")

	ctx, cancel := context.WithCancel(context.Background())
	go env.service.Start(ctx)
	defer cancel()

	deadline := time.Now().Add(3 * time.Second)
	for {
		recovered, err := env.trades.GetTrade("trade-5")
		if err != nil {
			t.Fatalf("reloading trade: %v", err)
		}
		if recovered.Status == trading.StatusActive {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("trade not recovered after restart scan, status %q", recovered.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
