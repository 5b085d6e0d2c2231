package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadcore/spread-api/internal/database"
	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/premium"
	"github.com/spreadcore/spread-api/internal/quotes"
	"github.com/spreadcore/spread-api/internal/recovery"
	"github.com/spreadcore/spread-api/internal/session"
	"github.com/spreadcore/spread-api/internal/trading"
	"github.com/spreadcore/spread-api/internal/types"
	"github.com/spreadcore/spread-api/internal/venue"
)

const (
	dbPath       = "simulation.db"
	futureSymbol = "BTCUSD.f"
	spotSymbol   = "BTCUSD"
	tickCount    = 200
	userID       = "sim-user"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// main walks the whole trade lifecycle against mock gateways: quote
// ingestion and premium recording, a clean two-leg fill, a forced
// partial fill with failed rollback, recovery of the missing leg, and
// a final unwind.
func main() {
	os.Remove(dbPath)
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer os.Remove(dbPath)

	futureGW := venue.NewMock(venue.TerminalMT5)
	spotGW := venue.NewMock(venue.TerminalMT4)
	futureGW.Latency = 5 * time.Millisecond
	spotGW.Latency = 5 * time.Millisecond
	gateways := map[string]venue.Gateway{
		venue.TerminalMT5: futureGW,
		venue.TerminalMT4: spotGW,
	}

	pairingService := pairing.NewService(db)
	pairingDB := pairingService.DB()
	sessions := session.NewManager(pairingDB, gateways, 22*time.Hour, 5*time.Minute)
	cache := quotes.NewCache(db, 100*time.Millisecond)
	engine := premium.NewEngine(db, 100*time.Millisecond)

	tradingDB := trading.NewDatabase(db)
	execCfg := trading.ExecutorConfig{
		QuoteMaxAge:    5 * time.Second,
		LegTimeout:     2 * time.Second,
		OverallTimeout: 5 * time.Second,
		LockTTL:        10 * time.Second,
	}
	executor := trading.NewExecutor(tradingDB, pairingDB, sessions, cache, execCfg)
	tradingService := trading.NewService(tradingDB, executor, pairingDB, sessions, cache, execCfg)

	recoveryService := recovery.NewService(tradingDB, pairingDB, sessions, recovery.Config{
		RetryInterval: 500 * time.Millisecond,
		MaxAttempts:   50,
		LegTimeout:    2 * time.Second,
	})
	executor.OnPartial(recoveryService.Watch)

	ctx := context.Background()

	// Accounts and pairing.
	futureAcct, err := pairingService.CreateAccount(pairing.CreateAccountRequest{
		Name:          "Alpha Futures",
		Terminal:      venue.TerminalMT5,
		Server:        "alpha-demo",
		AccountNumber: "100001",
		Password:      "sim",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create future account")
	}
	spotAcct, err := pairingService.CreateAccount(pairing.CreateAccountRequest{
		Name:          "Beta Spot",
		Terminal:      venue.TerminalMT4,
		Server:        "beta-demo",
		AccountNumber: "200001",
		Password:      "sim",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create spot account")
	}

	p, err := pairingService.CreatePairing(userID, pairing.CreatePairingRequest{
		Name:            "alpha beta btc",
		FutureAccountID: futureAcct.AccountID,
		SpotAccountID:   spotAcct.AccountID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pairing")
	}
	if _, err := pairingService.LockSymbols(p.PairingID, futureSymbol, spotSymbol); err != nil {
		log.Fatal().Err(err).Msg("Failed to lock symbols")
	}
	p, _ = pairingDB.GetPairing(p.PairingID)

	log.Info().
		Str("pairing_id", p.PairingID).
		Str("premium_table", p.PremiumTable).
		Msg("Pairing ready")

	// Phase 1: tick ingestion and premium recording.
	log.Info().Int("ticks", tickCount).Msg("Streaming simulated ticks")
	spotMid := 64000.0
	basis := 120.0
	for i := 0; i < tickCount; i++ {
		spotMid += rand.Float64()*20 - 10
		basis += rand.Float64()*2 - 1

		sq := types.Quote{
			Symbol: spotSymbol, Bid: spotMid - 1, Ask: spotMid + 1,
			Timestamp: time.Now(), Source: types.SourceStream,
		}
		fq := types.Quote{
			Symbol: futureSymbol, Bid: spotMid + basis - 1.5, Ask: spotMid + basis + 1.5,
			Timestamp: time.Now(), Source: types.SourceStream,
		}
		cache.Put(spotAcct.Company, sq)
		cache.Put(futureAcct.Company, fq)
		engine.Record(p, fq, sq)

		spotGW.SetQuote(spotSymbol, sq.Bid, sq.Ask)
		futureGW.SetQuote(futureSymbol, fq.Bid, fq.Ask)
		time.Sleep(2 * time.Millisecond)
	}
	samples, err := engine.History(p, 10)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read premium history")
	}
	if len(samples) == 0 {
		log.Fatal().Msg("No premium samples recorded")
	}
	log.Info().Int("samples", len(samples)).Float64("last_buy_premium", samples[0].BuyPrem).Msg("Premium series recorded")

	// Phase 2: clean two-leg fill and unwind.
	trade, err := executor.ExecuteAtMarket(ctx, trading.ExecuteRequest{
		PairingID: p.PairingID,
		UserID:    userID,
		Direction: types.Buy,
		Volume:    0.5,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Trade submission failed")
	}
	log.Info().
		Str("trade_id", trade.TradeID).
		Str("status", trade.Status).
		Str("future_ticket", trade.FutureTicket).
		Str("spot_ticket", trade.SpotTicket).
		Float64("execution_premium", trade.ExecutionPremium).
		Msg("Trade executed")

	closed, err := tradingService.Close(ctx, trade.TradeID, userID)
	if err != nil {
		log.Fatal().Err(err).Msg("Trade close failed")
	}
	log.Info().
		Str("trade_id", closed.TradeID).
		Float64("close_premium", closed.ClosePremium).
		Int64("duration_ms", closed.DurationMs).
		Msg("Trade closed and archived")

	// Phase 3: partial fill. The spot leg rejects and the rollback of
	// the filled future leg fails too, so the trade must land in
	// recovery rather than being silently dropped.
	spotGW.SendErr = func(req venue.OrderRequest) error {
		return fmt.Errorf("%w: off quotes", venue.ErrTransient)
	}
	futureGW.CloseErr = errors.New("market closed")

	partial, err := executor.ExecuteAtMarket(ctx, trading.ExecuteRequest{
		PairingID: p.PairingID,
		UserID:    userID,
		Direction: types.Buy,
		Volume:    0.5,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Partial trade submission failed")
	}
	if partial.Status != trading.StatusPartiallyFilled {
		log.Fatal().Str("status", partial.Status).Msg("Expected a partially filled trade")
	}
	log.Warn().
		Str("trade_id", partial.TradeID).
		Str("future_ticket", partial.FutureTicket).
		Str("spot_error", partial.SpotError).
		Msg("Partial fill produced, recovery engaged")

	// Let recovery fail a few attempts, then heal the venue.
	time.Sleep(1500 * time.Millisecond)
	spotGW.SendErr = nil
	futureGW.CloseErr = nil

	deadline := time.Now().Add(10 * time.Second)
	for {
		recovered, err := tradingDB.GetTrade(partial.TradeID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to reload trade")
		}
		if recovered.Status == trading.StatusActive {
			log.Info().
				Str("trade_id", recovered.TradeID).
				Str("spot_ticket", recovered.SpotTicket).
				Int("attempts", recovered.RecoveryAttempts).
				Msg("Missing leg recovered")
			break
		}
		if time.Now().After(deadline) {
			log.Fatal().Str("status", recovered.Status).Msg("Recovery did not complete in time")
		}
		time.Sleep(200 * time.Millisecond)
	}
	recoveryService.StopAll()

	// The recovered hedge carries the mapping comment back to the
	// filled ticket.
	var mapped bool
	for _, o := range spotGW.SentTo(spotSymbol) {
		if strings.HasPrefix(o.Comment, "Mapped:") {
			mapped = true
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 72))
	fmt.Println("SPREAD TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf(`
Pairing:             %s
Premium samples:     %d (table %s)
Clean trade:         executed and closed, premium %.2f -> %.2f
Partial fill:        future ticket %s, spot leg rejected
Rollback:            failed as injected, trade handed to recovery
Recovery:            missing leg placed, mapping comment present: %v
`, p.Name, len(samples), p.PremiumTable,
		trade.ExecutionPremium, closed.ClosePremium,
		partial.FutureTicket, mapped)
	fmt.Println(strings.Repeat("=", 72))

	log.Info().Msg("Simulation completed")
}
