package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadcore/spread-api/internal/premium"
	"github.com/spreadcore/spread-api/internal/types"
)

// MonitorConfig carries the exit evaluation tunables.
type MonitorConfig struct {
	PollInterval time.Duration
	QuoteMaxAge  time.Duration
}

// Monitor watches active trades carrying a take-profit or stop-loss
// level and unwinds them when the exit-side premium crosses it. Only
// fresh cached quotes count; a quiet feed holds the position rather
// than closing it on old data.
type Monitor struct {
	service *Service
	cfg     MonitorConfig
	logger  zerolog.Logger
}

func NewMonitor(service *Service, cfg MonitorConfig) *Monitor {
	return &Monitor{
		service: service,
		cfg:     cfg,
		logger:  log.With().Str("component", "tp_monitor").Logger(),
	}
}

// Start blocks until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info().Dur("interval", m.cfg.PollInterval).Msg("starting take profit monitor")
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("take profit monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	active, err := m.service.db.ListByStatus(StatusActive)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list active trades")
		return
	}
	for i := range active {
		if ctx.Err() != nil {
			return
		}
		m.evaluate(ctx, &active[i])
	}
}

func (m *Monitor) evaluate(ctx context.Context, trade *Trade) {
	if trade.TakeProfit == 0 && trade.StopLoss == 0 {
		return
	}

	exit, ok := m.exitPremium(trade)
	if !ok {
		return
	}
	reason := exitTriggered(trade.Direction, exit, trade.TakeProfit, trade.StopLoss)
	if reason == "" {
		return
	}

	m.logger.Info().
		Str("trade_id", trade.TradeID).
		Str("reason", reason).
		Float64("exit_premium", exit).
		Float64("take_profit", trade.TakeProfit).
		Float64("stop_loss", trade.StopLoss).
		Msg("exit level crossed, closing trade")

	if _, err := m.service.Close(ctx, trade.TradeID, trade.UserID); err != nil {
		// A failed unwind is handled like any other: the close path has
		// already recorded the partial state and engaged recovery.
		m.logger.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("automatic close failed")
	}
}

// exitPremium derives the premium the trade would realize on exit right
// now, from fresh quotes only.
func (m *Monitor) exitPremium(trade *Trade) (float64, bool) {
	p, err := m.service.pairings.GetPairing(trade.PairingID)
	if err != nil || p == nil {
		return 0, false
	}
	futureAcct, spotAcct, err := m.service.pairings.Legs(p)
	if err != nil {
		return 0, false
	}

	fq, fok := m.service.cache.Fresh(futureAcct.Company, p.FutureSymbol, m.cfg.QuoteMaxAge)
	sq, sok := m.service.cache.Fresh(spotAcct.Company, p.SpotSymbol, m.cfg.QuoteMaxAge)
	if !fok || !sok {
		return 0, false
	}

	buy, sell := premium.Compute(fq, sq)
	if trade.Direction == types.Buy {
		return sell, true
	}
	return buy, true
}

// exitTriggered names the level the exit premium crossed, if any. A
// bought spread exits on the sell side, so it profits as the exit
// premium rises; a sold spread profits as the buy side falls.
func exitTriggered(dir types.Direction, exit, takeProfit, stopLoss float64) string {
	if dir == types.Buy {
		switch {
		case takeProfit != 0 && exit >= takeProfit:
			return "take_profit"
		case stopLoss != 0 && exit <= stopLoss:
			return "stop_loss"
		}
		return ""
	}
	switch {
	case takeProfit != 0 && exit <= takeProfit:
		return "take_profit"
	case stopLoss != 0 && exit >= stopLoss:
		return "stop_loss"
	}
	return ""
}
