package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/premium"
	"github.com/spreadcore/spread-api/internal/quotes"
	"github.com/spreadcore/spread-api/internal/trading"
	"github.com/spreadcore/spread-api/internal/types"
)

// MonitorConfig carries the evaluation tunables.
type MonitorConfig struct {
	PollInterval time.Duration
	QuoteMaxAge  time.Duration
	MaxErrors    int
}

// Monitor evaluates resting orders against the live premium and fires
// them through the trade executor. Evaluation only ever uses fresh
// quotes; a stale cache counts as an error, not as a fire.
type Monitor struct {
	db       *Database
	pairings *pairing.Database
	cache    *quotes.Cache
	executor *trading.Executor
	cfg      MonitorConfig
	logger   zerolog.Logger
}

func NewMonitor(db *Database, pairings *pairing.Database, cache *quotes.Cache, executor *trading.Executor, cfg MonitorConfig) *Monitor {
	return &Monitor{
		db:       db,
		pairings: pairings,
		cache:    cache,
		executor: executor,
		cfg:      cfg,
		logger:   log.With().Str("component", "pending_monitor").Logger(),
	}
}

// Start blocks until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info().Dur("interval", m.cfg.PollInterval).Msg("starting pending order monitor")
	m.releaseStuck()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("pending order monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) releaseStuck() {
	n, err := m.db.ReleaseStuck()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to release stuck executing orders")
		return
	}
	if n > 0 {
		m.logger.Warn().Int64("orders", n).Msg("released orders left executing by a previous run")
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	open, err := m.db.ListOpen()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list pending orders")
		return
	}
	for i := range open {
		if ctx.Err() != nil {
			return
		}
		m.evaluate(ctx, &open[i])
	}
}

func (m *Monitor) evaluate(ctx context.Context, o *Order) {
	current, err := m.currentPremium(o)
	if err != nil {
		m.recordError(o, err)
		return
	}

	if !triggered(o.Direction, current, o.TargetPremium) {
		return
	}

	m.logger.Info().
		Str("order_id", o.OrderID).
		Str("direction", string(o.Direction)).
		Float64("current_premium", current).
		Float64("target_premium", o.TargetPremium).
		Msg("pending order triggered")

	o.Status = StatusExecuting
	if err := m.db.Update(o); err != nil {
		m.logger.Error().Err(err).Str("order_id", o.OrderID).Msg("failed to mark order executing")
		return
	}

	trade, err := m.executor.ExecuteAtMarket(ctx, trading.ExecuteRequest{
		PairingID: o.PairingID,
		UserID:    o.UserID,
		Direction: o.Direction,
		Volume:    o.Volume,
		Comment:   "Pending:" + o.OrderID,
	})
	if err != nil {
		if errors.Is(err, trading.ErrAlreadyPending) {
			// Another submission holds the lock; try again next sweep.
			o.Status = StatusPending
			if uerr := m.db.Update(o); uerr != nil {
				m.logger.Error().Err(uerr).Str("order_id", o.OrderID).Msg("failed to restore pending status")
			}
			return
		}
		o.Status = StatusPending
		m.recordError(o, err)
		return
	}

	o.TradeID = trade.TradeID
	switch trade.Status {
	case trading.StatusFailed:
		o.Status = StatusPending
		m.recordError(o, fmt.Errorf("trade %s failed", trade.TradeID))
		return
	default:
		o.Status = StatusFilled
	}
	if err := m.db.Update(o); err != nil {
		m.logger.Error().Err(err).Str("order_id", o.OrderID).Msg("failed to persist filled order")
	}
}

// currentPremium derives the premium the order watches from fresh
// cached quotes only.
func (m *Monitor) currentPremium(o *Order) (float64, error) {
	p, err := m.pairings.GetPairing(o.PairingID)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, fmt.Errorf("pairing %s no longer exists", o.PairingID)
	}
	futureAcct, spotAcct, err := m.pairings.Legs(p)
	if err != nil {
		return 0, err
	}

	fq, fok := m.cache.Fresh(futureAcct.Company, p.FutureSymbol, m.cfg.QuoteMaxAge)
	sq, sok := m.cache.Fresh(spotAcct.Company, p.SpotSymbol, m.cfg.QuoteMaxAge)
	if !fok || !sok {
		return 0, fmt.Errorf("no fresh quotes for pairing %s", o.PairingID)
	}

	buy, sell := premium.Compute(fq, sq)
	if o.Direction == types.Buy {
		return buy, nil
	}
	return sell, nil
}

// triggered implements the crossing rule: buy the spread when it gets
// cheap enough, sell it when it gets rich enough.
func triggered(dir types.Direction, current, target float64) bool {
	if dir == types.Buy {
		return current <= target
	}
	return current >= target
}

func (m *Monitor) recordError(o *Order, err error) {
	o.ErrorCount++
	o.LastError = err.Error()
	if o.ErrorCount >= m.cfg.MaxErrors {
		o.Status = StatusFailed
		m.logger.Error().
			Err(err).
			Str("order_id", o.OrderID).
			Int("error_count", o.ErrorCount).
			Msg("pending order failed after repeated errors")
	} else {
		m.logger.Warn().
			Err(err).
			Str("order_id", o.OrderID).
			Int("error_count", o.ErrorCount).
			Msg("pending order evaluation error")
	}
	if uerr := m.db.Update(o); uerr != nil {
		m.logger.Error().Err(uerr).Str("order_id", o.OrderID).Msg("failed to persist order error")
	}
}
