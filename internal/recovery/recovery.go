package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/session"
	"github.com/spreadcore/spread-api/internal/trading"
	"github.com/spreadcore/spread-api/internal/venue"
)

// Config carries the retry tunables.
type Config struct {
	RetryInterval time.Duration
	MaxAttempts   int
	LegTimeout    time.Duration
}

// Service completes partially filled trades. One leg filled, the other
// did not, and the immediate rollback failed too; the trade is carrying
// naked exposure until the missing leg exists. The service retries the
// missing leg on an interval, hedging against the filled leg, and gives
// up after the attempt cap, leaving the trade partially filled for an
// operator.
type Service struct {
	trades   *trading.Database
	pairings *pairing.Database
	sessions *session.Manager
	cfg      Config
	logger   zerolog.Logger

	mu    sync.Mutex
	loops map[string]context.CancelFunc

	// attempts serializes Attempt per trade: the periodic loop and the
	// manual retry endpoint may otherwise place the missing leg twice.
	attempts map[string]*sync.Mutex
}

func NewService(trades *trading.Database, pairings *pairing.Database, sessions *session.Manager, cfg Config) *Service {
	return &Service{
		trades:   trades,
		pairings: pairings,
		sessions: sessions,
		cfg:      cfg,
		loops:    make(map[string]context.CancelFunc),
		attempts: make(map[string]*sync.Mutex),
		logger:   log.With().Str("component", "recovery").Logger(),
	}
}

func (s *Service) attemptLock(tradeID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.attempts[tradeID]
	if !ok {
		m = &sync.Mutex{}
		s.attempts[tradeID] = m
	}
	return m
}

// Start resumes recovery for every partially filled trade found in the
// database, then blocks until the context is cancelled. Crash-safe:
// loops are rebuilt from durable state, not from memory.
func (s *Service) Start(ctx context.Context) {
	partial, err := s.trades.ListPartial()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to scan for partially filled trades")
	}
	for i := range partial {
		s.watch(ctx, &partial[i])
	}
	if len(partial) > 0 {
		s.logger.Info().Int("trades", len(partial)).Msg("resumed recovery for partially filled trades")
	}

	<-ctx.Done()
	s.StopAll()
}

// Watch starts a recovery loop for a freshly partial trade. Invoked by
// the executor's partial hook; uses the service's own lifetime, not the
// request context.
func (s *Service) Watch(trade *trading.Trade) {
	s.watch(context.Background(), trade)
}

func (s *Service) watch(parent context.Context, trade *trading.Trade) {
	s.mu.Lock()
	if _, running := s.loops[trade.TradeID]; running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.loops[trade.TradeID] = cancel
	s.mu.Unlock()

	go s.run(ctx, trade.TradeID)
}

func (s *Service) stop(tradeID string) {
	s.mu.Lock()
	if cancel, ok := s.loops[tradeID]; ok {
		cancel()
		delete(s.loops, tradeID)
	}
	s.mu.Unlock()
}

// StopAll cancels every running loop.
func (s *Service) StopAll() {
	s.mu.Lock()
	for id, cancel := range s.loops {
		cancel()
		delete(s.loops, id)
	}
	s.mu.Unlock()
}

// Active reports the trade IDs with a recovery loop running.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.loops))
	for id := range s.loops {
		out = append(out, id)
	}
	return out
}

func (s *Service) run(ctx context.Context, tradeID string) {
	defer s.stop(tradeID)

	logger := s.logger.With().Str("trade_id", tradeID).Logger()
	logger.Info().Dur("interval", s.cfg.RetryInterval).Msg("recovery loop started")

	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		trade, err := s.trades.GetTrade(tradeID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to reload trade")
			continue
		}
		if trade == nil || trade.Status != trading.StatusPartiallyFilled {
			logger.Info().Msg("trade no longer needs recovery")
			return
		}

		done, err := s.Attempt(ctx, trade)
		if done {
			return
		}
		if err != nil {
			logger.Warn().Err(err).Int("attempts", trade.RecoveryAttempts).Msg("recovery attempt failed")
		}
		if trade.RecoveryAttempts >= s.cfg.MaxAttempts {
			// Fail open: the trade stays partially filled and visible
			// rather than silently abandoned.
			logger.Error().Int("attempts", trade.RecoveryAttempts).Msg("recovery attempt cap reached, operator intervention required")
			return
		}
	}
}

// Attempt places the missing leg once, hedged against the filled one.
// Reports done=true when the trade no longer needs this loop. Attempts
// for the same trade are serialized, and the trade is re-read under the
// lock so a concurrent caller that already placed the leg turns this
// call into a no-op instead of a double fill.
func (s *Service) Attempt(ctx context.Context, trade *trading.Trade) (done bool, err error) {
	mu := s.attemptLock(trade.TradeID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.trades.GetTrade(trade.TradeID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return true, nil
	}
	*trade = *current
	if trade.Status != trading.StatusPartiallyFilled {
		return true, nil
	}

	p, err := s.pairings.GetPairing(trade.PairingID)
	if err != nil {
		return false, err
	}
	if p == nil {
		return true, fmt.Errorf("pairing %s no longer exists", trade.PairingID)
	}
	futureAcct, spotAcct, err := s.pairings.Legs(p)
	if err != nil {
		return false, err
	}

	// The missing leg is the one without a ticket.
	var (
		acct         *pairing.VenueAccount
		req          venue.OrderRequest
		filledTicket string
		missing      string
	)
	switch {
	case trade.FutureTicket == "" && trade.SpotTicket != "":
		acct = futureAcct
		filledTicket = trade.SpotTicket
		missing = "future"
		req = venue.OrderRequest{
			Symbol:    trade.FutureSymbol,
			Direction: trade.SpotDirection.Opposite(),
			Volume:    trade.SpotVolume,
		}
	case trade.SpotTicket == "" && trade.FutureTicket != "":
		acct = spotAcct
		filledTicket = trade.FutureTicket
		missing = "spot"
		req = venue.OrderRequest{
			Symbol:    trade.SpotSymbol,
			Direction: trade.FutureDirection.Opposite(),
			Volume:    trade.FutureVolume,
		}
	default:
		// Nothing is actually missing; settle the status and move on.
		trade.Status = trading.StatusActive
		if trade.FutureTicket == "" && trade.SpotTicket == "" {
			trade.Status = trading.StatusFailed
		}
		if err := s.trades.UpdateTrade(trade); err != nil {
			return false, err
		}
		return true, nil
	}
	req.Comment = "Mapped:" + filledTicket

	trade.RecoveryAttempts++

	result, sendErr := s.placeLeg(ctx, acct, req)
	if sendErr != nil {
		if uerr := s.trades.UpdateTrade(trade); uerr != nil {
			return false, uerr
		}
		return false, sendErr
	}

	if missing == "future" {
		trade.FutureTicket = result.Ticket
		trade.FutureDirection = req.Direction
		trade.FutureVolume = req.Volume
		trade.FutureLatencyMs = result.Latency.Milliseconds()
		trade.FutureError = ""
	} else {
		trade.SpotTicket = result.Ticket
		trade.SpotDirection = req.Direction
		trade.SpotVolume = req.Volume
		trade.SpotLatencyMs = result.Latency.Milliseconds()
		trade.SpotError = ""
	}
	trade.Status = trading.StatusActive
	if err := s.trades.UpdateTrade(trade); err != nil {
		return false, err
	}

	s.logger.Info().
		Str("trade_id", trade.TradeID).
		Str("leg", missing).
		Str("ticket", result.Ticket).
		Int("attempts", trade.RecoveryAttempts).
		Msg("missing leg recovered, trade active")
	return true, nil
}

func (s *Service) placeLeg(ctx context.Context, acct *pairing.VenueAccount, req venue.OrderRequest) (venue.OrderResult, error) {
	token, err := s.sessions.Token(ctx, acct)
	if err != nil {
		return venue.OrderResult{}, err
	}
	gw, err := s.sessions.Gateway(acct)
	if err != nil {
		return venue.OrderResult{}, err
	}
	legCtx, cancel := context.WithTimeout(ctx, s.cfg.LegTimeout)
	defer cancel()
	return gw.SendOrder(legCtx, token, req)
}
