package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/premium"
	"github.com/spreadcore/spread-api/internal/quotes"
	"github.com/spreadcore/spread-api/internal/session"
	"github.com/spreadcore/spread-api/internal/types"
	"github.com/spreadcore/spread-api/internal/venue"
)

// ErrAlreadyPending rejects a duplicate submission while an identical
// one is still in flight.
var ErrAlreadyPending = errors.New("an identical order is already in flight")

// ExecutorConfig carries the execution tunables.
type ExecutorConfig struct {
	QuoteMaxAge    time.Duration
	LegTimeout     time.Duration
	OverallTimeout time.Duration
	LockTTL        time.Duration
}

// ExecuteRequest is one market spread order: a future leg in the given
// direction and a spot leg on the opposite side, both at the same
// volume.
type ExecuteRequest struct {
	PairingID  string          `json:"pairing_id" binding:"required"`
	UserID     string          `json:"-"`
	Direction  types.Direction `json:"direction" binding:"required"`
	Volume     float64         `json:"volume" binding:"required"`
	TakeProfit float64         `json:"take_profit"`
	StopLoss   float64         `json:"stop_loss"`
	Comment    string          `json:"comment"`
}

// Executor submits both legs of a spread trade concurrently, classifies
// the outcome, and unwinds a lone fill immediately when the other leg
// failed. Identical submissions are serialized by an in-flight lock
// that expires on its own after LockTTL, so a crashed attempt can never
// wedge a pairing.
type Executor struct {
	db       *Database
	pairings *pairing.Database
	sessions *session.Manager
	cache    *quotes.Cache
	cfg      ExecutorConfig
	logger   zerolog.Logger

	// onPartial hands a trade that kept a lone open leg to the
	// recovery service.
	onPartial func(*Trade)

	mu       sync.Mutex
	inFlight map[string]time.Time
}

func NewExecutor(db *Database, pairings *pairing.Database, sessions *session.Manager, cache *quotes.Cache, cfg ExecutorConfig) *Executor {
	return &Executor{
		db:       db,
		pairings: pairings,
		sessions: sessions,
		cache:    cache,
		cfg:      cfg,
		inFlight: make(map[string]time.Time),
		logger:   log.With().Str("component", "trade_executor").Logger(),
	}
}

// OnPartial registers the hook invoked when a trade ends up partially
// filled. Must be set before serving traffic.
func (e *Executor) OnPartial(fn func(*Trade)) {
	e.onPartial = fn
}

func dedupKey(pairingID string, dir types.Direction, userID string) string {
	return pairingID + "|" + string(dir) + "|" + userID
}

// acquire takes the in-flight lock for a key. A stale entry past the
// TTL is treated as free: its owner crashed without releasing.
func (e *Executor) acquire(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if at, ok := e.inFlight[key]; ok && time.Since(at) < e.cfg.LockTTL {
		return false
	}
	e.inFlight[key] = time.Now()
	return true
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	delete(e.inFlight, key)
	e.mu.Unlock()
}

type legResult struct {
	result venue.OrderResult
	err    error
}

// ExecuteAtMarket validates, prices, and submits both legs. It returns
// the persisted trade whatever the outcome; the trade's status tells
// the caller what actually happened.
func (e *Executor) ExecuteAtMarket(ctx context.Context, req ExecuteRequest) (*Trade, error) {
	if !req.Direction.Valid() {
		return nil, types.NewValidationError("direction", "must be Buy or Sell")
	}
	if req.Volume <= 0 {
		return nil, types.NewValidationError("volume", "must be positive")
	}

	p, err := e.pairings.GetPairing(req.PairingID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, types.NewValidationError("pairing_id", "pairing not found")
	}
	if !p.SymbolsLocked {
		return nil, types.NewValidationError("pairing_id", "pairing symbols are not locked")
	}
	futureAcct, spotAcct, err := e.pairings.Legs(p)
	if err != nil {
		return nil, err
	}

	key := dedupKey(p.PairingID, req.Direction, req.UserID)
	if !e.acquire(key) {
		return nil, ErrAlreadyPending
	}
	defer e.release(key)

	fq, sq, err := e.freshQuotes(ctx, p, futureAcct, spotAcct)
	if err != nil {
		return nil, err
	}

	buyPrem, sellPrem := premium.Compute(fq, sq)
	execPremium := buyPrem
	if req.Direction == types.Sell {
		execPremium = sellPrem
	}

	trade := &Trade{
		TradeID:          uuid.New().String(),
		PairingID:        p.PairingID,
		UserID:           req.UserID,
		Status:           StatusPending,
		Direction:        req.Direction,
		Volume:           req.Volume,
		ExecutionPremium: execPremium,
		TakeProfit:       req.TakeProfit,
		StopLoss:         req.StopLoss,
		Comment:          req.Comment,
		FutureSymbol:     p.FutureSymbol,
		FutureDirection:  req.Direction,
		FutureVolume:     req.Volume,
		SpotSymbol:       p.SpotSymbol,
		SpotDirection:    req.Direction.Opposite(),
		SpotVolume:       req.Volume,
	}
	if err := e.db.CreateTrade(trade); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("trade_id", trade.TradeID).
		Str("pairing_id", p.PairingID).
		Str("direction", string(req.Direction)).
		Float64("volume", req.Volume).
		Float64("execution_premium", execPremium).
		Msg("submitting spread trade")

	futureCh := make(chan legResult, 1)
	spotCh := make(chan legResult, 1)
	go e.submitLeg(ctx, futureAcct, venue.OrderRequest{
		Symbol:    p.FutureSymbol,
		Direction: trade.FutureDirection,
		Volume:    req.Volume,
		Comment:   req.Comment,
	}, futureCh)
	go e.submitLeg(ctx, spotAcct, venue.OrderRequest{
		Symbol:    p.SpotSymbol,
		Direction: trade.SpotDirection,
		Volume:    req.Volume,
		Comment:   req.Comment,
	}, spotCh)

	var futureRes, spotRes legResult
	overall := time.NewTimer(e.cfg.OverallTimeout)
	defer overall.Stop()
	for received := 0; received < 2; {
		select {
		case futureRes = <-futureCh:
			futureCh = nil
			received++
		case spotRes = <-spotCh:
			spotCh = nil
			received++
		case <-overall.C:
			timeoutErr := fmt.Errorf("spread submission exceeded %s", e.cfg.OverallTimeout)
			if futureCh != nil {
				futureRes = legResult{err: timeoutErr}
				received++
			}
			if spotCh != nil {
				spotRes = legResult{err: timeoutErr}
				received++
			}
		}
	}

	e.applyLegResults(trade, fq, sq, futureRes, spotRes)
	e.classify(trade, futureAcct, spotAcct, futureRes, spotRes)

	if err := e.db.UpdateTrade(trade); err != nil {
		e.logger.Error().Err(err).Str("trade_id", trade.TradeID).Msg("failed to persist trade outcome")
	}
	if err := e.pairings.RecordOrderLatency(p.PairingID, trade.FutureLatencyMs, trade.SpotLatencyMs); err != nil {
		e.logger.Warn().Err(err).Str("pairing_id", p.PairingID).Msg("failed to record order latency")
	}

	if trade.Status == StatusPartiallyFilled && e.onPartial != nil {
		e.onPartial(trade)
	}
	return trade, nil
}

// freshQuotes returns both leg quotes, falling back to an on-demand
// gateway pull when the cached one is too old to trade on.
func (e *Executor) freshQuotes(ctx context.Context, p *pairing.Pairing, futureAcct, spotAcct *pairing.VenueAccount) (fq, sq types.Quote, err error) {
	fq, err = e.freshQuote(ctx, futureAcct, p.FutureSymbol)
	if err != nil {
		return types.Quote{}, types.Quote{}, fmt.Errorf("future leg quote: %w", err)
	}
	sq, err = e.freshQuote(ctx, spotAcct, p.SpotSymbol)
	if err != nil {
		return types.Quote{}, types.Quote{}, fmt.Errorf("spot leg quote: %w", err)
	}
	return fq, sq, nil
}

func (e *Executor) freshQuote(ctx context.Context, acct *pairing.VenueAccount, symbol string) (types.Quote, error) {
	if q, ok := e.cache.Fresh(acct.Company, symbol, e.cfg.QuoteMaxAge); ok {
		return q, nil
	}

	token, err := e.sessions.Token(ctx, acct)
	if err != nil {
		return types.Quote{}, err
	}
	gw, err := e.sessions.Gateway(acct)
	if err != nil {
		return types.Quote{}, err
	}
	qCtx, cancel := context.WithTimeout(ctx, e.cfg.LegTimeout)
	defer cancel()
	q, err := gw.GetQuote(qCtx, token, symbol)
	if err != nil {
		return types.Quote{}, err
	}
	e.cache.Put(acct.Company, q)
	return q, nil
}

func (e *Executor) submitLeg(ctx context.Context, acct *pairing.VenueAccount, req venue.OrderRequest, out chan<- legResult) {
	token, err := e.sessions.Token(ctx, acct)
	if err != nil {
		out <- legResult{err: err}
		return
	}
	gw, err := e.sessions.Gateway(acct)
	if err != nil {
		out <- legResult{err: err}
		return
	}

	legCtx, cancel := context.WithTimeout(ctx, e.cfg.LegTimeout)
	defer cancel()
	res, err := gw.SendOrder(legCtx, token, req)
	out <- legResult{result: res, err: err}
}

func (e *Executor) applyLegResults(trade *Trade, fq, sq types.Quote, futureRes, spotRes legResult) {
	if futureRes.err != nil {
		trade.FutureError = futureRes.err.Error()
	} else {
		trade.FutureTicket = futureRes.result.Ticket
		trade.FutureLatencyMs = futureRes.result.Latency.Milliseconds()
		trade.FutureOpenPrice = priceFor(fq, trade.FutureDirection)
	}
	if spotRes.err != nil {
		trade.SpotError = spotRes.err.Error()
	} else {
		trade.SpotTicket = spotRes.result.Ticket
		trade.SpotLatencyMs = spotRes.result.Latency.Milliseconds()
		trade.SpotOpenPrice = priceFor(sq, trade.SpotDirection)
	}
}

// classify settles the trade's final status. A lone fill is rolled back
// immediately; only when that rollback also fails does the trade stay
// partially filled for the recovery service.
func (e *Executor) classify(trade *Trade, futureAcct, spotAcct *pairing.VenueAccount, futureRes, spotRes legResult) {
	switch {
	case futureRes.err == nil && spotRes.err == nil:
		trade.Status = StatusActive
		e.logger.Info().Str("trade_id", trade.TradeID).Msg("both legs filled")

	case futureRes.err != nil && spotRes.err != nil:
		trade.Status = StatusFailed
		e.logger.Error().
			Str("trade_id", trade.TradeID).
			Str("future_error", trade.FutureError).
			Str("spot_error", trade.SpotError).
			Msg("both legs rejected")

	case futureRes.err == nil:
		e.rollbackLeg(trade, futureAcct, trade.FutureTicket, "future")

	default:
		e.rollbackLeg(trade, spotAcct, trade.SpotTicket, "spot")
	}
}

// rollbackLeg closes the lone filled leg. The close runs on a fresh
// context: the request context may already be cancelled, and the
// position must be unwound regardless.
func (e *Executor) rollbackLeg(trade *Trade, acct *pairing.VenueAccount, ticket, legName string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.LegTimeout)
	defer cancel()

	logger := e.logger.With().
		Str("trade_id", trade.TradeID).
		Str("leg", legName).
		Str("ticket", ticket).
		Logger()

	token, err := e.sessions.Token(ctx, acct)
	if err == nil {
		var gw venue.Gateway
		gw, err = e.sessions.Gateway(acct)
		if err == nil {
			_, err = gw.CloseOrder(ctx, token, ticket)
		}
	}

	if err != nil {
		trade.Status = StatusPartiallyFilled
		logger.Error().Err(err).Msg("rollback of lone filled leg failed, handing to recovery")
		return
	}

	trade.Status = StatusFailed
	logger.Warn().Msg("one leg rejected, lone fill rolled back")
}

func priceFor(q types.Quote, dir types.Direction) float64 {
	if dir == types.Buy {
		return q.Ask
	}
	return q.Bid
}
