package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/premium"
	"github.com/spreadcore/spread-api/internal/quotes"
	"github.com/spreadcore/spread-api/internal/session"
	"github.com/spreadcore/spread-api/internal/types"
	"github.com/spreadcore/spread-api/internal/venue"
	"github.com/spreadcore/spread-api/pkg/response"
)

// Service is the trading surface: it owns the executor for entries and
// handles unwinds and reads itself.
type Service struct {
	db       *Database
	executor *Executor
	pairings *pairing.Database
	sessions *session.Manager
	cache    *quotes.Cache
	cfg      ExecutorConfig
}

func NewService(db *Database, executor *Executor, pairings *pairing.Database, sessions *session.Manager, cache *quotes.Cache, cfg ExecutorConfig) *Service {
	return &Service{
		db:       db,
		executor: executor,
		pairings: pairings,
		sessions: sessions,
		cache:    cache,
		cfg:      cfg,
	}
}

func (s *Service) Executor() *Executor { return s.executor }
func (s *Service) DB() *Database       { return s.db }

// Close unwinds an active trade: both legs are closed at the venues,
// then the trade is archived with the realized premium and profits.
func (s *Service) Close(ctx context.Context, tradeID, userID string) (*ClosedTrade, error) {
	trade, err := s.db.GetTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if trade == nil || trade.UserID != userID {
		return nil, nil
	}
	if trade.Status != StatusActive {
		return nil, types.NewValidationError("status", "only active trades can be closed")
	}

	p, err := s.pairings.GetPairing(trade.PairingID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pairing %s no longer exists", trade.PairingID)
	}
	futureAcct, spotAcct, err := s.pairings.Legs(p)
	if err != nil {
		return nil, err
	}

	futureProfit, err := s.closeLeg(ctx, futureAcct, trade.FutureTicket)
	if err != nil {
		return nil, fmt.Errorf("closing future leg %s: %w", trade.FutureTicket, err)
	}
	spotProfit, err := s.closeLeg(ctx, spotAcct, trade.SpotTicket)
	if err != nil {
		// The future leg is flat but the spot leg is still open; that
		// is a partial state the recovery service understands.
		trade.Status = StatusPartiallyFilled
		trade.FutureTicket = ""
		trade.FutureError = "closed during unwind"
		if uerr := s.db.UpdateTrade(trade); uerr != nil {
			return nil, errors.Join(err, uerr)
		}
		if s.executor.onPartial != nil {
			s.executor.onPartial(trade)
		}
		return nil, fmt.Errorf("closing spot leg %s: %w", trade.SpotTicket, err)
	}

	closePremium := s.closePremium(trade, p, futureAcct, spotAcct)
	return s.db.ArchiveTrade(trade, closePremium, futureProfit, spotProfit)
}

func (s *Service) closeLeg(ctx context.Context, acct *pairing.VenueAccount, ticket string) (float64, error) {
	token, err := s.sessions.Token(ctx, acct)
	if err != nil {
		return 0, err
	}
	gw, err := s.sessions.Gateway(acct)
	if err != nil {
		return 0, err
	}
	legCtx, cancel := context.WithTimeout(ctx, s.cfg.LegTimeout)
	defer cancel()
	res, err := gw.CloseOrder(legCtx, token, ticket)
	if err != nil {
		return 0, err
	}
	return res.Profit, nil
}

// closePremium derives the premium realized on exit from the latest
// cached quotes. Best effort: a missing quote yields zero rather than
// blocking the unwind.
func (s *Service) closePremium(trade *Trade, p *pairing.Pairing, futureAcct, spotAcct *pairing.VenueAccount) float64 {
	fq, fok := s.cache.Get(futureAcct.Company, p.FutureSymbol)
	sq, sok := s.cache.Get(spotAcct.Company, p.SpotSymbol)
	if !fok || !sok {
		return 0
	}
	buy, sell := premium.Compute(fq, sq)
	// A bought spread exits on the sell side and vice versa.
	if trade.Direction == types.Buy {
		return sell
	}
	return buy
}

// GinHandlers contains HTTP handlers for trading endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ExecuteHandler submits a market spread trade.
func (h *GinHandlers) ExecuteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExecuteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.UserID = c.GetString("clientID")

		trade, err := h.service.executor.ExecuteAtMarket(c.Request.Context(), req)
		if errors.Is(err, ErrAlreadyPending) {
			response.Conflict(c, err.Error())
			return
		}
		if errors.Is(err, session.ErrAuth) || errors.Is(err, venue.ErrAuth) {
			response.BadRequest(c, "venue rejected the account credentials")
			return
		}
		response.Handle(c, trade, err)
	}
}

// CloseHandler unwinds an active trade.
func (h *GinHandlers) CloseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		closed, err := h.service.Close(c.Request.Context(), c.Param("trade_id"), c.GetString("clientID"))
		if err == nil && closed == nil {
			response.NotFound(c, "Trade not found")
			return
		}
		response.Handle(c, closed, err)
	}
}

func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trade, err := h.service.db.GetTrade(c.Param("trade_id"))
		if err == nil && (trade == nil || trade.UserID != c.GetString("clientID")) {
			response.NotFound(c, "Trade not found")
			return
		}
		response.Handle(c, trade, err)
	}
}

func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		trades, err := h.service.db.ListTrades(c.GetString("clientID"), limit)
		response.Handle(c, trades, err)
	}
}

func (h *GinHandlers) ListClosedTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		trades, err := h.service.db.ListClosedTrades(c.GetString("clientID"), limit)
		response.Handle(c, trades, err)
	}
}
