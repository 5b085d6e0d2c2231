package premium

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/quotes"
	"github.com/spreadcore/spread-api/internal/types"
	"github.com/spreadcore/spread-api/pkg/response"
)

// Service answers premium reads: the live value from the quote cache
// and the persisted series.
type Service struct {
	pairings   *pairing.Database
	cache      *quotes.Cache
	engine     *Engine
	displayAge time.Duration
}

func NewService(pairings *pairing.Database, cache *quotes.Cache, engine *Engine, displayAge time.Duration) *Service {
	return &Service{pairings: pairings, cache: cache, engine: engine, displayAge: displayAge}
}

// CurrentPremium is the live premium of a pairing with the provenance a
// display needs to decide whether to trust it.
type CurrentPremium struct {
	PairingID   string      `json:"pairing_id"`
	BuyPremium  float64     `json:"buy_premium"`
	SellPremium float64     `json:"sell_premium"`
	Future      types.Quote `json:"future"`
	Spot        types.Quote `json:"spot"`
	DataAgeMs   int64       `json:"data_age_ms"`
	Stale       bool        `json:"stale"`
}

// Current computes the premium from the latest cached quotes. Returns
// nil when the pairing does not exist or either leg has no quote at all.
func (s *Service) Current(pairingID string) (*CurrentPremium, error) {
	p, err := s.pairings.GetPairing(pairingID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	future, spot, err := s.pairings.Legs(p)
	if err != nil {
		return nil, err
	}

	fq, fok := s.cache.Get(future.Company, p.FutureSymbol)
	sq, sok := s.cache.Get(spot.Company, p.SpotSymbol)
	if !fok || !sok {
		return nil, types.NewValidationError("quotes", "no quote available for one or both legs")
	}

	buy, sell := Compute(fq, sq)
	now := time.Now()
	age := fq.Age(now)
	if sq.Age(now) > age {
		age = sq.Age(now)
	}
	return &CurrentPremium{
		PairingID:   p.PairingID,
		BuyPremium:  buy,
		SellPremium: sell,
		Future:      fq,
		Spot:        sq,
		DataAgeMs:   age.Milliseconds(),
		Stale:       age > s.displayAge,
	}, nil
}

// GinHandlers contains HTTP handlers for premium endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) CurrentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cur, err := h.service.Current(c.Param("pairing_id"))
		if err == nil && cur == nil {
			response.NotFound(c, "Pairing not found")
			return
		}
		response.Handle(c, cur, err)
	}
}

func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.service.pairings.GetPairing(c.Param("pairing_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if p == nil {
			response.NotFound(c, "Pairing not found")
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		rows, err := h.service.engine.History(p, limit)
		response.Handle(c, rows, err)
	}
}
