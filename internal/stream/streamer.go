package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/premium"
	"github.com/spreadcore/spread-api/internal/quotes"
	"github.com/spreadcore/spread-api/internal/session"
	"github.com/spreadcore/spread-api/internal/types"
)

const rescanInterval = time.Minute

// legRef ties one streamed (venue, symbol) back to a pairing so a tick
// on either leg can refresh the pairing's premium series.
type legRef struct {
	pairing       *pairing.Pairing
	futureCompany string
	spotCompany   string
}

// Streamer wires locked pairings into live quote ingestion: it opens
// one stream client per venue account, routes ticks into the quote
// cache, and feeds the premium engine whenever a pairing has quotes on
// both legs. New pairings are picked up on a rescan interval without a
// restart.
type Streamer struct {
	pairings *pairing.Database
	sessions *session.Manager
	cache    *quotes.Cache
	engine   *premium.Engine
	cfg      ClientConfig
	logger   zerolog.Logger

	mu      sync.Mutex
	legs    map[string][]legRef // company|symbol -> interested pairings
	clients map[string]*Client  // account_id -> client
}

func NewStreamer(pairings *pairing.Database, sessions *session.Manager, cache *quotes.Cache, engine *premium.Engine, cfg ClientConfig) *Streamer {
	return &Streamer{
		pairings: pairings,
		sessions: sessions,
		cache:    cache,
		engine:   engine,
		cfg:      cfg,
		legs:     make(map[string][]legRef),
		clients:  make(map[string]*Client),
		logger:   log.With().Str("component", "streamer").Logger(),
	}
}

// Start blocks until the context is cancelled, rescanning for newly
// locked pairings on an interval.
func (s *Streamer) Start(ctx context.Context) {
	s.logger.Info().Msg("starting quote streamer")
	s.rescan(ctx)

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("quote streamer stopped")
			return
		case <-ticker.C:
			s.rescan(ctx)
		}
	}
}

func (s *Streamer) rescan(ctx context.Context) {
	locked, err := s.pairings.ListLocked()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list locked pairings")
		return
	}

	for i := range locked {
		p := &locked[i]
		if err := s.ensurePairing(ctx, p); err != nil {
			s.logger.Error().Err(err).Str("pairing_id", p.PairingID).Msg("failed to stream pairing")
		}
	}
}

func (s *Streamer) ensurePairing(ctx context.Context, p *pairing.Pairing) error {
	future, spot, err := s.pairings.Legs(p)
	if err != nil {
		return err
	}

	ref := legRef{pairing: p, futureCompany: future.Company, spotCompany: spot.Company}
	s.addLeg(future.Company, p.FutureSymbol, ref)
	s.addLeg(spot.Company, p.SpotSymbol, ref)

	if err := s.ensureClient(ctx, future, p.FutureSymbol); err != nil {
		return err
	}
	return s.ensureClient(ctx, spot, p.SpotSymbol)
}

func (s *Streamer) addLeg(company, symbol string, ref legRef) {
	k := company + "|" + symbol
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.legs[k] {
		if existing.pairing.PairingID == ref.pairing.PairingID {
			return
		}
	}
	s.legs[k] = append(s.legs[k], ref)
}

func (s *Streamer) ensureClient(ctx context.Context, acct *pairing.VenueAccount, symbol string) error {
	s.mu.Lock()
	client, ok := s.clients[acct.AccountID]
	s.mu.Unlock()
	if ok {
		return client.AddSymbol(ctx, symbol)
	}

	token, err := s.sessions.Token(ctx, acct)
	if err != nil {
		return err
	}
	gw, err := s.sessions.Gateway(acct)
	if err != nil {
		return err
	}

	client = NewClient(gw, token, acct.Company, []string{symbol}, s.cfg, s.handleTick)
	s.mu.Lock()
	s.clients[acct.AccountID] = client
	s.mu.Unlock()

	s.logger.Info().
		Str("account_id", acct.AccountID).
		Str("venue", acct.Company).
		Str("symbol", symbol).
		Msg("starting stream client")
	go client.Run(ctx)
	return nil
}

// handleTick is the single consumer for all stream clients. It always
// refreshes the quote cache, then records a premium sample for every
// pairing that now has quotes on both legs. Returns false when no
// pairing wants the symbol, which makes the client unsubscribe it.
func (s *Streamer) handleTick(venueName string, t Tick) bool {
	q := types.Quote{
		Symbol:    t.Symbol,
		Bid:       t.Bid,
		Ask:       t.Ask,
		Timestamp: time.Now(),
		Source:    types.SourceStream,
	}
	s.cache.Put(venueName, q)

	s.mu.Lock()
	refs := append([]legRef(nil), s.legs[venueName+"|"+t.Symbol]...)
	s.mu.Unlock()
	if len(refs) == 0 {
		return false
	}

	for _, ref := range refs {
		p := ref.pairing
		fq, fok := s.cache.Get(ref.futureCompany, p.FutureSymbol)
		sq, sok := s.cache.Get(ref.spotCompany, p.SpotSymbol)
		if !fok || !sok {
			continue
		}
		s.engine.Record(p, fq, sq)
	}
	return true
}
