package stream

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/premium"
	"github.com/spreadcore/spread-api/internal/quotes"
)

func newTestStreamer(t *testing.T) (*Streamer, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	cache := quotes.NewCache(db, 0)
	engine := premium.NewEngine(db, 0)
	return NewStreamer(nil, nil, cache, engine, ClientConfig{}), db
}

func TestHandleTickUnknownSymbolRequestsUnsubscribe(t *testing.T) {
	s, _ := newTestStreamer(t)

	if s.handleTick("alpha", Tick{Symbol: "XAUUSD", Bid: 2315.1, Ask: 2315.6}) {
		t.Fatal("a tick nobody wants must report no interest")
	}

	// The quote still lands in the cache for display purposes.
	if _, ok := s.cache.Get("alpha", "XAUUSD"); !ok {
		t.Fatal("the quote should be cached even without an interested pairing")
	}
}

func TestHandleTickRecordsPremiumWhenBothLegsQuoted(t *testing.T) {
	s, db := newTestStreamer(t)

	p := &pairing.Pairing{
		PairingID: "pair-1", Name: "alpha beta",
		FutureSymbol: "BTCUSD.f", SpotSymbol: "BTCUSD",
		SymbolsLocked: true, PremiumTable: "premium_alpha_beta",
	}
	ref := legRef{pairing: p, futureCompany: "alpha", spotCompany: "beta"}
	s.addLeg("alpha", p.FutureSymbol, ref)
	s.addLeg("beta", p.SpotSymbol, ref)

	// Only one leg quoted: interest is reported but no sample lands.
	if !s.handleTick("alpha", Tick{Symbol: "BTCUSD.f", Bid: 100.50, Ask: 100.80}) {
		t.Fatal("a registered symbol must report interest")
	}
	var count int64
	db.Table(p.PremiumTable).Count(&count)
	if count != 0 {
		t.Fatalf("no premium sample expected with one leg quoted, got %d", count)
	}

	// The other leg arrives: the sample is recorded.
	if !s.handleTick("beta", Tick{Symbol: "BTCUSD", Bid: 99.90, Ask: 100.30}) {
		t.Fatal("a registered symbol must report interest")
	}
	if err := db.Table(p.PremiumTable).Count(&count).Error; err != nil {
		t.Fatalf("counting samples: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 premium sample, got %d", count)
	}
}

func TestAddLegDeduplicatesPairings(t *testing.T) {
	s, _ := newTestStreamer(t)
	p := &pairing.Pairing{PairingID: "pair-1", FutureSymbol: "F", SpotSymbol: "S"}
	ref := legRef{pairing: p, futureCompany: "alpha", spotCompany: "beta"}

	s.addLeg("alpha", "F", ref)
	s.addLeg("alpha", "F", ref)

	if got := len(s.legs["alpha|F"]); got != 1 {
		t.Fatalf("expected 1 leg registration, got %d", got)
	}
}

func TestHandleTickQuoteTimestampIsFresh(t *testing.T) {
	s, _ := newTestStreamer(t)
	before := time.Now()

	s.handleTick("alpha", Tick{Symbol: "BTCUSD", Bid: 64000, Ask: 64002})

	q, ok := s.cache.Get("alpha", "BTCUSD")
	if !ok {
		t.Fatal("expected the tick in the cache")
	}
	if q.Timestamp.Before(before) {
		t.Fatalf("tick timestamp %v predates ingestion at %v", q.Timestamp, before)
	}
}
