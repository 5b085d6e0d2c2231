package premium

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/types"
)

// Compute derives both premiums from a future and a spot quote. The
// buy premium prices entering the spread (buy future at its ask, sell
// spot at its bid); the sell premium prices unwinding it.
func Compute(future, spot types.Quote) (buy, sell float64) {
	buy = future.Ask - spot.Bid
	sell = future.Bid - spot.Ask
	return buy, sell
}

// Sample is one row of a pairing's premium series. Each pairing owns
// its own table so series stay small and prunable independently.
type Sample struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	FutureBid float64   `json:"future_bid"`
	FutureAsk float64   `json:"future_ask"`
	SpotBid   float64   `json:"spot_bid"`
	SpotAsk   float64   `json:"spot_ask"`
	BuyPrem   float64   `gorm:"column:buy_premium" json:"buy_premium"`
	SellPrem  float64   `gorm:"column:sell_premium" json:"sell_premium"`
	CreatedAt time.Time `json:"-"`
}

// Engine persists premium samples, throttled per pairing.
type Engine struct {
	db       *gorm.DB
	interval time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	lastWrite map[string]time.Time
	tables    map[string]bool
}

func NewEngine(db *gorm.DB, interval time.Duration) *Engine {
	return &Engine{
		db:        db,
		interval:  interval,
		lastWrite: make(map[string]time.Time),
		tables:    make(map[string]bool),
		logger:    log.With().Str("component", "premium_engine").Logger(),
	}
}

func (e *Engine) ensureTable(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tables[name] {
		return nil
	}
	if err := e.db.Table(name).AutoMigrate(&Sample{}); err != nil {
		return err
	}
	e.tables[name] = true
	return nil
}

// Record derives the premium from both leg quotes and appends a sample
// to the pairing's series, at most once per write interval. The sample
// timestamp is the older of the two quotes: the premium is only as
// current as its stalest input.
func (e *Engine) Record(p *pairing.Pairing, future, spot types.Quote) {
	e.mu.Lock()
	last := e.lastWrite[p.PairingID]
	now := time.Now()
	write := now.Sub(last) >= e.interval
	if write {
		e.lastWrite[p.PairingID] = now
	}
	e.mu.Unlock()

	if !write || e.db == nil {
		return
	}

	if err := e.ensureTable(p.PremiumTable); err != nil {
		e.logger.Error().Err(err).Str("table", p.PremiumTable).Msg("failed to create premium table")
		return
	}

	buy, sell := Compute(future, spot)
	ts := future.Timestamp
	if spot.Timestamp.Before(ts) {
		ts = spot.Timestamp
	}
	row := Sample{
		Timestamp: ts,
		FutureBid: future.Bid,
		FutureAsk: future.Ask,
		SpotBid:   spot.Bid,
		SpotAsk:   spot.Ask,
		BuyPrem:   buy,
		SellPrem:  sell,
	}
	if err := e.db.Table(p.PremiumTable).Create(&row).Error; err != nil {
		e.logger.Error().Err(err).Str("table", p.PremiumTable).Msg("failed to append premium sample")
	}
}

// History returns the most recent samples of a pairing's series,
// newest first.
func (e *Engine) History(p *pairing.Pairing, limit int) ([]Sample, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if err := e.ensureTable(p.PremiumTable); err != nil {
		return nil, err
	}
	var rows []Sample
	err := e.db.Table(p.PremiumTable).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
