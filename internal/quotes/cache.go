package quotes

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/types"
)

// BidAsk is one durable quote row. Each venue gets its own table,
// bid_ask_<venue>, created lazily the first time the venue ticks.
type BidAsk struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	Symbol    string    `gorm:"index" json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	CreatedAt time.Time `json:"-"`
}

// Cache is the last-known bid/ask per (venue, symbol). Every update
// lands in memory immediately; durable rows are appended at most once
// per write interval per key, so a fast stream does not turn into a
// fast disk.
type Cache struct {
	db            *gorm.DB
	writeInterval time.Duration
	logger        zerolog.Logger

	mu        sync.RWMutex
	mem       map[string]types.Quote
	lastWrite map[string]time.Time
	tables    map[string]bool
}

func NewCache(db *gorm.DB, writeInterval time.Duration) *Cache {
	return &Cache{
		db:            db,
		writeInterval: writeInterval,
		mem:           make(map[string]types.Quote),
		lastWrite:     make(map[string]time.Time),
		tables:        make(map[string]bool),
		logger:        log.With().Str("component", "quote_cache").Logger(),
	}
}

func key(venue, symbol string) string {
	return venue + "|" + symbol
}

// TableName returns the durable quote table for a venue.
func TableName(venue string) string {
	return "bid_ask_" + pairing.Normalize(venue)
}

func (c *Cache) ensureTable(name string) error {
	c.mu.RLock()
	ok := c.tables[name]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables[name] {
		return nil
	}
	if err := c.db.Table(name).AutoMigrate(&BidAsk{}); err != nil {
		return err
	}
	c.tables[name] = true
	return nil
}

// Put records a quote. The in-memory copy is always updated; the
// durable append is throttled per (venue, symbol).
func (c *Cache) Put(venue string, q types.Quote) {
	k := key(venue, q.Symbol)
	now := time.Now()

	c.mu.Lock()
	c.mem[k] = q
	last := c.lastWrite[k]
	write := now.Sub(last) >= c.writeInterval
	if write {
		c.lastWrite[k] = now
	}
	c.mu.Unlock()

	if !write || c.db == nil {
		return
	}

	table := TableName(venue)
	if err := c.ensureTable(table); err != nil {
		c.logger.Error().Err(err).Str("table", table).Msg("failed to create quote table")
		return
	}
	row := BidAsk{Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask, Timestamp: q.Timestamp}
	if err := c.db.Table(table).Create(&row).Error; err != nil {
		c.logger.Error().Err(err).Str("table", table).Str("symbol", q.Symbol).Msg("failed to append quote")
	}
}

// Get returns the last known quote for a (venue, symbol). On a cold
// start, when memory is empty, it falls back to the most recent durable
// row. A stale quote is still returned; callers gate on IsFresh.
func (c *Cache) Get(venue, symbol string) (types.Quote, bool) {
	c.mu.RLock()
	q, ok := c.mem[key(venue, symbol)]
	c.mu.RUnlock()
	if ok {
		return q, true
	}

	if c.db == nil {
		return types.Quote{}, false
	}
	table := TableName(venue)
	if err := c.ensureTable(table); err != nil {
		return types.Quote{}, false
	}
	var row BidAsk
	err := c.db.Table(table).
		Where("symbol = ?", symbol).
		Order("timestamp DESC").
		First(&row).Error
	if err != nil {
		return types.Quote{}, false
	}
	q = types.Quote{
		Symbol:    row.Symbol,
		Bid:       row.Bid,
		Ask:       row.Ask,
		Timestamp: row.Timestamp,
		Source:    types.SourceDatabase,
	}

	c.mu.Lock()
	if _, exists := c.mem[key(venue, symbol)]; !exists {
		c.mem[key(venue, symbol)] = q
	}
	c.mu.Unlock()
	return q, true
}

// Fresh returns the quote only if it is younger than maxAge right now.
// Freshness is evaluated at call time, never cached: a quote that was
// fresh a moment ago may not be by the time it is used.
func (c *Cache) Fresh(venue, symbol string, maxAge time.Duration) (types.Quote, bool) {
	q, ok := c.Get(venue, symbol)
	if !ok {
		return types.Quote{}, false
	}
	if q.Age(time.Now()) > maxAge {
		return q, false
	}
	return q, true
}

// History returns the most recent durable rows for a (venue, symbol),
// newest first.
func (c *Cache) History(venue, symbol string, limit int) ([]BidAsk, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	table := TableName(venue)
	if err := c.ensureTable(table); err != nil {
		return nil, err
	}
	var rows []BidAsk
	err := c.db.Table(table).
		Where("symbol = ?", symbol).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
