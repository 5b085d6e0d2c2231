package pairing

import (
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
)

// VenueAccount is one linked brokerage account. The cached session
// token and its expiry live here so a restart does not force a full
// re-authentication of every venue.
type VenueAccount struct {
	gorm.Model    `json:"-"`
	AccountID     string `gorm:"uniqueIndex" json:"account_id"`
	Name          string `json:"name"`
	Terminal      string `json:"terminal"` // MT4 or MT5
	Server        string `json:"server"`
	AccountNumber string `json:"account_number"`
	Password      string `json:"-"`

	// Company is the normalized venue name; it keys the per-venue
	// bid/ask quote table.
	Company string `json:"company"`

	Token          string     `json:"-"`
	TokenExpiresAt *time.Time `json:"-"`
}

// Pairing links two venue accounts and trades the premium between a
// future instrument on one and a spot instrument on the other.
type Pairing struct {
	gorm.Model `json:"-"`
	PairingID  string `gorm:"uniqueIndex" json:"pairing_id"`
	UserID     string `gorm:"index" json:"user_id"`
	Name       string `json:"name"`

	FutureAccountID string `json:"future_account_id"`
	SpotAccountID   string `json:"spot_account_id"`
	FutureSymbol    string `json:"future_symbol"`
	SpotSymbol      string `json:"spot_symbol"`

	// SymbolsLocked gates streaming and trading: a pairing only gets a
	// subscription and accepts orders once its symbols are locked.
	SymbolsLocked bool `json:"symbols_locked"`

	// PremiumTable names this pairing's append-only premium series.
	PremiumTable string `json:"premium_table"`

	// Latency of the most recent order per leg, for display.
	LastFutureLatencyMs int64      `json:"last_future_latency_ms"`
	LastSpotLatencyMs   int64      `json:"last_spot_latency_ms"`
	LastOrderAt         *time.Time `json:"last_order_at"`
}

var tableKeyPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize maps a free-form venue or pairing name onto a stable
// lowercase key safe to embed in a table name.
func Normalize(name string) string {
	key := tableKeyPattern.ReplaceAllString(strings.ToLower(name), "_")
	return strings.Trim(key, "_")
}
