package trading

import (
	"time"

	"gorm.io/gorm"

	"github.com/spreadcore/spread-api/internal/types"
)

// Trade status lifecycle. A trade is Pending only while legs are in
// flight; every trade ends up Active, PartiallyFilled, Failed, or
// (after unwinding) Closed.
const (
	StatusPending         = "pending"
	StatusActive          = "active"
	StatusPartiallyFilled = "partially_filled"
	StatusClosed          = "closed"
	StatusFailed          = "failed"
)

// Trade is one two-leg spread position: a future leg on one venue and
// an opposite spot leg on the other, entered at a known premium.
type Trade struct {
	gorm.Model `json:"-"`
	TradeID    string `gorm:"uniqueIndex" json:"trade_id"`
	PairingID  string `gorm:"index" json:"pairing_id"`
	UserID     string `gorm:"index" json:"user_id"`
	Status     string `gorm:"index" json:"status"`

	Direction types.Direction `json:"direction"` // side of the future leg
	Volume    float64         `json:"volume"`

	// ExecutionPremium is the premium observed at submission time, from
	// the same quotes the orders were priced against.
	ExecutionPremium float64 `json:"execution_premium"`
	TakeProfit       float64 `json:"take_profit,omitempty"`
	StopLoss         float64 `json:"stop_loss,omitempty"`
	Comment          string  `json:"comment,omitempty"`

	FutureTicket    string          `json:"future_ticket,omitempty"`
	FutureSymbol    string          `json:"future_symbol"`
	FutureDirection types.Direction `json:"future_direction"`
	FutureVolume    float64         `json:"future_volume"`
	FutureOpenPrice float64         `json:"future_open_price,omitempty"`
	FutureLatencyMs int64           `json:"future_latency_ms"`
	FutureError     string          `json:"future_error,omitempty"`

	SpotTicket    string          `json:"spot_ticket,omitempty"`
	SpotSymbol    string          `json:"spot_symbol"`
	SpotDirection types.Direction `json:"spot_direction"`
	SpotVolume    float64         `json:"spot_volume"`
	SpotOpenPrice float64         `json:"spot_open_price,omitempty"`
	SpotLatencyMs int64           `json:"spot_latency_ms"`
	SpotError     string          `json:"spot_error,omitempty"`

	// RecoveryAttempts counts hedge-completion retries after a partial
	// fill survived the immediate rollback.
	RecoveryAttempts int `json:"recovery_attempts,omitempty"`
}

// ClosedTrade is the archived form of a fully unwound trade. Rows move
// here from trades in one transaction so a trade is never visible in
// both tables.
type ClosedTrade struct {
	gorm.Model `json:"-"`
	TradeID    string `gorm:"uniqueIndex" json:"trade_id"`
	PairingID  string `gorm:"index" json:"pairing_id"`
	UserID     string `gorm:"index" json:"user_id"`

	Direction types.Direction `json:"direction"`
	Volume    float64         `json:"volume"`

	ExecutionPremium float64 `json:"execution_premium"`
	ClosePremium     float64 `json:"close_premium"`

	FutureTicket string  `json:"future_ticket"`
	FutureProfit float64 `json:"future_profit"`
	SpotTicket   string  `json:"spot_ticket"`
	SpotProfit   float64 `json:"spot_profit"`
	TotalProfit  float64 `json:"total_profit"`

	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
	DurationMs int64     `json:"duration_ms"`
}
