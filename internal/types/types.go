package types

import (
	"fmt"
	"time"
)

// Direction is the side of a single leg order.
type Direction string

const (
	Buy  Direction = "Buy"
	Sell Direction = "Sell"
)

// Valid reports whether the direction is one of the two accepted values.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// Opposite returns the hedging side for the other leg of a pairing.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// QuoteSource records how a quote entered the system.
type QuoteSource string

const (
	SourceStream   QuoteSource = "stream"   // pushed over the venue websocket
	SourceREST     QuoteSource = "rest"     // pulled on demand from the venue API
	SourceDatabase QuoteSource = "database" // last known row read on cold start
)

// Quote is the last known bid/ask for one instrument on one venue.
// Quotes are overwritten, never deleted; consumers must re-check
// freshness at use time with the cache's IsFresh.
type Quote struct {
	Symbol    string      `json:"symbol"`
	Bid       float64     `json:"bid"`
	Ask       float64     `json:"ask"`
	Timestamp time.Time   `json:"timestamp"`
	Source    QuoteSource `json:"source"`
}

// Age returns how old the quote is at the given instant.
func (q Quote) Age(now time.Time) time.Duration {
	if q.Timestamp.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(q.Timestamp)
}

// ValidationError rejects a request before any network call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
