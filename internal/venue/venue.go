package venue

import (
	"context"
	"errors"
	"time"

	"github.com/spreadcore/spread-api/internal/types"
)

// Terminal identifies the gateway dialect a venue account speaks.
const (
	TerminalMT4 = "MT4"
	TerminalMT5 = "MT5"
)

var (
	// ErrAuth means the venue rejected the credentials. Not retried by
	// the core; callers decide whether a retry makes sense.
	ErrAuth = errors.New("venue: credentials rejected")

	// ErrTransient covers timeouts and connection failures that the
	// caller may retry.
	ErrTransient = errors.New("venue: transient gateway error")
)

// Credentials authenticates one venue account against its gateway.
type Credentials struct {
	Server   string
	Account  string
	Password string
}

// OrderRequest is a single-leg order forwarded to a venue.
type OrderRequest struct {
	Symbol    string
	Direction types.Direction
	Volume    float64
	Comment   string
}

// OrderResult is the venue's acknowledgement of a placed order.
type OrderResult struct {
	Ticket  string
	Latency time.Duration
}

// CloseResult is the venue's acknowledgement of a closed position.
type CloseResult struct {
	Profit  float64
	Latency time.Duration
}

// Gateway is the synchronous venue API surface. Every call carries a
// context; there is no unbounded external call anywhere in the core.
type Gateway interface {
	// Authenticate exchanges credentials for a session token.
	Authenticate(ctx context.Context, creds Credentials) (string, error)

	// GetQuote pulls the current bid/ask for a symbol on demand.
	GetQuote(ctx context.Context, token, symbol string) (types.Quote, error)

	// SendOrder places a market order and returns the broker ticket.
	SendOrder(ctx context.Context, token string, req OrderRequest) (OrderResult, error)

	// CloseOrder closes an open position by ticket.
	CloseOrder(ctx context.Context, token, ticket string) (CloseResult, error)

	// Subscribe registers a symbol on the quote stream at the given
	// minimum interval. Issued out of band, not over the socket.
	Subscribe(ctx context.Context, token, symbol string, interval time.Duration) error

	// Unsubscribe removes a symbol from the quote stream.
	Unsubscribe(ctx context.Context, token, symbol string) error

	// StreamURL is the websocket endpoint for the given session.
	StreamURL(token string) string
}
