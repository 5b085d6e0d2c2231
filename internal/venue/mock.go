package venue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spreadcore/spread-api/internal/types"
)

// Mock is an in-memory Gateway used by tests and the simulation binary.
// Failure behaviour is injectable per call site so partial fills and
// auth rejections can be produced on demand.
type Mock struct {
	mu sync.Mutex

	quotes     map[string]types.Quote
	nextTicket int
	terminal   string

	// Injectable behaviour. Nil means succeed.
	AuthErr  error
	SendErr  func(req OrderRequest) error
	CloseErr error

	// Simulated gateway latency, applied to every call.
	Latency time.Duration

	// Call records for assertions.
	SentOrders   []OrderRequest
	ClosedOrders []string
	Subscribed   []string
	Unsubscribed []string
}

// NewMock builds a mock gateway for the given dialect.
func NewMock(terminal string) *Mock {
	return &Mock{
		quotes:   make(map[string]types.Quote),
		terminal: terminal,
	}
}

// SetQuote seeds the current market for a symbol.
func (m *Mock) SetQuote(symbol string, bid, ask float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[symbol] = types.Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.Now(),
		Source:    types.SourceREST,
	}
}

func (m *Mock) sleep(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	}
}

func (m *Mock) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	if err := m.sleep(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AuthErr != nil {
		return "", m.AuthErr
	}
	return fmt.Sprintf("mock-%s-%s-%08x", m.terminal, creds.Account, rand.Int31()), nil
}

func (m *Mock) GetQuote(ctx context.Context, token, symbol string) (types.Quote, error) {
	if err := m.sleep(ctx); err != nil {
		return types.Quote{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[symbol]
	if !ok {
		return types.Quote{}, fmt.Errorf("%w: no market for %s", ErrTransient, symbol)
	}
	q.Timestamp = time.Now()
	return q, nil
}

func (m *Mock) SendOrder(ctx context.Context, token string, req OrderRequest) (OrderResult, error) {
	start := time.Now()
	if err := m.sleep(ctx); err != nil {
		return OrderResult{Latency: time.Since(start)}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentOrders = append(m.SentOrders, req)
	if m.SendErr != nil {
		if err := m.SendErr(req); err != nil {
			return OrderResult{Latency: time.Since(start)}, err
		}
	}
	m.nextTicket++
	return OrderResult{
		Ticket:  fmt.Sprintf("%d", 100000+m.nextTicket),
		Latency: time.Since(start),
	}, nil
}

func (m *Mock) CloseOrder(ctx context.Context, token, ticket string) (CloseResult, error) {
	start := time.Now()
	if err := m.sleep(ctx); err != nil {
		return CloseResult{Latency: time.Since(start)}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClosedOrders = append(m.ClosedOrders, ticket)
	if m.CloseErr != nil {
		return CloseResult{Latency: time.Since(start)}, m.CloseErr
	}
	return CloseResult{Profit: 0, Latency: time.Since(start)}, nil
}

func (m *Mock) Subscribe(ctx context.Context, token, symbol string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Subscribed = append(m.Subscribed, symbol)
	return nil
}

func (m *Mock) Unsubscribe(ctx context.Context, token, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Unsubscribed = append(m.Unsubscribed, symbol)
	return nil
}

func (m *Mock) StreamURL(token string) string {
	return "wss://mock.invalid/wsQuote?id=" + token
}

// SentTo returns the orders recorded for a symbol.
func (m *Mock) SentTo(symbol string) []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderRequest
	for _, o := range m.SentOrders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}
