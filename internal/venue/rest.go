package venue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadcore/spread-api/internal/types"
)

// RESTGateway talks to one MT4/MT5 bridge gateway. The bridge exposes a
// GET/query-parameter API and streams quotes from a /wsQuote websocket
// on the same host.
type RESTGateway struct {
	baseURL  string
	terminal string
	client   *http.Client
	logger   zerolog.Logger
}

// NewRESTGateway builds a gateway client for one dialect. The bridge
// hosts ship self-signed certificates, so verification is disabled.
func NewRESTGateway(baseURL, terminal string) *RESTGateway {
	return &RESTGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		terminal: terminal,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: log.With().Str("component", "venue_gateway").Str("terminal", terminal).Logger(),
	}
}

// Terminal returns the dialect this gateway speaks.
func (g *RESTGateway) Terminal() string { return g.terminal }

func (g *RESTGateway) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransient, g.terminal, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %v", ErrTransient, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrTransient, path, resp.StatusCode)
	}
	return body, nil
}

// Authenticate calls /ConnectEx and returns the session token. The
// bridge reports failures as text in a 200 response, so the body is
// inspected rather than the status code.
func (g *RESTGateway) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	params := url.Values{}
	params.Set("user", creds.Account)
	params.Set("password", creds.Password)
	params.Set("server", creds.Server)

	body, err := g.get(ctx, "/ConnectEx", params)
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(string(body))
	switch {
	case strings.Contains(token, "Invalid account"), strings.Contains(token, "Wrong password"):
		return "", fmt.Errorf("%w: %s", ErrAuth, firstLine(token))
	case strings.Contains(token, "[error]"), strings.Contains(strings.ToLower(token), "error"):
		return "", fmt.Errorf("%w: gateway error: %s", ErrTransient, firstLine(token))
	case len(token) <= 10:
		return "", fmt.Errorf("%w: empty token from ConnectEx", ErrTransient)
	}
	return token, nil
}

// GetQuote pulls a single quote via /GetQuote.
func (g *RESTGateway) GetQuote(ctx context.Context, token, symbol string) (types.Quote, error) {
	params := url.Values{}
	params.Set("id", token)
	params.Set("symbol", symbol)

	body, err := g.get(ctx, "/GetQuote", params)
	if err != nil {
		return types.Quote{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.Quote{}, fmt.Errorf("%w: malformed quote payload: %v", ErrTransient, err)
	}

	bid, bidOK := numField(raw, "bid", "Bid")
	ask, askOK := numField(raw, "ask", "Ask")
	if !bidOK || !askOK {
		return types.Quote{}, fmt.Errorf("%w: quote for %s missing bid/ask", ErrTransient, symbol)
	}

	return types.Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.Now(),
		Source:    types.SourceREST,
	}, nil
}

// SendOrder places a market order via /OrderSend. The two dialects want
// slightly different parameters: MT5 takes a slippage, MT4 a price of 0.
func (g *RESTGateway) SendOrder(ctx context.Context, token string, req OrderRequest) (OrderResult, error) {
	start := time.Now()

	params := url.Values{}
	params.Set("id", token)
	params.Set("symbol", req.Symbol)
	params.Set("operation", string(req.Direction))
	params.Set("volume", strconv.FormatFloat(req.Volume, 'f', -1, 64))
	params.Set("comment", req.Comment)
	if g.terminal == TerminalMT5 {
		params.Set("slippage", "100")
	} else {
		params.Set("price", "0")
	}

	body, err := g.get(ctx, "/OrderSend", params)
	latency := time.Since(start)
	if err != nil {
		return OrderResult{Latency: latency}, err
	}

	ticket := extractTicket(body)
	if ticket == "" {
		return OrderResult{Latency: latency},
			fmt.Errorf("%w: order accepted but no ticket in response: %s", ErrTransient, firstLine(string(body)))
	}
	return OrderResult{Ticket: ticket, Latency: latency}, nil
}

// CloseOrder closes a position via /OrderClose.
func (g *RESTGateway) CloseOrder(ctx context.Context, token, ticket string) (CloseResult, error) {
	start := time.Now()

	params := url.Values{}
	params.Set("id", token)
	params.Set("ticket", ticket)

	body, err := g.get(ctx, "/OrderClose", params)
	latency := time.Since(start)
	if err != nil {
		return CloseResult{Latency: latency}, err
	}

	var raw map[string]any
	profit := 0.0
	if err := json.Unmarshal(body, &raw); err == nil {
		if p, ok := numField(raw, "profit", "Profit"); ok {
			profit = p
		}
	}
	return CloseResult{Profit: profit, Latency: latency}, nil
}

// Subscribe registers a symbol on the quote stream. interval is the
// provider-mandated minimum tick interval.
func (g *RESTGateway) Subscribe(ctx context.Context, token, symbol string, interval time.Duration) error {
	params := url.Values{}
	params.Set("id", token)
	params.Set("symbol", symbol)
	params.Set("interval", strconv.FormatInt(interval.Milliseconds(), 10))

	_, err := g.get(ctx, "/Subscribe", params)
	return err
}

// Unsubscribe removes a symbol from the quote stream.
func (g *RESTGateway) Unsubscribe(ctx context.Context, token, symbol string) error {
	params := url.Values{}
	params.Set("id", token)
	params.Set("symbol", symbol)

	_, err := g.get(ctx, "/Unsubscribe", params)
	return err
}

// StreamURL derives the websocket endpoint from the API base URL.
func (g *RESTGateway) StreamURL(token string) string {
	u, err := url.Parse(g.baseURL)
	if err != nil {
		return strings.Replace(g.baseURL, "http", "ws", 1) + "/wsQuote?id=" + url.QueryEscape(token)
	}
	return "wss://" + u.Host + "/wsQuote?id=" + url.QueryEscape(token)
}

// extractTicket digs a broker ticket out of the several response shapes
// the bridges produce.
func extractTicket(body []byte) string {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		s := strings.TrimSpace(string(body))
		if s != "" && !strings.Contains(strings.ToLower(s), "error") {
			return s
		}
		return ""
	}

	m, ok := raw.(map[string]any)
	if !ok {
		if n, ok := raw.(float64); ok {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		return ""
	}

	for _, key := range []string{"ticket", "order", "orderId", "result"} {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case string:
				if t != "" {
					return t
				}
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			}
		}
	}
	return ""
}

func numField(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
