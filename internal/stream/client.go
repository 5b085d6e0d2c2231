package stream

import (
	"context"
	"crypto/tls"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadcore/spread-api/internal/venue"
)

// Backoff returns the reconnect delay for the given attempt: base
// doubled per attempt, capped, plus uniform jitter so a fleet of
// clients does not reconnect in lockstep.
func Backoff(attempt int, base, max, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	return d
}

const idleCheckInterval = 5 * time.Second

// ClientConfig carries the per-connection tunables.
type ClientConfig struct {
	SubscribeInterval time.Duration
	Heartbeat         time.Duration
	IdleTimeout       time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffJitter     time.Duration
}

// TickHandler consumes one decoded tick. Returning false means nobody
// is interested in the symbol anymore; the client unsubscribes it once
// and ignores further ticks for it on this connection.
type TickHandler func(venueName string, t Tick) bool

// Client maintains one websocket connection to one venue session. It
// subscribes its symbols out of band, reads frames into a buffered
// channel so slow consumers never stall the socket, sends heartbeat
// pings, force-closes idle connections, and reconnects with capped
// exponential backoff.
type Client struct {
	gateway   venue.Gateway
	token     string
	venueName string
	cfg       ClientConfig
	onTick    TickHandler
	logger    zerolog.Logger

	mu       sync.Mutex
	symbols  map[string]bool
	unsubbed map[string]bool
	conn     *websocket.Conn
}

func NewClient(gw venue.Gateway, token, venueName string, symbols []string, cfg ClientConfig, onTick TickHandler) *Client {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &Client{
		gateway:   gw,
		token:     token,
		venueName: venueName,
		cfg:       cfg,
		onTick:    onTick,
		symbols:   set,
		unsubbed:  make(map[string]bool),
		logger:    log.With().Str("component", "stream_client").Str("venue", venueName).Logger(),
	}
}

// AddSymbol registers one more symbol on a running client. The
// subscription is issued immediately; the stream picks it up without a
// reconnect.
func (c *Client) AddSymbol(ctx context.Context, symbol string) error {
	c.mu.Lock()
	if c.symbols[symbol] {
		c.mu.Unlock()
		return nil
	}
	c.symbols[symbol] = true
	delete(c.unsubbed, symbol)
	c.mu.Unlock()

	subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.gateway.Subscribe(subCtx, c.token, symbol, c.cfg.SubscribeInterval)
}

// Run connects, serves, and reconnects until the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		gotTicks, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if gotTicks {
			attempt = 0
		}
		attempt++

		delay := Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap, c.cfg.BackoffJitter)
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) (gotTicks bool, err error) {
	if err := c.subscribeAll(ctx); err != nil {
		return false, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// Bridge gateways run on self-signed certificates.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	conn, _, err := dialer.DialContext(ctx, c.gateway.StreamURL(c.token), nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.unsubbed = make(map[string]bool)
	c.mu.Unlock()

	c.logger.Info().Msg("stream connected")

	var lastMsg atomicTime
	lastMsg.Set(time.Now())

	// Frames go through a buffered channel so database writes on the
	// consumer side never block the socket read. When the buffer is
	// full the frame is dropped; the next tick supersedes it anyway.
	frames := make(chan []byte, 256)
	readErr := make(chan error, 1)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			lastMsg.Set(time.Now())
			select {
			case frames <- data:
			default:
				c.logger.Debug().Msg("frame buffer full, dropping tick")
			}
		}
	}()

	go c.heartbeat(serveCtx, conn, &lastMsg)

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return gotTicks, ctx.Err()
		case err := <-readErr:
			return gotTicks, err
		case data := <-frames:
			if c.consume(ctx, data) {
				gotTicks = true
			}
		}
	}
}

// consume decodes one frame and dispatches its ticks. Reports whether
// at least one tick was delivered.
func (c *Client) consume(ctx context.Context, data []byte) bool {
	ticks := ParseFrame(data)
	if len(ticks) == 0 {
		return false
	}
	delivered := false
	for _, t := range ticks {
		c.mu.Lock()
		skip := c.unsubbed[t.Symbol]
		c.mu.Unlock()
		if skip {
			continue
		}

		if c.onTick(c.venueName, t) {
			delivered = true
			continue
		}

		// Nobody wants this symbol; unsubscribe exactly once per
		// connection and ignore it from here on.
		c.mu.Lock()
		already := c.unsubbed[t.Symbol]
		c.unsubbed[t.Symbol] = true
		c.mu.Unlock()
		if !already {
			unsubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := c.gateway.Unsubscribe(unsubCtx, c.token, t.Symbol); err != nil {
				c.logger.Warn().Err(err).Str("symbol", t.Symbol).Msg("unsubscribe failed")
			}
			cancel()
		}
	}
	return delivered
}

func (c *Client) subscribeAll(ctx context.Context) error {
	c.mu.Lock()
	symbols := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	for _, s := range symbols {
		subCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.gateway.Subscribe(subCtx, c.token, s, c.cfg.SubscribeInterval)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// heartbeat pings on an interval and force-closes the connection when
// no message has arrived within the idle timeout. Closing the socket
// unblocks the reader, which surfaces the error and triggers the
// normal reconnect path.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, lastMsg *atomicTime) {
	ping := time.NewTicker(c.cfg.Heartbeat)
	idle := time.NewTicker(idleCheckInterval)
	defer ping.Stop()
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				conn.Close()
				return
			}
		case <-idle.C:
			if time.Since(lastMsg.Get()) > c.cfg.IdleTimeout {
				c.logger.Warn().Dur("idle", time.Since(lastMsg.Get())).Msg("stream idle, forcing reconnect")
				conn.Close()
				return
			}
		}
	}
}

type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
