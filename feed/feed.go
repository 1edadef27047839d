// Package feed maintains the WebSocket connection to the public trade feed
// and converts raw messages into TradeEvents.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"whalewatch/config"
	"whalewatch/models"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

// Client consumes the trade feed. It reconnects with exponential backoff
// and never crashes the engine on connection loss; gaps in coverage are
// acceptable, crashes are not.
type Client struct {
	url            string
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu            sync.RWMutex
	conn          *websocket.Conn
	state         string
	connectedOnce bool

	handler func(models.TradeEvent)

	received   int64
	malformed  int64
	reconnects int64

	startOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewClient creates a feed client. The handler is invoked synchronously
// from the read loop for every well-formed trade.
func NewClient(cfg config.FeedConfig, handler func(models.TradeEvent)) *Client {
	return &Client{
		url:            cfg.URL,
		initialBackoff: time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
		maxBackoff:     time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		state:          StateDisconnected,
		handler:        handler,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the connection loop. Safe to call more than once; only
// the first call has effect.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run(ctx)
		log.Printf("[feed] started (%s)", c.url)
	})
}

// Stop closes the connection and waits for the loop to exit.
func (c *Client) Stop() {
	select {
	case <-c.stopCh:
		return
	default:
	}
	close(c.stopCh)

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	log.Printf("[feed] stopped")
}

// State returns the current connection state.
func (c *Client) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns received, malformed, and reconnect counters.
func (c *Client) Stats() (received, malformed, reconnects int64) {
	return atomic.LoadInt64(&c.received), atomic.LoadInt64(&c.malformed), atomic.LoadInt64(&c.reconnects)
}

// noteConnected bumps the reconnect counter, except for the very first
// connection of the process: zero reconnects means the link never dropped.
func (c *Client) noteConnected() {
	c.mu.Lock()
	if c.connectedOnce {
		atomic.AddInt64(&c.reconnects, 1)
	}
	c.connectedOnce = true
	c.mu.Unlock()
}

func (c *Client) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// run is the connect/read/reconnect loop. Backoff doubles from the initial
// interval up to the cap and resets after a successful connection.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	backoff := c.initialBackoff
	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return
		case <-c.stopCh:
			c.setState(StateDisconnected)
			return
		default:
		}

		c.setState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.setState(StateDisconnected)
			log.Printf("[feed] connect failed, retrying in %v: %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, c.maxBackoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		backoff = c.initialBackoff
		c.noteConnected()
		log.Printf("[feed] connected")

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
			log.Printf("[feed] connection lost, reconnecting")
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				log.Printf("[feed] read error: %v", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage parses one frame. A frame may carry a single trade or a
// batch. Malformed frames are counted and skipped, never fatal.
func (c *Client) handleMessage(data []byte) {
	trades, err := ParseTrades(data)
	if err != nil {
		atomic.AddInt64(&c.malformed, 1)
		return
	}
	for _, trade := range trades {
		if !trade.Valid() {
			atomic.AddInt64(&c.malformed, 1)
			continue
		}
		atomic.AddInt64(&c.received, 1)
		if c.handler != nil {
			c.handler(trade)
		}
	}
}

// flexFloat tolerates feeds that switch between JSON numbers and quoted
// number strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if len(data) > 1 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type rawTrade struct {
	EventType       string    `json:"event_type"`
	Trader          string    `json:"maker_address"`
	Market          string    `json:"market"`
	AssetID         string    `json:"asset_id"`
	Side            string    `json:"side"`
	Price           flexFloat `json:"price"`
	Size            flexFloat `json:"size"`
	Category        string    `json:"category"`
	TransactionHash string    `json:"transaction_hash"`
	Timestamp       flexFloat `json:"timestamp"` // unix seconds or ms
}

func (r rawTrade) toEvent() models.TradeEvent {
	market := r.Market
	if market == "" {
		market = r.AssetID
	}
	ts := float64(r.Timestamp)
	if ts > 1e12 { // milliseconds
		ts = ts / 1000
	}
	price := float64(r.Price)
	size := float64(r.Size)
	return models.TradeEvent{
		Trader:          r.Trader,
		Market:          market,
		Side:            r.Side,
		Price:           price,
		Size:            size,
		NotionalUSD:     price * size,
		Category:        r.Category,
		TransactionHash: r.TransactionHash,
		Timestamp:       time.Unix(int64(ts), 0).UTC(),
		DetectedAt:      time.Now().UTC(),
	}
}

// ParseTrades decodes a feed frame into trade events. Accepts either a
// single object or an array; non-trade event types decode to zero events.
func ParseTrades(data []byte) ([]models.TradeEvent, error) {
	var raws []rawTrade
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, err
		}
	} else {
		var raw rawTrade
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}

	var out []models.TradeEvent
	for _, raw := range raws {
		if raw.EventType != "" && raw.EventType != "last_trade_price" && raw.EventType != "trade" {
			continue
		}
		out = append(out, raw.toEvent())
	}
	return out, nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
