// Package bybit implements the Bybit v5 spot orderbook.50 venue client
// described in spec.md §4.2.C, grounded on original_source's
// live_price_bybit_ws.py. The reset-branch bug in that source — touching
// "binance" status while reinitializing a Bybit book — is intentionally
// not reproduced here, per spec.md §9's Open Questions: every status
// mutation below names "bybit" because that is the only venue this
// client owns.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"binance-trading-bot/internal/aggregator"
	"binance-trading-bot/internal/logging"
	"binance-trading-bot/internal/venue"
)

const (
	venueID      = "bybit"
	wsURL        = "wss://stream.bybit.com/v5/public/spot"
	staleBackoff = 60 * time.Second
)

// Client streams Bybit's orderbook.50 topic and republishes best bid/ask
// to the shared aggregator for one symbol.
type Client struct {
	Symbol string // display symbol, e.g. "BTC"
	topic  string // e.g. "orderbook.50.BTCUSDT"

	agg      *aggregator.Aggregator
	staleFor time.Duration
	maxRetry int
	log      *logging.Logger

	mu                sync.Mutex
	lastPublishedBid  decimal.Decimal
	lastPublishedAsk  decimal.Decimal
	haveLastPublished bool
}

// New builds a Bybit client for symbol (e.g. "BTC" -> "BTCUSDT").
func New(agg *aggregator.Aggregator, symbol string, staleFor time.Duration, maxRetry int) *Client {
	bybitSymbol := strings.ToUpper(symbol) + "USDT"
	return &Client{
		Symbol:   symbol,
		topic:    "orderbook.50." + bybitSymbol,
		agg:      agg,
		staleFor: staleFor,
		maxRetry: maxRetry,
		log:      logging.WithComponent(venueID).WithField("symbol", symbol),
	}
}

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type subscribeAck struct {
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Op      string `json:"op"`
}

type orderbookMessage struct {
	Topic string         `json:"topic"`
	Type  string         `json:"type"`
	Data  orderbookData  `json:"data"`
}

type orderbookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	U      int64      `json:"u"`
}

// Run drives the connect -> subscribe -> stream -> reconnect state
// machine until ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	counters := venue.NewCounters(c.maxRetry)

	for {
		if ctx.Err() != nil {
			c.agg.SetStatus(ctx, venueID, aggregator.Stopped)
			return
		}

		if status, ok := c.agg.GetStatus(venueID); ok && status == aggregator.Disconnected {
			c.log.Info("externally marked disconnected, throttling before reconnect")
			if !sleepCtx(ctx, staleBackoff) {
				c.agg.SetStatus(ctx, venueID, aggregator.Stopped)
				return
			}
		}

		if err := c.runOnce(ctx, &counters); err != nil {
			c.log.Warn("session ended", "error", err.Error())
		}

		if counters.Saturated() {
			c.log.Error("max reconnects exceeded, stopping", "max", c.maxRetry)
			c.agg.SetStatus(ctx, venueID, aggregator.Stopped)
			return
		}

		c.agg.SetStatus(ctx, venueID, aggregator.Disconnected)
		if !sleepCtx(ctx, venue.ReconnectBackoffSeconds*time.Second) {
			c.agg.SetStatus(ctx, venueID, aggregator.Stopped)
			return
		}
	}
}

func (c *Client) runOnce(ctx context.Context, counters *venue.Counters) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		counters.Connect++
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeRequest{Op: "subscribe", Args: []string{c.topic}}); err != nil {
		counters.Connect++
		return fmt.Errorf("subscribe: %w", err)
	}

	book := venue.NewLocalOrderBook()
	c.resetPublished()
	initialized := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if status, ok := c.agg.GetStatus(venueID); ok && status == aggregator.Disconnected {
			return fmt.Errorf("externally disconnected")
		}

		conn.SetReadDeadline(time.Now().Add(c.staleFor))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			counters.Update++
			return fmt.Errorf("read: %w", err)
		}

		var ack subscribeAck
		if err := json.Unmarshal(raw, &ack); err == nil && ack.Op == "subscribe" {
			if !ack.Success {
				counters.Connect++
				return fmt.Errorf("subscribe rejected: %s", ack.RetMsg)
			}
			continue
		}

		var msg orderbookMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Topic == "" {
			continue
		}

		wasReset := isResetMessage(msg)
		applied := applyOrderbookMessage(book, initialized, msg)
		if !applied {
			continue
		}
		if wasReset {
			initialized = true
			c.resetPublished()
		}

		if !initialized {
			continue
		}

		if book.IsCrossed() {
			return fmt.Errorf("book crossed, forcing resync")
		}

		c.publishBest(ctx, book)
	}
}

// isResetMessage reports whether msg is a full-book reset per
// spec.md §4.2.C: either an explicit "snapshot" message, or a "delta"
// whose cursor is 1, which Bybit uses as a mid-stream reset marker.
func isResetMessage(msg orderbookMessage) bool {
	if msg.Type == "snapshot" {
		return true
	}
	return msg.Type == "delta" && msg.Data.U == 1
}

// applyOrderbookMessage applies one orderbook.50 message to book,
// reinitializing it on a reset message and otherwise applying an
// incremental delta (dropped if stale or if the book isn't initialized
// yet). Reports whether the message resulted in any change to book.
func applyOrderbookMessage(book *venue.LocalOrderBook, initialized bool, msg orderbookMessage) bool {
	switch {
	case isResetMessage(msg):
		book.Reset()
		applyLevels(book, msg.Data.Bids, venue.Bid)
		applyLevels(book, msg.Data.Asks, venue.Ask)
		book.LastSeq = msg.Data.U
		return true

	case msg.Type == "delta":
		if !initialized || msg.Data.U <= book.LastSeq {
			return false
		}
		applyLevels(book, msg.Data.Bids, venue.Bid)
		applyLevels(book, msg.Data.Asks, venue.Ask)
		book.LastSeq = msg.Data.U
		return true

	default:
		return false
	}
}

func applyLevels(book *venue.LocalOrderBook, levels [][]string, side venue.Side) {
	for _, lvl := range levels {
		if len(lvl) != 2 {
			continue
		}
		book.ApplyLevel(side, lvl[0], lvl[1])
	}
}

func (c *Client) publishBest(ctx context.Context, book *venue.LocalOrderBook) {
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	if !hasBid || !hasAsk {
		return
	}

	c.mu.Lock()
	unchanged := c.haveLastPublished && bid.Equal(c.lastPublishedBid) && ask.Equal(c.lastPublishedAsk)
	if !unchanged {
		c.lastPublishedBid = bid
		c.lastPublishedAsk = ask
		c.haveLastPublished = true
	}
	c.mu.Unlock()

	if unchanged {
		return
	}
	c.agg.UpdatePrice(ctx, venueID, bid, ask)
}

func (c *Client) resetPublished() {
	c.mu.Lock()
	c.haveLastPublished = false
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
