// Package coinbase implements the Coinbase Advanced Trade level2 venue
// client described in spec.md §4.2.B, grounded on original_source's
// live_price_adv_cb_ws.py.
package coinbase

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
	venueID      = "coinbase"
	wsURL        = "wss://advanced-trade-ws.coinbase.com"
	staleBackoff = 60 * time.Second
)

// Client streams Coinbase Advanced Trade's level2 channel and republishes
// best bid/ask to the shared aggregator for one symbol.
type Client struct {
	Symbol    string // display symbol, e.g. "BTC"
	productID string // e.g. "BTC-USD"

	agg      *aggregator.Aggregator
	staleFor time.Duration
	maxRetry int
	log      *logging.Logger

	mu                sync.Mutex
	lastPublishedBid  decimal.Decimal
	lastPublishedAsk  decimal.Decimal
	haveLastPublished bool
}

// New builds a Coinbase client for symbol (e.g. "BTC" -> product "BTC-USD").
func New(agg *aggregator.Aggregator, symbol string, staleFor time.Duration, maxRetry int) *Client {
	return &Client{
		Symbol:    symbol,
		productID: strings.ToUpper(symbol) + "-USD",
		agg:       agg,
		staleFor:  staleFor,
		maxRetry:  maxRetry,
		log:       logging.WithComponent(venueID).WithField("symbol", symbol),
	}
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
}

type wireMessage struct {
	Channel     string      `json:"channel"`
	SequenceNum int64       `json:"sequence_num"`
	Events      []wireEvent `json:"events"`
}

type wireEvent struct {
	Type      string       `json:"type"`
	ProductID string       `json:"product_id"`
	Updates   []wireUpdate `json:"updates"`
}

type wireUpdate struct {
	Side        string `json:"side"`
	PriceLevel  string `json:"price_level"`
	NewQuantity string `json:"new_quantity"`
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

	for _, ch := range []string{"level2", "heartbeats"} {
		sub := subscribeMessage{Type: "subscribe", ProductIDs: []string{c.productID}, Channel: ch}
		if err := conn.WriteJSON(sub); err != nil {
			counters.Connect++
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	book := venue.NewLocalOrderBook()
	c.resetPublished()
	expectedSeq := int64(0)

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

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("bad message json", "error", err.Error())
			continue
		}

		if err := checkSequence(expectedSeq, msg.SequenceNum); err != nil {
			c.log.Warn("sequence break, reconnecting", "expected", expectedSeq, "got", msg.SequenceNum)
			return err
		}
		expectedSeq++

		if msg.Channel != "l2_data" {
			continue
		}

		for _, ev := range msg.Events {
			for _, u := range ev.Updates {
				side := venue.Bid
				if u.Side == "ask" || u.Side == "offer" {
					side = venue.Ask
				}
				if err := book.ApplyLevel(side, u.PriceLevel, u.NewQuantity); err != nil {
					c.log.Warn("bad level", "error", err.Error())
				}
			}
		}

		if book.IsCrossed() {
			return fmt.Errorf("book crossed, forcing resync")
		}

		c.publishBest(ctx, book)
	}
}

// checkSequence enforces the strictly-sequential sequence_num contract
// from spec.md §4.2.B: any value other than exactly the expected next
// number forces a full reconnect, since Coinbase's feed gives no
// resync/gap-fill mechanism for this channel.
func checkSequence(expected, got int64) error {
	if got != expected {
		return fmt.Errorf("sequence break: expected %d got %d", expected, got)
	}
	return nil
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
