// Package kraken implements the Kraken v2 book venue client described in
// spec.md §4.2.D, grounded on original_source's live_price_kraken_ws.py.
// Unlike that source, the CRC32 checksum verification is implemented
// rather than left disabled, per spec.md §9's Open Questions.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
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
	venueID        = "kraken"
	wsURL          = "wss://ws.kraken.com/v2"
	restBaseURL    = "https://api.kraken.com"
	depth          = 25
	idleBeforePing = 10 * time.Second
	pongTimeout    = 5 * time.Second
	staleBackoff   = 60 * time.Second
)

// Client streams Kraken's v2 book channel and republishes best bid/ask to
// the shared aggregator for one symbol.
type Client struct {
	Symbol    string // display symbol, e.g. "BTC"
	wsPair    string // e.g. "BTC/USDT"
	restPair  string // e.g. "XBTUSDT"

	agg      *aggregator.Aggregator
	maxRetry int
	log      *logging.Logger

	httpClient *http.Client

	mu                sync.Mutex
	lastPublishedBid  decimal.Decimal
	lastPublishedAsk  decimal.Decimal
	haveLastPublished bool
}

// New builds a Kraken client for symbol (e.g. "BTC" -> WS pair "BTC/USDT").
func New(agg *aggregator.Aggregator, symbol string, maxRetry int) *Client {
	upper := strings.ToUpper(symbol)
	restBase := upper
	if upper == "BTC" {
		restBase = "XBT"
	}
	return &Client{
		Symbol:     symbol,
		wsPair:     upper + "/USDT",
		restPair:   restBase + "USDT",
		agg:        agg,
		maxRetry:   maxRetry,
		log:        logging.WithComponent(venueID).WithField("symbol", symbol),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type subscribeRequest struct {
	Method string            `json:"method"`
	Params subscribeParams   `json:"params"`
}

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Depth    int      `json:"depth"`
	Snapshot bool     `json:"snapshot"`
}

type pingRequest struct {
	Method string `json:"method"`
	ReqID  int64  `json:"req_id"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	Data    []bookData      `json:"data"`
}

type bookData struct {
	Symbol   string      `json:"symbol"`
	Bids     []bookLevel `json:"bids"`
	Asks     []bookLevel `json:"asks"`
	Checksum json.Number `json:"checksum"`
}

type bookLevel struct {
	Price json.Number `json:"price"`
	Qty   json.Number `json:"qty"`
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

	sub := subscribeRequest{
		Method: "subscribe",
		Params: subscribeParams{Channel: "book", Symbol: []string{c.wsPair}, Depth: depth, Snapshot: true},
	}
	if err := conn.WriteJSON(sub); err != nil {
		counters.Connect++
		return fmt.Errorf("subscribe: %w", err)
	}

	book := venue.NewLocalOrderBook()
	c.resetPublished()
	initialized := false
	pingOutstanding := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if status, ok := c.agg.GetStatus(venueID); ok && status == aggregator.Disconnected {
			return fmt.Errorf("externally disconnected")
		}

		deadline := idleBeforePing
		if pingOutstanding {
			deadline = pongTimeout
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !isTimeout(err) {
				counters.Update++
				return fmt.Errorf("read: %w", err)
			}
			if pingOutstanding {
				counters.Update++
				return fmt.Errorf("pong timeout")
			}
			if err := conn.WriteJSON(pingRequest{Method: "ping", ReqID: time.Now().UnixNano()}); err != nil {
				counters.Update++
				return fmt.Errorf("ping: %w", err)
			}
			pingOutstanding = true
			continue
		}
		pingOutstanding = false

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("bad message json", "error", err.Error())
			continue
		}
		if env.Method == "pong" || env.Channel != "book" || len(env.Data) == 0 {
			continue
		}

		d := env.Data[0]

		switch env.Type {
		case "snapshot":
			book.Reset()
			applyLevels(book, d.Bids, venue.Bid)
			applyLevels(book, d.Asks, venue.Ask)
			initialized = true
			c.resetPublished()
		case "update":
			if !initialized {
				continue
			}
			applyLevels(book, d.Bids, venue.Bid)
			applyLevels(book, d.Asks, venue.Ask)
		default:
			continue
		}

		book.TruncateTop(venue.Bid, depth)
		book.TruncateTop(venue.Ask, depth)

		if !initialized {
			continue
		}

		if err := c.verifyChecksum(book, d.Checksum); err != nil {
			c.log.Warn("checksum mismatch, re-snapshotting from REST", "error", err.Error())
			if restErr := c.resyncFromREST(ctx, book); restErr != nil {
				counters.Snap++
				return fmt.Errorf("rest re-snapshot after checksum mismatch: %w", restErr)
			}
			c.resetPublished()
		}

		if book.IsCrossed() {
			return fmt.Errorf("book crossed, forcing resync")
		}

		c.publishBest(ctx, book)
	}
}

func applyLevels(book *venue.LocalOrderBook, levels []bookLevel, side venue.Side) {
	for _, l := range levels {
		book.ApplyLevel(side, l.Price.String(), l.Qty.String())
	}
}

// verifyChecksum rebuilds the checksum from the top-10 levels of the
// locally maintained book and compares it to the value the venue sent.
// An empty checksum field (not every update carries one) is treated as
// nothing to verify.
func (c *Client) verifyChecksum(book *venue.LocalOrderBook, want json.Number) error {
	if want == "" {
		return nil
	}
	wantVal, err := strconv.ParseUint(want.String(), 10, 32)
	if err != nil {
		return nil
	}

	asks, bids := topLevels(book)
	got := computeChecksum(asks, bids)
	if uint64(got) != wantVal {
		return fmt.Errorf("checksum mismatch: want %d got %d", wantVal, got)
	}
	return nil
}

func topLevels(book *venue.LocalOrderBook) (asks, bids []checksumLevel) {
	for price, qty := range book.Asks {
		asks = append(asks, checksumLevel{price: price, qty: qty})
	}
	for price, qty := range book.Bids {
		bids = append(bids, checksumLevel{price: price, qty: qty})
	}
	return asks, bids
}

type restDepthResponse struct {
	Error  []string                        `json:"error"`
	Result map[string]restDepthPairResult `json:"result"`
}

type restDepthPairResult struct {
	Asks [][3]json.Number `json:"asks"`
	Bids [][3]json.Number `json:"bids"`
}

// resyncFromREST fetches a fresh order book from Kraken's public Depth
// endpoint and replaces book's contents in place, per spec.md §6 and the
// optional re-snapshot path named in §4.2.D.
func (c *Client) resyncFromREST(ctx context.Context, book *venue.LocalOrderBook) error {
	url := fmt.Sprintf("%s/0/public/Depth?pair=%s&count=%d", restBaseURL, c.restPair, depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var parsed restDepthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if len(parsed.Error) > 0 {
		return fmt.Errorf("kraken error: %s", strings.Join(parsed.Error, "; "))
	}

	var result restDepthPairResult
	for _, v := range parsed.Result {
		result = v
		break
	}

	book.Reset()
	for _, lvl := range result.Bids {
		book.ApplyLevel(venue.Bid, lvl[0].String(), lvl[1].String())
	}
	for _, lvl := range result.Asks {
		book.ApplyLevel(venue.Ask, lvl[0].String(), lvl[1].String())
	}
	book.TruncateTop(venue.Bid, depth)
	book.TruncateTop(venue.Ask, depth)
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

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
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
