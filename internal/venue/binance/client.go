// Package binance implements the Binance spot depth venue client
// described in spec.md §4.2.A, grounded on original_source's
// live_price_binance_ws.py and restructured in the goroutine-per-
// connection idiom of the teacher's internal/binance/user_data_stream.go.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
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
	venueID      = "binance"
	wsBaseURL    = "wss://stream.binance.com:9443/ws"
	restBaseURL  = "https://api.binance.com"
	staleBackoff = 60 * time.Second
)

// Client streams Binance's diff depth feed and republishes best
// bid/ask to the shared aggregator for one symbol.
type Client struct {
	Symbol     string // display symbol, e.g. "BTC"
	wsSymbol   string // e.g. "btcusdt"
	restSymbol string // e.g. "BTCUSDT"

	agg      *aggregator.Aggregator
	staleFor time.Duration
	maxRetry int
	log      *logging.Logger

	httpClient *http.Client

	mu                 sync.Mutex
	lastPublishedBid   decimal.Decimal
	lastPublishedAsk   decimal.Decimal
	haveLastPublished  bool
}

// New builds a Binance client for symbol (e.g. "BTC" -> stream "btcusdt").
func New(agg *aggregator.Aggregator, symbol string, staleFor time.Duration, maxRetry int) *Client {
	lower := strings.ToLower(symbol) + "usdt"
	return &Client{
		Symbol:     symbol,
		wsSymbol:   lower,
		restSymbol: strings.ToUpper(symbol) + "USDT",
		agg:        agg,
		staleFor:   staleFor,
		maxRetry:   maxRetry,
		log:        logging.WithComponent(venueID).WithField("symbol", symbol),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type depthEvent struct {
	EventType     string     `json:"e"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type snapshotResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Run drives the full connect -> snapshot -> stream -> reconnect state
// machine until ctx is canceled, per spec.md §4.1.
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

// runOnce opens one WebSocket session, performs the gap-fill snapshot
// procedure, then streams deltas until error, staleness, or cancellation.
func (c *Client) runOnce(ctx context.Context, counters *venue.Counters) error {
	url := fmt.Sprintf("%s/%s@depth@100ms", wsBaseURL, c.wsSymbol)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		counters.Connect++
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	book := venue.NewLocalOrderBook()

	if err := c.buildBookFromSnapshot(ctx, conn, book, counters); err != nil {
		counters.Snap++
		return fmt.Errorf("snapshot: %w", err)
	}

	counters.Reset()
	c.resetPublished()

	return c.stream(ctx, conn, book, counters)
}

// buildBookFromSnapshot buffers incoming WS events while fetching the REST
// snapshot, then applies the gap-fill procedure from spec.md §4.2.A.
func (c *Client) buildBookFromSnapshot(ctx context.Context, conn *websocket.Conn, book *venue.LocalOrderBook, counters *venue.Counters) error {
	var buffered []depthEvent
	var bufMu sync.Mutex
	done := make(chan struct{})
	var bufErr error

	go func() {
		defer close(done)
		for {
			conn.SetReadDeadline(time.Now().Add(c.staleFor))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				bufErr = err
				return
			}
			var ev depthEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				continue
			}
			bufMu.Lock()
			buffered = append(buffered, ev)
			full := len(buffered) > 2000
			bufMu.Unlock()
			if full {
				return
			}
		}
	}()

	snap, err := c.fetchSnapshot(ctx)
	if err != nil {
		conn.Close()
		<-done
		return err
	}

	applyLevels(book, snap.Bids, venue.Bid)
	applyLevels(book, snap.Asks, venue.Ask)

	select {
	case <-done:
		if bufErr != nil {
			return bufErr
		}
	case <-time.After(50 * time.Millisecond):
		// give the reader goroutine a brief grace window to accumulate
		// events concurrently with the REST round trip; it keeps reading
		// in the background regardless.
	}

	bufMu.Lock()
	events := append([]depthEvent(nil), buffered...)
	bufMu.Unlock()

	applyGapFill(book, events, snap.LastUpdateID)
	return nil
}

// applyGapFill implements the buffered-event gap-fill procedure from
// spec.md §4.2.A: discard any event fully covered by the snapshot, find
// the first event that straddles the snapshot's lastUpdateId (U <= s+1 <=
// u), and apply it and everything after. Split out from
// buildBookFromSnapshot so it can be exercised without a live socket.
func applyGapFill(book *venue.LocalOrderBook, events []depthEvent, snapshotSeq int64) {
	book.LastSeq = snapshotSeq
	applied := false
	for _, ev := range events {
		if ev.FinalUpdateID <= snapshotSeq {
			continue
		}
		if !applied {
			if ev.FirstUpdateID <= snapshotSeq+1 && snapshotSeq+1 <= ev.FinalUpdateID {
				applied = true
			} else {
				continue
			}
		}
		applyEvent(book, ev)
		book.LastSeq = ev.FinalUpdateID
	}
}

func (c *Client) fetchSnapshot(ctx context.Context) (*snapshotResponse, error) {
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=100", restBaseURL, c.restSymbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request failed: status %d", resp.StatusCode)
	}

	var snap snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// resyncFromREST rebuilds book in place from a fresh REST snapshot after a
// mid-stream sequence gap. A gap is not a connection fault, so this leaves
// the websocket connection untouched rather than returning to runOnce/Run.
func (c *Client) resyncFromREST(ctx context.Context, book *venue.LocalOrderBook) error {
	snap, err := c.fetchSnapshot(ctx)
	if err != nil {
		return err
	}

	book.Reset()
	applyLevels(book, snap.Bids, venue.Bid)
	applyLevels(book, snap.Asks, venue.Ask)
	book.LastSeq = snap.LastUpdateID
	return nil
}

// stream reads and applies depth events after the book has been
// initialized, implementing the streaming half of spec.md §4.2.A.
func (c *Client) stream(ctx context.Context, conn *websocket.Conn, book *venue.LocalOrderBook, counters *venue.Counters) error {
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

		var ev depthEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Warn("bad depth event json", "error", err.Error())
			continue
		}

		if ev.FinalUpdateID <= book.LastSeq {
			continue
		}
		if ev.FirstUpdateID > book.LastSeq+1 {
			// A sequence gap is not a fault; re-snapshot the book in place
			// over the same connection rather than tearing down the
			// session, matching original_source's desync handling.
			c.log.Warn("sequence gap detected, re-snapshotting in place", "U", ev.FirstUpdateID, "last_seq", book.LastSeq)
			if err := c.resyncFromREST(ctx, book); err != nil {
				counters.Snap++
				return fmt.Errorf("rest re-snapshot after sequence gap: %w", err)
			}
			c.resetPublished()
			continue
		}

		applyEvent(book, ev)
		book.LastSeq = ev.FinalUpdateID

		if book.IsCrossed() {
			return fmt.Errorf("book crossed after applying update, forcing resync")
		}

		c.publishBest(ctx, book)
	}
}

func applyEvent(book *venue.LocalOrderBook, ev depthEvent) {
	applyLevels(book, ev.Bids, venue.Bid)
	applyLevels(book, ev.Asks, venue.Ask)
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

// sleepCtx sleeps for d or returns false early if ctx is canceled first.
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
