package kucoin

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
	venueID       = "kucoin"
	restBaseURL   = "https://api.kucoin.com"
	bufferWindow  = 1 * time.Second
	staleBackoff  = 60 * time.Second
)

// Client streams KuCoin's market/level2 topic and republishes best
// bid/ask to the shared aggregator for one symbol.
type Client struct {
	Symbol      string // display symbol, e.g. "BTC"
	marketPair  string // e.g. "BTC-USDT"

	agg      *aggregator.Aggregator
	staleFor time.Duration
	maxRetry int
	signer   *Signer
	log      *logging.Logger

	httpClient *http.Client

	mu                sync.Mutex
	lastPublishedBid  decimal.Decimal
	lastPublishedAsk  decimal.Decimal
	haveLastPublished bool
}

// New builds a KuCoin client for symbol (e.g. "BTC" -> "BTC-USDT").
// signer must be non-nil; credential resolution (env or Vault) happens
// in the supervisor before construction.
func New(agg *aggregator.Aggregator, symbol string, staleFor time.Duration, maxRetry int, signer *Signer) *Client {
	return &Client{
		Symbol:     symbol,
		marketPair: strings.ToUpper(symbol) + "-USDT",
		agg:        agg,
		staleFor:   staleFor,
		maxRetry:   maxRetry,
		signer:     signer,
		log:        logging.WithComponent(venueID).WithField("symbol", symbol),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type bulletResponse struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint      string `json:"endpoint"`
			PingInterval  int64  `json:"pingInterval"`
			PingTimeout   int64  `json:"pingTimeout"`
		} `json:"instanceServers"`
	} `json:"data"`
}

type subscribeMessage struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic"`
	PrivateChannel bool   `json:"privateChannel"`
	Response       bool   `json:"response"`
}

type pingMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type wireMessage struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type l2Change struct {
	Changes struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
	} `json:"changes"`
	SequenceStart int64 `json:"sequenceStart"`
	SequenceEnd   int64 `json:"sequenceEnd"`
}

type snapshotResponse struct {
	Code string `json:"code"`
	Data struct {
		Sequence string     `json:"sequence"`
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
	} `json:"data"`
}

// Run drives the token -> connect -> subscribe -> buffer -> snapshot ->
// stream -> reconnect state machine until ctx is canceled.
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
	token, endpoint, pingInterval, err := c.getBulletToken(ctx)
	if err != nil {
		counters.Connect++
		return fmt.Errorf("bullet token: %w", err)
	}

	connectID := fmt.Sprintf("arbwatch-%d", time.Now().UnixNano())
	url := fmt.Sprintf("%s?token=%s&connectId=%s", endpoint, token, connectID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		counters.Connect++
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := subscribeMessage{
		ID:             connectID,
		Type:           "subscribe",
		Topic:          "/market/level2:" + c.marketPair,
		PrivateChannel: false,
		Response:       true,
	}
	if err := conn.WriteJSON(sub); err != nil {
		counters.Connect++
		return fmt.Errorf("subscribe: %w", err)
	}

	stopPing := c.startPingLoop(ctx, conn, time.Duration(pingInterval)*time.Millisecond)
	defer stopPing()

	book, err := c.buildBookFromSnapshot(ctx, conn)
	if err != nil {
		counters.Snap++
		return fmt.Errorf("snapshot: %w", err)
	}

	counters.Reset()
	c.resetPublished()

	return c.stream(ctx, conn, book, counters)
}

func (c *Client) getBulletToken(ctx context.Context) (token, endpoint string, pingIntervalMS int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, restBaseURL+"/api/v1/bullet-public", nil)
	if err != nil {
		return "", "", 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", 0, err
	}
	defer resp.Body.Close()

	var parsed bulletResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", 0, fmt.Errorf("decode: %w", err)
	}
	if parsed.Code != "200000" || len(parsed.Data.InstanceServers) == 0 {
		return "", "", 0, fmt.Errorf("bullet-public returned code %s", parsed.Code)
	}

	srv := parsed.Data.InstanceServers[0]
	return parsed.Data.Token, srv.Endpoint, srv.PingInterval, nil
}

func (c *Client) startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) func() {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = conn.WriteJSON(pingMessage{ID: fmt.Sprintf("%d", time.Now().UnixNano()), Type: "ping"})
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stop) }
}

// buildBookFromSnapshot buffers incoming level2 messages for
// bufferWindow, fetches a signed REST snapshot, and applies the gap-fill
// procedure from spec.md §4.2.E.
func (c *Client) buildBookFromSnapshot(ctx context.Context, conn *websocket.Conn) (*venue.LocalOrderBook, error) {
	var buffered []l2Change
	var bufMu sync.Mutex
	readErr := make(chan error, 1)

	bufferCtx, cancel := context.WithTimeout(ctx, bufferWindow)
	defer cancel()

	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(c.staleFor))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case readErr <- err:
				default:
				}
				return
			}
			var msg wireMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			if msg.Type != "message" {
				continue
			}
			var ch l2Change
			if err := json.Unmarshal(msg.Data, &ch); err != nil {
				continue
			}
			bufMu.Lock()
			buffered = append(buffered, ch)
			bufMu.Unlock()
		}
	}()

	select {
	case err := <-readErr:
		return nil, err
	case <-bufferCtx.Done():
	}

	snap, err := c.fetchSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	book := venue.NewLocalOrderBook()
	applyChangeRows(book, snap.Data.Bids, venue.Bid)
	applyChangeRows(book, snap.Data.Asks, venue.Ask)

	s, err := strconv.ParseInt(snap.Data.Sequence, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad snapshot sequence %q: %w", snap.Data.Sequence, err)
	}
	book.LastSeq = s

	bufMu.Lock()
	changes := append([]l2Change(nil), buffered...)
	bufMu.Unlock()

	applyGapFill(book, changes, s)
	return book, nil
}

// applyGapFill implements the buffered-change gap-fill procedure from
// spec.md §4.2.E: discard any change fully covered by the snapshot, find
// the first change that straddles the snapshot's sequence (start <= s+1
// <= end), and apply it and everything after. Split out from
// buildBookFromSnapshot so it can be exercised without a live socket.
func applyGapFill(book *venue.LocalOrderBook, changes []l2Change, snapshotSeq int64) {
	book.LastSeq = snapshotSeq
	applied := false
	for _, ch := range changes {
		if ch.SequenceEnd <= snapshotSeq {
			continue
		}
		if !applied {
			if ch.SequenceStart <= snapshotSeq+1 && snapshotSeq+1 <= ch.SequenceEnd {
				applied = true
			} else {
				continue
			}
		}
		applyL2Change(book, ch)
		book.LastSeq = ch.SequenceEnd
	}
}

func (c *Client) fetchSnapshot(ctx context.Context) (*snapshotResponse, error) {
	path := "/api/v3/market/orderbook/level2?symbol=" + c.marketPair
	headers := c.signer.Headers(http.MethodGet, path, "")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, restBaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var snap snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if snap.Code != "200000" {
		return nil, fmt.Errorf("orderbook snapshot returned code %s", snap.Code)
	}
	return &snap, nil
}

// resyncFromREST rebuilds book in place from a fresh signed REST snapshot
// after a mid-stream sequence gap. A gap is not a connection fault, so this
// leaves the websocket connection untouched rather than returning to
// runOnce/Run.
func (c *Client) resyncFromREST(ctx context.Context, book *venue.LocalOrderBook) error {
	snap, err := c.fetchSnapshot(ctx)
	if err != nil {
		return err
	}

	s, err := strconv.ParseInt(snap.Data.Sequence, 10, 64)
	if err != nil {
		return fmt.Errorf("bad snapshot sequence %q: %w", snap.Data.Sequence, err)
	}

	book.Reset()
	applyChangeRows(book, snap.Data.Bids, venue.Bid)
	applyChangeRows(book, snap.Data.Asks, venue.Ask)
	book.LastSeq = s
	return nil
}

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

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "message" {
			continue
		}

		var ch l2Change
		if err := json.Unmarshal(msg.Data, &ch); err != nil {
			continue
		}

		if ch.SequenceEnd <= book.LastSeq {
			continue
		}
		if ch.SequenceStart > book.LastSeq+1 {
			// A sequence gap is not a fault; re-snapshot the book in
			// place over the same connection rather than tearing down
			// the session, matching original_source's desync handling.
			c.log.Warn("sequence gap detected, re-snapshotting in place", "start", ch.SequenceStart, "last_seq", book.LastSeq)
			if err := c.resyncFromREST(ctx, book); err != nil {
				counters.Snap++
				return fmt.Errorf("rest re-snapshot after sequence gap: %w", err)
			}
			c.resetPublished()
			continue
		}

		applyL2Change(book, ch)
		book.LastSeq = ch.SequenceEnd

		if book.IsCrossed() {
			return fmt.Errorf("book crossed, forcing resync")
		}

		c.publishBest(ctx, book)
	}
}

func applyL2Change(book *venue.LocalOrderBook, ch l2Change) {
	applyChangeRows(book, ch.Changes.Bids, venue.Bid)
	applyChangeRows(book, ch.Changes.Asks, venue.Ask)
}

// applyChangeRows applies (price, size[, sequence]) triples to book. Both
// the snapshot response (price, size) and the streaming change rows
// (price, size, sequence) are accepted; only the first two fields matter
// for book state.
func applyChangeRows(book *venue.LocalOrderBook, rows [][]string, side venue.Side) {
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		book.ApplyLevel(side, row[0], row[1])
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
