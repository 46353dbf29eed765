// Package coinbase implements the Coinbase-style wire protocol for the
// exchange capability set: WebSocket streaming with an inline "snapshot"
// message followed by "l2update" deltas, and HMAC-SHA256 request signing.
package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/arbengine/internal/errs"
	"github.com/web3guy0/arbengine/internal/exchange"
	"github.com/web3guy0/arbengine/types"
)

const exchangeID types.ExchangeID = "coinbase"

// Client is a Coinbase-style exchange client implementing
// exchange.Client.
type Client struct {
	wsURL   string
	restURL string
	rest    *resty.Client

	apiKey     string
	apiSecret  string // base64-encoded
	passphrase string

	mu    sync.Mutex
	conn  *websocket.Conn
	books map[types.TradingPair]*exchange.LocalBook
	subs  map[types.TradingPair]chan types.OrderBook

	mc *exchange.ManagedConnection
}

// Config carries the per-exchange settings config.ExchangeConfig supplies.
type Config struct {
	WSURL      string
	RESTURL    string
	APIKey     string
	APISecret  string
	Passphrase string
	TimeoutMs  int
}

// New constructs a Coinbase client. Authenticate must be called before any
// Orders/Balances/Fees operation.
func New(cfg Config) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		wsURL:   cfg.WSURL,
		restURL: cfg.RESTURL,
		rest: resty.New().
			SetBaseURL(cfg.RESTURL).
			SetTimeout(timeout).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		books:      make(map[types.TradingPair]*exchange.LocalBook),
		subs:       make(map[types.TradingPair]chan types.OrderBook),
	}
	c.mc = exchange.NewManagedConnection(exchangeID, c, exchange.DefaultManagedConnectionConfig(), c.resyncAll)
	return c
}

// ExchangeID implements exchange.Client.
func (c *Client) ExchangeID() types.ExchangeID { return exchangeID }

// Run starts the managed connection supervisor loop; callers should run it
// in its own goroutine.
func (c *Client) Run(ctx context.Context) { c.mc.Run(ctx) }

// Stop tears the client down.
func (c *Client) Stop() { c.mc.Stop() }

// GetStatus exposes connection health for the boundary layer.
func (c *Client) GetStatus() exchange.Status { return c.mc.GetStatus() }

// Connect implements exchange.Transport: dials the public WebSocket feed.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return &errs.TransportError{ExchangeID: string(exchangeID), Op: "dial", Err: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop()
	return nil
}

// Close implements exchange.Transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Authenticate implements exchange.Auth. Coinbase requires
// api_key/api_secret/passphrase; a missing passphrase is a ConfigError.
func (c *Client) Authenticate(credentials map[string]string) error {
	key := credentials["api_key"]
	secret := credentials["api_secret"]
	passphrase := credentials["passphrase"]
	if key == "" || secret == "" {
		return &errs.AuthError{ExchangeID: string(exchangeID), Reason: "api_key/api_secret required"}
	}
	if passphrase == "" {
		return &errs.ConfigError{Field: "passphrase", Reason: "Coinbase requires a passphrase"}
	}
	c.apiKey, c.apiSecret, c.passphrase = key, secret, passphrase
	return nil
}

// sign computes the CB-ACCESS-SIGN header: base64(HMAC-SHA256(secret,
// timestamp+method+path+body)), with the secret itself base64-decoded.
func (c *Client) sign(timestamp, method, path, body string) (string, error) {
	decodedSecret, err := base64.StdEncoding.DecodeString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	mac := hmac.New(sha256.New, decodedSecret)
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (c *Client) authHeaders(method, path, body string) (map[string]string, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := c.sign(ts, method, path, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"CB-ACCESS-KEY":        c.apiKey,
		"CB-ACCESS-SIGN":       sig,
		"CB-ACCESS-TIMESTAMP":  ts,
		"CB-ACCESS-PASSPHRASE": c.passphrase,
	}, nil
}

// SubscribeOrderBook implements exchange.BookStream: it creates the local
// book and sends a "subscribe" WS message. No REST snapshot is fetched
// here; the book is filled by the "snapshot" message the feed sends.
func (c *Client) SubscribeOrderBook(ctx context.Context, pair types.TradingPair) error {
	c.mu.Lock()
	if _, ok := c.books[pair]; ok {
		c.mu.Unlock()
		return nil // idempotent
	}
	book := exchange.NewLocalBook(exchangeID, pair)
	c.books[pair] = book
	c.subs[pair] = make(chan types.OrderBook, 256)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return &errs.TransportError{ExchangeID: string(exchangeID), Op: "subscribe", Err: fmt.Errorf("not connected")}
	}

	product := productID(pair)
	msg := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": []string{product},
		"channels":    []string{"level2"},
	}
	payload, _ := json.Marshal(msg)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &errs.TransportError{ExchangeID: string(exchangeID), Op: "subscribe_write", Err: err}
	}
	return nil
}

// UnsubscribeOrderBook implements exchange.BookStream.
func (c *Client) UnsubscribeOrderBook(pair types.TradingPair) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.books, pair)
	if ch, ok := c.subs[pair]; ok {
		close(ch)
		delete(c.subs, pair)
	}
	return nil
}

// OrderBookUpdates implements exchange.BookStream.
func (c *Client) OrderBookUpdates(pair types.TradingPair) (<-chan types.OrderBook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[pair]
	if !ok {
		return nil, &errs.ConfigError{Field: "pair", Reason: "not subscribed: " + pair.String()}
	}
	return ch, nil
}

// GetOrderBookSnapshot implements exchange.BookStream via the REST depth
// endpoint, used by the reconnect resync and for on-demand refresh.
func (c *Client) GetOrderBookSnapshot(ctx context.Context, pair types.TradingPair, depth int) (types.OrderBook, error) {
	var result struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("level", "2").
		SetResult(&result).
		Get("/products/" + productID(pair) + "/book")
	if err != nil {
		return types.OrderBook{}, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_book", Err: err}
	}
	if resp.IsError() {
		return types.OrderBook{}, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_book", Err: fmt.Errorf("status %d", resp.StatusCode())}
	}

	bids := parseLevels(result.Bids, depth)
	asks := parseLevels(result.Asks, depth)

	c.mu.Lock()
	book, ok := c.books[pair]
	if !ok {
		book = exchange.NewLocalBook(exchangeID, pair)
		c.books[pair] = book
	}
	c.mu.Unlock()
	book.LoadSnapshot(bids, asks)

	return book.Snapshot(depth), nil
}

// PlaceMarketOrder implements exchange.Orders.
func (c *Client) PlaceMarketOrder(ctx context.Context, pair types.TradingPair, side types.OrderSide, qty string) (types.Order, error) {
	return c.placeOrder(ctx, pair, side, types.OrderTypeMarket, "", qty)
}

// PlaceLimitOrder implements exchange.Orders.
func (c *Client) PlaceLimitOrder(ctx context.Context, pair types.TradingPair, side types.OrderSide, price, qty string) (types.Order, error) {
	return c.placeOrder(ctx, pair, side, types.OrderTypeLimit, price, qty)
}

func (c *Client) placeOrder(ctx context.Context, pair types.TradingPair, side types.OrderSide, orderType types.OrderType, price, qty string) (types.Order, error) {
	body := map[string]interface{}{
		"product_id": productID(pair),
		"side":       sideToWire(side),
		"type":       typeToWire(orderType),
		"size":       qty,
	}
	if price != "" {
		body["price"] = price
	}
	payload, _ := json.Marshal(body)
	headers, err := c.authHeaders("POST", "/orders", string(payload))
	if err != nil {
		return types.Order{}, &errs.AuthError{ExchangeID: string(exchangeID), Reason: err.Error()}
	}

	var result struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Price     string `json:"price"`
		Size      string `json:"size"`
		FilledQty string `json:"filled_size"`
		CreatedAt string `json:"created_at"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return types.Order{}, &errs.TransportError{ExchangeID: string(exchangeID), Op: "place_order", Err: err}
	}
	if resp.IsError() {
		return types.Order{}, &errs.ExecutionError{Leg: string(side), Err: fmt.Errorf("order rejected: status %d", resp.StatusCode())}
	}

	qtyDec, _ := decimal.NewFromString(qty)
	priceDec, _ := decimal.NewFromString(price)
	filledDec, _ := decimal.NewFromString(result.FilledQty)

	return types.Order{
		ExchangeID:  exchangeID,
		Pair:        pair,
		Side:        side,
		Type:        orderType,
		Status:      mapOrderStatus(result.Status),
		Price:       priceDec,
		Quantity:    qtyDec,
		FilledQty:   filledDec,
		CreatedAt:   time.Now().UTC(),
		LastUpdated: time.Now().UTC(),
	}, nil
}

// GetBalances implements exchange.Balances.
func (c *Client) GetBalances(ctx context.Context) ([]types.Balance, error) {
	headers, err := c.authHeaders("GET", "/accounts", "")
	if err != nil {
		return nil, &errs.AuthError{ExchangeID: string(exchangeID), Reason: err.Error()}
	}
	var result []struct {
		Currency  string `json:"currency"`
		Balance   string `json:"balance"`
		Available string `json:"available"`
		Hold      string `json:"hold"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Get("/accounts")
	if err != nil {
		return nil, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_balances", Err: err}
	}
	if resp.IsError() {
		return nil, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_balances", Err: fmt.Errorf("status %d", resp.StatusCode())}
	}

	balances := make([]types.Balance, 0, len(result))
	for _, r := range result {
		total, _ := decimal.NewFromString(r.Balance)
		available, _ := decimal.NewFromString(r.Available)
		reserved, _ := decimal.NewFromString(r.Hold)
		balances = append(balances, types.NewBalance(exchangeID, types.Currency(r.Currency), total, available, reserved))
	}
	return balances, nil
}

// GetFeeSchedule implements exchange.Fees.
func (c *Client) GetFeeSchedule(ctx context.Context) (types.FeeSchedule, error) {
	headers, err := c.authHeaders("GET", "/fees", "")
	if err != nil {
		return types.FeeSchedule{}, &errs.AuthError{ExchangeID: string(exchangeID), Reason: err.Error()}
	}
	var result struct {
		MakerFeeRate string `json:"maker_fee_rate"`
		TakerFeeRate string `json:"taker_fee_rate"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetHeaders(headers).SetResult(&result).Get("/fees")
	if err != nil {
		return types.FeeSchedule{}, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_fees", Err: err}
	}
	if resp.IsError() {
		return types.FeeSchedule{}, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_fees", Err: fmt.Errorf("status %d", resp.StatusCode())}
	}
	maker, _ := decimal.NewFromString(result.MakerFeeRate)
	taker, _ := decimal.NewFromString(result.TakerFeeRate)
	return types.FeeSchedule{ExchangeID: exchangeID, MakerRate: maker, TakerRate: taker}, nil
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("exchange", string(exchangeID)).Msg("websocket read error")
			return
		}
		c.mc.MarkMessage()
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var envelope struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Debug().Err(err).Msg("coinbase: malformed message dropped")
		return
	}

	pair, ok := pairFromProductID(envelope.ProductID)
	if !ok {
		return
	}

	switch envelope.Type {
	case "snapshot":
		var snap struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
		}
		if err := json.Unmarshal(raw, &snap); err != nil {
			log.Debug().Err(err).Msg("coinbase: malformed snapshot dropped")
			return
		}
		c.mu.Lock()
		book, ok := c.books[pair]
		c.mu.Unlock()
		if !ok {
			return
		}
		book.LoadSnapshot(parseLevels(snap.Bids, 0), parseLevels(snap.Asks, 0))
		c.publish(pair, book)

	case "l2update":
		var upd struct {
			Changes [][]string `json:"changes"`
		}
		if err := json.Unmarshal(raw, &upd); err != nil {
			log.Debug().Err(err).Msg("coinbase: malformed l2update dropped")
			return
		}
		c.mu.Lock()
		book, ok := c.books[pair]
		c.mu.Unlock()
		if !ok {
			return
		}
		var levels []types.OrderBookLevel
		var sides []exchange.DeltaSide
		for _, change := range upd.Changes {
			if len(change) != 3 {
				continue
			}
			price, errP := decimal.NewFromString(change[1])
			size, errS := decimal.NewFromString(change[2])
			if errP != nil || errS != nil {
				continue
			}
			levels = append(levels, types.OrderBookLevel{Price: price, Quantity: size})
			if change[0] == "buy" {
				sides = append(sides, exchange.DeltaBid)
			} else {
				sides = append(sides, exchange.DeltaAsk)
			}
		}
		if len(levels) == 0 {
			return
		}
		crossed := book.ApplyDeltas(levels, sides)
		if crossed {
			log.Warn().Str("pair", pair.String()).Msg("🚨 crossed book detected, resyncing")
			c.resync(context.Background(), pair)
			return
		}
		c.publish(pair, book)

	default:
		// unknown message kinds are logged and dropped, never surfaced
		// as raw JSON into the domain.
		log.Debug().Str("type", envelope.Type).Msg("coinbase: unhandled message kind")
	}
}

func (c *Client) publish(pair types.TradingPair, book *exchange.LocalBook) {
	c.mu.Lock()
	ch, ok := c.subs[pair]
	c.mu.Unlock()
	if !ok {
		return
	}
	snap := book.Snapshot(0)
	select {
	case ch <- snap:
	default:
		// drop-oldest on overflow
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (c *Client) resync(ctx context.Context, pair types.TradingPair) {
	c.mu.Lock()
	book, ok := c.books[pair]
	c.mu.Unlock()
	if !ok {
		return
	}
	book.Reset()
	_ = c.UnsubscribeOrderBook(pair)
	if err := c.SubscribeOrderBook(ctx, pair); err != nil {
		log.Error().Err(err).Str("pair", pair.String()).Msg("resync resubscribe failed")
	}
}

func (c *Client) resyncAll(ctx context.Context) error {
	c.mu.Lock()
	pairs := make([]types.TradingPair, 0, len(c.books))
	for p := range c.books {
		pairs = append(pairs, p)
	}
	c.mu.Unlock()
	for _, p := range pairs {
		if _, err := c.GetOrderBookSnapshot(ctx, p, 0); err != nil {
			return err
		}
		if err := c.SubscribeOrderBook(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func productID(pair types.TradingPair) string {
	c := pair.Canon()
	return string(c.Base) + "-" + string(c.Quote)
}

func pairFromProductID(id string) (types.TradingPair, bool) {
	for i := range id {
		if id[i] == '-' {
			return types.TradingPair{Base: types.Currency(id[:i]), Quote: types.Currency(id[i+1:])}, true
		}
	}
	return types.TradingPair{}, false
}

func parseLevels(raw [][]string, limit int) []types.OrderBookLevel {
	levels := make([]types.OrderBookLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			continue
		}
		price, errP := decimal.NewFromString(row[0])
		qty, errQ := decimal.NewFromString(row[1])
		if errP != nil || errQ != nil {
			continue
		}
		levels = append(levels, types.OrderBookLevel{Price: price, Quantity: qty})
		if limit > 0 && len(levels) >= limit {
			break
		}
	}
	return levels
}

func sideToWire(side types.OrderSide) string {
	if side == types.SideBuy {
		return "buy"
	}
	return "sell"
}

func typeToWire(t types.OrderType) string {
	if t == types.OrderTypeMarket {
		return "market"
	}
	return "limit"
}

func mapOrderStatus(status string) types.OrderStatus {
	switch status {
	case "done", "filled":
		return types.OrderFilled
	case "open", "pending":
		return types.OrderNew
	case "rejected":
		return types.OrderRejected
	case "cancelled":
		return types.OrderCanceled
	default:
		return types.OrderNew
	}
}
