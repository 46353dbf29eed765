// Package kraken implements the Kraken-style wire protocol: WebSocket
// streaming with REST polling fallback, prefixed currency codes (XXBT,
// XETH, ZUSD, ZEUR), and SHA256+HMAC-SHA512 request signing.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
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

const exchangeID types.ExchangeID = "kraken"

// currencyPrefixes maps Kraken's prefixed asset codes to their canonical
// form, per spec.md §4.1's currency mapping requirement.
var currencyPrefixes = map[string]string{
	"XXBT": "BTC",
	"XBT":  "BTC", // WS channel pair names use the unprefixed form
	"XETH": "ETH",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"XXRP": "XRP",
	"XLTC": "LTC",
}

// restPrefixes is the canonical->wire mapping used when building REST
// query pair strings (e.g. "XXBTZUSD"), kept separate from
// currencyPrefixes since the WS channel pair names use the unprefixed
// "XBT" form while REST endpoints require the full "XXBT" prefix.
var restPrefixes = map[string]string{
	"BTC": "XXBT",
	"ETH": "XETH",
	"USD": "ZUSD",
	"EUR": "ZEUR",
	"XRP": "XXRP",
	"LTC": "XLTC",
}

func canonicalize(code string) string {
	if c, ok := currencyPrefixes[code]; ok {
		return c
	}
	return code
}

func wireCurrency(code string) string {
	if w, ok := restPrefixes[code]; ok {
		return w
	}
	return code
}

// Client is a Kraken-style exchange client implementing exchange.Client.
// Streaming is WebSocket when available, falling back to REST polling of
// the Depth endpoint at polling_interval_ms.
type Client struct {
	wsURL   string
	restURL string
	rest    *resty.Client

	apiKey    string
	apiSecret string // base64-encoded

	pollingInterval time.Duration

	mu    sync.Mutex
	conn  *websocket.Conn
	books map[types.TradingPair]*exchange.LocalBook
	subs  map[types.TradingPair]chan types.OrderBook
	poll  map[types.TradingPair]context.CancelFunc

	mc *exchange.ManagedConnection
}

// Config carries the per-exchange settings config.ExchangeConfig supplies.
type Config struct {
	WSURL           string
	RESTURL         string
	APIKey          string
	APISecret       string
	PollingInterval time.Duration
}

// New constructs a Kraken client.
func New(cfg Config) *Client {
	interval := cfg.PollingInterval
	if interval <= 0 {
		interval = time.Second
	}
	c := &Client{
		wsURL:   cfg.WSURL,
		restURL: cfg.RESTURL,
		rest: resty.New().
			SetBaseURL(cfg.RESTURL).
			SetTimeout(5 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second),
		apiKey:          cfg.APIKey,
		apiSecret:       cfg.APISecret,
		pollingInterval: interval,
		books:           make(map[types.TradingPair]*exchange.LocalBook),
		subs:            make(map[types.TradingPair]chan types.OrderBook),
		poll:            make(map[types.TradingPair]context.CancelFunc),
	}
	c.mc = exchange.NewManagedConnection(exchangeID, c, exchange.DefaultManagedConnectionConfig(), c.resyncAll)
	return c
}

// ExchangeID implements exchange.Client.
func (c *Client) ExchangeID() types.ExchangeID { return exchangeID }

// Run starts the managed connection supervisor loop.
func (c *Client) Run(ctx context.Context) { c.mc.Run(ctx) }

// Stop tears the client down.
func (c *Client) Stop() {
	c.mc.Stop()
	c.mu.Lock()
	for _, cancel := range c.poll {
		cancel()
	}
	c.mu.Unlock()
}

// GetStatus exposes connection health for the boundary layer.
func (c *Client) GetStatus() exchange.Status { return c.mc.GetStatus() }

// Connect implements exchange.Transport. If the WebSocket dial fails, the
// caller falls back to REST polling per pair (see SubscribeOrderBook).
func (c *Client) Connect(ctx context.Context) error {
	if c.wsURL == "" {
		return nil // polling-only mode
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		log.Warn().Err(err).Str("exchange", string(exchangeID)).Msg("websocket unavailable, falling back to REST polling")
		return nil
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

// Authenticate implements exchange.Auth. Kraken requires only
// api_key/api_secret — no auxiliary passphrase.
func (c *Client) Authenticate(credentials map[string]string) error {
	key := credentials["api_key"]
	secret := credentials["api_secret"]
	if key == "" || secret == "" {
		return &errs.AuthError{ExchangeID: string(exchangeID), Reason: "api_key/api_secret required"}
	}
	c.apiKey, c.apiSecret = key, secret
	return nil
}

// sign computes the API-Sign header: HMAC-SHA512(base64-decoded secret,
// path + SHA256(nonce+postdata)), base64-encoded.
func (c *Client) sign(path, nonce, postdata string) (string, error) {
	shaSum := sha256.Sum256([]byte(nonce + postdata))
	decodedSecret, err := base64.StdEncoding.DecodeString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	mac := hmac.New(sha512.New, decodedSecret)
	mac.Write([]byte(path))
	mac.Write(shaSum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (c *Client) authHeaders(path string, form url.Values) (map[string]string, error) {
	nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	form.Set("nonce", nonce)
	sig, err := c.sign(path, nonce, form.Encode())
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"API-Key":  c.apiKey,
		"API-Sign": sig,
	}, nil
}

// SubscribeOrderBook implements exchange.BookStream: subscribes over the
// WebSocket "book" channel when connected, otherwise starts REST polling.
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

	if conn != nil {
		canon := pair.Canon()
		wsName := func(code types.Currency) string {
			if code == "BTC" {
				return "XBT"
			}
			return string(code)
		}
		msg := map[string]interface{}{
			"event": "subscribe",
			"pair":  []string{wsName(canon.Base) + "/" + wsName(canon.Quote)},
			"subscription": map[string]interface{}{
				"name":  "book",
				"depth": 100,
			},
		}
		payload, _ := json.Marshal(msg)
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return &errs.TransportError{ExchangeID: string(exchangeID), Op: "subscribe_write", Err: err}
		}
		return nil
	}

	pollCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.poll[pair] = cancel
	c.mu.Unlock()
	go c.pollLoop(pollCtx, pair)
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
	if cancel, ok := c.poll[pair]; ok {
		cancel()
		delete(c.poll, pair)
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

// GetOrderBookSnapshot implements exchange.BookStream via the REST Depth
// endpoint.
func (c *Client) GetOrderBookSnapshot(ctx context.Context, pair types.TradingPair, depth int) (types.OrderBook, error) {
	var result struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			Bids [][]interface{} `json:"bids"`
			Asks [][]interface{} `json:"asks"`
		} `json:"result"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("pair", wirePair(pair)).
		SetQueryParam("count", "100").
		SetResult(&result).
		Get("/0/public/Depth")
	if err != nil {
		return types.OrderBook{}, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_book", Err: err}
	}
	if resp.IsError() || len(result.Error) > 0 {
		return types.OrderBook{}, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_book", Err: fmt.Errorf("kraken error: %v", result.Error)}
	}

	var bids, asks []types.OrderBookLevel
	for _, entry := range result.Result {
		bids = parseDepthLevels(entry.Bids, depth)
		asks = parseDepthLevels(entry.Asks, depth)
		break // single-pair query, one entry
	}

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
	form := url.Values{}
	form.Set("pair", wirePair(pair))
	form.Set("type", sideToWire(side))
	form.Set("ordertype", typeToWire(orderType))
	form.Set("volume", qty)
	if price != "" {
		form.Set("price", price)
	}
	headers, err := c.authHeaders("/0/private/AddOrder", form)
	if err != nil {
		return types.Order{}, &errs.AuthError{ExchangeID: string(exchangeID), Reason: err.Error()}
	}

	var result struct {
		Error  []string `json:"error"`
		Result struct {
			TxID        []string `json:"txid"`
			Description struct {
				Order string `json:"order"`
			} `json:"descr"`
		} `json:"result"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetFormDataFromValues(form).
		SetResult(&result).
		Post("/0/private/AddOrder")
	if err != nil {
		return types.Order{}, &errs.TransportError{ExchangeID: string(exchangeID), Op: "place_order", Err: err}
	}
	if resp.IsError() || len(result.Error) > 0 {
		return types.Order{}, &errs.ExecutionError{Leg: string(side), Err: fmt.Errorf("order rejected: %v", result.Error)}
	}

	qtyDec, _ := decimal.NewFromString(qty)
	priceDec, _ := decimal.NewFromString(price)

	return types.Order{
		ExchangeID:  exchangeID,
		Pair:        pair,
		Side:        side,
		Type:        orderType,
		Status:      types.OrderNew,
		Price:       priceDec,
		Quantity:    qtyDec,
		CreatedAt:   time.Now().UTC(),
		LastUpdated: time.Now().UTC(),
	}, nil
}

// GetBalances implements exchange.Balances.
func (c *Client) GetBalances(ctx context.Context) ([]types.Balance, error) {
	form := url.Values{}
	headers, err := c.authHeaders("/0/private/Balance", form)
	if err != nil {
		return nil, &errs.AuthError{ExchangeID: string(exchangeID), Reason: err.Error()}
	}
	var result struct {
		Error  []string          `json:"error"`
		Result map[string]string `json:"result"`
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetFormDataFromValues(form).
		SetResult(&result).
		Post("/0/private/Balance")
	if err != nil {
		return nil, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_balances", Err: err}
	}
	if resp.IsError() || len(result.Error) > 0 {
		return nil, &errs.TransportError{ExchangeID: string(exchangeID), Op: "get_balances", Err: fmt.Errorf("kraken error: %v", result.Error)}
	}

	balances := make([]types.Balance, 0, len(result.Result))
	for code, amount := range result.Result {
		total, _ := decimal.NewFromString(amount)
		balances = append(balances, types.NewBalance(exchangeID, types.Currency(canonicalize(code)), total, total, decimal.Zero))
	}
	return balances, nil
}

// GetFeeSchedule implements exchange.Fees. Kraken's trade-volume-tiered
// fee schedule is approximated here with the base taker/maker tier.
func (c *Client) GetFeeSchedule(ctx context.Context) (types.FeeSchedule, error) {
	return types.FeeSchedule{
		ExchangeID: exchangeID,
		MakerRate:  decimal.NewFromFloat(0.0016),
		TakerRate:  decimal.NewFromFloat(0.0026),
	}, nil
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

// handleMessage parses Kraken's dynamically-shaped array/object JSON
// frames into the canonical domain types, dropping unrecognized kinds.
func (c *Client) handleMessage(raw []byte) {
	var asArray []json.RawMessage
	if err := json.Unmarshal(raw, &asArray); err != nil {
		return // event objects (heartbeat, subscriptionStatus) are ignored
	}
	if len(asArray) < 4 {
		return
	}
	var channelName string
	var pairStr string
	if err := json.Unmarshal(asArray[len(asArray)-2], &channelName); err != nil {
		return
	}
	if err := json.Unmarshal(asArray[len(asArray)-1], &pairStr); err != nil {
		return
	}
	pair, ok := pairFromWire(pairStr)
	if !ok {
		return
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(asArray[1], &payload); err != nil {
		log.Debug().Err(err).Msg("kraken: malformed book payload dropped")
		return
	}

	c.mu.Lock()
	book, ok := c.books[pair]
	c.mu.Unlock()
	if !ok {
		return
	}

	if bidsRaw, ok := payload["bs"]; ok {
		var asksRaw json.RawMessage = payload["as"]
		bids := decodeKrakenLevels(bidsRaw)
		asks := decodeKrakenLevels(asksRaw)
		book.LoadSnapshot(bids, asks)
		c.publish(pair, book)
		return
	}

	var levels []types.OrderBookLevel
	var sides []exchange.DeltaSide
	if bidsRaw, ok := payload["b"]; ok {
		lv, sd := decodeKrakenDeltas(bidsRaw, exchange.DeltaBid)
		levels = append(levels, lv...)
		sides = append(sides, sd...)
	}
	if asksRaw, ok := payload["a"]; ok {
		lv, sd := decodeKrakenDeltas(asksRaw, exchange.DeltaAsk)
		levels = append(levels, lv...)
		sides = append(sides, sd...)
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
}

func decodeKrakenLevels(raw json.RawMessage) []types.OrderBookLevel {
	var rows [][]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil
	}
	return parseDepthLevels(rows, 0)
}

func decodeKrakenDeltas(raw json.RawMessage, side exchange.DeltaSide) ([]types.OrderBookLevel, []exchange.DeltaSide) {
	rows := decodeKrakenLevels(raw)
	sides := make([]exchange.DeltaSide, len(rows))
	for i := range sides {
		sides[i] = side
	}
	return rows, sides
}

func (c *Client) pollLoop(ctx context.Context, pair types.TradingPair) {
	ticker := time.NewTicker(c.pollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.GetOrderBookSnapshot(ctx, pair, 0); err != nil {
				log.Warn().Err(err).Str("pair", pair.String()).Msg("kraken: poll fallback failed")
				continue
			}
			c.mc.MarkMessage()
			c.mu.Lock()
			book := c.books[pair]
			c.mu.Unlock()
			if book != nil {
				c.publish(pair, book)
			}
		}
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

func wirePair(pair types.TradingPair) string {
	c := pair.Canon()
	return wireCurrency(string(c.Base)) + wireCurrency(string(c.Quote))
}

func pairFromWire(wire string) (types.TradingPair, bool) {
	// Kraken sends "XBT/USD"-style pair names on the WS channel.
	for i := range wire {
		if wire[i] == '/' {
			return types.TradingPair{
				Base:  types.Currency(canonicalize(wire[:i])),
				Quote: types.Currency(canonicalize(wire[i+1:])),
			}, true
		}
	}
	return types.TradingPair{}, false
}

func parseDepthLevels(rows [][]interface{}, limit int) []types.OrderBookLevel {
	levels := make([]types.OrderBookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		priceStr := fmt.Sprintf("%v", row[0])
		qtyStr := fmt.Sprintf("%v", row[1])
		price, errP := decimal.NewFromString(priceStr)
		qty, errQ := decimal.NewFromString(qtyStr)
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
