// Package broker implements the REST facade over the broker API.
//
// The client wraps a pooled resty HTTP client with per-endpoint sliding-window
// rate limits, bounded retry with exponential backoff, and a circuit breaker
// around the market-data endpoints (the REST fallback path when the push feed
// is down). Errors never escape unclassified: every method returns an
// *APIError carrying one of the three taxonomy kinds.
//
// Endpoints used:
//   - GET  /market-quote/ltp, /market-quote/ohlc
//   - GET  /option/chain, /option/contract
//   - GET  /historical-candle/intraday/{key}/{unit}/{interval}
//   - POST /order/place, PUT /order/modify, DELETE /order/cancel
//   - GET  /order/details, /order/retrieve-all
//   - GET  /portfolio/short-term-positions
//   - GET  /user/profile, /user/get-funds-and-margin
//   - GET  /feed/market-data-feed/authorize
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"options-engine/pkg/types"
)

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
	maxCooldown    = 30 * time.Second
	callTimeout    = 10 * time.Second
)

// OrderRequest is the high-level order the order manager submits.
type OrderRequest struct {
	Instrument types.Instrument
	Quantity   int
	Side       types.Side
	OrderType  types.OrderType
	Price      decimal.Decimal // ignored for MARKET orders
	Product    string          // "I" = intraday
	Validity   string          // "DAY"
}

// OrderResult is the broker's acknowledgement of an order operation.
type OrderResult struct {
	OrderID string
	Status  string
}

// OrderDetail is the broker's view of one order.
type OrderDetail struct {
	OrderID        string
	Status         string
	InstrumentKey  string
	Quantity       int
	FilledQuantity int
	AveragePrice   float64
	Side           types.Side
	StatusMessage  string
}

// BrokerPosition is one net position as reported by the broker. Quantity is
// signed: negative means net short.
type BrokerPosition struct {
	Key           string
	TradingSymbol string
	Quantity      int
	AveragePrice  float64
	LastPrice     float64
	PnL           float64
}

// ChainStrike is one parsed strike row from /option/chain.
type ChainStrike struct {
	Strike float64
	Call   *types.OptionLeg
	Put    *types.OptionLeg
}

// Profile is the broker account identity.
type Profile struct {
	UserID   string
	UserName string
	Email    string
	Active   bool
}

// Client is the broker REST API client. Safe for concurrent use; resty pools
// connections and keeps them alive so DNS and TLS are warm across calls.
type Client struct {
	http    *resty.Client
	limits  *Limits
	breaker *gobreaker.CircuitBreaker // guards the market-data fallback path
	logger  *slog.Logger
}

// NewClient creates a broker client with rate limiting, retry, and a
// market-data circuit breaker.
func NewClient(baseURL, accessToken string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(callTimeout).
		SetAuthToken(accessToken).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "broker-marketdata",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 10 && float64(c.TotalFailures)/float64(c.Requests) > 0.5
		},
	})

	return &Client{
		http:    httpClient,
		limits:  NewLimits(),
		breaker: breaker,
		logger:  logger.With("component", "broker"),
	}
}

// MarketDataDegraded reports whether the market-data breaker is open, i.e.
// the REST fallback error rate exceeded 50% over the last interval.
func (c *Client) MarketDataDegraded() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// LTP fetches last traded prices for up to 500 instrument keys. The result
// map is keyed by normalized (pipe-form) instrument key.
func (c *Client) LTP(ctx context.Context, keys []string) (map[string]float64, error) {
	data, err := c.guarded(ctx, "ltp", c.limits.Quote, func() (json.RawMessage, error) {
		return c.get(ctx, "ltp", "/market-quote/ltp", map[string]string{
			"symbol": strings.Join(keys, ","),
		})
	})
	if err != nil {
		return nil, err
	}

	var entries map[string]ltpEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, permanentErr("ltp", 0, "malformed payload: "+err.Error())
	}

	out := make(map[string]float64, len(entries))
	for key, e := range entries {
		out[NormalizeKey(key)] = e.LastPrice
	}
	return out, nil
}

// OHLC fetches day candles for the given instrument keys.
func (c *Client) OHLC(ctx context.Context, keys []string) (map[string]types.OHLC, error) {
	data, err := c.guarded(ctx, "ohlc", c.limits.Quote, func() (json.RawMessage, error) {
		return c.get(ctx, "ohlc", "/market-quote/ohlc", map[string]string{
			"symbol":   strings.Join(keys, ","),
			"interval": "1d",
		})
	})
	if err != nil {
		return nil, err
	}

	var entries map[string]ohlcEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, permanentErr("ohlc", 0, "malformed payload: "+err.Error())
	}

	out := make(map[string]types.OHLC, len(entries))
	for key, e := range entries {
		out[NormalizeKey(key)] = types.OHLC{
			Open: e.OHLC.Open, High: e.OHLC.High, Low: e.OHLC.Low, Close: e.OHLC.Close,
		}
	}
	return out, nil
}

// OptionChain fetches the raw chain for a symbol and expiry. Returns the
// parsed strike rows and the underlying spot echoed by the broker.
func (c *Client) OptionChain(ctx context.Context, sym types.Symbol, expiry time.Time) ([]ChainStrike, float64, error) {
	data, err := c.guarded(ctx, "option_chain", c.limits.Chain, func() (json.RawMessage, error) {
		return c.get(ctx, "option_chain", "/option/chain", map[string]string{
			"instrument_key": sym.IndexKey(),
			"expiry_date":    expiry.Format("2006-01-02"),
		})
	})
	if err != nil {
		return nil, 0, err
	}

	var rows []chainRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, 0, permanentErr("option_chain", 0, "malformed payload: "+err.Error())
	}

	spot := 0.0
	out := make([]ChainStrike, 0, len(rows))
	for _, row := range rows {
		if row.UnderlyingSpot > 0 {
			spot = row.UnderlyingSpot
		}
		cs := ChainStrike{Strike: row.StrikePrice}
		if row.CallOptions != nil {
			cs.Call = convertLeg(row.StrikePrice, types.Call, row.CallOptions)
		}
		if row.PutOptions != nil {
			cs.Put = convertLeg(row.StrikePrice, types.Put, row.PutOptions)
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out, spot, nil
}

func convertLeg(strike float64, right types.Right, leg *chainLeg) *types.OptionLeg {
	return &types.OptionLeg{
		Strike:   strike,
		Right:    right,
		Bid:      leg.MarketData.Bid,
		Ask:      leg.MarketData.Ask,
		Last:     leg.MarketData.LTP,
		OI:       leg.MarketData.OI,
		OIChange: leg.MarketData.OI - leg.MarketData.PrevOI,
		Volume:   leg.MarketData.Volume,
		Greeks: types.Greeks{
			// Broker quotes IV in percent; internal code uses decimals.
			IV:    leg.OptionGreeks.IV / 100,
			Delta: leg.OptionGreeks.Delta,
			Gamma: leg.OptionGreeks.Gamma,
			Theta: leg.OptionGreeks.Theta,
			Vega:  leg.OptionGreeks.Vega,
		},
		Key: NormalizeKey(leg.InstrumentKey),
	}
}

// OptionContracts returns the available expiries for a symbol, ascending.
func (c *Client) OptionContracts(ctx context.Context, sym types.Symbol) ([]time.Time, error) {
	data, err := c.guarded(ctx, "option_contracts", c.limits.Chain, func() (json.RawMessage, error) {
		return c.get(ctx, "option_contracts", "/option/contract", map[string]string{
			"instrument_key": sym.IndexKey(),
		})
	})
	if err != nil {
		return nil, err
	}

	var rows []contractRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, permanentErr("option_contracts", 0, "malformed payload: "+err.Error())
	}

	seen := make(map[string]bool)
	var out []time.Time
	for _, row := range rows {
		if seen[row.Expiry] {
			continue
		}
		seen[row.Expiry] = true
		exp, err := time.ParseInLocation("2006-01-02", row.Expiry, types.IST())
		if err != nil {
			continue
		}
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Historical fetches intraday candles for an instrument. unit is "minutes",
// interval the bar width (1, 5, 15, 60).
func (c *Client) Historical(ctx context.Context, key, unit string, interval int) ([]types.OHLC, error) {
	if err := c.limits.Historical.Wait(ctx); err != nil {
		return nil, transientErr("historical", 0, err)
	}
	path := fmt.Sprintf("/historical-candle/intraday/%s/%s/%d", key, unit, interval)
	data, err := c.get(ctx, "historical", path, nil)
	if err != nil {
		return nil, err
	}

	var payload candlePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, permanentErr("historical", 0, "malformed payload: "+err.Error())
	}

	out := make([]types.OHLC, 0, len(payload.Candles))
	for _, row := range payload.Candles {
		// Positional: [timestamp, open, high, low, close, volume, oi]
		if len(row) < 6 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, row[0].String())
		o, _ := row[1].Float64()
		h, _ := row[2].Float64()
		l, _ := row[3].Float64()
		cl, _ := row[4].Float64()
		vol, _ := row[5].Int64()
		out = append(out, types.OHLC{Open: o, High: h, Low: l, Close: cl, Volume: vol, Timestamp: ts})
	}
	// Broker returns newest first; callers want chronological order.
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AuthorizeFeed fetches the one-shot WebSocket URL for the push feed.
func (c *Client) AuthorizeFeed(ctx context.Context) (string, error) {
	data, err := c.get(ctx, "authorize_feed", "/feed/market-data-feed/authorize", nil)
	if err != nil {
		return "", err
	}
	var auth authorizeData
	if err := json.Unmarshal(data, &auth); err != nil {
		return "", permanentErr("authorize_feed", 0, "malformed payload: "+err.Error())
	}
	if auth.AuthorizedRedirectURI == "" {
		return "", permanentErr("authorize_feed", 0, "empty feed url")
	}
	return auth.AuthorizedRedirectURI, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder submits an order. Price is rounded to the exchange tick (0.05)
// for limit orders.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := c.limits.Order.Wait(ctx); err != nil {
		return OrderResult{}, transientErr("place_order", 0, err)
	}

	body := map[string]any{
		"instrument_token": InstrumentKey(req.Instrument),
		"quantity":         req.Quantity,
		"transaction_type": string(req.Side),
		"order_type":       string(req.OrderType),
		"product":          orDefault(req.Product, "I"),
		"validity":         orDefault(req.Validity, "DAY"),
		"is_amo":           false,
	}
	if req.OrderType == types.OrderTypeLimit {
		body["price"] = roundTick(req.Price).InexactFloat64()
	}

	data, err := c.send(ctx, "place_order", http.MethodPost, "/order/place", body)
	if err != nil {
		return OrderResult{}, err
	}
	var od orderData
	if err := json.Unmarshal(data, &od); err != nil {
		return OrderResult{}, permanentErr("place_order", 0, "malformed payload: "+err.Error())
	}
	return OrderResult{OrderID: od.OrderID, Status: "success"}, nil
}

// ModifyOrder changes price and/or quantity of a pending order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, price decimal.Decimal, quantity int) (OrderResult, error) {
	if err := c.limits.Order.Wait(ctx); err != nil {
		return OrderResult{}, transientErr("modify_order", 0, err)
	}
	body := map[string]any{
		"order_id": orderID,
		"quantity": quantity,
		"price":    roundTick(price).InexactFloat64(),
		"validity": "DAY",
	}
	data, err := c.send(ctx, "modify_order", http.MethodPut, "/order/modify", body)
	if err != nil {
		return OrderResult{}, err
	}
	var od orderData
	if err := json.Unmarshal(data, &od); err != nil {
		return OrderResult{}, permanentErr("modify_order", 0, "malformed payload: "+err.Error())
	}
	return OrderResult{OrderID: od.OrderID, Status: "success"}, nil
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.limits.Order.Wait(ctx); err != nil {
		return transientErr("cancel_order", 0, err)
	}
	_, err := c.send(ctx, "cancel_order", http.MethodDelete, "/order/cancel?order_id="+orderID, nil)
	return err
}

// OrderDetails fetches the current state of one order.
func (c *Client) OrderDetails(ctx context.Context, orderID string) (OrderDetail, error) {
	if err := c.limits.Order.Wait(ctx); err != nil {
		return OrderDetail{}, transientErr("order_details", 0, err)
	}
	data, err := c.get(ctx, "order_details", "/order/details", map[string]string{"order_id": orderID})
	if err != nil {
		return OrderDetail{}, err
	}
	var od orderDetail
	if err := json.Unmarshal(data, &od); err != nil {
		return OrderDetail{}, permanentErr("order_details", 0, "malformed payload: "+err.Error())
	}
	return convertOrderDetail(od), nil
}

// OrderBook fetches all orders for the day.
func (c *Client) OrderBook(ctx context.Context) ([]OrderDetail, error) {
	if err := c.limits.Order.Wait(ctx); err != nil {
		return nil, transientErr("order_book", 0, err)
	}
	data, err := c.get(ctx, "order_book", "/order/retrieve-all", nil)
	if err != nil {
		return nil, err
	}
	var rows []orderDetail
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, permanentErr("order_book", 0, "malformed payload: "+err.Error())
	}
	out := make([]OrderDetail, 0, len(rows))
	for _, od := range rows {
		out = append(out, convertOrderDetail(od))
	}
	return out, nil
}

func convertOrderDetail(od orderDetail) OrderDetail {
	return OrderDetail{
		OrderID:        od.OrderID,
		Status:         od.Status,
		InstrumentKey:  NormalizeKey(od.InstrumentToken),
		Quantity:       od.Quantity,
		FilledQuantity: od.FilledQuantity,
		AveragePrice:   od.AveragePrice,
		Side:           types.Side(od.TransactionType),
		StatusMessage:  od.StatusMessage,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio and account
// ————————————————————————————————————————————————————————————————————————

// Positions fetches the broker's net intraday positions.
func (c *Client) Positions(ctx context.Context) ([]BrokerPosition, error) {
	if err := c.limits.Portfolio.Wait(ctx); err != nil {
		return nil, transientErr("positions", 0, err)
	}
	data, err := c.get(ctx, "positions", "/portfolio/short-term-positions", nil)
	if err != nil {
		return nil, err
	}
	var rows []positionRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, permanentErr("positions", 0, "malformed payload: "+err.Error())
	}
	out := make([]BrokerPosition, 0, len(rows))
	for _, row := range rows {
		out = append(out, BrokerPosition{
			Key:           NormalizeKey(row.InstrumentToken),
			TradingSymbol: row.TradingSymbol,
			Quantity:      row.Quantity,
			AveragePrice:  row.AveragePrice,
			LastPrice:     row.LastPrice,
			PnL:           row.PnL,
		})
	}
	return out, nil
}

// Funds returns the available equity margin.
func (c *Client) Funds(ctx context.Context) (float64, error) {
	if err := c.limits.Portfolio.Wait(ctx); err != nil {
		return 0, transientErr("funds", 0, err)
	}
	data, err := c.get(ctx, "funds", "/user/get-funds-and-margin", nil)
	if err != nil {
		return 0, err
	}
	var fd fundsData
	if err := json.Unmarshal(data, &fd); err != nil {
		return 0, permanentErr("funds", 0, "malformed payload: "+err.Error())
	}
	return fd.Equity.AvailableMargin, nil
}

// GetProfile returns the account identity, used as a connectivity check at
// startup.
func (c *Client) GetProfile(ctx context.Context) (Profile, error) {
	if err := c.limits.Portfolio.Wait(ctx); err != nil {
		return Profile{}, transientErr("profile", 0, err)
	}
	data, err := c.get(ctx, "profile", "/user/profile", nil)
	if err != nil {
		return Profile{}, err
	}
	var pd profileData
	if err := json.Unmarshal(data, &pd); err != nil {
		return Profile{}, permanentErr("profile", 0, "malformed payload: "+err.Error())
	}
	return Profile{UserID: pd.UserID, UserName: pd.UserName, Email: pd.Email, Active: pd.Active}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Transport
// ————————————————————————————————————————————————————————————————————————

// guarded runs a market-data fetch through the circuit breaker. When the
// breaker is open the call fails fast as transient so the caller falls
// through to cache.
func (c *Client) guarded(ctx context.Context, op string, lim *SlidingWindow, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	if err := lim.Wait(ctx); err != nil {
		return nil, transientErr(op, 0, err)
	}
	res, err := c.breaker.Execute(func() (any, error) {
		data, err := fn()
		// Permanent errors are the caller's fault, not the endpoint's
		// health; don't count them against the breaker.
		if IsPermanent(err) {
			return data, nil
		}
		return data, err
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, transientErr(op, 0, err)
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, permanentErr(op, 0, "empty response")
	}
	return res.(json.RawMessage), nil
}

// get performs a GET with retry and classification.
func (c *Client) get(ctx context.Context, op, path string, query map[string]string) (json.RawMessage, error) {
	return c.attempt(ctx, op, func() (*resty.Response, error) {
		r := c.http.R().SetContext(ctx)
		if query != nil {
			r.SetQueryParams(query)
		}
		return r.Get(path)
	})
}

// send performs a mutating request with retry and classification.
func (c *Client) send(ctx context.Context, op, method, path string, body any) (json.RawMessage, error) {
	return c.attempt(ctx, op, func() (*resty.Response, error) {
		r := c.http.R().SetContext(ctx)
		if body != nil {
			r.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		return r.Execute(method, path)
	})
}

// attempt runs the request up to maxAttempts times. Transport failures and
// 5xx retry with exponential backoff; 429 applies an additional cooldown of
// 2^attempt seconds capped at 30s; 4xx fails immediately as permanent.
func (c *Client) attempt(ctx context.Context, op string, do func() (*resty.Response, error)) (json.RawMessage, error) {
	var lastErr *APIError
	backoff := initialBackoff

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff
			if lastErr != nil && lastErr.Kind == KindRateLimited {
				cooldown := time.Duration(1<<attempt) * time.Second
				if cooldown > maxCooldown {
					cooldown = maxCooldown
				}
				wait += cooldown
			}
			select {
			case <-ctx.Done():
				return nil, transientErr(op, 0, ctx.Err())
			case <-time.After(wait):
			}
			backoff *= 2
		}

		resp, err := do()
		if err != nil {
			lastErr = transientErr(op, 0, err)
			c.logger.Debug("request failed", "op", op, "attempt", attempt+1, "error", err)
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == http.StatusOK:
			var env envelope
			if err := json.Unmarshal(resp.Body(), &env); err != nil {
				return nil, permanentErr(op, status, "malformed envelope: "+err.Error())
			}
			if env.Status != "" && env.Status != "success" {
				detail := env.Status
				if len(env.Errors) > 0 {
					detail = env.Errors[0].Message
				}
				return nil, permanentErr(op, status, detail)
			}
			return env.Data, nil
		case status == http.StatusTooManyRequests:
			lastErr = rateLimitedErr(op)
			c.logger.Warn("rate limited", "op", op, "attempt", attempt+1)
		case status >= 500:
			lastErr = transientErr(op, status, fmt.Errorf("server error: %s", resp.String()))
			c.logger.Debug("server error", "op", op, "status", status, "attempt", attempt+1)
		default:
			return nil, permanentErr(op, status, resp.String())
		}
	}
	return nil, lastErr
}

// roundTick rounds a price to the exchange tick size (₹0.05).
func roundTick(p decimal.Decimal) decimal.Decimal {
	tick := decimal.NewFromFloat(0.05)
	return p.Div(tick).Round(0).Mul(tick)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
