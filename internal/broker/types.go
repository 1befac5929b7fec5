// types.go holds the broker REST wire formats. Field names mirror the
// broker's JSON exactly; internal code converts these into pkg/types values
// at the client boundary.
package broker

import "encoding/json"

// envelope is the common {status, data} wrapper on every REST response.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

// ltpEntry is one instrument's row in /market-quote/ltp.
type ltpEntry struct {
	LastPrice       float64 `json:"last_price"`
	InstrumentToken string  `json:"instrument_token"`
}

// ohlcEntry is one instrument's row in /market-quote/ohlc.
type ohlcEntry struct {
	LastPrice float64 `json:"last_price"`
	OHLC      struct {
		Open  float64 `json:"open"`
		High  float64 `json:"high"`
		Low   float64 `json:"low"`
		Close float64 `json:"close"`
	} `json:"ohlc"`
}

// chainLeg is the call_options / put_options block in /option/chain.
type chainLeg struct {
	InstrumentKey string `json:"instrument_key"`
	MarketData    struct {
		LTP    float64 `json:"ltp"`
		OI     int64   `json:"oi"`
		PrevOI int64   `json:"prev_oi"`
		Volume int64   `json:"volume"`
		Bid    float64 `json:"bid_price"`
		Ask    float64 `json:"ask_price"`
	} `json:"market_data"`
	OptionGreeks struct {
		IV    float64 `json:"iv"`
		Delta float64 `json:"delta"`
		Gamma float64 `json:"gamma"`
		Theta float64 `json:"theta"`
		Vega  float64 `json:"vega"`
	} `json:"option_greeks"`
}

// chainRow is one strike row in /option/chain.
type chainRow struct {
	StrikePrice    float64   `json:"strike_price"`
	UnderlyingSpot float64   `json:"underlying_spot_price"`
	CallOptions    *chainLeg `json:"call_options"`
	PutOptions     *chainLeg `json:"put_options"`
	PCR            float64   `json:"pcr"`
	UnderlyingKey  string    `json:"underlying_key"`
	ExpiryDate     string    `json:"expiry"`
}

// contractRow is one row in /option/contract.
type contractRow struct {
	Expiry        string `json:"expiry"`
	InstrumentKey string `json:"instrument_key"`
	WeeklyFlag    bool   `json:"weekly"`
}

// candlePayload is the /historical-candle response body. Each candle is a
// positional array: [timestamp, open, high, low, close, volume, oi].
type candlePayload struct {
	Candles [][]json.Number `json:"candles"`
}

// orderData is the payload of order placement/modification responses.
type orderData struct {
	OrderID string `json:"order_id"`
}

// orderDetail is one order row from /order/details and /order/retrieve-all.
type orderDetail struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	InstrumentToken string  `json:"instrument_token"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	AveragePrice    float64 `json:"average_price"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Price           float64 `json:"price"`
	StatusMessage   string  `json:"status_message"`
}

// positionRow is one row from /portfolio/short-term-positions.
type positionRow struct {
	InstrumentToken string  `json:"instrument_token"`
	TradingSymbol   string  `json:"trading_symbol"`
	Quantity        int     `json:"quantity"` // signed: negative = net short
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	PnL             float64 `json:"pnl"`
	Product         string  `json:"product"`
	Exchange        string  `json:"exchange"`
}

// fundsData is the /user/get-funds-and-margin payload.
type fundsData struct {
	Equity struct {
		AvailableMargin float64 `json:"available_margin"`
		UsedMargin      float64 `json:"used_margin"`
	} `json:"equity"`
}

// profileData is the /user/profile payload.
type profileData struct {
	UserName string `json:"user_name"`
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Active   bool   `json:"is_active"`
}

// authorizeData is the /feed/market-data-feed/authorize payload: a single-use
// WebSocket URL.
type authorizeData struct {
	AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
}
