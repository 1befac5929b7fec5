// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — instruments, quotes,
// option chains, market snapshots, signals, positions, and allocations. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Symbol is a supported underlying index.
type Symbol string

const (
	NIFTY  Symbol = "NIFTY"
	SENSEX Symbol = "SENSEX"
)

// Exchange returns the derivatives exchange segment for the symbol.
func (s Symbol) Exchange() string {
	if s == SENSEX {
		return "BSE_FO"
	}
	return "NSE_FO"
}

// IndexKey returns the broker instrument key for the underlying index.
func (s Symbol) IndexKey() string {
	if s == SENSEX {
		return "BSE_INDEX|SENSEX"
	}
	return "NSE_INDEX|Nifty 50"
}

// LotSize returns the contract lot size for the symbol.
func (s Symbol) LotSize() int {
	if s == SENSEX {
		return 20
	}
	return 75
}

// StrikeStep returns the strike spacing for the symbol's option chain.
func (s Symbol) StrikeStep() float64 {
	if s == SENSEX {
		return 100
	}
	return 50
}

// InstrumentKind distinguishes index instruments from option contracts.
type InstrumentKind string

const (
	KindIndex  InstrumentKind = "INDEX"
	KindOption InstrumentKind = "OPTION"
)

// Right is the option type: CALL or PUT.
type Right string

const (
	Call Right = "CALL"
	Put  Right = "PUT"
)

// Suffix returns the exchange contract suffix (CE/PE) for the right.
func (r Right) Suffix() string {
	if r == Put {
		return "PE"
	}
	return "CE"
}

// Side is the direction of an order. The engine is long-only in v1:
// positions open with BUY and close with SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType enumerates supported broker order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TradeMode selects paper or live execution.
type TradeMode string

const (
	ModePaper TradeMode = "paper"
	ModeLive  TradeMode = "live"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen      PositionStatus = "OPEN"
	StatusClosed    PositionStatus = "CLOSED"
	StatusCancelled PositionStatus = "CANCELLED"
)

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitTarget     ExitReason = "TARGET_HIT"
	ExitTP3        ExitReason = "TP3_HIT"
	ExitStopLoss   ExitReason = "STOP_LOSS_HIT"
	ExitTrailingSL ExitReason = "TRAILING_SL_HIT"
	ExitEOD        ExitReason = "EOD"
	ExitRiskOff    ExitReason = "RISK_OFF"
	ExitOrphan     ExitReason = "ORPHAN_KILL"
	ExitManual     ExitReason = "MANUAL"
)

// VolRegime buckets the session by the VIX proxy.
type VolRegime string

const (
	RegimeLowVol    VolRegime = "LOW_VOL"
	RegimeNormalVol VolRegime = "NORMAL_VOL"
	RegimeHighVol   VolRegime = "HIGH_VOL"
)

// ————————————————————————————————————————————————————————————————————————
// Instruments and quotes
// ————————————————————————————————————————————————————————————————————————

// Instrument identifies a tradable contract: either an index or one option
// leg. Key holds the broker's opaque instrument key once resolved.
type Instrument struct {
	Symbol Symbol
	Kind   InstrumentKind

	// Option fields; zero for index instruments.
	Strike float64
	Expiry time.Time
	Right  Right

	Key string // broker instrument key, e.g. "NSE_FO|NIFTY26AUG2025CE24500"
}

// IsOption reports whether the instrument is an option contract.
func (i Instrument) IsOption() bool { return i.Kind == KindOption }

// Complete reports whether an option instrument carries every field needed
// to price and exit it. Incomplete positions are quarantined on reload.
func (i Instrument) Complete() bool {
	if i.Symbol == "" {
		return false
	}
	if i.Kind == KindIndex {
		return true
	}
	return i.Strike > 0 && !i.Expiry.IsZero() && (i.Right == Call || i.Right == Put)
}

func (i Instrument) String() string {
	if i.Kind == KindIndex {
		return string(i.Symbol)
	}
	return fmt.Sprintf("%s %.0f %s %s", i.Symbol, i.Strike, i.Right.Suffix(), i.Expiry.Format("02Jan06"))
}

// Quote is one price observation for an instrument. Superseded per tick;
// only the latest is cached.
type Quote struct {
	Instrument Instrument
	LastPrice  float64
	Bid        float64 // 0 when the source does not supply depth
	Ask        float64
	Volume     int64
	CapturedAt time.Time
}

// OHLC is a single candle.
type OHLC struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Option chain
// ————————————————————————————————————————————————————————————————————————

// Greeks holds the option sensitivities for one leg.
type Greeks struct {
	IV    float64 // implied volatility, decimal (0.14 = 14%)
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// OptionLeg is one contract (strike + right) within a chain snapshot.
type OptionLeg struct {
	Strike   float64
	Right    Right
	Bid      float64
	Ask      float64
	Last     float64
	OI       int64
	OIChange int64
	Volume   int64
	Greeks   Greeks
	Key      string // broker instrument key for this leg
}

// StrikePair groups the CALL and PUT legs at one strike. Either may be nil
// when the broker omitted the leg.
type StrikePair struct {
	Call *OptionLeg
	Put  *OptionLeg
}

// OptionChain is one snapshot of the tradable chain for a symbol+expiry,
// filtered around spot, with derived aggregates recomputed from the filtered
// legs.
type OptionChain struct {
	Symbol    Symbol
	Expiry    time.Time
	SpotPrice float64

	Strikes map[float64]StrikePair

	PCR           float64 // put OI / call OI over the filtered strikes
	MaxPainStrike float64
	TotalCallOI   int64
	TotalPutOI    int64
	TotalCallVol  int64
	TotalPutVol   int64

	CapturedAt time.Time
}

// Leg returns the leg for (strike, right), or nil if absent.
func (c *OptionChain) Leg(strike float64, right Right) *OptionLeg {
	pair, ok := c.Strikes[strike]
	if !ok {
		return nil
	}
	if right == Put {
		return pair.Put
	}
	return pair.Call
}

// ATMStrike returns the listed strike nearest spot.
func (c *OptionChain) ATMStrike() float64 {
	best, bestDist := 0.0, -1.0
	for strike := range c.Strikes {
		d := strike - c.SpotPrice
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = strike, d
		}
	}
	return best
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots
// ————————————————————————————————————————————————————————————————————————

// Technicals is the indicator block computed per symbol per snapshot.
type Technicals struct {
	RSI      float64 // RSI(14) on 5m closes
	Return1  float64 // fractional return over the last 5m bar
	Return3  float64 // over the last 3 bars
	Return9  float64 // over the last 9 bars
	MACD     float64
	MACDSig  float64
	BBUpper  float64
	BBLower  float64
	ATR      float64
	ADX      float64
	VWAP     float64 // session VWAP, reset at 09:15
	VIXProxy float64 // annualised return std × 100
	IVRank   float64 // ATM IV percentile vs trailing year, 0..1
	Regime   VolRegime
}

// OIVelocity is the open-interest build rate per side, in contracts per
// minute over trailing 15- and 30-minute windows.
type OIVelocity struct {
	Call15 float64
	Put15  float64
	Call30 float64
	Put30  float64
}

// SymbolSnapshot is the per-symbol slice of a MarketSnapshot.
type SymbolSnapshot struct {
	Symbol     Symbol
	Spot       float64
	ATMStrike  float64
	Expiry     time.Time
	Chain      *OptionChain
	NextChain  *OptionChain // following expiry, refreshed on a slower cadence
	OIVelocity OIVelocity
	Technicals Technicals
	CapturedAt time.Time
}

// MarketSnapshot is the unified market view handed to strategies. Stale
// snapshots must not drive order execution.
type MarketSnapshot struct {
	Symbols    map[Symbol]*SymbolSnapshot
	CapturedAt time.Time
	Stale      bool
}

// ————————————————————————————————————————————————————————————————————————
// Signals, positions, trades
// ————————————————————————————————————————————————————————————————————————

// Signal is a candidate trade emitted by a strategy. Ephemeral: consumed by
// the order manager within the tick that produced it or discarded.
type Signal struct {
	StrategyID string // canonical token, e.g. "momentum_rider"
	Symbol     Symbol
	Right      Right
	Strike     float64
	Expiry     time.Time
	Side       Side // BUY only in v1

	EntryPrice float64
	Target     float64
	StopLoss   float64

	Strength   float64 // 0..100
	Confidence float64 // 0..1
	Greeks     Greeks  // leg greeks at decision time
}

// MarketContext captures the market state around an entry or exit, persisted
// with the position for later analysis.
type MarketContext struct {
	Spot         float64
	VIX          float64
	Regime       VolRegime
	Hour         int
	DayOfWeek    time.Weekday
	DaysToExpiry float64
	PCR          float64
	OI           int64
	Volume       int64
	Spread       float64 // leg bid/ask spread
}

// Position is one open (or closed) long option position.
type Position struct {
	ID         string // opaque unique id
	Instrument Instrument
	Quantity   int // units (lots × lot size), always positive
	StrategyID string

	EntryPrice float64
	EntryTime  time.Time

	CurrentPrice  float64
	UnrealizedPnL float64
	RealizedPnL   float64

	Target     float64
	StopLoss   float64
	TP1        float64
	TP2        float64
	TP3        float64
	TrailingSL float64 // 0 until armed

	EntryGreeks   Greeks
	CurrentGreeks Greeks

	Status     PositionStatus
	ExitReason ExitReason
	ExitTime   time.Time
	ExitPrice  float64

	EntryContext MarketContext
	ExitContext  MarketContext
}

// MarkToMarket applies a new last-traded price. The PnL formula is
// (ltp − entry) × qty for both rights: every position is long.
func (p *Position) MarkToMarket(ltp float64) {
	p.CurrentPrice = ltp
	p.UnrealizedPnL = (ltp - p.EntryPrice) * float64(p.Quantity)
}

// Lots returns the position size in lots.
func (p *Position) Lots() int {
	ls := p.Instrument.Symbol.LotSize()
	if ls == 0 {
		return 0
	}
	return p.Quantity / ls
}

// Trade is the append-only closed-position record with ML telemetry.
type Trade struct {
	PositionID string
	Position   Position
	PnL        float64

	ModelVersion     string
	FeaturesSnapshot []float64 // meta-controller feature vector at entry, if any
}

// ————————————————————————————————————————————————————————————————————————
// Meta-controller
// ————————————————————————————————————————————————————————————————————————

// NumMetaGroups is the number of strategy meta-groups capital is allocated
// across.
const NumMetaGroups = 9

// Allocation is the nine-group capital split. Components are non-negative,
// individually capped at MaxComponent, and sum to 1.
type Allocation struct {
	Weights   [NumMetaGroups]float64
	Timestamp time.Time
}

// MaxComponent is the per-group allocation cap.
const MaxComponent = 0.35

// Uniform returns the equal-weight allocation used when no policy artifact
// is available.
func Uniform() Allocation {
	var a Allocation
	for i := range a.Weights {
		a.Weights[i] = 1.0 / NumMetaGroups
	}
	a.Timestamp = time.Now()
	return a
}

// Sum returns the total of all components.
func (a Allocation) Sum() float64 {
	s := 0.0
	for _, w := range a.Weights {
		s += w
	}
	return s
}
