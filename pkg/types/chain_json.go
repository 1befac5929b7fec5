package types

import (
	"encoding/json"
	"sort"
	"time"
)

// JSON cannot key objects by float, so OptionChain serializes its strike map
// as a sorted array. Used by the shared cache tier and chain snapshot rows.

type strikeJSON struct {
	Strike float64    `json:"strike"`
	Call   *OptionLeg `json:"call,omitempty"`
	Put    *OptionLeg `json:"put,omitempty"`
}

type chainJSON struct {
	Symbol        Symbol       `json:"symbol"`
	Expiry        time.Time    `json:"expiry"`
	SpotPrice     float64      `json:"spot_price"`
	Strikes       []strikeJSON `json:"strikes"`
	PCR           float64      `json:"pcr"`
	MaxPainStrike float64      `json:"max_pain_strike"`
	TotalCallOI   int64        `json:"total_call_oi"`
	TotalPutOI    int64        `json:"total_put_oi"`
	TotalCallVol  int64        `json:"total_call_vol"`
	TotalPutVol   int64        `json:"total_put_vol"`
	CapturedAt    time.Time    `json:"captured_at"`
}

func (c OptionChain) MarshalJSON() ([]byte, error) {
	out := chainJSON{
		Symbol:        c.Symbol,
		Expiry:        c.Expiry,
		SpotPrice:     c.SpotPrice,
		Strikes:       make([]strikeJSON, 0, len(c.Strikes)),
		PCR:           c.PCR,
		MaxPainStrike: c.MaxPainStrike,
		TotalCallOI:   c.TotalCallOI,
		TotalPutOI:    c.TotalPutOI,
		TotalCallVol:  c.TotalCallVol,
		TotalPutVol:   c.TotalPutVol,
		CapturedAt:    c.CapturedAt,
	}
	for strike, pair := range c.Strikes {
		out.Strikes = append(out.Strikes, strikeJSON{Strike: strike, Call: pair.Call, Put: pair.Put})
	}
	sort.Slice(out.Strikes, func(i, j int) bool { return out.Strikes[i].Strike < out.Strikes[j].Strike })
	return json.Marshal(out)
}

func (c *OptionChain) UnmarshalJSON(data []byte) error {
	var in chainJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.Symbol = in.Symbol
	c.Expiry = in.Expiry
	c.SpotPrice = in.SpotPrice
	c.PCR = in.PCR
	c.MaxPainStrike = in.MaxPainStrike
	c.TotalCallOI = in.TotalCallOI
	c.TotalPutOI = in.TotalPutOI
	c.TotalCallVol = in.TotalCallVol
	c.TotalPutVol = in.TotalPutVol
	c.CapturedAt = in.CapturedAt
	c.Strikes = make(map[float64]StrikePair, len(in.Strikes))
	for _, s := range in.Strikes {
		c.Strikes[s.Strike] = StrikePair{Call: s.Call, Put: s.Put}
	}
	return nil
}
