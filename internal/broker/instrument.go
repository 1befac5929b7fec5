// instrument.go builds and parses broker instrument keys.
//
// Request keys use a pipe between segment and contract
// ("NSE_FO|NIFTY26AUG2025CE24500"); some response payloads echo the same key
// with a colon instead ("NSE_FO:NIFTY26AUG2025CE24500"). NormalizeKey maps
// the colon variant back so map lookups line up.
package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"options-engine/pkg/types"
)

// OptionKey serializes an option instrument into the broker's key format:
// <EXCH>_FO|<SYMBOL><DDMMMYYYY upper><CE|PE><STRIKE without trailing .0>.
func OptionKey(sym types.Symbol, strike float64, right types.Right, expiry time.Time) string {
	return fmt.Sprintf("%s|%s%s%s%s",
		sym.Exchange(),
		sym,
		strings.ToUpper(expiry.Format("02Jan2006")),
		right.Suffix(),
		formatStrike(strike),
	)
}

// InstrumentKey returns the broker key for any instrument, resolving option
// keys from their components when Key is unset.
func InstrumentKey(inst types.Instrument) string {
	if inst.Key != "" {
		return inst.Key
	}
	if inst.Kind == types.KindIndex {
		return inst.Symbol.IndexKey()
	}
	return OptionKey(inst.Symbol, inst.Strike, inst.Right, inst.Expiry)
}

// NormalizeKey maps the colon response variant back to the pipe form.
// Only the first separator is affected; contract names never contain either.
func NormalizeKey(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 && !strings.ContainsRune(key, '|') {
		return key[:i] + "|" + key[i+1:]
	}
	return key
}

// formatStrike renders a strike without a trailing ".0" (24500, not 24500.0)
// while preserving genuine fractional strikes.
func formatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

// ParseOptionKey recovers (symbol, strike, right, expiry) from an option key.
// Used during rehydration when a persisted position carries a key but lost
// its structured fields.
func ParseOptionKey(key string) (types.Instrument, error) {
	key = NormalizeKey(key)
	_, contract, ok := strings.Cut(key, "|")
	if !ok {
		return types.Instrument{}, fmt.Errorf("instrument key %q: missing segment separator", key)
	}

	var sym types.Symbol
	switch {
	case strings.HasPrefix(contract, string(types.NIFTY)):
		sym = types.NIFTY
	case strings.HasPrefix(contract, string(types.SENSEX)):
		sym = types.SENSEX
	default:
		return types.Instrument{}, fmt.Errorf("instrument key %q: unknown symbol", key)
	}
	rest := contract[len(sym):]

	// <DDMMMYYYY><CE|PE><STRIKE>: the date is a fixed 9 characters.
	if len(rest) < 12 {
		return types.Instrument{}, fmt.Errorf("instrument key %q: contract too short", key)
	}
	expiry, err := time.ParseInLocation("02Jan2006", titleCaseDate(rest[:9]), types.IST())
	if err != nil {
		return types.Instrument{}, fmt.Errorf("instrument key %q: bad expiry: %w", key, err)
	}

	var right types.Right
	switch rest[9:11] {
	case "CE":
		right = types.Call
	case "PE":
		right = types.Put
	default:
		return types.Instrument{}, fmt.Errorf("instrument key %q: bad right %q", key, rest[9:11])
	}

	strike, err := strconv.ParseFloat(rest[11:], 64)
	if err != nil {
		return types.Instrument{}, fmt.Errorf("instrument key %q: bad strike: %w", key, err)
	}

	return types.Instrument{
		Symbol: sym,
		Kind:   types.KindOption,
		Strike: strike,
		Expiry: expiry,
		Right:  right,
		Key:    key,
	}, nil
}

// titleCaseDate turns "26AUG2025" into "26Aug2025" for time.Parse.
func titleCaseDate(s string) string {
	if len(s) != 9 {
		return s
	}
	return s[:3] + strings.ToLower(s[3:5]) + s[5:]
}
