// Package notify pushes position lifecycle events and operational alerts to
// the operator. The default sink is the structured log; with a Telegram
// token configured, alerts also go to the operator's chat.
package notify

import (
	"fmt"
	"log/slog"

	"options-engine/pkg/types"
)

// Notifier receives engine events. Implementations must not block the
// caller; slow transports deliver asynchronously.
type Notifier interface {
	TradeOpened(p types.Position)
	TradeClosed(p types.Position)
	Critical(msg string)
	Info(msg string)
}

// LogNotifier writes notifications to the structured log. Always available;
// used as the fallback when no external transport is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) TradeOpened(p types.Position) {
	n.logger.Info("trade opened",
		"instrument", p.Instrument.String(),
		"qty", p.Quantity,
		"entry", p.EntryPrice,
		"stop", p.StopLoss,
		"target", p.Target,
		"strategy", p.StrategyID,
	)
}

func (n *LogNotifier) TradeClosed(p types.Position) {
	n.logger.Info("trade closed",
		"instrument", p.Instrument.String(),
		"reason", p.ExitReason,
		"entry", p.EntryPrice,
		"exit", p.ExitPrice,
		"pnl", p.RealizedPnL,
	)
}

func (n *LogNotifier) Critical(msg string) { n.logger.Error("ALERT: " + msg) }
func (n *LogNotifier) Info(msg string)     { n.logger.Info(msg) }

// Multi fans out to several notifiers.
type Multi []Notifier

func (m Multi) TradeOpened(p types.Position) {
	for _, n := range m {
		n.TradeOpened(p)
	}
}

func (m Multi) TradeClosed(p types.Position) {
	for _, n := range m {
		n.TradeClosed(p)
	}
}

func (m Multi) Critical(msg string) {
	for _, n := range m {
		n.Critical(msg)
	}
}

func (m Multi) Info(msg string) {
	for _, n := range m {
		n.Info(msg)
	}
}

// FormatPnL renders a signed rupee amount for human-facing messages.
func FormatPnL(v float64) string {
	if v >= 0 {
		return fmt.Sprintf("+₹%.2f", v)
	}
	return fmt.Sprintf("-₹%.2f", -v)
}
