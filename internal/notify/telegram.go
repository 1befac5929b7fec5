package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"options-engine/pkg/types"
)

// TelegramNotifier sends alerts to a Telegram chat. Delivery is async with a
// bounded queue; when the queue is full the message is dropped and logged,
// never blocking the trading path.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
	queue  chan string
}

func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	n := &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger.With("component", "notify_telegram"),
		queue:  make(chan string, 64),
	}
	go n.sendLoop()
	return n, nil
}

func (n *TelegramNotifier) sendLoop() {
	for text := range n.queue {
		msg := tgbotapi.NewMessage(n.chatID, text)
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn("telegram send failed", "error", err)
		}
	}
}

func (n *TelegramNotifier) enqueue(text string) {
	select {
	case n.queue <- text:
	default:
		n.logger.Warn("telegram queue full, dropping message")
	}
}

func (n *TelegramNotifier) TradeOpened(p types.Position) {
	n.enqueue(fmt.Sprintf("🟢 OPEN %s ×%d @ %.2f\nSL %.2f | TGT %.2f | %s",
		p.Instrument.String(), p.Quantity, p.EntryPrice, p.StopLoss, p.Target, p.StrategyID))
}

func (n *TelegramNotifier) TradeClosed(p types.Position) {
	icon := "🔴"
	if p.RealizedPnL >= 0 {
		icon = "🟢"
	}
	n.enqueue(fmt.Sprintf("%s CLOSE %s @ %.2f (%s)\nPnL %s",
		icon, p.Instrument.String(), p.ExitPrice, p.ExitReason, FormatPnL(p.RealizedPnL)))
}

func (n *TelegramNotifier) Critical(msg string) {
	n.enqueue("🚨 " + msg)
}

func (n *TelegramNotifier) Info(msg string) {
	n.enqueue("ℹ️ " + msg)
}

// Close drains the queue and stops the send loop.
func (n *TelegramNotifier) Close() {
	close(n.queue)
}
