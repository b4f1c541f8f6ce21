package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Notifier pushes trade events to a Telegram chat. A nil Notifier is valid
// and silently discards everything, which is how the bot runs without
// Telegram configured. Send failures are logged and swallowed; alerting
// must never disturb trading.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New connects to the Telegram API. Returns nil (not an error) when token
// or chat id is missing.
func New(token string, chatID int64) *Notifier {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram not configured, notifications disabled")
		return nil
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Error().Err(err).Msg("Telegram connect failed, notifications disabled")
		return nil
	}

	log.Info().Str("bot", bot.Self.UserName).Msg("📱 Telegram connected")
	return &Notifier{bot: bot, chatID: chatID}
}

// Send pushes one message
func (n *Notifier) Send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		log.Error().Err(err).Msg("Telegram send failed")
	}
}

// Sendf pushes one formatted message
func (n *Notifier) Sendf(format string, args ...any) {
	n.Send(fmt.Sprintf(format, args...))
}

// TradeOpened announces a new position
func (n *Notifier) TradeOpened(direction, mode, dealID string, size, entry, sl, tp1, tp2 float64) {
	emoji := "🟢"
	if direction == "SELL" {
		emoji = "🔴"
	}
	n.Sendf("%s %s %s x%.2f\nEntry: %.2f\nSL: %.2f\nTP1: %.2f\nTP2: %.2f\nDeal: %s",
		emoji, direction, mode, size, entry, sl, tp1, tp2, dealID)
}

// TP1Hit announces a partial close at the first target
func (n *Notifier) TP1Hit(dealID string, closedSize, remaining, price float64) {
	n.Sendf("🎯 TP1 hit @ %.2f\nClosed %.2f, running %.2f to TP2\nDeal: %s",
		price, closedSize, remaining, dealID)
}

// TP2Hit announces the final target
func (n *Notifier) TP2Hit(dealID string, profit, price float64) {
	n.Sendf("🏆 TP2 hit @ %.2f\nPnL: %+.2f\nDeal: %s", price, profit, dealID)
}

// StopHit announces a stop loss
func (n *Notifier) StopHit(dealID string, profit, price float64) {
	n.Sendf("🛑 SL hit @ %.2f\nPnL: %+.2f\nDeal: %s", price, profit, dealID)
}

// BrokerClosed announces a position that vanished at the broker
func (n *Notifier) BrokerClosed(dealID string, profit float64, profitKnown bool) {
	if profitKnown {
		n.Sendf("⚠️ Position closed at broker\nPnL: %+.2f\nDeal: %s", profit, dealID)
		return
	}
	n.Sendf("⚠️ Position closed at broker, PnL unknown\nDeal: %s", dealID)
}

// DailyReset announces the UTC day rollover
func (n *Notifier) DailyReset(equity float64) {
	n.Sendf("🌅 New trading day\nEquity: %.2f", equity)
}

// Startup announces the bot coming online
func (n *Notifier) Startup(epic, accountType string, equity float64) {
	n.Sendf("🤖 GoldBot online\n%s (%s)\nEquity: %.2f", epic, accountType, equity)
}

// Shutdown announces a graceful stop
func (n *Notifier) Shutdown() {
	n.Send("🤖 GoldBot shutting down")
}
