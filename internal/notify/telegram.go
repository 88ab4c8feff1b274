// Package notify delivers out-of-band operator alerts. The bridge's own chat
// channel cannot carry them when the session itself is down, so alerts go
// through Telegram.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends alerts to a fixed operator chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	logger.Info("telegram notifier ready", "bot", bot.Self.UserName, "chat_id", chatID)
	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

// Alert sends text to the operator chat. Delivery failures are logged, never
// propagated; alerting must not take the bridge down.
func (t *Telegram) Alert(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram alert failed", "err", err)
	}
}
