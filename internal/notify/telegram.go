package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender posts alerts to one chat through the Bot API.
type TelegramSender struct {
	bot        *tgbotapi.BotAPI
	chatID     int64
	maxRetries int
	retryDelay time.Duration
}

// NewTelegramSender authenticates the bot token with getMe.
func NewTelegramSender(token, chatID string) (*TelegramSender, error) {
	return newTelegramSender(token, chatID, tgbotapi.APIEndpoint)
}

func newTelegramSender(token, chatID, endpoint string) (*TelegramSender, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: chat id %q: %w", chatID, err)
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot: %w", err)
	}
	return &TelegramSender{bot: bot, chatID: id, maxRetries: 3, retryDelay: time.Second}, nil
}

// Send posts a MarkdownV2 message with the title in bold, retrying with a
// linear backoff.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	msg := tgbotapi.NewMessage(t.chatID, "*"+escapeMarkdownV2(title)+"*\n"+escapeMarkdownV2(message))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := range t.maxRetries {
		if _, err := t.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("telegram: %w", ctx.Err())
		case <-time.After(t.retryDelay * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("telegram: failed after %d attempts: %w", t.maxRetries, lastErr)
}

// Name implements Sender.
func (t *TelegramSender) Name() string { return "telegram" }

func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, r := range text {
		if strings.ContainsRune(`_*[]()~`+"`"+`>#+-=|{}.!\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
