// Package telegram sends run summaries via the Telegram Bot API. Delivery is
// advisory: a failed send is reported to the caller but never aborts a batch.
package telegram

import (
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/evradar/evradar/internal/pipeline"
)

// Client handles Telegram notifications
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SendRunSummary sends the batch statistics for one run.
func (c *Client) SendRunSummary(stats *pipeline.Stats, ranAt time.Time) error {
	message := formatRunSummary(stats, ranAt)

	msg := tgbotapi.NewMessage(c.chatID, message)
	msg.ParseMode = "MarkdownV2"

	// Send with retry
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatRunSummary formats pipeline stats into a Telegram message
func formatRunSummary(stats *pipeline.Stats, ranAt time.Time) string {
	message := "📡 *Event Radar Run Summary*\n\n"
	message += fmt.Sprintf("🕑 %s\n\n", escapeMarkdownV2(ranAt.Format("2006-01-02 15:04:05 MST")))

	message += fmt.Sprintf("Collected: %d\n", stats.Collected)
	message += fmt.Sprintf("Inserted: %d \\| Updated: %d \\| Merged: %d\n",
		stats.Inserted, stats.Updated, stats.Merged)
	message += fmt.Sprintf("Cancelled: %d \\| Ignored: %d \\| Rejected: %d\n",
		stats.Cancelled, stats.Ignored, stats.Rejected)

	if len(stats.Errors) > 0 {
		message += fmt.Sprintf("\n⚠️ *%d collector errors:*\n", len(stats.Errors))
		shown := stats.Errors
		if len(shown) > 5 {
			shown = shown[:5]
		}
		for _, e := range shown {
			message += fmt.Sprintf("• %s\n", escapeMarkdownV2(e))
		}
		if len(stats.Errors) > len(shown) {
			message += fmt.Sprintf("… and %d more\n", len(stats.Errors)-len(shown))
		}
	}

	return message
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	result := ""
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			result += "\\" + string(char)
		default:
			result += string(char)
		}
	}
	return result
}
