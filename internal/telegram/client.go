// Package telegram provides a client for sending anomaly digests via Telegram Bot API.
package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/spendwatch/internal/detector"
	"github.com/rewired-gh/spendwatch/internal/models"
)

// sender is the subset of *tgbotapi.BotAPI used here.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	now            func() time.Time
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		now:            time.Now,
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendDigest sends one message listing the flagged transactions of a user.
func (c *Client) SendDigest(userID string, records []models.AnomalyRecord) error {
	if len(records) == 0 {
		return nil
	}
	return c.sendMarkdownV2(c.formatDigest(userID, records))
}

// formatDigest formats records into a Telegram MarkdownV2 message.
func (c *Client) formatDigest(userID string, records []models.AnomalyRecord) string {
	var b strings.Builder
	b.WriteString("🚨 *Unusual Spending Detected*\n\n")
	fmt.Fprintf(&b, "👤 %s\n", escapeMarkdownV2(userID))
	fmt.Fprintf(&b, "📅 Detected: %s\n\n", escapeMarkdownV2(c.now().Format("2006-01-02 15:04:05")))

	for i, r := range records {
		amount := escapeMarkdownV2(detector.FormatMoney(r.AbsAmount(), r.Currency))
		title := escapeMarkdownV2(r.DisplayCategory())
		fmt.Fprintf(&b, "%d\\. *%s* %s", i+1, amount, title)
		if r.Date != "" {
			fmt.Fprintf(&b, " \\(%s\\)", escapeMarkdownV2(r.Date))
		}
		b.WriteString("\n")
		if r.Description != "" {
			fmt.Fprintf(&b, "   🧾 %s\n", escapeMarkdownV2(r.Description))
		}
		fmt.Fprintf(&b, "   %s %s\n\n", severityEmoji(r.Severity), escapeMarkdownV2(r.Reason))
	}
	return b.String()
}

func severityEmoji(s models.Severity) string {
	switch s {
	case models.SeverityHigh:
		return "🔴"
	case models.SeverityMedium:
		return "🟠"
	default:
		return "🟡"
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
