// Package telegram sends bot replies through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nitro-bot/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Button is one inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Label string
	Data  string
	URL   string
}

// Keyboard is a grid of inline buttons, one slice per row.
type Keyboard [][]Button

// Config holds configuration to initialise the Telegram client.
type Config struct {
	Token       string
	APIEndpoint string
	Timeout     time.Duration
}

// Client wraps tgbotapi.BotAPI with metrics and logging.
type Client struct {
	bot     *tgbotapi.BotAPI
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New authenticates against the Bot API and returns a client.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	logger = logger.With("component", "telegram")
	logger.Info("telegram bot authorised", "username", bot.Self.UserName)
	return &Client{bot: bot, logger: logger, metrics: metrics}, nil
}

// SendText sends a message with an optional inline keyboard.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, kb Keyboard) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup, ok := inlineMarkup(kb); ok {
		msg.ReplyMarkup = markup
	}
	return c.send(ctx, "sendMessage", msg)
}

// SendDocument uploads data as a file named name.
func (c *Client) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption
	return c.send(ctx, "sendDocument", doc)
}

// AnswerCallback acknowledges a callback query so the client stops its spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	return c.request(ctx, "answerCallbackQuery", tgbotapi.NewCallback(callbackID, ""))
}

// SetWebhook registers url as the bot's webhook.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("build webhook config: %w", err)
	}
	return c.request(ctx, "setWebhook", wh)
}

func (c *Client) send(ctx context.Context, method string, chattable tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	_, err := c.bot.Send(chattable)
	c.observe(method, start, err)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method string, chattable tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	_, err := c.bot.Request(chattable)
	c.observe(method, start, err)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	return nil
}

func (c *Client) observe(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.Errors.WithLabelValues("telegram").Inc()
	}
	c.metrics.TelegramOutgoing.WithLabelValues(method, status).Inc()
	c.metrics.TelegramLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func inlineMarkup(kb Keyboard) (tgbotapi.InlineKeyboardMarkup, bool) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Label, b.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		if len(buttons) > 0 {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
		}
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
