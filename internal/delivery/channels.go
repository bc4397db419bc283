package delivery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	tele "gopkg.in/telebot.v4"

	logx "openwhen/pkg/logx"
)

// LogChannel writes notifications to the structured log. It always confirms.
type LogChannel struct {
	log logx.Logger
}

func NewLogChannel(log logx.Logger) *LogChannel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogChannel{log: log.With(logx.String("comp", "delivery.log"))}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, n Notification) error {
	c.log.Info("reminder",
		logx.String("key", n.Key),
		logx.String("text", n.Text),
		logx.String("when", n.WhenLine),
		logx.Any("urls", n.URLs()),
		logx.Bool("late", n.Late),
		logx.Int("missed", n.MissedCount),
	)
	return nil
}

// ---- Telegram ----

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, self-hosted bot API servers).
	APIURL  string
	Timeout time.Duration
}

// TelegramChannel posts notifications to one chat through the Bot API.
type TelegramChannel struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

const telegramTextLimit = 4000

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*TelegramChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TelegramChannel{cfg: cfg, bot: b, log: log.With(logx.String("comp", "delivery.telegram"))}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, n Notification) error {
	chat := &tele.Chat{ID: c.cfg.ChatID}
	for _, chunk := range splitText(n.Render(), telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ThreadID: c.cfg.ThreadID,
			// Previews only make sense for a single link.
			DisableWebPagePreview: len(n.URLs()) != 1,
		}
		if _, err := c.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText splits long messages into chunks, preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// ---- Slack ----

type SlackConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// SlackChannel posts notifications to an incoming webhook.
type SlackChannel struct {
	url  string
	http *http.Client
}

func NewSlack(cfg SlackConfig) (*SlackChannel, error) {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil, errors.New("slack webhook_url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &SlackChannel{url: cfg.WebhookURL, http: &http.Client{Timeout: timeout}}, nil
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, n Notification) error {
	color := "good"
	if n.Late {
		color = "warning"
	}
	text := n.Text
	if text == "" {
		text = "openwhen reminder"
	}
	body := n.WhenLine
	if urls := n.URLs(); len(urls) > 0 {
		body += "\n" + strings.Join(urls, "\n")
	}
	msg := &slack.WebhookMessage{
		Text: text,
		Attachments: []slack.Attachment{{
			Color:  color,
			Text:   body,
			Footer: "openwhen " + n.Key,
		}},
	}
	return slack.PostWebhookCustomHTTPContext(ctx, c.url, c.http, msg)
}
