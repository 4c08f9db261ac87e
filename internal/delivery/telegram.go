package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "killfeed/pkg/logx"
)

// TelegramConfig configures one telegram channel.
type TelegramConfig struct {
	Name    string
	Token   string
	ChatID  int64
	Timeout time.Duration // default 10s
}

// Telegram sends messages to a single chat. The bot never polls; this is a
// send-only client.
type Telegram struct {
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if cfg.Name == "" {
		return nil, errors.New("delivery: telegram name is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("delivery: telegram %q has no token", cfg.Name)
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("delivery: telegram %q has no chat_id", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: telegram %q: %w", cfg.Name, err)
	}
	return &Telegram{cfg: cfg, bot: b, log: log.With(logx.String("channel", cfg.Name))}, nil
}

func (t *Telegram) Name() string { return t.cfg.Name }

func (t *Telegram) Send(ctx context.Context, msg Message) SendResult {
	select {
	case <-ctx.Done():
		return SendResult{Err: ctx.Err()}
	default:
	}

	text := msg.Subject
	if msg.Body != "" {
		text = msg.Subject + "\n" + msg.Body
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
	})
	if err == nil {
		return SendResult{Success: true}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return SendResult{
			StatusCode:  http.StatusTooManyRequests,
			RateLimited: true,
			RetryAfter:  time.Duration(flood.RetryAfter) * time.Second,
			Err:         err,
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return SendResult{StatusCode: apiErr.Code, Err: err}
	}
	return SendResult{Err: err}
}
