package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	logx "killfeed/pkg/logx"
)

// WebhookConfig configures one JSON webhook channel.
type WebhookConfig struct {
	Name     string
	URL      string
	Token    string
	Timeout  time.Duration // default 10s
	RetryMax int           // bounded retries for 5xx/transport, default 2
}

// Webhook posts messages as JSON. Auth failures are never retried; 429 comes
// straight back to the queue with the Retry-After hint; 5xx and transport
// errors retry a bounded number of times with a small backoff.
type Webhook struct {
	cfg  WebhookConfig
	http *http.Client
	log  logx.Logger
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) (*Webhook, error) {
	if cfg.Name == "" {
		return nil, errors.New("delivery: webhook name is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("delivery: webhook %q has no url", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	} else if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("channel", cfg.Name)),
	}, nil
}

func (w *Webhook) Name() string { return w.cfg.Name }

func (w *Webhook) Send(ctx context.Context, msg Message) SendResult {
	body, err := json.Marshal(msg)
	if err != nil {
		return SendResult{Err: fmt.Errorf("encode message %s: %w", msg.ID, err)}
	}

	var last SendResult
	for attempt := 0; attempt <= w.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := time.Duration(200+100*attempt) * time.Millisecond
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return SendResult{Err: ctx.Err()}
			case <-tmr.C:
			}
		}

		res := w.post(ctx, body)
		if res.Success || res.RateLimited {
			return res
		}
		last = res
		// Auth and other 4xx are not going to get better on retry.
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			return res
		}
	}
	return last
}

func (w *Webhook) post(ctx context.Context, body []byte) SendResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return SendResult{Err: err}
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return SendResult{Success: true, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return SendResult{
			StatusCode:  resp.StatusCode,
			RateLimited: true,
			RetryAfter:  retryAfterHeader(resp),
			Err:         fmt.Errorf("webhook %s: rate limited", w.cfg.Name),
		}
	default:
		return SendResult{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("webhook %s: status %d", w.cfg.Name, resp.StatusCode),
		}
	}
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
