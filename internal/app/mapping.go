package app

import (
	"fmt"
	"time"

	"killfeed/internal/config"
	"killfeed/internal/debugserver"
	"killfeed/internal/delivery"
	"killfeed/internal/enrich"
	"killfeed/internal/expunge"
	"killfeed/internal/storage"
	logx "killfeed/pkg/logx"
)

// Mapping from the decoded config file to component configs. Duration fields
// arrive as strings and are parsed here so a bad value fails the whole load.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapEnrichConfig(cfg *config.Config) (enrich.ClientConfig, enrich.CoordinatorConfig, error) {
	timeout, err := config.ParseDurationField("enrich.timeout", cfg.Enrich.Timeout)
	if err != nil {
		return enrich.ClientConfig{}, enrich.CoordinatorConfig{}, err
	}
	retryBase, err := config.ParseDurationField("enrich.retry_base", cfg.Enrich.RetryBase)
	if err != nil {
		return enrich.ClientConfig{}, enrich.CoordinatorConfig{}, err
	}
	cc := enrich.ClientConfig{
		BaseURL:    cfg.Enrich.BaseURL,
		Token:      cfg.Enrich.Token,
		Timeout:    timeout,
		RatePerSec: cfg.Enrich.RatePerSec,
		RetryMax:   cfg.Enrich.RetryMax,
		RetryBase:  retryBase,
	}
	return cc, enrich.CoordinatorConfig{MaxAttempts: cfg.Enrich.MaxAttempts}, nil
}

func mapQueueConfig(name string, ch config.ChannelConfig) (delivery.QueueConfig, error) {
	prefix := "channels." + name
	staleness, err := config.ParseDurationField(prefix+".staleness", ch.Staleness)
	if err != nil {
		return delivery.QueueConfig{}, err
	}
	minDur, err := config.ParseDurationField(prefix+".breaker.min_duration", ch.Breaker.MinDuration)
	if err != nil {
		return delivery.QueueConfig{}, err
	}
	retryAfter, err := config.ParseDurationField(prefix+".breaker.retry_after", ch.Breaker.RetryAfter)
	if err != nil {
		return delivery.QueueConfig{}, err
	}
	return delivery.QueueConfig{
		MaxSize:    ch.MaxSize,
		Staleness:  staleness,
		RatePerSec: ch.RatePerSec,
		Burst:      ch.Burst,
		Breaker: delivery.BreakerConfig{
			MinFailures: ch.Breaker.MinFailures,
			MinDuration: minDur,
			RetryAfter:  retryAfter,
		},
	}, nil
}

func mapChannel(name string, ch config.ChannelConfig, log logx.Logger) (delivery.Channel, error) {
	timeout, err := config.ParseDurationField("channels."+name+".timeout", ch.Timeout)
	if err != nil {
		return nil, err
	}
	switch ch.Type {
	case "webhook":
		return delivery.NewWebhook(delivery.WebhookConfig{
			Name:    name,
			URL:     ch.URL,
			Token:   ch.Token,
			Timeout: timeout,
		}, log)
	case "telegram":
		return delivery.NewTelegram(delivery.TelegramConfig{
			Name:    name,
			Token:   ch.BotToken,
			ChatID:  ch.ChatID,
			Timeout: timeout,
		}, log)
	default:
		return nil, fmt.Errorf("channels.%s: unknown type %q", name, ch.Type)
	}
}

func mapExpungeConfig(cfg *config.Config) (expunge.Config, error) {
	out := expunge.Config{Schedule: cfg.Expunge.Schedule}
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"expunge.interval", cfg.Expunge.Interval, &out.Interval},
		{"expunge.event_retention", cfg.Expunge.EventRetention, &out.EventRetention},
		{"expunge.marker_retention", cfg.Expunge.MarkerRetention, &out.MarkerRetention},
		{"expunge.claim_liveness", cfg.Expunge.ClaimLiveness, &out.ClaimLiveness},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return expunge.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapDebugConfig(cfg *config.Config) (debugserver.Config, error) {
	out := debugserver.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"debug.read_timeout", cfg.Debug.ReadTimeout, &out.ReadTimeout},
		{"debug.write_timeout", cfg.Debug.WriteTimeout, &out.WriteTimeout},
		{"debug.idle_timeout", cfg.Debug.IdleTimeout, &out.IdleTimeout},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return debugserver.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}
