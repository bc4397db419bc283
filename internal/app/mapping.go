package app

import (
	"fmt"
	"strings"
	"time"

	"openwhen/internal/config"
	"openwhen/internal/delivery"
	"openwhen/internal/reconcile"
	"openwhen/internal/store"
	logx "openwhen/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = config.DefaultStoragePath
		}
		return store.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return store.Config{Driver: driver, Path: path, DSN: strings.TrimSpace(sc.DSN)}, nil
	}
}

func mapEngineConfig(cfg *config.Config) (reconcile.Config, config.Scheduler, error) {
	s, err := cfg.Scheduler.Resolve()
	if err != nil {
		return reconcile.Config{}, config.Scheduler{}, err
	}
	return reconcile.Config{
		LateThreshold: s.LateThreshold,
		LookBack:      s.Lookback,
		Cap:           s.OccurrenceCap,
		Location:      s.Location,
	}, s, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	ready, err := config.ParseDurationField("delivery.ready_timeout", cfg.Delivery.ReadyTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{ReadyTimeout: ready, RatePerSec: cfg.Delivery.RatePerSec}, nil
}

// buildChannel constructs a named channel. An empty name yields nil.
func buildChannel(name string, cfg *config.Config, log logx.Logger) (delivery.Channel, error) {
	d := cfg.Delivery
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return nil, nil
	case "log":
		return delivery.NewLogChannel(log), nil
	case "telegram":
		timeout, err := config.ParseDurationField("delivery.telegram.timeout", d.Telegram.Timeout)
		if err != nil {
			return nil, err
		}
		ch, err := delivery.NewTelegram(delivery.TelegramConfig{
			Token:    d.Telegram.Token,
			ChatID:   d.Telegram.ChatID,
			ThreadID: d.Telegram.ThreadID,
			APIURL:   d.Telegram.APIURL,
			Timeout:  timeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case "slack":
		timeout, err := config.ParseDurationField("delivery.slack.timeout", d.Slack.Timeout)
		if err != nil {
			return nil, err
		}
		ch, err := delivery.NewSlack(delivery.SlackConfig{WebhookURL: d.Slack.WebhookURL, Timeout: timeout})
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("delivery: unknown channel %q", name)
	}
}

func buildChannels(cfg *config.Config, log logx.Logger) (primary, fallback delivery.Channel, err error) {
	if primary, err = buildChannel(cfg.Delivery.Primary, cfg, log); err != nil {
		return nil, nil, fmt.Errorf("delivery.primary: %w", err)
	}
	if primary == nil {
		primary = delivery.NewLogChannel(log)
	}
	if fallback, err = buildChannel(cfg.Delivery.Fallback, cfg, log); err != nil {
		return nil, nil, fmt.Errorf("delivery.fallback: %w", err)
	}
	return primary, fallback, nil
}
