package config

import (
	"strings"

	logx "openwhen/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{"storage": true, "api": true, "metrics": true}

// SummarizeConfigChange returns (1) the changed sections, (2) safe structured
// attrs for logging (secrets are reported as *_set booleans only), and (3) the
// changed sections that need a restart to apply.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.dsn_set", set(newCfg.Storage.DSN)),
		)
	}

	po, ns := oldCfg.Scheduler, newCfg.Scheduler
	if po.Timezone != ns.Timezone || po.RescanInterval != ns.RescanInterval ||
		po.LateThreshold != ns.LateThreshold || po.Lookback != ns.Lookback ||
		po.OccurrenceCap != ns.OccurrenceCap || !sameBoolPtr(po.SuppressLateOnStart, ns.SuppressLateOnStart) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", ns.Timezone),
			logx.String("scheduler.rescan_interval", ns.RescanInterval),
			logx.String("scheduler.late_threshold", ns.LateThreshold),
			logx.String("scheduler.lookback", ns.Lookback),
			logx.Int("scheduler.occurrence_cap", ns.OccurrenceCap),
		)
	}

	od, nd := oldCfg.Delivery, newCfg.Delivery
	if od != nd {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.primary", nd.Primary),
			logx.String("delivery.fallback", nd.Fallback),
			logx.Int("delivery.rate_per_sec", nd.RatePerSec),
			logx.Bool("delivery.telegram_token_set", set(nd.Telegram.Token)),
			logx.Int64("delivery.telegram_chat_id", nd.Telegram.ChatID),
			logx.Bool("delivery.slack_webhook_set", set(nd.Slack.WebhookURL)),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.token_set", set(newCfg.API.Token)),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func sameBoolPtr(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
