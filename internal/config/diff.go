package config

import (
	"reflect"
	"sort"
	"strings"

	logx "castbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections plus safe log
// fields describing the new values. Secrets (token, DSN) are reported only as
// "set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ns := newCfg.Storage
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	ob, nb := oldCfg.Broadcast, newCfg.Broadcast
	if !reflect.DeepEqual(ob, nb) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", nb.IsEnabled()),
			logx.Int("broadcast.workers", nb.Workers),
			logx.Int("broadcast.batch_size", nb.BatchSize),
			logx.String("broadcast.batch_delay", nb.BatchDelay),
			logx.Int("broadcast.report_every", nb.ReportEvery),
			logx.Float64("broadcast.rate_per_sec", nb.RatePerSec),
			logx.Int("broadcast.schedules", len(nb.Schedules)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		nn := newCfg.Notify
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nn.IsEnabled()),
			logx.Int("notify.rate_per_sec", nn.RatePerSec),
			logx.Int("notify.retry_max", nn.RetryMax),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists settings that changed but only apply after a
// restart. Everything else is applied live.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		out = append(out, "telegram.token")
	}
	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram.poll_timeout")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Broadcast.Workers != newCfg.Broadcast.Workers || oldCfg.Broadcast.QueueSize != newCfg.Broadcast.QueueSize {
		out = append(out, "broadcast.workers")
	}
	return out
}
