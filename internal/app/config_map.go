package app

import (
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/httpapi"
	"castbot/internal/notifier"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Redact: []string{cfg.Telegram.Token, cfg.HTTP.Token, cfg.Storage.DSN},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	delay, err := config.ParseDurationIfSet("broadcast.batch_delay", b.BatchDelay, broadcast.DefaultBatchDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	maxWait, err := config.ParseDurationField("broadcast.max_flood_wait", b.MaxFloodWait)
	if err != nil {
		return broadcast.Config{}, err
	}
	ttl, err := config.ParseDurationField("broadcast.status_ttl", b.StatusTTL)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Enabled:   b.IsEnabled(),
		Workers:   b.Workers,
		QueueSize: b.QueueSize,
		Settings: broadcast.Settings{
			BatchSize:    b.BatchSize,
			BatchDelay:   delay,
			ReportEvery:  b.ReportEvery,
			PersistEvery: b.PersistEvery,
			RatePerSec:   b.RatePerSec,
			MaxFloodWait: maxWait,
		},
		StatusMax: b.StatusMax,
		StatusTTL: ttl,
	}, nil
}

func mapSchedules(cfg *config.Config) []broadcast.Schedule {
	out := make([]broadcast.Schedule, 0, len(cfg.Broadcast.Schedules))
	for _, s := range cfg.Broadcast.Schedules {
		out = append(out, broadcast.Schedule{
			Name:      strings.TrimSpace(s.Name),
			Spec:      strings.TrimSpace(s.Spec),
			Text:      s.Text,
			ParseMode: s.ParseMode,
		})
	}
	return out
}

func mapNotifyConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notify
	base, err := config.ParseDurationField("notify.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:    n.IsEnabled(),
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
		RetryBase:  base,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          h.Addr,
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

// validateMapped runs every mapping so a reload is rejected before commit
// when any component would refuse it.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return broadcast.ValidateSchedules(mapSchedules(cfg))
}
