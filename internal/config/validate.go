package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownDrivers = map[string]bool{"": true, "memory": true, "sqlite": true, "postgres": true, "redis": true}

// Validate checks the fields every component relies on. It collects all
// problems instead of stopping at the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token: required"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("telegram.owner_user_ids: at least one owner required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "console", "json":
	default:
		add(fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !knownDrivers[driver] {
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if (driver == "postgres" || driver == "redis") && strings.TrimSpace(cfg.Storage.DSN) == "" {
		add(fmt.Errorf("storage.dsn: required for driver %q", driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	b := cfg.Broadcast
	for name, v := range map[string]int{
		"broadcast.workers":       b.Workers,
		"broadcast.queue_size":    b.QueueSize,
		"broadcast.batch_size":    b.BatchSize,
		"broadcast.report_every":  b.ReportEvery,
		"broadcast.persist_every": b.PersistEvery,
		"broadcast.status_max":    b.StatusMax,
	} {
		if v < 0 {
			add(fmt.Errorf("%s: must be >= 0", name))
		}
	}
	if b.RatePerSec < 0 {
		add(errors.New("broadcast.rate_per_sec: must be >= 0"))
	}
	_, err = ParseDurationField("broadcast.batch_delay", b.BatchDelay)
	add(err)
	_, err = ParseDurationField("broadcast.max_flood_wait", b.MaxFloodWait)
	add(err)
	_, err = ParseDurationField("broadcast.status_ttl", b.StatusTTL)
	add(err)

	seen := map[string]bool{}
	for i, s := range b.Schedules {
		name := strings.TrimSpace(s.Name)
		switch {
		case name == "":
			add(fmt.Errorf("broadcast.schedules[%d].name: required", i))
		case seen[name]:
			add(fmt.Errorf("broadcast.schedules[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(s.Spec) == "" {
			add(fmt.Errorf("broadcast.schedules[%d].spec: required", i))
		}
		if strings.TrimSpace(s.Text) == "" {
			add(fmt.Errorf("broadcast.schedules[%d].text: required", i))
		}
	}

	if cfg.Notify.RatePerSec < 0 {
		add(errors.New("notify.rate_per_sec: must be >= 0"))
	}
	if cfg.Notify.RetryMax < 0 {
		add(errors.New("notify.retry_max: must be >= 0"))
	}
	_, err = ParseDurationField("notify.retry_base", cfg.Notify.RetryBase)
	add(err)

	_, err = ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	add(err)
	_, err = ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	add(err)

	return errors.Join(errs...)
}
