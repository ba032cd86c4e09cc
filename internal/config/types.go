package config

// Config is the on-disk configuration (JSON or YAML). Unknown keys are
// rejected so typos fail loudly on load and on reload.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console (default) | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./castbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/castbot" }
//	"storage": { "driver": "redis", "dsn": "redis://localhost:6379/0" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // never logged
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// BroadcastConfig controls the delivery pipeline. All durations are Go
// duration strings.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 1
//   - queue_size: 16
//   - batch_size: 50
//   - batch_delay: "1s"
//   - report_every: 5 (batches)
//   - persist_every: 1 (batches)
//   - rate_per_sec: 0 (no per-send limiter)
//   - max_flood_wait: "" (no cap)
//   - status_max: 200, status_ttl: "24h"
type BroadcastConfig struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	Workers      int     `json:"workers,omitempty"`
	QueueSize    int     `json:"queue_size,omitempty"`
	BatchSize    int     `json:"batch_size,omitempty"`
	BatchDelay   string  `json:"batch_delay,omitempty"`
	ReportEvery  int     `json:"report_every,omitempty"`
	PersistEvery int     `json:"persist_every,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	MaxFloodWait string  `json:"max_flood_wait,omitempty"`
	StatusMax    int     `json:"status_max,omitempty"`
	StatusTTL    string  `json:"status_ttl,omitempty"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// ScheduleConfig is a recurring text broadcast. Spec is a standard 5-field
// cron expression or a descriptor such as "@daily".
type ScheduleConfig struct {
	Name      string `json:"name"`
	Spec      string `json:"spec"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// NotifyConfig controls owner notifications for broadcasts that finish
// without a status message (scheduled runs).
//
// Defaults: enabled, rate_per_sec 3, retry_max 2, retry_base "500ms".
type NotifyConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	RetryMax   int    `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
}

func (n NotifyConfig) IsEnabled() bool { return n.Enabled == nil || *n.Enabled }

// HTTPConfig controls the status API.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback addr requires Token unless AllowInsecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8088"
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mounts /debug/pprof behind the same auth
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

func (b BroadcastConfig) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }
