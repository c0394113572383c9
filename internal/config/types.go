package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	HTTP        HTTPConfig        `json:"http,omitempty"`
	NATS        NATSConfig        `json:"nats,omitempty"`
	Dispatch    DispatchConfig    `json:"dispatch,omitempty"`
	Engine      EngineConfig      `json:"engine,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// Blocks is the pipeline graph in declaration order.
	Blocks []BlockConfig `json:"blocks"`
	// Entry names the block sources feed. Defaults to the first block.
	Entry string `json:"entry,omitempty"`
}

// NotifierConfig controls the async notification pipeline used by chat blocks.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig selects where repeatable timeouts are persisted.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./state/sigwatch.sqlite" }
//
// Drivers: file, sqlite, redis, memory, none.
type StorageConfig struct {
	Driver       string      `json:"driver"`
	Path         string      `json:"path,omitempty"`
	BusyTimeout  string      `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	CompactEvery int         `json:"compact_every,omitempty"`
	Redis        RedisConfig `json:"redis,omitempty"`
}

// RedisConfig: one address is a single node, several a cluster,
// master_name switches to sentinel.
type RedisConfig struct {
	Addrs      []string `json:"addrs"`
	MasterName string   `json:"master_name,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"` // do not log
	DB         int      `json:"db,omitempty"`
	Prefix     string   `json:"prefix,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Source turns incoming bot messages into signals.
	Source bool `json:"source,omitempty"`
}

// HTTPConfig controls the ingest/health/metrics listener. Empty Addr disables it.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Token, when set, is required as "Authorization: Bearer <token>" or ?token=.
	Token string `json:"token,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// NATSConfig: URL is shared by the source subscription and nats sink blocks.
// Empty Subject disables the source.
type NATSConfig struct {
	URL     string `json:"url,omitempty"`
	Subject string `json:"subject,omitempty"`
	Queue   string `json:"queue,omitempty"`
	Name    string `json:"name,omitempty"`
}

// DispatchConfig sizes the queue between sources and the pipeline.
//
// Defaults: workers 2, queue_size 256.
type DispatchConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type EngineConfig struct {
	// ReadyWait bounds how long a batch waits for persisted timers to be re-armed.
	// Default "1s".
	ReadyWait string `json:"ready_wait,omitempty"`
}

type MaintenanceConfig struct {
	// CompactSchedule is a cron spec (e.g. "@every 1h", "0 */6 * * *"). Empty means hourly; "off" disables.
	CompactSchedule string `json:"compact_schedule,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// BlockConfig declares one pipeline block. Config is decoded by the block's own factory.
type BlockConfig struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	To     []string        `json:"to,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so misspelled keys ("next" for "to")
// are caught at load and reload time.
func (b *BlockConfig) UnmarshalJSON(raw []byte) error {
	type tmp struct {
		Name   string          `json:"name"`
		Type   string          `json:"type"`
		To     []string        `json:"to,omitempty"`
		Config json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*b = BlockConfig{Name: t.Name, Type: t.Type, To: t.To, Config: t.Config}
	return nil
}
