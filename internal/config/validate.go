package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sigwatch/internal/maintenance"
	logx "sigwatch/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks what can be checked without building components:
// durations, storage driver, and the shape of the block graph.
// Block-specific config is validated by the pipeline when it builds blocks.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if t := cfg.Logging.Telegram; t.Enabled && t.ChatID == 0 {
		add(errors.New("logging.telegram.chat_id is required when enabled"))
	}
	errs = append(errs, cfg.validateDurations()...)
	if s := cfg.Storage; s != nil {
		switch d := strings.ToLower(strings.TrimSpace(s.Driver)); d {
		case "", "none", "memory":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required for driver %q", d))
			}
		case "redis":
			if len(s.Redis.Addrs) == 0 {
				add(errors.New("storage.redis.addrs is required for driver \"redis\""))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}
	if cfg.Dispatch.Workers < 0 || cfg.Dispatch.QueueSize < 0 {
		add(errors.New("dispatch: workers and queue_size must be >= 0"))
	}
	if err := maintenance.ValidateSchedule(cfg.Maintenance.CompactSchedule); err != nil {
		add(fmt.Errorf("maintenance.compact_schedule: %w", err))
	}
	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("maintenance.timezone: %w", err))
		}
	}
	add(validateBlocks(cfg))

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validateBlocks(cfg *Config) error {
	if len(cfg.Blocks) == 0 {
		return errors.New("blocks: at least one block is required")
	}
	var errs []error
	seen := make(map[string]struct{}, len(cfg.Blocks))
	for i, b := range cfg.Blocks {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("blocks[%d]: name is required", i))
			continue
		}
		if strings.TrimSpace(b.Type) == "" {
			errs = append(errs, fmt.Errorf("blocks[%d] %q: type is required", i, name))
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("blocks[%d]: duplicate name %q", i, name))
		}
		seen[name] = struct{}{}
	}
	for _, b := range cfg.Blocks {
		for _, to := range b.To {
			if _, ok := seen[to]; !ok {
				errs = append(errs, fmt.Errorf("block %q: unknown target %q", b.Name, to))
			}
			if to == b.Name {
				errs = append(errs, fmt.Errorf("block %q: routes to itself", b.Name))
			}
		}
	}
	if e := strings.TrimSpace(cfg.Entry); e != "" {
		if _, ok := seen[e]; !ok {
			errs = append(errs, fmt.Errorf("entry: unknown block %q", e))
		}
	}
	return errors.Join(errs...)
}

// ResolvedNotifier returns the notifier section with omitted values defaulted.
func (c *Config) ResolvedNotifier() NotifierConfig {
	if c.Notifier == nil {
		return DefaultNotifier()
	}
	def := DefaultNotifier()
	n := *c.Notifier
	if n.Workers <= 0 {
		n.Workers = def.Workers
	}
	if n.QueueSize <= 0 {
		n.QueueSize = def.QueueSize
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = def.RatePerSec
	}
	if n.RetryMax < 0 {
		n.RetryMax = 0
	}
	if strings.TrimSpace(n.RetryBase) == "" {
		n.RetryBase = def.RetryBase
	}
	if strings.TrimSpace(n.RetryMaxDelay) == "" {
		n.RetryMaxDelay = def.RetryMaxDelay
	}
	if strings.TrimSpace(n.DedupWindow) == "" {
		n.DedupWindow = def.DedupWindow
	}
	if n.DedupMaxEntries <= 0 {
		n.DedupMaxEntries = def.DedupMaxEntries
	}
	return n
}
