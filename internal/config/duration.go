package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// readyWaitOff turns the engine's ready gate off: batches never wait for persisted timers.
const readyWaitOff = "off"

// Duration parses a Go duration string found at a dotted config path.
// Empty or zero yields def; negative values are rejected.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// durationKeys maps every duration-valued key in c to its raw value.
func (c *Config) durationKeys() map[string]string {
	keys := map[string]string{
		"telegram.poll_timeout": c.Telegram.PollTimeout,
		"http.read_timeout":     c.HTTP.ReadTimeout,
		"http.write_timeout":    c.HTTP.WriteTimeout,
	}
	if !strings.EqualFold(strings.TrimSpace(c.Engine.ReadyWait), readyWaitOff) {
		keys["engine.ready_wait"] = c.Engine.ReadyWait
	}
	if n := c.Notifier; n != nil {
		keys["notifier.retry_base"] = n.RetryBase
		keys["notifier.retry_max_delay"] = n.RetryMaxDelay
		keys["notifier.dedup_window"] = n.DedupWindow
	}
	if s := c.Storage; s != nil {
		keys["storage.busy_timeout"] = s.BusyTimeout
	}
	return keys
}

func (c *Config) validateDurations() []error {
	keys := c.durationKeys()
	paths := make([]string, 0, len(keys))
	for p := range keys {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var errs []error
	for _, p := range paths {
		if _, err := Duration(p, keys[p], 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ReadyWait resolves engine.ready_wait. 0 lets the engine apply its default;
// "off" resolves to a negative wait, which the engine treats as no wait at all.
func (c *Config) ReadyWait() time.Duration {
	if strings.EqualFold(strings.TrimSpace(c.Engine.ReadyWait), readyWaitOff) {
		return -1
	}
	d, _ := Duration("engine.ready_wait", c.Engine.ReadyWait, 0)
	return d
}
