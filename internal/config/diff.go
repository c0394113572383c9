package config

import (
	"reflect"
	"sort"
	"strings"

	logx "sigwatch/pkg/logx"
)

// DefaultNotifier is what an omitted notifier section resolves to.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens or passwords),
// and (3) the names of blocks that were added, removed or reconfigured.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Source != newCfg.Telegram.Source ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.source", newCfg.Telegram.Source),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Notifier: nil means runtime defaults.
	oldN, newN := DefaultNotifier(), DefaultNotifier()
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Storage. Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
			logx.Int("storage.redis_addrs", len(nS.Redis.Addrs)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof))
	}
	if oldCfg.NATS != newCfg.NATS {
		changed = append(changed, "nats")
		attrs = append(attrs,
			logx.Bool("nats.url_set", strings.TrimSpace(newCfg.NATS.URL) != ""),
			logx.String("nats.subject", newCfg.NATS.Subject),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
		)
	}
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs, logx.String("engine.ready_wait", strings.TrimSpace(newCfg.Engine.ReadyWait)))
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.String("maintenance.compact_schedule", newCfg.Maintenance.CompactSchedule))
	}

	// Blocks (summarize only; names at debug)
	blocksChanged := diffBlocks(oldCfg.Blocks, newCfg.Blocks)
	if len(blocksChanged) > 0 || oldCfg.Entry != newCfg.Entry || !sameOrder(oldCfg.Blocks, newCfg.Blocks) {
		changed = append(changed, "blocks")
		attrs = append(attrs,
			logx.Int("blocks.changed_count", len(blocksChanged)),
			logx.Int("blocks.count", len(newCfg.Blocks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, blocksChanged
}

func sameOrder(a, b []BlockConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}

func diffBlocks(oldB, newB []BlockConfig) []string {
	index := func(bs []BlockConfig) map[string]BlockConfig {
		m := make(map[string]BlockConfig, len(bs))
		for _, b := range bs {
			m[b.Name] = b
		}
		return m
	}
	oldM, newM := index(oldB), index(newB)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := oldM[name]
		n, okN := newM[name]
		switch {
		case okO != okN,
			o.Type != n.Type,
			!reflect.DeepEqual(o.To, n.To),
			canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config):
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
