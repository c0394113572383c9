package app

import (
	"strings"
	"time"

	"sigwatch/internal/config"
	"sigwatch/internal/dispatch"
	"sigwatch/internal/maintenance"
	"sigwatch/internal/notifier"
	"sigwatch/internal/source/httpin"
	"sigwatch/internal/source/natsio"
	"sigwatch/internal/storage"
	logx "sigwatch/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "",
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// mapStorageConfig reports false when persistence is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		CompactEvery: sc.CompactEvery,
		Redis: storage.RedisConfig{
			Addrs:      sc.Redis.Addrs,
			MasterName: sc.Redis.MasterName,
			Username:   sc.Redis.Username,
			Password:   sc.Redis.Password,
			DB:         sc.Redis.DB,
			Prefix:     sc.Redis.Prefix,
		},
	}, true, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.ResolvedNotifier()
	base, err := config.Duration("notifier.retry_base", n.RetryBase, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.Duration("notifier.retry_max_delay", n.RetryMaxDelay, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.Duration("notifier.dedup_window", n.DedupWindow, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpin.Config, error) {
	h := cfg.HTTP
	rt, err := config.Duration("http.read_timeout", h.ReadTimeout, 30*time.Second)
	if err != nil {
		return httpin.Config{}, err
	}
	wt, err := config.Duration("http.write_timeout", h.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpin.Config{}, err
	}
	return httpin.Config{
		Addr:         strings.TrimSpace(h.Addr),
		Token:        h.Token,
		MaxBodyBytes: h.MaxBodyBytes,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        h.Pprof,
	}, nil
}

func mapNATSConfig(cfg *config.Config) natsio.Config {
	return natsio.Config{
		URL:     strings.TrimSpace(cfg.NATS.URL),
		Name:    cfg.NATS.Name,
		Subject: strings.TrimSpace(cfg.NATS.Subject),
		Queue:   cfg.NATS.Queue,
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{Workers: cfg.Dispatch.Workers, QueueSize: cfg.Dispatch.QueueSize}
}

func mapMaintenanceConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{Schedule: cfg.Maintenance.CompactSchedule, Timezone: cfg.Maintenance.Timezone}
}
