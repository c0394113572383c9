// Package maintenance runs periodic store housekeeping on a cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "sigwatch/pkg/logx"
)

// DefaultSchedule compacts the registry store hourly.
const DefaultSchedule = "@every 1h"

// Parser accepts 5- and 6-field (seconds) specs and descriptors such as "@hourly".
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Compacter is the part of storage.Store maintenance drives.
type Compacter interface {
	Compact(ctx context.Context) error
}

type Config struct {
	Schedule string // empty means DefaultSchedule; "off" disables
	Timezone string
	Timeout  time.Duration
}

// ValidateSchedule checks a spec the way Start will parse it.
func ValidateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.EqualFold(spec, "off") {
		return nil
	}
	if _, err := Parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

type Service struct {
	cfg   Config
	store Compacter
	log   logx.Logger

	mu   sync.Mutex
	c    *cron.Cron
	runs int
}

func New(cfg Config, store Compacter, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log.With(logx.String("comp", "maintenance"))}
}

func (s *Service) Enabled() bool {
	return s.store != nil && !strings.EqualFold(strings.TrimSpace(s.cfg.Schedule), "off")
}

// Start registers the compaction job. Overlapping runs are skipped.
func (s *Service) Start(context.Context) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance timezone: %w", err)
		}
		loc = l
	}
	c := cron.New(cron.WithParser(Parser), cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { _ = s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance scheduled", logx.String("schedule", s.cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce compacts the store now.
func (s *Service) RunOnce(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()
	err := s.store.Compact(ctx)
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("store compaction failed", logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("store compacted", logx.Duration("took", time.Since(start)))
	return nil
}

// Runs counts compactions attempted.
func (s *Service) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}
