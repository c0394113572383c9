// Package dispatch decouples sources from the pipeline with a bounded queue drained by
// supervised workers. Sources either Enqueue (drop when full) or Submit (wait for room).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sigwatch/internal/metrics"
	"sigwatch/internal/runtime/supervisor"
	"sigwatch/internal/signal"
	logx "sigwatch/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

var (
	ErrQueueFull = errors.New("dispatch: queue full")
	ErrStopped   = errors.New("dispatch: not running")
	ErrStopping  = errors.New("dispatch: stopping")
)

type Config struct {
	Workers   int
	QueueSize int
}

// Handler runs one batch through the pipeline.
type Handler func(ctx context.Context, signals []signal.Signal) error

type batch struct {
	source  string
	signals []signal.Signal
	at      time.Time
}

type Snapshot struct {
	Workers   int
	QueueLen  int
	QueueCap  int
	Processed uint64
	Failed    uint64
	Dropped   uint64
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	h   Handler
	log logx.Logger
	m   *metrics.Metrics

	q        chan batch
	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	lastFullWarn  atomic.Int64
	lastErrorWarn atomic.Int64
}

func New(cfg Config, h Handler, log logx.Logger, m *metrics.Metrics) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, h: h, log: log.With(logx.String("comp", "dispatch")), m: m}
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan batch, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	queue, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("dispatch started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops the workers. Batches still queued are discarded and counted as dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		left := len(queue)
		s.dropped.Add(uint64(left))
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		if left > 0 {
			s.log.Warn("dispatch stopped with queued batches", logx.Int("discarded", left))
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("dispatch stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue queues a batch without blocking.
func (s *Service) Enqueue(source string, signals []signal.Signal) error {
	return s.enqueue(context.Background(), source, signals, false)
}

// Submit waits until the batch is queued, ctx ends or the service stops.
func (s *Service) Submit(ctx context.Context, source string, signals []signal.Signal) error {
	return s.enqueue(ctx, source, signals, true)
}

func (s *Service) enqueue(ctx context.Context, source string, signals []signal.Signal, wait bool) error {
	if len(signals) == 0 {
		return nil
	}
	s.mu.Lock()
	q, stopCh, stopping := s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}
	s.m.SignalReceived(source, len(signals))

	b := batch{source: source, signals: signals, at: time.Now()}
	if !wait {
		select {
		case q <- b:
			s.m.Enqueued(len(q))
			return nil
		default:
			s.onQueueFull(source, len(signals), q)
			return ErrQueueFull
		}
	}
	select {
	case q <- b:
		s.m.Enqueued(len(q))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case b := <-queue:
			s.m.Dequeued(len(queue))
			s.run(ctx, b)
		}
	}
}

func (s *Service) run(ctx context.Context, b batch) {
	err := s.h(ctx, b.signals)
	s.processed.Add(1)
	if err == nil {
		return
	}
	s.failed.Add(1)
	if shouldWarn(&s.lastErrorWarn, time.Now()) {
		s.log.Warn("batch failed",
			logx.String("source", b.source),
			logx.Int("signals", len(b.signals)),
			logx.Duration("queued", time.Since(b.at)),
			logx.Uint64("failed_total", s.failed.Load()),
			logx.Err(err))
	}
}

func (s *Service) onQueueFull(source string, n int, q chan batch) {
	s.dropped.Add(1)
	s.m.QueueFull()
	if shouldWarn(&s.lastFullWarn, time.Now()) {
		s.log.Warn("batch dropped: queue full",
			logx.String("source", source),
			logx.Int("signals", n),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_total", s.dropped.Load()))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q, workers := s.q, s.cfg.Workers
	s.mu.Unlock()
	snap := Snapshot{
		Workers:   workers,
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}
