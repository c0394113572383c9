// Package natsio owns the NATS connection shared by the signal subscription and nats sink blocks.
package natsio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sigwatch/internal/signal"
	logx "sigwatch/pkg/logx"
)

const Source = "nats"

type Config struct {
	URL     string
	Name    string
	Subject string // empty disables the subscription
	Queue   string // optional queue group
}

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(cfg Config, log logx.Logger) (*nats.Conn, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("nats: url is required")
	}
	name := cfg.Name
	if name == "" {
		name = "sigwatch"
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrlRedacted()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			log.Warn("nats async error", logx.String("subject", subj), logx.Err(err))
		}),
	)
}

// Submitter accepts batches without blocking (the dispatch queue).
type Submitter interface {
	Enqueue(source string, signals []signal.Signal) error
}

// Subscriber turns messages on Subject into signal batches.
type Subscriber struct {
	cfg    Config
	conn   *nats.Conn
	submit Submitter
	log    logx.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewSubscriber(cfg Config, conn *nats.Conn, submit Submitter, log logx.Logger) *Subscriber {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Subscriber{cfg: cfg, conn: conn, submit: submit, log: log.With(logx.String("comp", "nats"))}
}

func (s *Subscriber) Start(context.Context) error {
	subject := strings.TrimSpace(s.cfg.Subject)
	if subject == "" || s.conn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	var (
		sub *nats.Subscription
		err error
	)
	if q := strings.TrimSpace(s.cfg.Queue); q != "" {
		sub, err = s.conn.QueueSubscribe(subject, q, s.handle)
	} else {
		sub, err = s.conn.Subscribe(subject, s.handle)
	}
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.Info("nats subscribed", logx.String("subject", subject), logx.String("queue", s.cfg.Queue))
	return nil
}

// Stop drains the subscription so messages already delivered are still handled.
func (s *Subscriber) Stop(context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Drain()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	sigs, err := signal.Decode(msg.Data)
	if err != nil {
		s.log.Warn("nats message is not a signal", logx.String("subject", msg.Subject), logx.Int("bytes", len(msg.Data)), logx.Err(err))
		return
	}
	if err := s.submit.Enqueue(Source, sigs); err != nil {
		s.log.Debug("nats batch rejected", logx.String("subject", msg.Subject), logx.Err(err))
	}
}
