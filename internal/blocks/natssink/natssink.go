// Package natssink publishes each signal as a JSON message.
package natssink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sigwatch/internal/blocks"
	"sigwatch/internal/expr"
	"sigwatch/internal/signal"
	logx "sigwatch/pkg/logx"
)

const Type = "nats"

// Config: Subject may be a template, e.g. "alerts.{{ $host }}".
type Config struct {
	Subject any `json:"subject"`
	// Forward also passes the published signals downstream.
	Forward bool `json:"forward,omitempty"`
}

type Block struct {
	blocks.Base
	subject *expr.Property
	forward bool
	pub     blocks.Publisher
	emit    blocks.Emitter
	log     logx.Logger
}

func init() { blocks.Register(Type, New) }

func New(deps blocks.Deps, raw json.RawMessage) (blocks.Block, error) {
	var cfg Config
	if err := blocks.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if deps.NATS == nil {
		return nil, fmt.Errorf("%w: nats blocks need nats.url", blocks.ErrMissingDep)
	}
	if cfg.Subject == nil || cfg.Subject == "" {
		return nil, errors.New("subject is required")
	}
	subj, err := expr.Compile(cfg.Subject)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	return &Block{
		Base:    blocks.Base{BlockName: deps.Name},
		subject: subj,
		forward: cfg.Forward,
		pub:     deps.NATS,
		emit:    deps.Emit,
		log:     deps.Log,
	}, nil
}

// Process publishes every signal; failures are joined and returned after the batch.
func (b *Block) Process(ctx context.Context, signals []signal.Signal) error {
	var errs []error
	for _, s := range signals {
		subj, err := b.subject.String(s)
		if err == nil && subj == "" {
			err = errors.New("empty subject")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("subject: %w", err))
			continue
		}
		data, err := json.Marshal(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.pub.Publish(subj, data); err != nil {
			b.log.Warn("nats publish failed", logx.String("subject", subj), logx.Err(err))
			errs = append(errs, err)
		}
	}
	if b.forward && len(signals) > 0 {
		errs = append(errs, b.emit(ctx, signals))
	}
	return errors.Join(errs...)
}
