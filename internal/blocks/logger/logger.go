// Package logger writes signals to the process log. It is a terminal block.
package logger

import (
	"context"
	"encoding/json"
	"strings"

	"sigwatch/internal/blocks"
	"sigwatch/internal/signal"
	logx "sigwatch/pkg/logx"
)

const Type = "logger"

type Config struct {
	// LogAt: DEBUG, INFO, WARNING, ERROR or CRITICAL. Unknown names log at ERROR.
	LogAt     string `json:"log_at,omitempty"`
	LogAsList bool   `json:"log_as_list,omitempty"`
	// LogHiddenAttributes includes keys starting with "_".
	LogHiddenAttributes bool `json:"log_hidden_attributes,omitempty"`
}

type Block struct {
	blocks.Base
	cfg   Config
	level logx.Level
	log   logx.Logger
}

func init() { blocks.Register(Type, New) }

func New(deps blocks.Deps, raw json.RawMessage) (blocks.Block, error) {
	cfg := Config{LogAt: "INFO"}
	if err := blocks.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return &Block{
		Base:  blocks.Base{BlockName: deps.Name},
		cfg:   cfg,
		level: logx.ParseLevel(cfg.LogAt, logx.LevelError),
		log:   deps.Log,
	}, nil
}

func (b *Block) Process(_ context.Context, signals []signal.Signal) error {
	if !b.log.Enabled(b.level) {
		return nil
	}
	if b.cfg.LogAsList {
		items := make([]json.RawMessage, 0, len(signals))
		for _, s := range signals {
			raw, err := b.encode(s)
			if err != nil {
				b.log.Error("failed to log signals", logx.Int("count", len(signals)), logx.Err(err))
				return nil
			}
			items = append(items, raw)
		}
		raw, _ := json.Marshal(items)
		b.log.Log(b.level, "signals", logx.RawJSON("signals", raw))
		return nil
	}
	for _, s := range signals {
		raw, err := b.encode(s)
		if err != nil {
			b.log.Error("failed to log signal", logx.Err(err))
			continue
		}
		b.log.Log(b.level, "signal", logx.RawJSON("signal", raw))
	}
	return nil
}

// encode renders s with sorted keys, dropping hidden ones unless configured.
func (b *Block) encode(s signal.Signal) ([]byte, error) {
	if !b.cfg.LogHiddenAttributes {
		visible := make(signal.Signal, len(s))
		for k, v := range s {
			if !strings.HasPrefix(k, "_") {
				visible[k] = v
			}
		}
		s = visible
	}
	return json.Marshal(s)
}
