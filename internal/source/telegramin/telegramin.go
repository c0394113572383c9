// Package telegramin turns chat messages received by the bot into signals.
package telegramin

import (
	"context"
	"encoding/json"
	"strings"

	"sigwatch/internal/signal"
	kit "sigwatch/internal/transport"
	logx "sigwatch/pkg/logx"
)

const Source = "telegram"

// Submitter accepts batches without blocking (the dispatch queue).
type Submitter interface {
	Enqueue(source string, signals []signal.Signal) error
}

// Signal converts one message. Text holding a JSON object is merged over the envelope fields.
func Signal(m kit.Message) signal.Signal {
	s := signal.Signal{
		"source":    Source,
		"chat_id":   float64(m.ChatID),
		"thread_id": float64(m.ThreadID),
		"from":      m.FromUsername,
		"text":      m.Text,
	}
	if s["from"] == "" {
		s["from"] = float64(m.FromID)
	}
	if t := strings.TrimSpace(m.Text); strings.HasPrefix(t, "{") {
		var obj map[string]any
		if json.Unmarshal([]byte(t), &obj) == nil {
			for k, v := range obj {
				s[k] = v
			}
		}
	}
	return s
}

// Run forwards messages from in until ctx ends or in closes.
func Run(ctx context.Context, in <-chan kit.Message, submit Submitter, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			if err := submit.Enqueue(Source, []signal.Signal{Signal(m)}); err != nil {
				log.Debug("telegram message rejected", logx.Int64("chat_id", m.ChatID), logx.Err(err))
			}
		}
	}
}
