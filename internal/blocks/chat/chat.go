// Package chat sends one Telegram notification per signal through the notifier.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"sigwatch/internal/blocks"
	"sigwatch/internal/expr"
	"sigwatch/internal/signal"
	kit "sigwatch/internal/transport"
	logx "sigwatch/pkg/logx"
)

const Type = "chat"

// Config fields accept literals or templates evaluated per signal.
type Config struct {
	ChatID    any    `json:"chat_id"`
	ThreadID  any    `json:"thread_id,omitempty"`
	Message   any    `json:"message,omitempty"`  // default "{{ $message }}"
	Priority  any    `json:"priority,omitempty"` // 0..10
	ParseMode string `json:"parse_mode,omitempty"`
	// DisablePreview turns off link previews.
	DisablePreview bool `json:"disable_preview,omitempty"`
}

type Block struct {
	blocks.Base
	chatID   *expr.Property
	threadID *expr.Property
	message  *expr.Property
	priority *expr.Property
	opts     *kit.SendOptions

	notifier blocks.Notifier
	emit     blocks.Emitter
	log      logx.Logger
}

func init() { blocks.Register(Type, New) }

func New(deps blocks.Deps, raw json.RawMessage) (blocks.Block, error) {
	cfg := Config{Message: "{{ $message }}", Priority: 0, ThreadID: 0}
	if err := blocks.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("%w: chat blocks need telegram.token", blocks.ErrMissingDep)
	}
	if cfg.ChatID == nil {
		return nil, fmt.Errorf("chat_id is required")
	}
	b := &Block{
		Base:     blocks.Base{BlockName: deps.Name},
		opts:     &kit.SendOptions{ParseMode: cfg.ParseMode, DisablePreview: cfg.DisablePreview},
		notifier: deps.Notifier,
		emit:     deps.Emit,
		log:      deps.Log,
	}
	for _, p := range []struct {
		dst  **expr.Property
		name string
		raw  any
	}{
		{&b.chatID, "chat_id", cfg.ChatID},
		{&b.threadID, "thread_id", cfg.ThreadID},
		{&b.message, "message", cfg.Message},
		{&b.priority, "priority", cfg.Priority},
	} {
		prop, err := expr.Compile(p.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		*p.dst = prop
	}
	return b, nil
}

// Process queues a notification per signal and forwards the signals that were queued.
// A bad target or a full queue is logged and skips only that signal.
func (b *Block) Process(ctx context.Context, signals []signal.Signal) error {
	queued := make([]signal.Signal, 0, len(signals))
	for _, s := range signals {
		n, err := b.notification(s)
		if err != nil {
			b.log.Warn("chat target invalid; signal skipped", logx.Err(err))
			continue
		}
		if err := b.notifier.Notify(ctx, n); err != nil {
			b.log.Warn("unable to queue chat message", logx.Int64("chat_id", n.Target.ChatID), logx.Err(err))
			continue
		}
		queued = append(queued, s)
	}
	if len(queued) == 0 {
		return nil
	}
	return b.emit(ctx, queued)
}

func (b *Block) notification(s signal.Signal) (kit.Notification, error) {
	chatID, err := intProp(b.chatID, s)
	if err != nil || chatID == 0 {
		return kit.Notification{}, fmt.Errorf("chat_id %v: %w", b.chatID.Raw(), orZero(err))
	}
	threadID, err := intProp(b.threadID, s)
	if err != nil {
		return kit.Notification{}, fmt.Errorf("thread_id: %w", err)
	}
	text, err := b.message.String(s)
	if err != nil {
		return kit.Notification{}, fmt.Errorf("message: %w", err)
	}
	prio, err := intProp(b.priority, s)
	if err != nil {
		return kit.Notification{}, fmt.Errorf("priority: %w", err)
	}
	return kit.Notification{
		Channel:  "telegram",
		Priority: int(min(max(prio, 0), 10)),
		Target:   kit.ChatTarget{ChatID: chatID, ThreadID: int(threadID)},
		Text:     text,
		Options:  b.opts,
	}, nil
}

func orZero(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("must be a non-zero chat id")
}

// intProp accepts numbers and numeric strings ("-1001234").
func intProp(p *expr.Property, s signal.Signal) (int64, error) {
	v, err := p.Eval(s)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
