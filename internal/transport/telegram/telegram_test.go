package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "sigwatch/internal/transport"
	logx "sigwatch/pkg/logx"
)

type fakeBot struct {
	mu       sync.Mutex
	handlers map[any]tele.HandlerFunc
	sent     []string
	opts     []*tele.SendOptions
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newFakeBot() *fakeBot {
	return &fakeBot{handlers: map[any]tele.HandlerFunc{}, stopCh: make(chan struct{})}
}

func (f *fakeBot) Handle(endpoint any, h tele.HandlerFunc, _ ...tele.MiddlewareFunc) {
	f.handlers[endpoint] = h
}

func (f *fakeBot) Send(_ tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, what.(string))
	if len(opts) > 0 {
		f.opts = append(f.opts, opts[0].(*tele.SendOptions))
	}
	return &tele.Message{ID: len(f.sent)}, nil
}

func (f *fakeBot) Start() { <-f.stopCh }
func (f *fakeBot) Stop()  { f.stopOnce.Do(func() { close(f.stopCh) }) }

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	chunks := splitText(s, 40, "")
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 30), chunks[0])
	assert.Equal(t, strings.Repeat("b", 30), chunks[1])

	assert.Equal(t, []string{"short"}, splitText("short", 40, ""))
}

func TestSplitTextAvoidsCuttingHTMLTags(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("x", 8) + "<b>bold</b>"
	chunks := splitText(s, 10, "HTML")
	require.NotEmpty(t, chunks)
	assert.Equal(t, strings.Repeat("x", 8), chunks[0])
}

func TestSendTextThreadsAndRef(t *testing.T) {
	t.Parallel()
	bot := newFakeBot()
	a := newAdapter(Config{}, logx.Nop(), bot)

	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 7, ThreadID: 3}, "hello", &kit.SendOptions{ParseMode: "HTML"})
	require.NoError(t, err)
	assert.Equal(t, kit.MessageRef{ChatID: 7, ThreadID: 3, MessageID: 1}, ref)
	require.Len(t, bot.opts, 1)
	assert.Equal(t, 3, bot.opts[0].ThreadID)
	assert.Equal(t, tele.ParseMode("HTML"), bot.opts[0].ParseMode)
}

func TestStartForwardsTextAndStops(t *testing.T) {
	t.Parallel()
	bot := newFakeBot()
	a := newAdapter(Config{}, logx.Nop(), bot)

	out := make(chan kit.Message, 1)
	require.NoError(t, a.Start(context.Background(), out))

	a.forward(kit.Message{ChatID: 1, Text: "one"})
	a.forward(kit.Message{ChatID: 1, Text: "dropped"})
	got := <-out
	assert.Equal(t, "one", got.Text)

	require.NoError(t, a.Stop(context.Background()))
	a.forward(kit.Message{Text: "after stop"})
	assert.Len(t, out, 0)
}
