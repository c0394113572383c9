package natsio

import (
	"bytes"
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/signal"
	logx "sigwatch/pkg/logx"
)

type fakeQueue struct {
	sources []string
	got     []signal.Signal
}

func (f *fakeQueue) Enqueue(source string, s []signal.Signal) error {
	f.sources = append(f.sources, source)
	f.got = append(f.got, s...)
	return nil
}

func TestHandleDecodesMessages(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	var buf bytes.Buffer
	s := NewSubscriber(Config{Subject: "signals"}, nil, q, logx.NewWriter(&buf, "debug"))

	s.handle(&nats.Msg{Subject: "signals", Data: []byte(`[{"host":"a"},{"host":"b"}]`)})
	s.handle(&nats.Msg{Subject: "signals", Data: []byte(`{"host":"c"}`)})
	s.handle(&nats.Msg{Subject: "signals", Data: []byte(`garbage`)})

	require.Len(t, q.got, 3)
	assert.Equal(t, "c", q.got[2]["host"])
	assert.Equal(t, []string{Source, Source}, q.sources)
	assert.Contains(t, buf.String(), "nats message is not a signal")
}

func TestStartWithoutConnOrSubject(t *testing.T) {
	t.Parallel()
	s := NewSubscriber(Config{}, nil, &fakeQueue{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestConnectNeedsURL(t *testing.T) {
	t.Parallel()
	_, err := Connect(Config{}, logx.Nop())
	assert.Error(t, err)
}
