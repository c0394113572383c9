package natssink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/blocks"
	"sigwatch/internal/signal"
)

type msg struct {
	subject string
	data    string
}

type fakeConn struct {
	msgs []msg
	err  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg{subject, string(data)})
	return nil
}

func TestPublishesJSONPerSignal(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	var forwarded int
	b, err := blocks.Build(Type, blocks.Deps{
		Name: "out",
		NATS: conn,
		Emit: func(_ context.Context, s []signal.Signal) error { forwarded += len(s); return nil },
	}, json.RawMessage(`{"subject": "alerts.{{ $host }}", "forward": true}`))
	require.NoError(t, err)

	require.NoError(t, b.Process(context.Background(), []signal.Signal{{"host": "a", "n": 1.0}, {"host": "b"}}))
	require.Len(t, conn.msgs, 2)
	assert.Equal(t, "alerts.a", conn.msgs[0].subject)
	assert.JSONEq(t, `{"host":"a","n":1}`, conn.msgs[0].data)
	assert.Equal(t, "alerts.b", conn.msgs[1].subject)
	assert.Equal(t, 2, forwarded)
}

func TestPublishErrorsAreJoined(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	b, err := blocks.Build(Type, blocks.Deps{Name: "out", NATS: conn}, json.RawMessage(`{"subject": "x"}`))
	require.NoError(t, err)
	err = b.Process(context.Background(), []signal.Signal{{}, {}})
	assert.ErrorContains(t, err, "connection closed")
}

func TestMissingSubjectOrConn(t *testing.T) {
	t.Parallel()
	_, err := blocks.Build(Type, blocks.Deps{Name: "out"}, json.RawMessage(`{"subject": "x"}`))
	assert.ErrorIs(t, err, blocks.ErrMissingDep)
	_, err = blocks.Build(Type, blocks.Deps{Name: "out", NATS: &fakeConn{}}, json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "subject is required")
}
