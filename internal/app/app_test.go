package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/config"
	"sigwatch/internal/eventbus"
	"sigwatch/internal/signal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sigwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const testYAML = `
logging:
  level: error
storage:
  driver: file
  path: %s
maintenance:
  compact_schedule: "off"
blocks:
  - name: watch
    type: timeout
    config:
      group_by: "{{ $host }}"
      intervals:
        - interval: 1h
          repeatable: true
  - name: log
    type: logger
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(testYAML, filepath.Join(dir, "state.json"))
	a, err := New(writeConfig(t, body))
	require.NoError(t, err)
	return a
}

func TestAppLifecycle(t *testing.T) {
	a := newTestApp(t)
	assert.Nil(t, a.adapter, "no token, no telegram")
	assert.Nil(t, a.natsConn)
	require.NotNil(t, a.store)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Pipeline().WaitReady(ctx))

	h := a.Health()
	assert.True(t, h.Ready)
	assert.Equal(t, map[string]bool{"watch": true}, h.Blocks)
	assert.Contains(t, h.Supervisors, "dispatch")

	require.NoError(t, a.disp.Enqueue("test", []signal.Signal{{"host": "db1"}}))
	require.Eventually(t, func() bool { return a.disp.Snapshot().Processed == 1 }, 2*time.Second, 5*time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(sctx, StopAppStop))
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after Stop")
	}
}

func TestValidateReloadRejectsBrokenBlocks(t *testing.T) {
	a := newTestApp(t)
	defer a.closeConns()

	good := a.cfgm.Get()
	require.NoError(t, a.validateReload(context.Background(), good))

	bad := *good
	bad.Blocks = []config.BlockConfig{{Name: "watch", Type: "timeout", Config: []byte(`{"intervals":[{"interval":"{{ $x +"}]}`)}}
	assert.Error(t, a.validateReload(context.Background(), &bad))

	bad.Blocks = []config.BlockConfig{{Name: "c", Type: "chat", Config: []byte(`{"chat_id": 1}`)}}
	assert.Error(t, a.validateReload(context.Background(), &bad), "chat blocks need telegram")
}

func TestApplyConfigPublishesReload(t *testing.T) {
	a := newTestApp(t)
	defer a.closeConns()
	events, unsub := a.bus.Subscribe(4)
	defer unsub()

	old := a.cfgm.Get()
	next := *old
	next.Logging.Level = "debug"
	next.Dispatch.Workers = 7
	a.applyConfig(context.Background(), old, &next)

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.ConfigReload, ev.Type)
		assert.ElementsMatch(t, []string{"dispatch", "logging"}, ev.Data.(map[string]any)["changed"])
	case <-time.After(time.Second):
		t.Fatal("no reload event")
	}
}
