package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./state/sigwatch.sqlite
engine:
  ready_wait: 2s
maintenance:
  compact_schedule: "@every 1h"
blocks:
  - name: watch
    type: timeout
    to: [log]
    config:
      group_by: "{{ $host }}"
      intervals:
        - interval: "{{ seconds(5) }}"
          repeatable: true
  - name: log
    type: logger
    config:
      log_at: warning
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	cfg, err := ParseBytes("sigwatch.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 2*time.Second, cfg.ReadyWait())
	require.Len(t, cfg.Blocks, 2)
	assert.Equal(t, []string{"log"}, cfg.Blocks[0].To)
	assert.JSONEq(t, `{"group_by":"{{ $host }}","intervals":[{"interval":"{{ seconds(5) }}","repeatable":true}]}`, string(cfg.Blocks[0].Config))
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := ParseBytes("c.json", []byte(`{"blocks":[],"pprof":{}}`))
	assert.Error(t, err)

	_, err = ParseBytes("c.json", []byte(`{"blocks":[{"name":"a","type":"logger","next":["b"]}]}`))
	assert.Error(t, err, "block keys are strict too")

	_, err = ParseBytes("c.json", []byte(`{"blocks":[]}{"blocks":[]}`))
	assert.ErrorContains(t, err, "trailing data")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Blocks: []BlockConfig{{Name: "a", Type: "timeout"}, {Name: "b", Type: "logger"}}}
	}
	require.NoError(t, Validate(base()))

	cases := map[string]func(c *Config){
		"no blocks":       func(c *Config) { c.Blocks = nil },
		"dup name":        func(c *Config) { c.Blocks[1].Name = "a" },
		"missing type":    func(c *Config) { c.Blocks[0].Type = "" },
		"unknown target":  func(c *Config) { c.Blocks[0].To = []string{"zzz"} },
		"self route":      func(c *Config) { c.Blocks[0].To = []string{"a"} },
		"unknown entry":   func(c *Config) { c.Entry = "zzz" },
		"bad duration":    func(c *Config) { c.Engine.ReadyWait = "soon" },
		"negative":        func(c *Config) { c.Engine.ReadyWait = "-1s" },
		"bad level":       func(c *Config) { c.Logging.Level = "loud" },
		"tg log no chat":  func(c *Config) { c.Logging.Telegram.Enabled = true },
		"unknown driver":  func(c *Config) { c.Storage = &StorageConfig{Driver: "tape"} },
		"sqlite no path":  func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} },
		"redis no addrs":  func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} },
		"bad timezone":    func(c *Config) { c.Maintenance.Timezone = "Mars/Olympus" },
		"bad schedule":    func(c *Config) { c.Maintenance.CompactSchedule = "sometimes" },
		"notifier window": func(c *Config) { c.Notifier = &NotifierConfig{DedupWindow: "x"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			err := Validate(c)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestResolvedNotifierDefaults(t *testing.T) {
	t.Parallel()
	c := &Config{}
	assert.Equal(t, DefaultNotifier(), c.ResolvedNotifier())

	c.Notifier = &NotifierConfig{Enabled: true, Workers: 5}
	n := c.ResolvedNotifier()
	assert.Equal(t, 5, n.Workers)
	assert.Equal(t, "1m", n.DedupWindow)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		Telegram: TelegramConfig{Token: "secret-1"},
		Blocks:   []BlockConfig{{Name: "a", Type: "timeout", Config: []byte(`{"x": 1, "y": 2}`)}},
	}
	same := &Config{
		Telegram: TelegramConfig{Token: "secret-1"},
		Blocks:   []BlockConfig{{Name: "a", Type: "timeout", Config: []byte(`{"y":2,"x":1}`)}},
	}
	changed, _, blocks := SummarizeConfigChange(old, same)
	assert.Empty(t, changed, "key order in block config does not count")
	assert.Empty(t, blocks)

	next := &Config{
		Telegram: TelegramConfig{Token: "secret-2"},
		Logging:  LoggingConfig{Level: "debug"},
		Blocks: []BlockConfig{
			{Name: "a", Type: "timeout", Config: []byte(`{"x":3}`)},
			{Name: "b", Type: "logger"},
		},
	}
	changed, attrs, blocks := SummarizeConfigChange(old, next)
	assert.Equal(t, []string{"blocks", "logging", "telegram"}, changed)
	assert.Equal(t, []string{"a", "b"}, blocks)
	assert.NotEmpty(t, attrs)
}

func TestDuration(t *testing.T) {
	t.Parallel()
	d, err := Duration("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = Duration("x", "0s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d, "zero falls back to the default")

	d, err = Duration("x", " 250ms ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = Duration("x", "nope", time.Second)
	assert.ErrorContains(t, err, "x: invalid duration")
	_, err = Duration("x", "-1s", time.Second)
	assert.ErrorContains(t, err, "x: duration must be >= 0")
}

func TestReadyWaitOff(t *testing.T) {
	t.Parallel()
	c := &Config{Engine: EngineConfig{ReadyWait: "OFF"}, Blocks: []BlockConfig{{Name: "a", Type: "logger"}}}
	require.NoError(t, Validate(c))
	assert.Negative(t, c.ReadyWait())

	c.Engine.ReadyWait = ""
	assert.Zero(t, c.ReadyWait())
}

func TestYAMLMergeKeysShareBlockConfig(t *testing.T) {
	t.Parallel()
	src := `
blocks:
  - name: hosts
    type: timeout
    config: &watch
      group_by: "{{ $host }}"
      intervals:
        - interval: "{{ seconds(30) }}"
  - name: services
    type: timeout
    config:
      <<: *watch
      group_by: "{{ $service }}"
`
	cfg, err := ParseBytes("sigwatch.yml", []byte(src))
	require.NoError(t, err)
	require.Len(t, cfg.Blocks, 2)
	assert.JSONEq(t, `{"group_by":"{{ $service }}","intervals":[{"interval":"{{ seconds(30) }}"}]}`, string(cfg.Blocks[1].Config))
}

func TestYAMLRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"two documents": "blocks: []\n---\nblocks: []\n",
		"duplicate key": "engine:\n  ready_wait: 1s\nengine:\n  ready_wait: 2s\n",
		"complex key":   "? [a, b]\n: 1\n",
		"bad merge":     "engine:\n  <<: 3\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBytes("c.yaml", []byte(src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "yaml")
		})
	}

	_, err := ParseBytes("c.yaml", []byte("engine:\n  ready_wait: 1s\nengine: {}\n"))
	assert.ErrorContains(t, err, "line 3")
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "sigwatch.json")
	write := func(s string) { require.NoError(t, os.WriteFile(path, []byte(s), 0o600)) }
	write(`{"logging":{"level":"info"},"blocks":[{"name":"a","type":"logger"}]}`)

	m := NewManager(path)
	m.SetDebounce(20 * time.Millisecond)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)

	write(`{"logging":{"level":"info"},"blocks":[]}`) // invalid: rejected, not published
	time.Sleep(150 * time.Millisecond)
	write(`{"logging":{"level":"debug"},"blocks":[{"name":"a","type":"logger"}]}`)

	select {
	case got := <-ch:
		assert.Equal(t, "debug", got.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	<-done
	m.Unsubscribe(ch)
}
