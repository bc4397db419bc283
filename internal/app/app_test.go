package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openwhen/internal/config"
	"openwhen/internal/rule"
	logx "openwhen/pkg/logx"
)

const testConfig = `
logging:
  level: WARN
storage:
  driver: memory
scheduler:
  timezone: UTC
  rescan_interval: 1h
api:
  enabled: false
metrics:
  enabled: true
`

func startApp(t *testing.T) *App {
	t.Helper()
	p := filepath.Join(t.TempDir(), "openwhen.yaml")
	require.NoError(t, os.WriteFile(p, []byte(testConfig), 0o600))

	a, err := New(context.Background(), p, WithVersion("test"))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func TestStartSchedulesAddedRules(t *testing.T) {
	a := startApp(t)
	created, err := a.Engine().Add(context.Background(), rule.Draft{
		Kind: rule.KindDaily, TimeOfDay: rule.TimeOfDay{Hour: 6, Minute: 15},
	})
	require.NoError(t, err)

	entries := a.Engine().Timers()
	require.Len(t, entries, 1)
	assert.Equal(t, created[0].TimerKey(), entries[0].Key)
	assert.True(t, entries[0].When.After(time.Now()))
	assert.Nil(t, a.Err())
}

func TestApplyReschedulesRescan(t *testing.T) {
	a := startApp(t)
	old := a.cfgm.Get()
	require.Equal(t, time.Hour, a.rescanEvery)

	next := *old
	next.Scheduler.RescanInterval = "5m"
	next.Scheduler.LateThreshold = "2m"
	a.apply(old, &next)

	assert.Equal(t, 5*time.Minute, a.rescanEvery)
	assert.NotZero(t, a.rescanID)
}

func TestMapStorageConfig(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "file", sc.Driver)
	assert.Equal(t, config.DefaultStoragePath, sc.Path)

	_, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite"}})
	assert.ErrorContains(t, err, "storage.path")

	sc, err = mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	require.NoError(t, err)
	assert.Equal(t, time.Second, sc.BusyTimeout)
}

func TestBuildChannels(t *testing.T) {
	cfg := config.Default()
	primary, fallback, err := buildChannels(cfg, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "log", primary.Name())
	assert.Nil(t, fallback)

	cfg.Delivery.Primary = "slack"
	cfg.Delivery.Fallback = "log"
	cfg.Delivery.Slack.WebhookURL = "http://127.0.0.1:1/hook"
	primary, fallback, err = buildChannels(cfg, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "slack", primary.Name())
	assert.Equal(t, "log", fallback.Name())

	cfg.Delivery.Primary = "telegram"
	_, _, err = buildChannels(cfg, logx.Nop())
	assert.ErrorContains(t, err, "delivery.primary")
}
