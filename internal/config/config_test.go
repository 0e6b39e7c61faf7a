package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsift/bscalert/internal/infra"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "monitor.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadFromYAML(t *testing.T) {
	p := writeYAML(t, `
ws_endpoint: wss://bsc.example/ws
rpc_endpoint: https://bsc.example/rpc
notifier_url: https://notify.example/send
worker_count: 8
log_format: json
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "wss://bsc.example/ws", cfg.WSEndpoint)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, "json", cfg.LogFormat)
	// Unset fields keep defaults.
	assert.Equal(t, 8001, cfg.MetricsPort)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestEnvOverridesYAML(t *testing.T) {
	p := writeYAML(t, `
ws_endpoint: wss://bsc.example/ws
rpc_endpoint: https://bsc.example/rpc
notifier_url: https://notify.example/send
worker_count: 8
`)
	t.Setenv("WORKER_COUNT", "32")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.WorkerCount)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadRejectsMissingEndpoints(t *testing.T) {
	p := writeYAML(t, `notifier_url: https://notify.example/send`)
	_, err := Load(p)
	assert.ErrorIs(t, err, ErrFatalConfig)
}

func TestLoadRejectsBadLogFormat(t *testing.T) {
	p := writeYAML(t, `
ws_endpoint: wss://bsc.example/ws
rpc_endpoint: https://bsc.example/rpc
notifier_url: https://notify.example/send
log_format: xml
`)
	_, err := Load(p)
	assert.ErrorIs(t, err, ErrFatalConfig)
}

func TestThresholdDefaults(t *testing.T) {
	m := NewThresholdManager(infra.NewMemStore())
	th := m.Current()
	assert.Equal(t, 200.0, th.MinUSDInternal)
	assert.Equal(t, 400.0, th.MinUSDExternal)
	assert.Equal(t, 400.0, th.MinUSD(false))
	assert.Equal(t, 200.0, th.MinUSD(true))
	assert.Equal(t, "any", th.TriggerLogic)
}

func TestThresholdRefreshFromKV(t *testing.T) {
	kv := infra.NewMemStore()
	doc := `{
		"min_usd_internal": 300,
		"min_usd_external": 800,
		"cumulative_min_internal": 600,
		"cumulative_min_external": 1500,
		"cumulative_window_seconds": 300,
		"cooldown_seconds": 120,
		"jitter_seconds": 20,
		"trigger_logic": "all",
		"rules": [
			{"kind":"price_rise","window":"5m","threshold":30,"enabled":true},
			{"kind":"volume","window":"5m","threshold":10000,"enabled":true}
		]
	}`
	require.NoError(t, kv.Set(context.Background(), ThresholdsKey, doc, 0))

	m := NewThresholdManager(kv)
	require.NoError(t, m.Refresh(context.Background()))
	th := m.Current()
	assert.Equal(t, 800.0, th.MinUSDExternal)
	assert.Equal(t, "all", th.TriggerLogic)
	require.Len(t, th.Rules, 2)
}

func TestThresholdRefreshKeepsSnapshotOnBadDoc(t *testing.T) {
	kv := infra.NewMemStore()
	require.NoError(t, kv.Set(context.Background(), ThresholdsKey, `{"trigger_logic":"sometimes"}`, 0))

	m := NewThresholdManager(kv)
	before := m.Current()
	assert.Error(t, m.Refresh(context.Background()))
	assert.Same(t, before, m.Current())
}

// A reader holding a snapshot must observe consistent values while a
// concurrent refresh swaps the pointer.
func TestThresholdSnapshotImmutableUnderRefresh(t *testing.T) {
	kv := infra.NewMemStore()
	m := NewThresholdManager(kv)

	doc := `{"min_usd_internal":999,"min_usd_external":999,
		"cumulative_min_internal":999,"cumulative_min_external":999,
		"cumulative_window_seconds":60,"cooldown_seconds":60,
		"jitter_seconds":5,"trigger_logic":"any","rules":[]}`
	require.NoError(t, kv.Set(context.Background(), ThresholdsKey, doc, 0))

	snapshot := m.Current()
	internalBefore := snapshot.MinUSDInternal

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Refresh(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, internalBefore, snapshot.MinUSDInternal)
	assert.Equal(t, 999.0, m.Current().MinUSDInternal)
}
