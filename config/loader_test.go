package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/xerrors"
)

const testYAML = `
discovery:
  backend: static
  load_balance: round_robin
  lease_ttl: 60s
  heartbeat_interval: 15s
  static:
    services:
      gateway:
        - "10.0.0.1:8080"
        - "10.0.0.2:8080"
  tag_filters:
    - key: env
      value: prod
      match: exact
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flare.yaml"), []byte(content), 0o644))
	return dir
}

func TestNewRejectsUnknownFileType(t *testing.T) {
	_, err := New(WithConfigType("ini"))
	assert.True(t, xerrors.Is(err, ErrInvalidOptions))
}

func TestLoaderRequiresLoad(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	var out map[string]any
	assert.True(t, xerrors.Is(l.Unmarshal(&out), ErrNotLoaded))
	_, err = l.Watch(context.Background())
	assert.True(t, xerrors.Is(err, ErrNotLoaded))
}

func TestLoadAndUnmarshalKey(t *testing.T) {
	dir := writeTestConfig(t, testYAML)
	l, err := New(WithConfigPaths(dir))
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))

	assert.Equal(t, "static", l.Get("discovery.backend"))

	var cfg registry.DiscoveryConfig
	require.NoError(t, l.UnmarshalKey(DiscoveryKey, &cfg))
	assert.Equal(t, registry.BackendStatic, cfg.Backend)
	assert.Equal(t, 60*time.Second, cfg.LeaseTTL)
	require.NotNil(t, cfg.Static)
	assert.Len(t, cfg.Static.Services["gateway"], 2)
}

func TestLoadDiscovery(t *testing.T) {
	dir := writeTestConfig(t, testYAML)
	l, err := New(WithConfigPaths(dir))
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))

	cfg, err := LoadDiscovery(l)
	require.NoError(t, err)
	assert.Equal(t, "round_robin", cfg.LoadBalance)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	// 默认值已填充
	assert.Equal(t, registry.DefaultNamespace, cfg.Namespace.Default)
	require.Len(t, cfg.TagFilters, 1)
	assert.Equal(t, registry.MatchExact, cfg.TagFilters[0].Match)
}

func TestLoadDiscoveryValidates(t *testing.T) {
	dir := writeTestConfig(t, `
discovery:
  backend: etcd
`)
	l, err := New(WithConfigPaths(dir))
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))

	_, err = LoadDiscovery(l)
	assert.True(t, xerrors.Is(err, registry.ErrInvalidConfig))
}

func TestLoadMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("FLARE_DISCOVERY_BACKEND", "memory")

	l, err := New(WithConfigPaths(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))

	assert.Equal(t, "memory", l.Get("discovery.backend"))
}

func TestWatchClosesOnContextCancel(t *testing.T) {
	dir := writeTestConfig(t, testYAML)
	l, err := New(WithConfigPaths(dir))
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := l.Watch(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
