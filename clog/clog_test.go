package clog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLogger 构建写入内存缓冲区的 JSON Logger（测试用）。
func newTestLogger(t *testing.T, level string) (*slogLogger, *bytes.Buffer) {
	t.Helper()

	buf := &bytes.Buffer{}
	lv, err := ParseLevel(level)
	require.NoError(t, err)

	levelVar := &slog.LevelVar{}
	levelVar.Set(lv.toSlogLevel())

	return &slogLogger{
		base:     slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: levelVar})),
		levelVar: levelVar,
	}, buf
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]Level{
		"debug": DebugLevel,
		"info":  InfoLevel,
		"WARN":  WarnLevel,
		"error": ErrorLevel,
	} {
		got, err := ParseLevel(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.validate())
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	bad := &Config{Format: "xml"}
	assert.Error(t, bad.validate())
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := newTestLogger(t, "warn")

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	logger, buf := newTestLogger(t, "info")
	child := logger.WithNamespace("registry")

	child.Debug("before")
	require.NoError(t, logger.SetLevel(DebugLevel))
	child.Debug("after")

	out := buf.String()
	assert.NotContains(t, out, "before")
	assert.Contains(t, out, "after")
}

func TestNamespaceChaining(t *testing.T) {
	logger, buf := newTestLogger(t, "info")

	logger.WithNamespace("discovery").WithNamespace("health").Info("probe ok")

	var entry map[string]any
	line := strings.TrimSpace(buf.String())
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "discovery.health", entry[NamespaceKey])
}

func TestWithFields(t *testing.T) {
	logger, buf := newTestLogger(t, "info")

	logger.With(String("service_type", "gateway")).Info("registered", Int("weight", 100))

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "gateway", entry["service_type"])
	assert.Equal(t, float64(100), entry["weight"])
}

func TestErrorField(t *testing.T) {
	logger, buf := newTestLogger(t, "info")

	logger.Error("failed", Error(assert.AnError))
	assert.Contains(t, buf.String(), "err_msg")

	// nil 错误不产生字段内容
	buf.Reset()
	logger.Error("failed", Error(nil))
	assert.NotContains(t, buf.String(), "err_msg")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Info("ignored")
	assert.Same(t, l, l.With(String("k", "v")))
	assert.Same(t, l, l.WithNamespace("x"))
	assert.NoError(t, l.SetLevel(DebugLevel))
}
