package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, "/api/v0/chat/completion", cfg.Target.Pattern)
	require.Equal(t, "finish", cfg.Target.FinishEvent)
	require.Equal(t, "http://127.0.0.1:5000", cfg.Consumer.BaseURL)
	require.Equal(t, 10*time.Second, cfg.Consumer.ConsumerTimeout())
	require.Equal(t, 30*time.Second, cfg.Capture.DrainTimeout())
	require.Equal(t, 25*time.Millisecond, cfg.Capture.DrainPoll())
	require.Equal(t, 250*time.Millisecond, cfg.Capture.BodyPollInterval())
	require.Equal(t, 30*time.Second, cfg.Browser.NavigationTimeout())
	require.False(t, cfg.Logging.Debug)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	want := DefaultConfig()
	want.Target.Pattern = "/v2/stream"
	want.Target.FinishEvent = "done"
	want.Consumer.BaseURL = "http://127.0.0.1:8080"
	want.Browser.DebuggerURL = "ws://127.0.0.1:9222"
	want.Browser.Headless = true
	want.Capture.DrainTimeoutMs = 5000
	want.Logging.Debug = true

	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config changed across save/load (-want +got):\n%s", diff)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target:\n  pattern: /custom\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/custom", cfg.Target.Pattern)
	// Unspecified sections keep their defaults.
	require.Equal(t, "finish", cfg.Target.FinishEvent)
	require.Equal(t, "http://127.0.0.1:5000", cfg.Consumer.BaseURL)
	require.Equal(t, 250*time.Millisecond, cfg.Capture.BodyPollInterval())
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target: [not a map"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STREAMTAP_TARGET_PATTERN", "/env/pattern")
	t.Setenv("STREAMTAP_CONSUMER_URL", "http://127.0.0.1:7000")
	t.Setenv("STREAMTAP_DEBUGGER_URL", "ws://127.0.0.1:9333")

	path := filepath.Join(t.TempDir(), "config.yaml")
	onDisk := DefaultConfig()
	onDisk.Target.Pattern = "/file/pattern"
	require.NoError(t, onDisk.Save(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/env/pattern", cfg.Target.Pattern)
	require.Equal(t, "http://127.0.0.1:7000", cfg.Consumer.BaseURL)
	require.Equal(t, "ws://127.0.0.1:9333", cfg.Browser.DebuggerURL)
}

func TestDurationFallbacks(t *testing.T) {
	c := ConsumerConfig{Timeout: "garbage"}
	require.Equal(t, 10*time.Second, c.ConsumerTimeout())

	cc := CaptureConfig{DrainTimeoutMs: -1, DrainPollMs: 0, BodyPollIntervalMs: 0}
	require.Equal(t, 30*time.Second, cc.DrainTimeout())
	require.Equal(t, 25*time.Millisecond, cc.DrainPoll())
	require.Zero(t, cc.BodyPollInterval(), "zero interval disables the fallback")
}
