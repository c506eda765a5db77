package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "imgrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.DefaultWidth)
	assert.Equal(t, time.Minute, cfg.Cooldown.Duration)
	assert.Equal(t, StoreMemory, cfg.Cooldown.Store)
	assert.True(t, cfg.Cooldown.Enforce.Generate)
	assert.True(t, cfg.Cooldown.Enforce.Provider)
	assert.Equal(t, "tongyi", cfg.Edit.Provider)
	assert.Equal(t, 30*time.Second, cfg.Edit.Timeout)
	assert.Equal(t, 3, cfg.Edit.MaxImages)
	assert.Equal(t, []string{"完成", "done"}, cfg.Edit.FinishKeywords)
	assert.Equal(t, 3*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 60, cfg.Poll.MaxAttempts)
	assert.Empty(t, cfg.Providers)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
default_width: 1024
providers:
  tongyi:
    api_key: dash-key
    seed: 42
  wenxin:
    access_token: tok
cooldown:
  duration: 90s
  admins: [admin1, admin2]
  enforce:
    provider: false
edit:
  provider: wanxiang
  timeout: 2m
  finish_keywords: [ok]
poll:
  interval: 500ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.DefaultWidth)
	assert.Equal(t, 512, cfg.DefaultHeight)
	require.Contains(t, cfg.Providers, "tongyi")
	assert.Equal(t, "dash-key", cfg.Providers["tongyi"].APIKey)
	require.NotNil(t, cfg.Providers["tongyi"].Seed)
	assert.Equal(t, int64(42), *cfg.Providers["tongyi"].Seed)
	assert.Equal(t, "tok", cfg.Providers["qianfan"].AccessToken, "aliases are rekeyed to canonical names")

	assert.Equal(t, 90*time.Second, cfg.Cooldown.Duration)
	assert.Equal(t, []string{"admin1", "admin2"}, cfg.Cooldown.Admins)
	assert.False(t, cfg.Cooldown.Enforce.Provider)
	assert.True(t, cfg.Cooldown.Enforce.Generate)

	assert.Equal(t, "tongyi", cfg.EditProvider())
	assert.Equal(t, 2*time.Minute, cfg.Edit.Timeout)
	assert.Equal(t, []string{"ok"}, cfg.Edit.FinishKeywords)
	assert.Equal(t, 500*time.Millisecond, cfg.Poll.Interval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("IMGRELAY_COOLDOWN_DURATION", "5s")
	t.Setenv("IMGRELAY_PROVIDERS_ZHIPU_API_KEY", "env-zhipu")
	t.Setenv("IMGRELAY_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Cooldown.Duration)
	assert.Equal(t, "env-zhipu", cfg.Providers["zhipu"].APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown provider", "providers:\n  midjourney:\n    api_key: x\n"},
		{"bad store", "cooldown:\n  store: etcd\n"},
		{"unknown edit provider", "edit:\n  provider: nope\n"},
		{"too many images", "edit:\n  max_images: 5\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"bad duration", "cooldown:\n  duration: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_AliasAndCanonicalBlockConflict(t *testing.T) {
	body := "providers:\n  volcengine:\n    api_key: a\n  huoshan:\n    api_key: b\n"
	for range 5 {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"huoshan" and "volcengine" both configure volcengine`)
	}
}

func TestLoad_AliasBlockIsCanonicalised(t *testing.T) {
	cfg, err := Load(writeConfig(t, "providers:\n  huoshan:\n    api_key: b\n"))
	require.NoError(t, err)
	assert.Equal(t, "b", cfg.Providers["volcengine"].APIKey)
	assert.NotContains(t, cfg.Providers, "huoshan")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTemplate_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "imgrelay.yaml")
	require.NoError(t, WriteTemplate(path, false))
	assert.Error(t, WriteTemplate(path, false), "existing file must not be overwritten")
	require.NoError(t, WriteTemplate(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Cooldown.Duration, cfg.Cooldown.Duration)
	assert.Equal(t, def.Edit.Timeout, cfg.Edit.Timeout)
	assert.Equal(t, def.Poll.Interval, cfg.Poll.Interval)
	assert.Len(t, cfg.Providers, 7)
	assert.Equal(t, "", cfg.Providers["xunfei"].AppID)
}
