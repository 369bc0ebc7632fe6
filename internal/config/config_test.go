// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validBase returns a config that passes Validate, using shell builtins
// that exist on any test host in place of the real capture binaries.
func validBase() Config {
	cfg := defaults()
	cfg.Binaries.Streamlink = "sh"
	cfg.Binaries.FFmpeg = "sh"
	cfg.AppURL = "https://dvr.example.com"
	cfg.EventSub.Secret = "s3cret"
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
app_url: https://dvr.example.com
binaries:
  streamlink: sh
  ffmpeg: sh
eventsub:
  secret: s3cret
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8082", cfg.Listen)
	assert.Equal(t, "webhook", cfg.EventSub.Transport)
	assert.Equal(t, 120, cfg.Capture.HLSTimeoutSeconds)
	assert.Equal(t, 5, cfg.Capture.SegmentThreads)
	assert.Equal(t, "mp4", cfg.VOD.Container)
	assert.Equal(t, 5, cfg.Retention.VodsToKeep)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
app_url: https://dvr.example.com
listen: ":9000"
binaries:
  streamlink: sh
  ffmpeg: sh
eventsub:
  secret: s3cret
capture:
  hls_timeout: 60
channels:
  - login: examplestreamer
    internal_id: "12345"
    quality: [best]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 60, cfg.Capture.HLSTimeoutSeconds)
	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, "examplestreamer", cfg.Channels[0].Login)
	assert.Equal(t, []string{"best"}, cfg.Channels[0].Quality)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LSDVR_LISTEN", ":7070")

	path := writeConfig(t, `
app_url: https://dvr.example.com
binaries:
  streamlink: sh
  ffmpeg: sh
eventsub:
  secret: s3cret
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
}

func TestValidateMissingBinaryIsFatal(t *testing.T) {
	cfg := validBase()
	cfg.Binaries.Streamlink = filepath.Join(t.TempDir(), "nope")
	assert.Error(t, cfg.Validate())
}

func TestValidateWebhookNeedsAppURLAndSecret(t *testing.T) {
	cfg := validBase()
	cfg.AppURL = ""
	assert.Error(t, cfg.Validate())

	cfg = validBase()
	cfg.AppURL = "debug"
	assert.Error(t, cfg.Validate())

	cfg = validBase()
	cfg.EventSub.Secret = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateWebsocketTransport(t *testing.T) {
	cfg := validBase()
	cfg.EventSub.Transport = "websocket"
	cfg.AppURL = ""
	cfg.EventSub.Secret = ""
	assert.NoError(t, cfg.Validate())

	cfg.EventSub.WebsocketURL = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateUnknownTransport(t *testing.T) {
	cfg := validBase()
	cfg.EventSub.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestHookCallbackURL(t *testing.T) {
	cfg := validBase()
	cfg.AppURL = "https://dvr.example.com/"
	assert.Equal(t, "https://dvr.example.com/api/v0/hook/twitch", cfg.HookCallbackURL())

	cfg.InstanceID = "prod1"
	assert.Equal(t, "https://dvr.example.com/api/v0/hook/twitch?instance=prod1", cfg.HookCallbackURL())
}

func TestEnsureDirs(t *testing.T) {
	cfg := validBase()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.EnsureDirs())

	for _, dir := range []string{cfg.VodDir(), cfg.CaptureDir(), cfg.JobsDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
