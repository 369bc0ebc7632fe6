// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads the daemon configuration with Koanf v2 layered
// sources: struct defaults, optional YAML file, environment overrides.
// Schema management lives outside this daemon; this package only loads,
// applies defaults and validates what the capture core cannot run without.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is immutable after Load and safe for concurrent reads.
type Config struct {
	Listen     string `koanf:"listen"`
	AppURL     string `koanf:"app_url"`
	InstanceID string `koanf:"instance_id"`
	DataDir    string `koanf:"data_dir"`
	LogLevel   string `koanf:"log_level"`
	WebhookURL string `koanf:"webhook_url"`

	Binaries  BinariesConfig  `koanf:"binaries"`
	API       APIConfig       `koanf:"api"`
	EventSub  EventSubConfig  `koanf:"eventsub"`
	Capture   CaptureConfig   `koanf:"capture"`
	VOD       VODConfig       `koanf:"vod"`
	Retention RetentionConfig `koanf:"retention"`

	// FavouriteCategories marks categories whose sessions the retention
	// engine can be told to keep.
	FavouriteCategories []string `koanf:"favourite_categories"`

	Channels []ChannelConfig `koanf:"channels"`
}

type BinariesConfig struct {
	Streamlink string `koanf:"streamlink"`
	FFmpeg     string `koanf:"ffmpeg"`
}

type APIConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	BaseURL      string `koanf:"base_url"`
	AuthURL      string `koanf:"auth_url"`
}

type EventSubConfig struct {
	// Transport is "webhook" or "websocket".
	Transport    string `koanf:"transport"`
	Secret       string `koanf:"secret"`
	WebsocketURL string `koanf:"websocket_url"`
}

type CaptureConfig struct {
	HLSTimeoutSeconds int  `koanf:"hls_timeout"`
	SegmentThreads    int  `koanf:"segment_threads"`
	DownloadRetries   int  `koanf:"download_retries"`
	KillEndedStream   bool `koanf:"kill_ended_stream"`
	FallbackCapture   bool `koanf:"fallback_capture"`
	UseCacheDir       bool `koanf:"use_cache_dir"`
	Verbose           bool `koanf:"verbose"`
}

type VODConfig struct {
	Container                 string `koanf:"container"`
	NoConvert                 bool   `koanf:"no_convert"`
	Folders                   bool   `koanf:"folders"`
	FilenameTemplate          string `koanf:"filename_template"`
	FolderTemplate            string `koanf:"folder_template"`
	MinChapterDurationSeconds int    `koanf:"min_chapter_duration"`
	ChapterMetadata           bool   `koanf:"chapter_metadata"`
}

type RetentionConfig struct {
	StoragePerChannelGiB int  `koanf:"storage_per_channel_gib"`
	VodsToKeep           int  `koanf:"vods_to_keep"`
	KeepDeleted          bool `koanf:"keep_deleted"`
	KeepFavourites       bool `koanf:"keep_favourites"`
	KeepMuted            bool `koanf:"keep_muted"`
	KeepCommented        bool `koanf:"keep_commented"`
	DeleteOnlyOne        bool `koanf:"delete_only_one"`
}

type ChannelConfig struct {
	Provider         string   `koanf:"provider"`
	Login            string   `koanf:"login"`
	InternalID       string   `koanf:"internal_id"`
	DisplayName      string   `koanf:"display_name"`
	Quality          []string `koanf:"quality"`
	Match            []string `koanf:"match"`
	MaxStorageGiB    int      `koanf:"max_storage_gib"`
	MaxVodCount      int      `koanf:"max_vod_count"`
	NoCleanup        bool     `koanf:"no_cleanup"`
	DownloadVodAtEnd bool     `koanf:"download_vod_at_end"`
	VodAtEndQuality  string   `koanf:"vod_at_end_quality"`
}

// AudioContainer is the container used for audio-only quality captures.
// The audio bitstream filter must not be applied when remuxing into it.
const AudioContainer = "m4a"

func defaults() Config {
	return Config{
		Listen:   ":8082",
		DataDir:  "data",
		LogLevel: "info",
		Binaries: BinariesConfig{
			Streamlink: "streamlink",
			FFmpeg:     "ffmpeg",
		},
		API: APIConfig{
			BaseURL: "https://api.twitch.tv/helix",
			AuthURL: "https://id.twitch.tv/oauth2/token",
		},
		EventSub: EventSubConfig{
			Transport:    "webhook",
			WebsocketURL: "wss://eventsub.wss.twitch.tv/ws",
		},
		Capture: CaptureConfig{
			HLSTimeoutSeconds: 120,
			SegmentThreads:    5,
			DownloadRetries:   5,
			FallbackCapture:   true,
		},
		VOD: VODConfig{
			Container:                 "mp4",
			FilenameTemplate:          "{login}_{date}_{id}",
			FolderTemplate:            "{login}_{date}_{id}",
			MinChapterDurationSeconds: 10,
		},
		Retention: RetentionConfig{
			StoragePerChannelGiB: 100,
			VodsToKeep:           5,
		},
	}
}

// Load reads the configuration from defaults, the optional YAML file at
// path, and LSDVR_-prefixed environment variables, in that precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// LSDVR_EVENTSUB_SECRET -> eventsub.secret
	envProvider := env.Provider("LSDVR_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "LSDVR_")), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load config environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the capture core cannot run without.
// A missing external tool path is fatal at startup.
func (c *Config) Validate() error {
	if _, err := resolveBinary(c.Binaries.Streamlink); err != nil {
		return fmt.Errorf("streamlink binary: %w", err)
	}
	if _, err := resolveBinary(c.Binaries.FFmpeg); err != nil {
		return fmt.Errorf("ffmpeg binary: %w", err)
	}

	switch c.EventSub.Transport {
	case "webhook":
		if c.AppURL == "" {
			return fmt.Errorf("app_url is required for the webhook transport")
		}
		if c.AppURL == "debug" {
			return fmt.Errorf("app_url is set to debug, no subscriptions possible")
		}
		if c.EventSub.Secret == "" {
			return fmt.Errorf("eventsub.secret is required for the webhook transport")
		}
	case "websocket":
		if c.EventSub.WebsocketURL == "" {
			return fmt.Errorf("eventsub.websocket_url is required for the websocket transport")
		}
	default:
		return fmt.Errorf("unknown eventsub transport %q", c.EventSub.Transport)
	}

	for i, ch := range c.Channels {
		if ch.Login == "" {
			return fmt.Errorf("channel %d has no login", i)
		}
	}
	return nil
}

func resolveBinary(name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	return exec.LookPath(name)
}

// HookCallbackURL is the externally reachable webhook delivery URL
// registered with the upstream pub/sub system.
func (c *Config) HookCallbackURL() string {
	u := strings.TrimRight(c.AppURL, "/") + "/api/v0/hook/twitch"
	if c.InstanceID != "" {
		u += "?instance=" + c.InstanceID
	}
	return u
}

// Derived directory layout under DataDir. Directories are created by
// EnsureDirs at startup.

func (c *Config) VodDir() string       { return filepath.Join(c.DataDir, "storage", "vods") }
func (c *Config) SavedVodsDir() string { return filepath.Join(c.DataDir, "storage", "saved_vods") }
func (c *Config) CaptureDir() string   { return filepath.Join(c.DataDir, "cache", "capture") }
func (c *Config) JobsDir() string      { return filepath.Join(c.DataDir, "cache", "pids") }
func (c *Config) HistoryDir() string   { return filepath.Join(c.DataDir, "storage", "history") }

func (c *Config) KeyValuePath() string { return filepath.Join(c.DataDir, "config", "kv.json") }

// Legacy key-value locations, migrated on first load.
func (c *Config) LegacyKeyValuePath() string {
	return filepath.Join(c.DataDir, "config", "keyvalue.json")
}
func (c *Config) LegacyKeyValueDir() string { return filepath.Join(c.DataDir, "cache", "keyvalue") }

// EnsureDirs creates the data directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.VodDir(), c.SavedVodsDir(), c.CaptureDir(), c.JobsDir(), c.HistoryDir(),
		filepath.Dir(c.KeyValuePath()),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	return nil
}

// IsFavouriteCategory reports whether the category name is configured as a
// favourite.
func (c *Config) IsFavouriteCategory(name string) bool {
	for _, fav := range c.FavouriteCategories {
		if strings.EqualFold(fav, name) {
			return true
		}
	}
	return false
}
