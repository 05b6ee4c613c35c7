// Package config loads farmsync configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config captures the knobs the sync core needs.
type Config struct {
	DataDir         string
	RemoteBaseURL   string
	FeedURL         string
	SettleDelay     time.Duration
	SyncInterval    time.Duration
	CleanupInterval time.Duration
	QueueRetention  time.Duration
	AudioRetention  time.Duration
	MaxRetries      int
}

const (
	defaultConfigPath      = "~/.config/farmsync/config.toml"
	defaultDataDir         = "~/.local/share/farmsync"
	defaultSettleSeconds   = 2
	defaultSyncMinutes     = 15
	defaultCleanupMinutes  = 60
	defaultQueueRetentionH = 168 // 7 days
	defaultAudioRetentionH = 48
	defaultMaxRetries      = 5
)

// Load locates and parses the config file, falling back to defaults when
// missing. An absent file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := defaults()

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}

	var raw struct {
		DataDir         string `toml:"data_dir"`
		RemoteBaseURL   string `toml:"remote_base_url"`
		FeedURL         string `toml:"feed_url"`
		SettleSeconds   int    `toml:"settle_seconds"`
		SyncMinutes     int    `toml:"sync_minutes"`
		CleanupMinutes  int    `toml:"cleanup_minutes"`
		QueueRetentionH int    `toml:"queue_retention_hours"`
		AudioRetentionH int    `toml:"audio_retention_hours"`
		MaxRetries      int    `toml:"max_retries"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if dir := strings.TrimSpace(raw.DataDir); dir != "" {
		cfg.DataDir = mustExpand(dir)
	}
	if url := strings.TrimSpace(raw.RemoteBaseURL); url != "" {
		cfg.RemoteBaseURL = url
	}
	if url := strings.TrimSpace(raw.FeedURL); url != "" {
		cfg.FeedURL = url
	}
	if raw.SettleSeconds > 0 {
		cfg.SettleDelay = time.Duration(raw.SettleSeconds) * time.Second
	}
	if raw.SyncMinutes > 0 {
		cfg.SyncInterval = time.Duration(raw.SyncMinutes) * time.Minute
	}
	if raw.CleanupMinutes > 0 {
		cfg.CleanupInterval = time.Duration(raw.CleanupMinutes) * time.Minute
	}
	if raw.QueueRetentionH > 0 {
		cfg.QueueRetention = time.Duration(raw.QueueRetentionH) * time.Hour
	}
	if raw.AudioRetentionH > 0 {
		cfg.AudioRetention = time.Duration(raw.AudioRetentionH) * time.Hour
	}
	if raw.MaxRetries > 0 {
		cfg.MaxRetries = raw.MaxRetries
	}

	return cfg, nil
}

func defaults() Config {
	return Config{
		DataDir:         mustExpand(defaultDataDir),
		SettleDelay:     defaultSettleSeconds * time.Second,
		SyncInterval:    defaultSyncMinutes * time.Minute,
		CleanupInterval: defaultCleanupMinutes * time.Minute,
		QueueRetention:  defaultQueueRetentionH * time.Hour,
		AudioRetention:  defaultAudioRetentionH * time.Hour,
		MaxRetries:      defaultMaxRetries,
	}
}

// resolvePath expands the given path, or the default location when empty.
func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	return expand(path)
}

// expand resolves a leading ~ to the user's home directory.
func expand(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func mustExpand(path string) string {
	expanded, err := expand(path)
	if err != nil {
		return filepath.Clean(strings.TrimPrefix(path, "~"))
	}
	return expanded
}
