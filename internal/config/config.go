// Package config loads the server's tunable knobs from environment
// variables layered over a YAML file and defaults, and exposes them as an
// atomically-swapped immutable snapshot that can be hot-reloaded without
// restarting in-flight sessions.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable knob named in the configuration table, plus
// the process-level transport/TLS/storage settings.
type Config struct {
	ListenAddr        string        `yaml:"listenAddr"`
	TLSHostname       string        `yaml:"tlsHostname"`
	TLSCertValidity   time.Duration `yaml:"tlsCertValidity"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`

	SetlistSourceBackend string `yaml:"setlistSourceBackend"` // "sqlite" or "yaml-file"
	SetlistSourceDSN     string `yaml:"setlistSourceDSN"`
	FallbackMockSetlist  bool   `yaml:"fallbackMockSetlist"`

	ControlRateWindow time.Duration `yaml:"controlRateWindow"`
	ControlRateLimit  int           `yaml:"controlRateLimit"`
	AudioRateWindow   time.Duration `yaml:"audioRateWindow"`
	AudioRateLimit    int           `yaml:"audioRateLimit"`

	MatcherSimilarityThreshold float64 `yaml:"matcherSimilarityThreshold"`
	MatcherMinBufferWords      int     `yaml:"matcherMinBufferWords"`
	MatcherBufferWindow        int     `yaml:"matcherBufferWindow"`
	AllowPartialMatching       bool    `yaml:"allowPartialMatching"`
	EndOfSlideBigram           bool    `yaml:"endOfSlideBigram"`

	STTStaleWindow     time.Duration `yaml:"sttStaleWindow"`
	STTRestartCooldown time.Duration `yaml:"sttRestartCooldown"`

	SongSwitchDebounceMatches int           `yaml:"songSwitchDebounceMatches"`
	SongSwitchCooldown        time.Duration `yaml:"songSwitchCooldown"`
	SongSwitchSuggestionMargin float64      `yaml:"songSwitchSuggestionMargin"`
	AutoSwitchFloor           float64       `yaml:"autoSwitchFloor"`

	EndTriggerDebounceMatches int           `yaml:"endTriggerDebounceMatches"`
	EndTriggerDebounceWindow  time.Duration `yaml:"endTriggerDebounceWindow"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		ListenAddr:      ":8443",
		TLSHostname:     "localhost",
		TLSCertValidity: 365 * 24 * time.Hour,
		IdleTimeout:     5 * time.Minute,

		SetlistSourceBackend: "yaml-file",
		FallbackMockSetlist:  false,

		ControlRateWindow: 10 * time.Second,
		ControlRateLimit:  30,
		AudioRateWindow:   10 * time.Second,
		AudioRateLimit:    120,

		MatcherSimilarityThreshold: 0.85,
		MatcherMinBufferWords:      3,
		MatcherBufferWindow:        15,
		AllowPartialMatching:       true,
		EndOfSlideBigram:           true,

		STTStaleWindow:     10 * time.Second,
		STTRestartCooldown: 15 * time.Second,

		SongSwitchDebounceMatches:  2,
		SongSwitchCooldown:         3 * time.Second,
		SongSwitchSuggestionMargin: 0.05,
		AutoSwitchFloor:            0.50,

		EndTriggerDebounceMatches: 2,
		EndTriggerDebounceWindow:  1800 * time.Millisecond,
	}
}

// Validate clamps the similarity threshold and auto-switch floor into
// [0, 1] and the rate limits and debounce counts to at least 1. The matcher
// word windows are clamped again by matcher.NewConfig; durations and
// SongSwitchSuggestionMargin are not checked.
func (c *Config) Validate() {
	if c.MatcherSimilarityThreshold < 0 {
		c.MatcherSimilarityThreshold = 0
	}
	if c.MatcherSimilarityThreshold > 1 {
		c.MatcherSimilarityThreshold = 1
	}
	if c.AutoSwitchFloor < 0 {
		c.AutoSwitchFloor = 0
	}
	if c.AutoSwitchFloor > 1 {
		c.AutoSwitchFloor = 1
	}
	if c.ControlRateLimit < 1 {
		c.ControlRateLimit = 1
	}
	if c.AudioRateLimit < 1 {
		c.AudioRateLimit = 1
	}
	if c.SongSwitchDebounceMatches < 1 {
		c.SongSwitchDebounceMatches = 1
	}
	if c.EndTriggerDebounceMatches < 1 {
		c.EndTriggerDebounceMatches = 1
	}
}

// Load reads defaults, overlays a YAML file at path (if non-empty and it
// exists), then overlays recognised environment variables, and returns a
// validated Config.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Validate()
	return cfg, nil
}

func applyEnvOverrides(c *Config) {
	if v, ok := os.LookupEnv("LYRICFOLLOW_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := os.LookupEnv("LYRICFOLLOW_SETLIST_SOURCE_BACKEND"); ok {
		c.SetlistSourceBackend = v
	}
	if v, ok := os.LookupEnv("LYRICFOLLOW_SETLIST_SOURCE_DSN"); ok {
		c.SetlistSourceDSN = v
	}
	if v, ok := os.LookupEnv("LYRICFOLLOW_MATCHER_SIMILARITY_THRESHOLD"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MatcherSimilarityThreshold = f
		}
	}
	if v, ok := os.LookupEnv("LYRICFOLLOW_FALLBACK_MOCK_SETLIST"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.FallbackMockSetlist = b
		}
	}
}
