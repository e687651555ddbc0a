// Package config loads process settings from the environment, an optional
// config file and built-in defaults, in that order of precedence.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string
	AllowedOrigins  []string
	DatabaseURL     string
	RedisURL        string
	HostTokenSecret string
	HostTokenTTL    time.Duration
	AdminToken      string // empty disables the debug endpoints

	MaxPlayers    int
	VoteTimeout   time.Duration
	MaxAudioBytes int

	PhraseCacheSize     int
	PhraseBatchSize     int
	PhraseLowWater      int
	PhraseTimeout       time.Duration
	PhraseRefillTimeout time.Duration

	ReapInterval    time.Duration
	RoomIdleTTL     time.Duration
	DisconnectGrace time.Duration

	Log LogConfig
}

type LogConfig struct {
	Level      string
	Format     string // console or json
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var defaults = map[string]any{
	"PORT":                  "8002",
	"ALLOWED_ORIGINS":       "*",
	"HOST_TOKEN_TTL":        "12h",
	"MAX_PLAYERS":           8,
	"VOTE_TIMEOUT":          "30s",
	"MAX_AUDIO_BYTES":       2 << 20,
	"PHRASE_CACHE_SIZE":     10,
	"PHRASE_BATCH_SIZE":     5,
	"PHRASE_LOW_WATER":      3,
	"PHRASE_TIMEOUT":        "3s",
	"PHRASE_REFILL_TIMEOUT": "20s",
	"REAP_INTERVAL":         "1m",
	"ROOM_IDLE_TTL":         "10m",
	"DISCONNECT_GRACE":      "2m",
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "console",
	"LOG_MAX_SIZE_MB":       100,
	"LOG_MAX_BACKUPS":       5,
	"LOG_MAX_AGE_DAYS":      30,
}

// Load reads the configuration. CONFIG_FILE may name a yaml, json or toml
// file whose keys match the environment variable names. Values that fail to
// parse fall back to their defaults.
func Load() Config {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		// A missing or unreadable file leaves env and defaults in place.
		_ = v.ReadInConfig()
	}

	return Config{
		Port:            getString(v, "PORT"),
		AllowedOrigins:  splitList(getString(v, "ALLOWED_ORIGINS")),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		RedisURL:        v.GetString("REDIS_URL"),
		HostTokenSecret: v.GetString("HOST_TOKEN_SECRET"),
		HostTokenTTL:    getDuration(v, "HOST_TOKEN_TTL"),
		AdminToken:      v.GetString("ADMIN_TOKEN"),

		MaxPlayers:    getInt(v, "MAX_PLAYERS"),
		VoteTimeout:   getDuration(v, "VOTE_TIMEOUT"),
		MaxAudioBytes: getInt(v, "MAX_AUDIO_BYTES"),

		PhraseCacheSize:     getInt(v, "PHRASE_CACHE_SIZE"),
		PhraseBatchSize:     getInt(v, "PHRASE_BATCH_SIZE"),
		PhraseLowWater:      getInt(v, "PHRASE_LOW_WATER"),
		PhraseTimeout:       getDuration(v, "PHRASE_TIMEOUT"),
		PhraseRefillTimeout: getDuration(v, "PHRASE_REFILL_TIMEOUT"),

		ReapInterval:    getDuration(v, "REAP_INTERVAL"),
		RoomIdleTTL:     getDuration(v, "ROOM_IDLE_TTL"),
		DisconnectGrace: getDuration(v, "DISCONNECT_GRACE"),

		Log: LogConfig{
			Level:      strings.ToLower(getString(v, "LOG_LEVEL")),
			Format:     strings.ToLower(getString(v, "LOG_FORMAT")),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  getInt(v, "LOG_MAX_SIZE_MB"),
			MaxBackups: getInt(v, "LOG_MAX_BACKUPS"),
			MaxAgeDays: getInt(v, "LOG_MAX_AGE_DAYS"),
		},
	}
}

// getString treats an empty value as unset.
func getString(v *viper.Viper, key string) string {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		return s
	}
	return strings.TrimSpace(toString(defaults[key]))
}

func getInt(v *viper.Viper, key string) int {
	fallback, _ := defaults[key].(int)
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 {
		return fallback
	}
	return i
}

// getDuration accepts Go durations ("30s") or a bare number of seconds.
func getDuration(v *viper.Viper, key string) time.Duration {
	fallback, _ := time.ParseDuration(toString(defaults[key]))
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
