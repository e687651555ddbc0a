package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"emoguchi/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("loud"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := build(config.LogConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))
	require.NoError(t, err)
	defer closer.Close()

	log.Named("store").Info("room created", zap.String("room", "ABC123"))
	log.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "room created", entry["msg"])
	assert.Equal(t, "store", entry["logger"])
	assert.Equal(t, "ABC123", entry["room"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "emoguchi.log")
	var buf bytes.Buffer
	log, closer, err := build(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Warn("slow phrase generator")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "slow phrase generator")
	assert.Contains(t, buf.String(), "slow phrase generator")
}
