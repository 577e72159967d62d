package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce)
	assert.Zero(t, cfg.CacheSize)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("DOCLOADER_ADDR", ":9999")
	t.Setenv("DOCLOADER_CACHE_SIZE", "1000")
	t.Setenv("DOCLOADER_CACHE_TTL", "5s")
	t.Setenv("DOCLOADER_DEBOUNCE", "250ms")
	t.Setenv("FIRESTORE_PROJECT", "demo")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.EqualValues(t, 1000, cfg.CacheSize)
	assert.Equal(t, 5*time.Second, cfg.CacheTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce)
	assert.Equal(t, "demo", cfg.FirestoreProject)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("DOCLOADER_CACHE_SIZE", "lots")
	_, err := Load()
	assert.ErrorContains(t, err, "parse env")

	t.Setenv("DOCLOADER_CACHE_SIZE", "0")
	t.Setenv("DOCLOADER_DEBOUNCE", "-1s")
	_, err = Load()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		logger, err := NewLogger(format, "debug")
		require.NoError(t, err, format)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	}

	_, err := NewLogger("json", "loud")
	assert.Error(t, err)
	_, err = NewLogger("xml", "info")
	assert.Error(t, err)
}
