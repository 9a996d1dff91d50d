package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/apartner/apartner-talk/internal/config"
)

func TestNewLoggerWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "talk.log")
	logger, err := NewLogger(config.LoggerConfig{Level: "DEBUG", Output: path})
	require.NoError(t, err)

	logger.Debug("conversation started", zap.Int64("conversation_id", 42))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"conversation started"`)
	assert.Contains(t, string(data), `"conversation_id":42`)
	assert.Contains(t, string(data), `"level":"debug"`)
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger(config.LoggerConfig{Level: "chatty", Format: "console", Output: filepath.Join(t.TempDir(), "x.log")})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
