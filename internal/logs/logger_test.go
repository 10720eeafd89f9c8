package logs

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRing(t *testing.T) {
	t.Run("retains recent entries oldest first", func(t *testing.T) {
		logger := New(Config{Level: LevelDebug, MaxRing: 10})

		logger.Info("first")
		logger.Warn("second")
		logger.Error("third")

		got := logger.GetLast(2)
		require.Len(t, got, 2)
		assert.Equal(t, "second", got[0].Message)
		assert.Equal(t, "third", got[1].Message)
		assert.Equal(t, slog.LevelError, got[1].Level)
	})

	t.Run("drops oldest beyond capacity", func(t *testing.T) {
		logger := New(Config{Level: LevelDebug, MaxRing: 3})

		logger.Info("a")
		logger.Info("b")
		logger.Info("c")
		logger.Info("d")

		got := logger.GetLast(10)
		require.Len(t, got, 3)
		assert.Equal(t, "b", got[0].Message)
		assert.Equal(t, "d", got[2].Message)
	})
}
