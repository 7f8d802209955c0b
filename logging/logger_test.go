package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New("data_cleaning", Options{Level: "debug", Dir: dir, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("cleaned")
	logger.Info("rows written")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "data_cleaning.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], `"msg":"rows written"`)
	assert.Contains(t, lines[1], `"logger":"data_cleaning"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("x", Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestLevelFiltersFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New("training", Options{Level: "warn", Dir: dir})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "training.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}
