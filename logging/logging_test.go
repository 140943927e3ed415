package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    log.Level
		wantErr bool
	}{
		{"", log.InfoLevel, false},
		{"DEBUG", log.DebugLevel, false},
		{" warn ", log.WarnLevel, false},
		{"warning", log.WarnLevel, false},
		{"error", log.ErrorLevel, false},
		{"loud", log.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewWritesThroughSlog(t *testing.T) {
	var buf bytes.Buffer
	logger, closeLog, err := New(Options{Level: "debug", Output: &buf})
	require.NoError(t, err)
	defer func() { _ = closeLog() }()

	logger.Debug("queue drained", "pending", 3)
	logger.Info("service started", "runspace", "Local(7.4.1)")

	out := buf.String()
	assert.Contains(t, out, "queue drained")
	assert.Contains(t, out, "pending=3")
	assert.Contains(t, out, "service started")
}

func TestNewTestModeIsDeterministic(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "debug", Output: &buf, TestMode: true})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "INFO")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.log")
	logger, closeLog, err := New(Options{File: path, Level: "warn"})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kept")
	assert.NotContains(t, string(data), "dropped")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, _, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}
