package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/proxykit/internal/config"
)

func TestJSONRecordsCarryServiceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("ready")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "proxykit", entry["service"])
	assert.Equal(t, "ready", entry["msg"])
}

func TestConfiguredLevelFiltersLowerRecords(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestLevelParsingIsCaseInsensitive(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "DEBUG", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestEmptyConfigDefaultsToInfoJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{}, &buf)
	require.NoError(t, err)

	logger.Debug("suppressed")
	assert.Zero(t, buf.Len())

	logger.Info("emitted")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "emitted", entry["msg"])
}

func TestRejectsUnknownLevel(t *testing.T) {
	_, err := NewWithWriter(config.LoggingConfig{Level: "verbose", Format: "json"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unsupported level")
}

func TestRejectsUnknownFormat(t *testing.T) {
	_, err := NewWithWriter(config.LoggingConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unsupported format")
}
