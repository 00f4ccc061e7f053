package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(Config{Level: "debug", Format: FormatJSON, Service: "billing"}, &buf)
	require.NoError(t, err)

	l.Info("payment resolved", Component("ledger"), Error(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "billing", rec["service"])
	assert.Equal(t, "ledger", rec["component"])
	assert.Equal(t, "boom", rec["error"])
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := NewWithWriter(Config{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestErrorNil(t *testing.T) {
	assert.Equal(t, slog.Attr{}, Error(nil))
}
