package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "line %q", line)
		out = append(out, entry)
	}
	return out
}

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "sess-1")
	require.NoError(t, err)

	logger.Named("consensus").Info("accepted transform updated", zap.Int("support", 3))
	require.NoError(t, logger.Sync())

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "info", e["level"])
	assert.Equal(t, "consensus", e["component"])
	assert.Equal(t, "accepted transform updated", e["message"])
	assert.Equal(t, "sess-1", e["session_id"])
	assert.Equal(t, float64(3), e["support"])
	assert.NotEmpty(t, e["timestamp"])
}

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"", false, true},
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := New(&buf, tt.level, "")
			require.NoError(t, err)
			logger.Debug("d")
			logger.Info("i")

			var gotDebug, gotInfo bool
			for _, e := range decodeLines(t, &buf) {
				switch e["message"] {
				case "d":
					gotDebug = true
				case "i":
					gotInfo = true
				}
			}
			assert.Equal(t, tt.wantDebug, gotDebug, "debug emitted")
			assert.Equal(t, tt.wantInfo, gotInfo, "info emitted")
		})
	}
}

func TestNew_NoSessionField(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", "")
	require.NoError(t, err)
	logger.Info("hello")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	_, ok := entries[0]["session_id"]
	assert.False(t, ok)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(nil, "chatty", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chatty")
}

func TestNop(t *testing.T) {
	logger := Nop()
	require.NotNil(t, logger)
	logger.Info("discarded")
}
