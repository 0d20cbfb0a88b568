package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, "json", "info")
	require.NoError(t, err)

	log = WithRunID(log, "run-1")
	log.Debug().Msg("hidden")
	log.Info().Int("channels", 3).Msg("built")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, "built", entry["message"])
	assert.EqualValues(t, 3, entry["channels"])
}

func TestNewWriterErrors(t *testing.T) {
	_, err := NewWriter(&bytes.Buffer{}, "json", "loud")
	assert.Error(t, err)
	_, err = NewWriter(&bytes.Buffer{}, "xml", "info")
	assert.Error(t, err)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	log, err := New(Config{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	log.Debug().Msg("to file")
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
}

func TestNewRejectsBadFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	_, err := New(Config{Format: "xml", Output: path})
	assert.Error(t, err)
}
