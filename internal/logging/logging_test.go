package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shepherd.log")
	l, err := New(Options{Level: "debug", File: path, JSON: true})
	require.NoError(t, err)

	l.Debug("session created", "session_id", "abc")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
	assert.Equal(t, "session created", rec["msg"])
	assert.Equal(t, "abc", rec["session_id"])
	assert.Equal(t, "debug", rec["level"])
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shepherd.log")
	l, err := New(Options{Level: "warn", File: path})
	require.NoError(t, err)

	l.Info("quiet")
	l.Warn("loud")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "quiet")
	assert.Contains(t, string(data), "loud")
}

func TestBadLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestCloseWithoutFile(t *testing.T) {
	l, err := New(Options{})
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}
