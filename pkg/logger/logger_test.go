package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesJSONToFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init("info", "json", path))

	Named("ingestion").Info("Dataset ingested", zap.String("fingerprint", "abc"))
	Debug("dropped below level")
	Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Dataset ingested", entry["message"])
	assert.Equal(t, "ingestion", entry["logger"])
	assert.Equal(t, "abc", entry["fingerprint"])
	assert.Equal(t, "info", entry["level"])
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	err := Init("loud", "json", "stdout")
	assert.ErrorContains(t, err, "invalid log level")
}
