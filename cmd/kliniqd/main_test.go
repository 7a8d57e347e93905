package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv_LogLevels(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.env")
	require.NoError(t, os.WriteFile(good, []byte("KLINIQ_TEST_LOADENV=ok\n"), 0o600))
	unreadable := filepath.Join(dir, "subdir.env")
	require.NoError(t, os.Mkdir(unreadable, 0o700))
	t.Cleanup(func() { os.Unsetenv("KLINIQ_TEST_LOADENV") })

	tests := []struct {
		name  string
		path  string
		level string
	}{
		{"present", good, "debug"},
		{"missing", filepath.Join(dir, "absent.env"), "debug"},
		{"unreadable", unreadable, "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			loadEnv(tt.path, zerolog.New(&buf))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, tt.path, entry["path"])
		})
	}
	assert.Equal(t, "ok", os.Getenv("KLINIQ_TEST_LOADENV"))
}
