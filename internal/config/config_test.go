package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "msh.yaml", "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "/msh", cfg.Server.Path)
	assert.Equal(t, "memory", cfg.Storage.Provider)
	assert.Equal(t, 5*time.Second, cfg.Reliability.RetryInterval)
	assert.Equal(t, 5*time.Second, cfg.Reliability.SendInterval)
	assert.Equal(t, 50, cfg.Reliability.SendBatchSize)
	assert.Equal(t, 5*time.Second, cfg.Reliability.PullInterval)
	assert.Equal(t, 10*time.Second, cfg.Reliability.ShutdownGrace)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Observability.Metrics.Path)
	assert.Equal(t, Default(), cfg)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("MSH_TEST_MONGO_URI", "mongodb://db.internal:27017")

	cfg, err := Load(writeFile(t, "msh.yaml", `
storage:
  provider: mongodb
  settings:
    uri: ${MSH_TEST_MONGO_URI}
    database: msh
reliability:
  retryInterval: 250ms
  shutdownGrace: 3s
logging:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "mongodb", cfg.Storage.Provider)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.Storage.Settings.Get("uri", ""))
	assert.Equal(t, 250*time.Millisecond, cfg.Reliability.RetryInterval)
	assert.Equal(t, 3*time.Second, cfg.Reliability.ShutdownGrace)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"tls without certificate", "server:\n  tls:\n    enabled: true\n"},
		{"unknown log format", "logging:\n  format: xml\n"},
		{"unknown log level", "logging:\n  level: loud\n"},
		{"negative interval", "reliability:\n  retryInterval: -1s\n"},
		{"pmode without id", "pmodes:\n  - legs: []\n"},
		{"bad wait interval", "pmodes:\n  - id: a\n    legs:\n      - receptionAwareness:\n          waitIntervals:\n            - length: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadPModes(t *testing.T) {
	file := writeFile(t, "pmodes.yaml", `
pmodes:
  - id: from-file
    legs:
      - receptionAwareness:
          waitIntervals:
            - length: 10
            - length: 20
`)
	cfg, err := Parse([]byte("pmodes:\n  - id: inline\n    legs: [{}]\npmodeFile: " + file + "\n"))
	require.NoError(t, err)

	pmodes, err := cfg.LoadPModes()
	require.NoError(t, err)
	require.Len(t, pmodes, 2)
	assert.Equal(t, "inline", pmodes[0].ID)
	assert.Equal(t, "from-file", pmodes[1].ID)
	assert.Len(t, pmodes[1].Legs[0].ReceptionAwareness.WaitIntervals, 2)

	cfg.PModes[0].ID = "from-file"
	_, err = cfg.LoadPModes()
	assert.ErrorContains(t, err, "duplicate")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"key":"value"`)
}
