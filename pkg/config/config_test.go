package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logflow/skelstream/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func noEnv(string) string { return "" }

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "case:concept:name", cfg.Conformance().CaseIDKey)
	assert.Equal(t, "concept:name", cfg.Conformance().ActivityKey)
	assert.Equal(t, 1, cfg.Stream.Shards)
}

func TestManager_LayeredFiles(t *testing.T) {
	dir := t.TempDir()
	system := writeFile(t, dir, "system.yaml", `
stream:
  shards: 4
  activity_key: step
log:
  level: debug
`)
	project := writeFile(t, dir, "project.yaml", `
stream:
  shards: 8
report:
  backend: local
  interval: 5s
  local:
    dir: /var/lib/skelstream
`)
	missing := filepath.Join(dir, "absent.yaml")

	m := NewManager(WithSearchPaths(system, missing, project), WithEnv(noEnv))
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, 8, cfg.Stream.Shards, "later file wins")
	assert.Equal(t, "step", cfg.Stream.ActivityKey, "earlier value survives")
	assert.Equal(t, "case:concept:name", cfg.Stream.CaseIDKey, "default survives")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, BackendLocal, cfg.Report.Backend)
	assert.Equal(t, 5*time.Second, cfg.Report.Interval)
	assert.Equal(t, "/var/lib/skelstream", cfg.Report.Local.Dir)
	assert.Equal(t, []string{system, project}, m.GetPaths())
}

func TestManager_ExplicitFile(t *testing.T) {
	dir := t.TempDir()
	explicit := writeFile(t, dir, "run.yaml", "model:\n  path: model.yaml\n")

	m := NewManager(WithSearchPaths(), WithFile(explicit), WithEnv(noEnv))
	require.NoError(t, m.Load())
	assert.Equal(t, "model.yaml", m.Get().Model.Path)

	m = NewManager(WithSearchPaths(), WithFile(filepath.Join(dir, "nope.yaml")), WithEnv(noEnv))
	err := m.Load()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfigRead))
}

func TestManager_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "stream: [unclosed\n")

	m := NewManager(WithSearchPaths(bad), WithEnv(noEnv))
	err := m.Load()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfigInvalid))
}

func TestManager_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "c.yaml", "stream:\n  shards: 2\n")

	env := map[string]string{
		"SKELSTREAM_SHARDS":                   "16",
		"SKELSTREAM_CASE_ID_KEY":              "order",
		"SKELSTREAM_REPORT_INTERVAL":          "1m",
		"SKELSTREAM_TELEMETRY_ENABLED":        "true",
		"SKELSTREAM_TELEMETRY_SAMPLING_RATIO": "0.5",
		"SKELSTREAM_API_KEYS":                 "alpha, beta,,",
		"SKELSTREAM_SOURCE_START_AT_END":      "true",
	}
	m := NewManager(WithSearchPaths(file), WithEnv(func(k string) string { return env[k] }))
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, 16, cfg.Stream.Shards, "env beats files")
	assert.Equal(t, "order", cfg.Stream.CaseIDKey)
	assert.Equal(t, time.Minute, cfg.Report.Interval)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 0.5, cfg.Telemetry.SamplingRatio)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Server.APIKeys)
	assert.True(t, cfg.Source.StartAtEnd)
}

func TestManager_InvalidEnv(t *testing.T) {
	env := map[string]string{"SKELSTREAM_SHARDS": "many"}
	m := NewManager(WithSearchPaths(), WithEnv(func(k string) string { return env[k] }))

	err := m.Load()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfigInvalid))
	assert.Contains(t, err.Error(), "SKELSTREAM_SHARDS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{"valid", func(*Config) {}, nil},
		{"empty keys", func(c *Config) { c.Stream.CaseIDKey, c.Stream.ActivityKey = "", "" }, []string{"stream.case_id_key", "stream.activity_key"}},
		{"zero shards", func(c *Config) { c.Stream.Shards = 0 }, []string{"stream.shards"}},
		{"file without path", func(c *Config) { c.Source.Kind = SourceFile }, []string{"source.path"}},
		{"follow without poll", func(c *Config) {
			c.Source.Kind, c.Source.Path, c.Source.PollInterval = SourceFollow, "events.jsonl", 0
		}, []string{"source.poll_interval"}},
		{"unknown source", func(c *Config) { c.Source.Kind = "kafka" }, []string{"source.kind"}},
		{"start at end without follow", func(c *Config) { c.Source.StartAtEnd = true }, []string{"source.start_at_end"}},
		{"follow from end", func(c *Config) {
			c.Source.Kind, c.Source.Path, c.Source.StartAtEnd = SourceFollow, "events.jsonl", true
		}, nil},
		{"s3 without bucket", func(c *Config) { c.Report.Backend = BackendS3 }, []string{"report.s3.bucket"}},
		{"unknown backend", func(c *Config) { c.Report.Backend = "ftp" }, []string{"report.backend"}},
		{"bad sampling", func(c *Config) { c.Telemetry.SamplingRatio = 2 }, []string{"telemetry.sampling_ratio"}},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, []string{"log.format"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, f := range tt.fields {
				assert.Contains(t, err.Error(), f)
			}
		})
	}
}

func TestManager_Save(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	m := NewManager(WithSearchPaths(), WithEnv(noEnv))
	require.NoError(t, m.Load())
	m.Get().Stream.Shards = 3
	require.NoError(t, m.Save(path))

	reloaded := NewManager(WithSearchPaths(path), WithEnv(noEnv))
	require.NoError(t, reloaded.Load())
	assert.Equal(t, 3, reloaded.Get().Stream.Shards)
}
