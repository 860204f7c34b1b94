// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < explicit file < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SKELSTREAM_"

// Config holds all skelstream configuration.
type Config struct {
	Version int `yaml:"version"`

	Stream    StreamConfig    `yaml:"stream"`
	Model     ModelConfig     `yaml:"model"`
	Source    SourceConfig    `yaml:"source"`
	Report    ReportConfig    `yaml:"report"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// StreamConfig controls how events are interpreted and checked.
type StreamConfig struct {
	CaseIDKey   string `yaml:"case_id_key"`
	ActivityKey string `yaml:"activity_key"`
	Shards      int    `yaml:"shards"`      // 1 = single locked checker
	BufferSize  int    `yaml:"buffer_size"` // source to checker channel
}

// ModelConfig locates the skeleton model.
type ModelConfig struct {
	Path string `yaml:"path"`
}

// Source kinds.
const (
	SourceStdin  = "stdin"
	SourceFile   = "file"
	SourceFollow = "follow"
)

// SourceConfig selects the event source.
type SourceConfig struct {
	Kind         string        `yaml:"kind"` // stdin | file | follow
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// StartAtEnd makes a follow source skip lines already in the file.
	StartAtEnd bool `yaml:"start_at_end"`
}

// Report backends.
const (
	BackendNone  = "none"
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendS3    = "s3"
)

// ReportConfig controls deviation snapshot publishing.
type ReportConfig struct {
	Backend  string        `yaml:"backend"` // none | local | redis | s3
	Interval time.Duration `yaml:"interval"`

	Local LocalReportConfig `yaml:"local"`
	Redis RedisReportConfig `yaml:"redis"`
	S3    S3ReportConfig    `yaml:"s3"`
}

// LocalReportConfig for the filesystem backend.
type LocalReportConfig struct {
	Dir string `yaml:"dir"`
}

// RedisReportConfig for the Redis backend.
type RedisReportConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// S3ReportConfig for the S3 backend.
type S3ReportConfig struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ServerConfig for the HTTP surface.
type ServerConfig struct {
	Listen string `yaml:"listen"` // empty disables the server in check mode

	// APIKeys, when non-empty, are required to POST events.
	APIKeys []string `yaml:"api_keys,omitempty"`
}

// TelemetryConfig for OTLP tracing.
type TelemetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	ServiceName   string  `yaml:"service_name"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
	Insecure      bool    `yaml:"insecure"`
}

// LogConfig for diagnostics.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Version: 1,
		Stream: StreamConfig{
			CaseIDKey:   conformance.DefaultCaseIDKey,
			ActivityKey: conformance.DefaultActivityKey,
			Shards:      1,
			BufferSize:  1024,
		},
		Source: SourceConfig{
			Kind:         SourceStdin,
			PollInterval: time.Second,
		},
		Report: ReportConfig{
			Backend:  BackendNone,
			Interval: 30 * time.Second,
			Local: LocalReportConfig{
				Dir: filepath.Join(homeDir, ".skelstream", "reports"),
			},
			Redis: RedisReportConfig{
				Address: "localhost:6379",
				Prefix:  "skelstream:reports:",
				TTL:     24 * time.Hour,
			},
			S3: S3ReportConfig{
				Prefix: "reports/",
			},
		},
		Telemetry: TelemetryConfig{
			Endpoint:      "localhost:4317",
			ServiceName:   "skelstream",
			SamplingRatio: 1.0,
			Insecure:      true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Conformance returns the checker attribute keys.
func (c *Config) Conformance() conformance.Config {
	return conformance.Config{
		CaseIDKey:   c.Stream.CaseIDKey,
		ActivityKey: c.Stream.ActivityKey,
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs errors.MultiError

	if c.Stream.CaseIDKey == "" {
		errs.Add(errors.InvalidConfig("stream.case_id_key", "must not be empty"))
	}
	if c.Stream.ActivityKey == "" {
		errs.Add(errors.InvalidConfig("stream.activity_key", "must not be empty"))
	}
	if c.Stream.Shards < 1 {
		errs.Add(errors.InvalidConfig("stream.shards", "must be at least 1"))
	}
	if c.Stream.BufferSize < 0 {
		errs.Add(errors.InvalidConfig("stream.buffer_size", "must not be negative"))
	}

	switch c.Source.Kind {
	case SourceStdin:
	case SourceFile, SourceFollow:
		if c.Source.Path == "" {
			errs.Add(errors.InvalidConfig("source.path", "required for "+c.Source.Kind+" sources"))
		}
	default:
		errs.Add(errors.InvalidConfig("source.kind", fmt.Sprintf("unknown source kind %q", c.Source.Kind)))
	}
	if c.Source.Kind == SourceFollow && c.Source.PollInterval <= 0 {
		errs.Add(errors.InvalidConfig("source.poll_interval", "must be positive"))
	}
	if c.Source.StartAtEnd && c.Source.Kind != SourceFollow {
		errs.Add(errors.InvalidConfig("source.start_at_end", "only applies to follow sources"))
	}

	switch c.Report.Backend {
	case "", BackendNone:
	case BackendLocal:
		if c.Report.Local.Dir == "" {
			errs.Add(errors.InvalidConfig("report.local.dir", "required for the local backend"))
		}
	case BackendRedis:
		if c.Report.Redis.Address == "" {
			errs.Add(errors.InvalidConfig("report.redis.address", "required for the redis backend"))
		}
	case BackendS3:
		if c.Report.S3.Bucket == "" {
			errs.Add(errors.InvalidConfig("report.s3.bucket", "required for the s3 backend"))
		}
	default:
		errs.Add(errors.InvalidConfig("report.backend", fmt.Sprintf("unknown report backend %q", c.Report.Backend)))
	}
	if c.Report.Interval < 0 {
		errs.Add(errors.InvalidConfig("report.interval", "must not be negative"))
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs.Add(errors.InvalidConfig("telemetry.endpoint", "required when telemetry is enabled"))
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		errs.Add(errors.InvalidConfig("telemetry.sampling_ratio", "must be between 0 and 1"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		errs.Add(errors.InvalidConfig("log.format", fmt.Sprintf("unknown log format %q", c.Log.Format)))
	}

	return errs.Combined()
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // paths that were loaded

	explicit    string
	searchPaths func() []string
	getenv      func(string) string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFile adds an explicit config file that must exist.
func WithFile(path string) ManagerOption {
	return func(m *Manager) {
		m.explicit = path
	}
}

// WithSearchPaths replaces the system, user and project lookup.
func WithSearchPaths(paths ...string) ManagerOption {
	return func(m *Manager) {
		m.searchPaths = func() []string { return paths }
	}
}

// WithEnv replaces os.Getenv.
func WithEnv(getenv func(string) string) ManagerOption {
	return func(m *Manager) {
		m.getenv = getenv
	}
}

// NewManager creates a new configuration manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		config:      Default(),
		searchPaths: defaultSearchPaths,
		getenv:      os.Getenv,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load loads configuration from all sources in priority order. Missing
// search-path files are skipped; a missing explicit file is an error.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.searchPaths() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := m.loadFile(path); err != nil {
			return err
		}
		m.paths = append(m.paths, path)
	}

	if m.explicit != "" {
		if err := m.loadFile(m.explicit); err != nil {
			return err
		}
		m.paths = append(m.paths, m.explicit)
	}

	return m.loadEnv()
}

func defaultSearchPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/skelstream/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".skelstream", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".skelstream.yaml"))
	}

	return paths
}

// loadFile decodes one file over the current config. Keys absent from the
// file keep their earlier value.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeConfigRead, "failed to read config file").
			WithContext("path", path)
	}

	if err := yaml.Unmarshal(data, m.config); err != nil {
		return errors.Wrap(err, errors.CodeConfigInvalid, "failed to parse config file").
			WithContext("path", path)
	}
	return nil
}

// envBindings maps SKELSTREAM_* variables onto config fields.
func (m *Manager) envBindings() map[string]interface{} {
	c := m.config
	return map[string]interface{}{
		"CASE_ID_KEY":              &c.Stream.CaseIDKey,
		"ACTIVITY_KEY":             &c.Stream.ActivityKey,
		"SHARDS":                   &c.Stream.Shards,
		"BUFFER_SIZE":              &c.Stream.BufferSize,
		"MODEL":                    &c.Model.Path,
		"SOURCE":                   &c.Source.Kind,
		"SOURCE_PATH":              &c.Source.Path,
		"POLL_INTERVAL":            &c.Source.PollInterval,
		"SOURCE_START_AT_END":      &c.Source.StartAtEnd,
		"REPORT_BACKEND":           &c.Report.Backend,
		"REPORT_INTERVAL":          &c.Report.Interval,
		"REPORT_DIR":               &c.Report.Local.Dir,
		"REDIS_ADDRESS":            &c.Report.Redis.Address,
		"REDIS_PASSWORD":           &c.Report.Redis.Password,
		"S3_BUCKET":                &c.Report.S3.Bucket,
		"S3_REGION":                &c.Report.S3.Region,
		"S3_ENDPOINT":              &c.Report.S3.Endpoint,
		"LISTEN":                   &c.Server.Listen,
		"API_KEYS":                 &c.Server.APIKeys,
		"TELEMETRY_ENABLED":        &c.Telemetry.Enabled,
		"OTLP_ENDPOINT":            &c.Telemetry.Endpoint,
		"TELEMETRY_SAMPLING_RATIO": &c.Telemetry.SamplingRatio,
		"LOG_LEVEL":                &c.Log.Level,
		"LOG_FORMAT":               &c.Log.Format,
	}
}

// loadEnv applies SKELSTREAM_* overrides.
func (m *Manager) loadEnv() error {
	for name, field := range m.envBindings() {
		v := m.getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		if err := setField(field, v); err != nil {
			return errors.Wrap(err, errors.CodeConfigInvalid, "invalid environment override").
				WithContext("variable", EnvPrefix+name)
		}
	}
	return nil
}

func setField(field interface{}, v string) error {
	switch p := field.(type) {
	case *string:
		*p = v
	case *int:
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
	case *float64:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*p = f
	case *time.Duration:
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
	case *[]string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*p = out
	default:
		return fmt.Errorf("unsupported field type %T", field)
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paths...)
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
