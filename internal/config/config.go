package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir          string `toml:"data_dir"`
	LogDir           string `toml:"log_dir"`
	DefaultOutputDir string `toml:"default_output_dir"`
}

// API contains the daemon HTTP listener settings.
type API struct {
	Bind        string   `toml:"bind"`
	Token       string   `toml:"token"`
	CORSOrigins []string `toml:"cors_origins"`
}

// PhaseTimeouts bounds each collaborator call, in seconds.
type PhaseTimeouts struct {
	Acquire     int `toml:"acquire"`
	Arrange     int `toml:"arrange"`
	Separate    int `toml:"separate"`
	Analyze     int `toml:"analyze"`
	Postprocess int `toml:"postprocess"`
	Export      int `toml:"export"`
}

// Workflow contains batch execution settings.
type Workflow struct {
	PhaseTimeouts       PhaseTimeouts `toml:"phase_timeouts"`
	CancelBetweenPhases bool          `toml:"cancel_between_phases"`
	SubscriberBuffer    int           `toml:"subscriber_buffer"`
	EventHistory        int           `toml:"event_history"`
}

// Collaborators names the external commands invoked by the analysis phases.
// Each command is an argv list; placeholders are substituted per job.
type Collaborators struct {
	ArrangeCommand  []string `toml:"arrange_command"`
	SeparateCommand []string `toml:"separate_command"`
	AnalyzeCommand  []string `toml:"analyze_command"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Batch          bool   `toml:"batch"`
	Errors         bool   `toml:"errors"`
}

// Events configures the optional broker sinks fed from the progress channel.
type Events struct {
	AMQPURL        string `toml:"amqp_url"`
	AMQPExchange   string `toml:"amqp_exchange"`
	RedisAddr      string `toml:"redis_addr"`
	RedisPassword  string `toml:"redis_password"`
	RedisDB        int    `toml:"redis_db"`
	RedisPrefix    string `toml:"redis_prefix"`
	RedisStatusTTL int    `toml:"redis_status_ttl"`
}

// Storage configures S3-compatible object storage for remote sources and
// export uploads.
type Storage struct {
	Region       string `toml:"region"`
	Endpoint     string `toml:"endpoint"`
	UsePathStyle bool   `toml:"use_path_style"`
	ExportBucket string `toml:"export_bucket"`
	ExportPrefix string `toml:"export_prefix"`
}

// Config encapsulates all configuration values for stemflow.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and default output directories
//   - API: daemon listener, bearer token, CORS origins
//   - Workflow: per-phase timeouts and cancellation policy
//   - Collaborators: external analysis commands
//   - Logging: log format, level, and retention
//   - Notifications: ntfy push notification settings
//   - Events: AMQP and Redis progress sinks
//   - Storage: S3 access for remote sources and exports
type Config struct {
	Paths         Paths         `toml:"paths"`
	API           API           `toml:"api"`
	Workflow      Workflow      `toml:"workflow"`
	Collaborators Collaborators `toml:"collaborators"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	Events        Events        `toml:"events"`
	Storage       Storage       `toml:"storage"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/stemflow/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("stemflow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the location of the job history database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "stemflow.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "stemflow.lock")
}

// PhaseTimeout returns the collaborator bound for the named phase. Unknown
// phases fall back to the export timeout, the shortest configured bound.
func (c *Config) PhaseTimeout(phase string) time.Duration {
	t := c.Workflow.PhaseTimeouts
	var seconds int
	switch strings.ToLower(strings.TrimSpace(phase)) {
	case "acquire":
		seconds = t.Acquire
	case "arrange":
		seconds = t.Arrange
	case "separate":
		seconds = t.Separate
	case "analyze":
		seconds = t.Analyze
	case "postprocess":
		seconds = t.Postprocess
	default:
		seconds = t.Export
	}
	return time.Duration(seconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
