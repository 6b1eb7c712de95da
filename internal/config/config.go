package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	SourceRoot  string `toml:"source_root"`
	ArtifactDir string `toml:"artifact_dir"`
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
	APIBind     string `toml:"api_bind"`
	APIToken    string `toml:"api_token"`
}

// Cache contains tiering and eviction knobs for the artifact cache.
type Cache struct {
	// HotWindow is how long after creation an artifact is reported as hot.
	HotWindow Duration `toml:"hot_window"`
	// MaxAge expires artifacts entirely; zero keeps them until evicted for space.
	MaxAge        Duration `toml:"max_age"`
	MaxBytes      int64    `toml:"max_bytes"`
	DiskFraction  float64  `toml:"disk_fraction"`
	SweepInterval Duration `toml:"sweep_interval"`
	OrphanGrace   Duration `toml:"orphan_grace"`
}

// Builder contains archive build settings.
type Builder struct {
	Workers          int      `toml:"workers"`
	CompressionLevel int      `toml:"compression_level"`
	MinFreeBytes     int64    `toml:"min_free_bytes"`
	RecordLinger     Duration `toml:"record_linger"`
}

// Fingerprint controls how cache keys are derived from requested folders.
type Fingerprint struct {
	PerUser         bool   `toml:"per_user"`
	CaseInsensitive bool   `toml:"case_insensitive"`
	VersionSignal   string `toml:"version_signal"`
}

// Delivery contains signed download URL settings.
type Delivery struct {
	BaseURL    string   `toml:"base_url"`
	SigningKey string   `toml:"signing_key"`
	URLTTL     Duration `toml:"url_ttl"`
}

// Broadcast contains progress fan-out settings.
type Broadcast struct {
	Buffer        int    `toml:"buffer"`
	History       int    `toml:"history"`
	RedisEnabled  bool   `toml:"redis_enabled"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// Prewarm contains the background warm-up sweep settings.
type Prewarm struct {
	Enabled     bool     `toml:"enabled"`
	Interval    Duration `toml:"interval"`
	Concurrency int      `toml:"concurrency"`
	Folders     []string `toml:"folders"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for zipline.
//
// Configuration sections by subsystem:
//   - Paths: source tree, artifact storage, and API bind address
//   - Cache: hot window, expiry, and disk budget for artifacts
//   - Builder: worker pool size and compression level
//   - Fingerprint: cache key derivation
//   - Delivery: signed URL issuing
//   - Broadcast: progress buffering and the optional Redis relay
//   - Prewarm: folders built ahead of demand
//   - Logging: log format, level, and retention
type Config struct {
	Paths       Paths       `toml:"paths"`
	Cache       Cache       `toml:"cache"`
	Builder     Builder     `toml:"builder"`
	Fingerprint Fingerprint `toml:"fingerprint"`
	Delivery    Delivery    `toml:"delivery"`
	Broadcast   Broadcast   `toml:"broadcast"`
	Prewarm     Prewarm     `toml:"prewarm"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
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
		decoder.DisallowUnknownFields()
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

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("zipline.toml")
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
// SourceRoot is only checked, never created.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ArtifactDir, c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	info, err := os.Stat(c.Paths.SourceRoot)
	if err != nil {
		return fmt.Errorf("source root %q: %w", c.Paths.SourceRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source root %q is not a directory", c.Paths.SourceRoot)
	}
	return nil
}

// IndexPath is the SQLite file that backs the artifact cache index.
func (c *Config) IndexPath() string {
	return filepath.Join(c.Paths.StateDir, "artifacts.db")
}

// LockPath is the daemon's single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "ziplined.lock")
}

// LogFilePath is the daemon log file inside LogDir.
func (c *Config) LogFilePath() string {
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return ""
	}
	return filepath.Join(c.Paths.LogDir, "ziplined.log")
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
