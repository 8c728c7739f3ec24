package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the configurator server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
	Generation GenerationConfig `yaml:"generation"`
	Blob       BlobConfig       `yaml:"blob"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	MigrationsDir   string        `yaml:"migrations_dir"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GenerationConfig controls how and how many headless tool invocations run.
type GenerationConfig struct {
	ToolExecutablePath       string        `yaml:"tool_executable_path"`
	ToolScriptPath           string        `yaml:"tool_script_path"`
	WorkDir                  string        `yaml:"work_dir"`
	MaxConcurrentInvocations int           `yaml:"max_concurrent_invocations"`
	InvocationTimeout        time.Duration `yaml:"invocation_timeout"`
	MaxRetries               int           `yaml:"max_retries"`
	RetryBaseDelay           time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay            time.Duration `yaml:"retry_max_delay"`
	RetryMaxJitter           time.Duration `yaml:"retry_max_jitter"`
}

type BlobConfig struct {
	Backend           string        `yaml:"backend"`
	TemplateContainer string        `yaml:"template_container"`
	ResultContainer   string        `yaml:"result_container"`
	ResultTTL         time.Duration `yaml:"result_ttl"`
	FS                FSBlobConfig  `yaml:"fs"`
	GCS               GCSBlobConfig `yaml:"gcs"`
}

type FSBlobConfig struct {
	Root      string `yaml:"root"`
	PublicURL string `yaml:"public_url"`
}

type GCSBlobConfig struct {
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
	PublicURL       string `yaml:"public_url"`
}

type AuthConfig struct {
	BootstrapAdminKey  string `yaml:"bootstrap_admin_key"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

var validBackends = map[string]bool{
	"fs":  true,
	"gcs": true,
}

var validLogFormats = map[string]bool{
	"json":    true,
	"console": true,
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "development"},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 2 * time.Minute,
			MigrationsDir:   "migrations",
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Generation: GenerationConfig{
			ToolExecutablePath:       "blender",
			ToolScriptPath:           "scripts/generate_glb.py",
			WorkDir:                  os.TempDir(),
			MaxConcurrentInvocations: 2,
			InvocationTimeout:        60 * time.Second,
			MaxRetries:               3,
			RetryBaseDelay:           2 * time.Second,
			RetryMaxDelay:            30 * time.Second,
			RetryMaxJitter:           500 * time.Millisecond,
		},
		Blob: BlobConfig{
			Backend:           "fs",
			TemplateContainer: "blender-templates",
			ResultContainer:   "generated-models",
			ResultTTL:         24 * time.Hour,
			FS: FSBlobConfig{
				Root:      "data/blobs",
				PublicURL: "http://localhost:8080/files",
			},
		},
		Auth: AuthConfig{RateLimitPerMinute: 60},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then environment variables. The result is
// validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = envInt("CONFIGURATOR_PORT", c.Server.Port)
	c.Server.Env = envString("CONFIGURATOR_ENV", c.Server.Env)

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.ConnMaxIdleTime = envDuration("DATABASE_CONN_MAX_IDLE_TIME", c.Database.ConnMaxIdleTime)
	c.Database.MigrationsDir = envString("DATABASE_MIGRATIONS_DIR", c.Database.MigrationsDir)

	c.Redis.URL = envString("REDIS_URL", c.Redis.URL)

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)

	g := &c.Generation
	g.ToolExecutablePath = envString("TOOL_EXECUTABLE_PATH", g.ToolExecutablePath)
	g.ToolScriptPath = envString("TOOL_SCRIPT_PATH", g.ToolScriptPath)
	g.WorkDir = envString("GENERATION_WORK_DIR", g.WorkDir)
	g.MaxConcurrentInvocations = envInt("MAX_CONCURRENT_INVOCATIONS", g.MaxConcurrentInvocations)
	g.InvocationTimeout = envDurationSecs("INVOCATION_TIMEOUT_SECONDS", g.InvocationTimeout)
	g.MaxRetries = envInt("GENERATION_MAX_RETRIES", g.MaxRetries)
	g.RetryBaseDelay = envDuration("GENERATION_RETRY_BASE_DELAY", g.RetryBaseDelay)
	g.RetryMaxDelay = envDuration("GENERATION_RETRY_MAX_DELAY", g.RetryMaxDelay)
	g.RetryMaxJitter = envDuration("GENERATION_RETRY_MAX_JITTER", g.RetryMaxJitter)

	b := &c.Blob
	b.Backend = envString("BLOB_BACKEND", b.Backend)
	b.TemplateContainer = envString("BLOB_TEMPLATE_CONTAINER", b.TemplateContainer)
	b.ResultContainer = envString("BLOB_RESULT_CONTAINER", b.ResultContainer)
	b.ResultTTL = envDuration("BLOB_RESULT_TTL", b.ResultTTL)
	b.FS.Root = envString("BLOB_FS_ROOT", b.FS.Root)
	b.FS.PublicURL = envString("BLOB_FS_PUBLIC_URL", b.FS.PublicURL)
	b.GCS.Bucket = envString("BLOB_GCS_BUCKET", b.GCS.Bucket)
	b.GCS.CredentialsFile = envString("BLOB_GCS_CREDENTIALS_FILE", b.GCS.CredentialsFile)
	b.GCS.PublicURL = envString("BLOB_GCS_PUBLIC_URL", b.GCS.PublicURL)

	c.Auth.BootstrapAdminKey = envString("BOOTSTRAP_ADMIN_KEY", c.Auth.BootstrapAdminKey)
	c.Auth.RateLimitPerMinute = envInt("RATE_LIMIT_PER_MINUTE", c.Auth.RateLimitPerMinute)
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return errors.New("REDIS_URL is required")
	}

	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console; got %q", c.Log.Format)
	}

	g := c.Generation
	if g.ToolExecutablePath == "" {
		return errors.New("TOOL_EXECUTABLE_PATH is required")
	}
	if g.MaxConcurrentInvocations < 1 {
		return fmt.Errorf("MAX_CONCURRENT_INVOCATIONS must be at least 1, got %d", g.MaxConcurrentInvocations)
	}
	if g.InvocationTimeout <= 0 {
		return fmt.Errorf("INVOCATION_TIMEOUT_SECONDS must be positive, got %s", g.InvocationTimeout)
	}
	if g.MaxRetries < 0 {
		return fmt.Errorf("GENERATION_MAX_RETRIES must not be negative, got %d", g.MaxRetries)
	}

	if !validBackends[c.Blob.Backend] {
		return fmt.Errorf("BLOB_BACKEND must be one of fs, gcs; got %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "gcs" && c.Blob.GCS.Bucket == "" {
		return errors.New("BLOB_GCS_BUCKET is required when BLOB_BACKEND is gcs")
	}
	if c.Blob.Backend == "fs" {
		if c.Blob.FS.Root == "" {
			return errors.New("BLOB_FS_ROOT is required when BLOB_BACKEND is fs")
		}
		if !strings.HasPrefix(c.Blob.FS.PublicURL, "http://") && !strings.HasPrefix(c.Blob.FS.PublicURL, "https://") {
			return fmt.Errorf("BLOB_FS_PUBLIC_URL must start with http:// or https://, got %q", c.Blob.FS.PublicURL)
		}
	}
	if c.Blob.ResultTTL <= 0 {
		return fmt.Errorf("BLOB_RESULT_TTL must be positive, got %s", c.Blob.ResultTTL)
	}

	if c.Auth.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1, got %d", c.Auth.RateLimitPerMinute)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
