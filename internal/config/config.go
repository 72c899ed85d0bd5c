package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

const (
	defaultConfigPath = "config.json"
	envPrefix         = "CDR_"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `koanf:"basic_config"`
	Storage     StorageConfig             `koanf:"storage"`
	Databases   map[string]DatabaseConfig `koanf:"databases"`
	Redis       RedisConfig               `koanf:"redis"`
	Worker      WorkerConfig              `koanf:"worker"`
	Pipeline    PipelineConfig            `koanf:"pipeline"`
	Analysis    AnalysisConfig            `koanf:"analysis"`
	Providers   map[string]ProviderConfig `koanf:"providers"`
	Cache       CacheConfig               `koanf:"cache"`
	Minio       MinioConfig               `koanf:"minio"`
}

type BasicConfig struct {
	ServerAddress  string `koanf:"server_address"`
	Debug          bool   `koanf:"debug"`
	APIToken       string `koanf:"api_token"`
	MaxUploadBytes int64  `koanf:"max_upload_bytes" validate:"gt=0"`
}

// StorageConfig selects the key-value substrate behind the task and log stores.
type StorageConfig struct {
	Backend    string `koanf:"backend" validate:"oneof=memory sqlite sqlite3 mysql redis"`
	QuotaBytes int64  `koanf:"quota_bytes" validate:"gte=0"`
}

type DatabaseConfig struct {
	DSN      string `koanf:"dsn"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DBName   string `koanf:"dbname"`
	Params   string `koanf:"params"`
}

type RedisConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// FanOut relays audit log notifications between instances through pub/sub.
	FanOut bool `koanf:"fan_out"`
}

type WorkerConfig struct {
	MinWorkers  int           `koanf:"min_workers" validate:"gte=0"`
	MaxWorkers  int           `koanf:"max_workers" validate:"gt=0"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

// PipelineConfig holds the simulated stage durations.
type PipelineConfig struct {
	UploadDelay      time.Duration `koanf:"upload_delay"`
	AnalysisDelay    time.Duration `koanf:"analysis_delay"`
	SanitizeDuration time.Duration `koanf:"sanitize_duration"`
}

type AnalysisConfig struct {
	Provider string `koanf:"provider" validate:"omitempty,oneof=gemini openai claude none"`
	Model    string `koanf:"model"`
}

type ProviderConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

type CacheConfig struct {
	ContentEntries int           `koanf:"content_entries" validate:"gt=0"`
	ContentTTL     time.Duration `koanf:"content_ttl"`
}

// MinioConfig enables artifact archiving when Endpoint is set.
type MinioConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	UseSSL    bool   `koanf:"use_ssl"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"basic_config.server_address":   ":8090",
		"basic_config.max_upload_bytes": 50 << 20,
		"storage.backend":               "sqlite3",
		"databases.sqlite3.dsn":         "file:aegis.db?_busy_timeout=5000",
		"worker.min_workers":            2,
		"worker.max_workers":            32,
		"worker.idle_timeout":           "30s",
		"pipeline.upload_delay":         "800ms",
		"pipeline.analysis_delay":       "1s",
		"pipeline.sanitize_duration":    "3s",
		"analysis.provider":             "gemini",
		"cache.content_entries":         256,
		"cache.content_ttl":             "1h",
		"minio.bucket":                  "aegis-artifacts",
	}
}

// Load reads configuration from the provided path (defaults to config.json),
// then applies CDR_* environment overrides. Nested keys use a double
// underscore, e.g. CDR_STORAGE__BACKEND=redis.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = defaultConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if _, err := os.Stat(absPath); err == nil {
		if err := k.Load(file.Provider(absPath), json.Parser()); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", absPath, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	for name, db := range cfg.Databases {
		if isSQLite(name) && db.DSN != "" {
			db.DSN = resolveSQLitePath(db.DSN, filepath.Dir(absPath))
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

// Validate checks struct tags and cross-field requirements.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if cfg.Worker.MaxWorkers < cfg.Worker.MinWorkers {
		return fmt.Errorf("validate config: max_workers (%d) below min_workers (%d)", cfg.Worker.MaxWorkers, cfg.Worker.MinWorkers)
	}
	switch strings.ToLower(cfg.Storage.Backend) {
	case "sqlite", "sqlite3", "mysql":
		if _, ok := cfg.Databases[cfg.Storage.Backend]; !ok {
			return fmt.Errorf("validate config: database config for %s not found", cfg.Storage.Backend)
		}
	}
	return nil
}

func isSQLite(name string) bool {
	name = strings.ToLower(name)
	return name == "sqlite" || name == "sqlite3"
}

// resolveSQLitePath makes a relative sqlite file DSN relative to the config directory.
func resolveSQLitePath(dsn, baseDir string) string {
	rest := strings.TrimPrefix(dsn, "file:")
	pathPart, query, _ := strings.Cut(rest, "?")
	if pathPart == "" || pathPart == ":memory:" || filepath.IsAbs(pathPart) {
		return dsn
	}
	resolved := "file:" + filepath.Join(baseDir, pathPart)
	if query != "" {
		resolved += "?" + query
	}
	return resolved
}
