// Package config centralizes how mediavault reads its settings from the
// environment and an optional config file.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dharsanguruparan/mediavault/internal/model"
)

// Queue backends.
const (
	QueueLocal = "local"
	QueueRedis = "redis"
)

// Config represents runtime configuration for the service.
type Config struct {
	Address         string
	DataDir         string
	StorageDir      string
	TempStorageDir  string
	ScratchDir      string
	IndexFile       string
	MaxFileSize     int64
	AllowedTypes    []string
	FFmpegPath      string
	Watch           bool
	ShutdownTimeout time.Duration
	Queue           QueueConfig
	Log             LogConfig
}

// QueueConfig selects how conversions are dispatched.
type QueueConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string
	Development bool
}

const (
	envPrefix              = "MEDIAVAULT"
	defaultAddress         = ":3000"
	defaultDataDir         = "."
	defaultFFmpeg          = "ffmpeg"
	defaultRedisAddr       = "127.0.0.1:6379"
	defaultConcurrency     = 2
	defaultShutdownTimeout = 10 * time.Second
)

// Load reads configuration from the environment, and from path when it is
// non-empty, falling back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	dataDir := v.GetString("data_dir")
	cfg := &Config{
		Address:         v.GetString("address"),
		DataDir:         dataDir,
		StorageDir:      dirOr(v, "storage_dir", dataDir, "storage"),
		TempStorageDir:  dirOr(v, "temp_storage_dir", dataDir, "temp_storage"),
		ScratchDir:      dirOr(v, "scratch_dir", dataDir, "temp"),
		IndexFile:       dirOr(v, "index_file", dataDir, "index.json"),
		MaxFileSize:     v.GetInt64("max_file_bytes"),
		AllowedTypes:    parseList(v.GetStringSlice("allowed_types")),
		FFmpegPath:      v.GetString("ffmpeg_path"),
		Watch:           v.GetBool("watch"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		Queue: QueueConfig{
			Backend:       strings.ToLower(v.GetString("queue.backend")),
			RedisAddr:     v.GetString("queue.redis_addr"),
			RedisPassword: v.GetString("queue.redis_password"),
			RedisDB:       v.GetInt("queue.redis_db"),
			Concurrency:   v.GetInt("queue.concurrency"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = model.DefaultMaxFileSize
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = model.AcceptedTypes()
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = defaultConcurrency
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	switch cfg.Queue.Backend {
	case QueueLocal, QueueRedis:
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("address", defaultAddress)
	v.SetDefault("data_dir", defaultDataDir)
	v.SetDefault("storage_dir", "")
	v.SetDefault("temp_storage_dir", "")
	v.SetDefault("scratch_dir", "")
	v.SetDefault("index_file", "")
	v.SetDefault("max_file_bytes", model.DefaultMaxFileSize)
	v.SetDefault("allowed_types", strings.Join(model.AcceptedTypes(), ","))
	v.SetDefault("ffmpeg_path", defaultFFmpeg)
	v.SetDefault("watch", false)
	v.SetDefault("shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("queue.backend", QueueLocal)
	v.SetDefault("queue.redis_addr", defaultRedisAddr)
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.concurrency", defaultConcurrency)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// dirOr returns the configured value for key, or <dataDir>/<name>.
func dirOr(v *viper.Viper, key, dataDir, name string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return filepath.Join(dataDir, name)
}

// parseList accepts both YAML lists and comma separated env values.
func parseList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
