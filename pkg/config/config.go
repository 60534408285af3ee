// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fawa-io/keydrop/pkg/fwlog"
)

type Config struct {
	Addr     string `mapstructure:"addr"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	LogLevel string `mapstructure:"logLevel"`

	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Minio     MinioConfig     `mapstructure:"minio"`
	Retention RetentionConfig `mapstructure:"retention"`
	Limits    LimitsConfig    `mapstructure:"limits"`
}

type StorageConfig struct {
	// Backend is one of local, remote or mock.
	Backend string `mapstructure:"backend"`
	Root    string `mapstructure:"root"`
	// Index is one of json, bolt, redis or memory. Only used by the local backend.
	Index  string `mapstructure:"index"`
	TmpDir string `mapstructure:"tmpDir"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type MinioConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"accessKeyID"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	Bucket          string `mapstructure:"bucket"`
	UseSSL          bool   `mapstructure:"useSSL"`
}

type RetentionConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Schedule   string `mapstructure:"schedule"`
}

type LimitsConfig struct {
	// Upload and Download are per client IP per day. Zero disables the limit.
	Upload         int   `mapstructure:"upload"`
	Download       int   `mapstructure:"download"`
	MaxUploadBytes int64 `mapstructure:"maxUploadBytes"`
}

const defaultPort = "3000"

var defaults = map[string]any{
	"logLevel":              "info",
	"storage.backend":       "local",
	"storage.root":          "./storage_root",
	"storage.index":         "json",
	"redis.prefix":          "keydrop",
	"retention.enabled":     true,
	"retention.maxAgeDays":  7,
	"retention.schedule":    "0 3 * * *",
	"limits.upload":         20,
	"limits.download":       200,
	"limits.maxUploadBytes": int64(100 << 20),
}

// envBindings lists the variables read for every key, in priority order.
var envBindings = map[string][]string{
	"addr":                  {"KEYDROP_ADDR"},
	"port":                  {"PORT"},
	"logLevel":              {"KEYDROP_LOG_LEVEL", "LOG_LEVEL"},
	"storage.backend":       {"KEYDROP_STORAGE_BACKEND", "PROVIDER"},
	"storage.root":          {"KEYDROP_STORAGE_ROOT", "FOLDER"},
	"storage.index":         {"KEYDROP_STORAGE_INDEX"},
	"storage.tmpDir":        {"KEYDROP_STORAGE_TMPDIR"},
	"redis.addr":            {"KEYDROP_REDIS_ADDR", "DRAGONFLY_ADDR"},
	"redis.password":        {"KEYDROP_REDIS_PASSWORD"},
	"redis.db":              {"KEYDROP_REDIS_DB"},
	"minio.endpoint":        {"MINIO_ENDPOINT"},
	"minio.accessKeyID":     {"MINIO_ACCESS_KEY_ID"},
	"minio.secretAccessKey": {"MINIO_SECRET_ACCESS_KEY"},
	"minio.bucket":          {"MINIO_BUCKET_NAME"},
	"minio.useSSL":          {"MINIO_USE_SSL"},
	"retention.enabled":     {"KEYDROP_RETENTION_ENABLED"},
	"retention.maxAgeDays":  {"KEYDROP_RETENTION_DAYS", "CLEANUP_DAYS"},
	"retention.schedule":    {"KEYDROP_RETENTION_SCHEDULE"},
	"limits.upload":         {"UPLOAD_LIMIT"},
	"limits.download":       {"DOWNLOAD_LIMIT"},
	"limits.maxUploadBytes": {"KEYDROP_MAX_UPLOAD_BYTES"},
}

// Backend names accepted for storage.backend besides local, remote and mock.
var backendAliases = map[string]string{
	"google": "remote",
	"s3":     "remote",
	"minio":  "remote",
}

var (
	once sync.Once

	mu sync.RWMutex

	config Config
)

// InitConfig loads .env, the config file, the environment and the command
// line into the process wide snapshot and watches the config file.
func InitConfig() error {
	var initErr error
	once.Do(func() {
		initErr = LoadAndWatch()
	})
	return initErr
}

func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return config
}

func LoadAndWatch() error {
	if err := godotenv.Load(); err != nil {
		fwlog.Debugf("No .env file loaded: %v", err)
	}

	v := viper.GetViper()
	cfg, err := Load(v, pflag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	mu.Lock()
	config = cfg
	mu.Unlock()

	if v.ConfigFileUsed() == "" {
		return nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		fwlog.Infof("Config file %s changed, reloading log level", e.Name)

		var next Config
		if err := v.Unmarshal(&next); err != nil {
			fwlog.Errorf("Error while reloading config: %v", err)
			return
		}
		newLogLevel, err := fwlog.ParseLevel(next.LogLevel)
		if err != nil {
			fwlog.Warnf("New log level in config is invalid: %v. Keeping previous level.", err)
			return
		}
		mu.Lock()
		config.LogLevel = next.LogLevel
		mu.Unlock()
		fwlog.SetLevel(newLogLevel)
		fwlog.Infof("Log level reloaded successfully to: %s", next.LogLevel)
	})
	v.WatchConfig()
	return nil
}

// RegisterFlags defines the command line flags understood by Load.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to the config file (default: ./config.yaml or /etc/keydrop/config.yaml).")
	flags.String("addr", "", "HTTP service address (e.g., '127.0.0.1:3000').")
	flags.String("certFile", "", "Path to the TLS certificate file.")
	flags.String("keyFile", "", "Path to the TLS private key file.")
	flags.String("logLevel", "info", "Log level: debug, info, warn, error or fatal.")
	flags.String("storage.backend", "local", "Storage backend: local, remote or mock.")
	flags.String("storage.root", "./storage_root", "Directory of the local backend.")
	flags.String("storage.index", "json", "Index of the local backend: json, bolt, redis or memory.")
	flags.String("storage.tmpDir", "", "Directory uploads are spooled to (default: system temp dir).")
	flags.String("redis.addr", "", "Redis/Dragonfly address for the redis index.")
	flags.Int("retention.maxAgeDays", 7, "Evict files not read for this many days.")
	flags.Int("limits.upload", 20, "Uploads per client IP per day, 0 for unlimited.")
	flags.Int("limits.download", 200, "Downloads per client IP per day, 0 for unlimited.")
}

// Load resolves the configuration from defaults, the config file, the
// environment and args, in increasing priority. flags may be nil.
func Load(v *viper.Viper, flags *pflag.FlagSet, args []string) (Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if flags != nil {
		if flags.Lookup("addr") == nil {
			RegisterFlags(flags)
		}
		if !flags.Parsed() {
			if err := flags.Parse(args); err != nil {
				return Config{}, err
			}
		}
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("failed to bind pflags: %w", err)
		}
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/keydrop/")
	}
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fwlog.Infof("Config file not found.")
		} else {
			return Config{}, fmt.Errorf("fatal error config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("the configuration cannot be decoded into the struct: %w", err)
	}
	if cfg.Addr == "" {
		port := v.GetString("port")
		if port == "" {
			port = defaultPort
		}
		cfg.Addr = ":" + port
	}
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	if alias, ok := backendAliases[cfg.Storage.Backend]; ok {
		cfg.Storage.Backend = alias
	}
	cfg.Storage.Index = strings.ToLower(cfg.Storage.Index)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if _, err := fwlog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case "local":
		switch c.Storage.Index {
		case "json", "bolt", "memory":
		case "redis":
			if c.Redis.Addr == "" {
				errs = append(errs, errors.New("redis index requires redis.addr"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage index %q", c.Storage.Index))
		}
		if c.Storage.Root == "" {
			errs = append(errs, errors.New("local backend requires storage.root"))
		}
	case "remote":
		m := c.Minio
		if m.Endpoint == "" || m.AccessKeyID == "" || m.SecretAccessKey == "" || m.Bucket == "" {
			errs = append(errs, errors.New("remote backend requires minio endpoint, credentials and bucket"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Retention.Enabled && c.Retention.MaxAgeDays <= 0 {
		errs = append(errs, fmt.Errorf("retention.maxAgeDays must be positive, got %d", c.Retention.MaxAgeDays))
	}
	if c.Limits.Upload < 0 || c.Limits.Download < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Limits.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("limits.maxUploadBytes must be positive, got %d", c.Limits.MaxUploadBytes))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
