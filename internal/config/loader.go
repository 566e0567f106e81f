package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".gh-mine"

// envPrefix is the environment variable prefix for gh-mine settings.
const envPrefix = "GH_MINE"

// optionalKeys have no default but may still come from the environment.
var optionalKeys = []string{
	"language", "minStars", "maxStars", "minSizeKB", "maxSizeKB", "topics",
	"createdAfter", "createdBefore", "pushedAfter", "pushedBefore",
	"sort", "order", "seeds", "workDir", "checkpoint", "metricsFile",
	"host", "token",
}

// Load loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME under any extension
// viper understands. A missing config file is not an error.
//
// A .env file next to the config file (or in CWD) is loaded into the process
// environment first. Variables that are already set win.
func Load(configPath string) (*Config, error) {
	envFile := ".env"
	if configPath != "" {
		envFile = filepath.Join(filepath.Dir(configPath), ".env")
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range optionalKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("maxResults", DefaultMaxResults)
	v.SetDefault("includeForks", false)
	v.SetDefault("includeArchived", false)
	v.SetDefault("seedsOnly", false)
	v.SetDefault("retryTransient", false)
	v.SetDefault("downloadConcurrency", DefaultDownloadConcurrency)
	v.SetDefault("retryLimit", DefaultRetryLimit)
	v.SetDefault("maxFileSize", DefaultMaxFileSize)
	v.SetDefault("maxExtractSize", DefaultMaxExtractSize)
	v.SetDefault("scanManifests", DefaultScanManifests)
	v.SetDefault("report", DefaultReportPath)
	v.SetDefault("checkpointInterval", DefaultCheckpointInterval)
	v.SetDefault("gracePeriod", DefaultGracePeriod)
}
