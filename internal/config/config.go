// Package config loads process configuration via viper, per spec §6's
// "children expect one configuration message carrying a log config,
// certificate paths, bind address, and proxy port".
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is one perspectivedbd process's configuration.
type Config struct {
	DBPath       string        `mapstructure:"db_path"`
	BindAddr     string        `mapstructure:"bind_addr"`
	ProxyPort    int           `mapstructure:"proxy_port"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
	LogLevel     string        `mapstructure:"log_level"`
	LogFormat    string        `mapstructure:"log_format"`
	QueueLimit   int           `mapstructure:"queue_limit"`
	DrainBatch   int           `mapstructure:"drain_batch"`
	BackoffEvery time.Duration `mapstructure:"backoff_every"`

	// SourceMongoURI, when non-empty, enables the change bridge (C8):
	// perspectivedbd connects to this source collection, backfills it, and
	// mirrors new LOCAL heads back into it. Empty disables the bridge.
	SourceMongoURI   string        `mapstructure:"source_mongo_uri"`
	SourceMongoDB    string        `mapstructure:"source_mongo_db"`
	SourceCollection string        `mapstructure:"source_collection"`
	ReplicationPoll  time.Duration `mapstructure:"replication_poll"`
}

// defaults mirror the spec's stated defaults (queue limit 5000, drain batch
// 500) so an empty config file still yields a runnable process.
func defaults() Config {
	return Config{
		BindAddr:        ":0",
		LogLevel:        "info",
		LogFormat:       "json",
		QueueLimit:      5000,
		DrainBatch:      500,
		BackoffEvery:    50 * time.Millisecond,
		ReplicationPoll: 200 * time.Millisecond,
	}
}

// Load reads configuration from path (if non-empty) and environment
// variables prefixed PERSPECTIVEDB_, layered over defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetEnvPrefix("perspectivedb")
	v.AutomaticEnv()
	for k, val := range map[string]any{
		"db_path":       "",
		"bind_addr":     cfg.BindAddr,
		"proxy_port":    0,
		"cert_file":     "",
		"key_file":      "",
		"log_level":     cfg.LogLevel,
		"log_format":    cfg.LogFormat,
		"queue_limit":   cfg.QueueLimit,
		"drain_batch":   cfg.DrainBatch,
		"backoff_every": cfg.BackoffEvery,

		"source_mongo_uri":  "",
		"source_mongo_db":   "",
		"source_collection": "",
		"replication_poll":  cfg.ReplicationPoll,
	} {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return out, nil
}
